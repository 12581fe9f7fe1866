// ABOUTME: Configuration loading and parsing for livechat-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength matches the HS256 verifier's minimum secret size.
const MinJWTSecretLength = 32

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the complete livechat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Feed      FeedConfig      `yaml:"feed" toml:"feed"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTP on :443 with Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"` // WebSocket, admin API, health, metrics
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // grpc.health.v1 only; empty disables
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file path
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// RealtimeConfig holds connection registry and WebSocket settings
type RealtimeConfig struct {
	CleanupInterval time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout    time.Duration `yaml:"-" toml:"-"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`

	MaxMessageLength int   `yaml:"max_message_length" toml:"max_message_length"`
	ReadLimit        int64 `yaml:"read_limit" toml:"read_limit"`
	SendQueueSize    int   `yaml:"send_queue_size" toml:"send_queue_size"` // frames buffered per connection

	// Raw string values for unmarshaling
	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	ProbeTimeoutRaw    string `yaml:"probe_timeout" toml:"probe_timeout"`
	WriteTimeoutRaw    string `yaml:"write_timeout" toml:"write_timeout"`
}

// FeedConfig holds change-feed bridge settings
type FeedConfig struct {
	RetryInitialDelay time.Duration `yaml:"-" toml:"-"`
	RetryMaxDelay     time.Duration `yaml:"-" toml:"-"`

	MaxRetries int `yaml:"max_retries" toml:"max_retries"` // 0 retries forever
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`

	// Raw string values for unmarshaling
	RetryInitialDelayRaw string `yaml:"retry_initial_delay" toml:"retry_initial_delay"`
	RetryMaxDelayRaw     string `yaml:"retry_max_delay" toml:"retry_max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied when a field is left unset.
const (
	DefaultCleanupInterval   = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMessageLength  = 4000
	DefaultReadLimit         = 32 << 10
	DefaultSendQueueSize     = 64
	DefaultRetryInitialDelay = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultFeedBufferSize    = 256
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults, and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Realtime.CleanupInterval == 0 {
		c.Realtime.CleanupInterval = DefaultCleanupInterval
	}
	if c.Realtime.ProbeTimeout == 0 {
		c.Realtime.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if c.Realtime.MaxMessageLength == 0 {
		c.Realtime.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Realtime.ReadLimit == 0 {
		c.Realtime.ReadLimit = DefaultReadLimit
	}
	if c.Realtime.SendQueueSize == 0 {
		c.Realtime.SendQueueSize = DefaultSendQueueSize
	}
	if c.Feed.RetryInitialDelay == 0 {
		c.Feed.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if c.Feed.RetryMaxDelay == 0 {
		c.Feed.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultFeedBufferSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Realtime.CleanupInterval < 0 || c.Realtime.ProbeTimeout < 0 || c.Realtime.WriteTimeout < 0 {
		return errors.New("realtime durations must not be negative")
	}
	if c.Realtime.MaxMessageLength < 0 {
		return errors.New("realtime.max_message_length must not be negative")
	}
	if c.Realtime.ReadLimit < 0 {
		return errors.New("realtime.read_limit must not be negative")
	}
	if c.Realtime.SendQueueSize < 0 {
		return errors.New("realtime.send_queue_size must not be negative")
	}

	if c.Feed.RetryInitialDelay < 0 || c.Feed.RetryMaxDelay < 0 {
		return errors.New("feed retry delays must not be negative")
	}
	if c.Feed.RetryMaxDelay < c.Feed.RetryInitialDelay {
		return errors.New("feed.retry_max_delay must be at least feed.retry_initial_delay")
	}
	if c.Feed.MaxRetries < 0 {
		return errors.New("feed.max_retries must not be negative (0 retries forever)")
	}
	if c.Feed.BufferSize < 0 {
		return errors.New("feed.buffer_size must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (debug, info, warn, error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (text, json)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cleanup_interval", cfg.Realtime.CleanupIntervalRaw, &cfg.Realtime.CleanupInterval},
		{"probe_timeout", cfg.Realtime.ProbeTimeoutRaw, &cfg.Realtime.ProbeTimeout},
		{"write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
		{"retry_initial_delay", cfg.Feed.RetryInitialDelayRaw, &cfg.Feed.RetryInitialDelay},
		{"retry_max_delay", cfg.Feed.RetryMaxDelayRaw, &cfg.Feed.RetryMaxDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// ResolvePath returns the config file to load when none was given:
// $LIVECHAT_CONFIG, ./config.yaml, ./config.toml, then
// ~/.config/livechat/gateway.yaml. Returns an error if none exist.
func ResolvePath() (string, error) {
	if p := os.Getenv("LIVECHAT_CONFIG"); p != "" {
		return p, nil
	}

	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "livechat", "gateway.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no config file found (set LIVECHAT_CONFIG or pass --config)")
}
