// ABOUTME: Entry point for the livechat-gateway realtime server
// ABOUTME: Subcommands to serve, write a config, mint dev tokens, and probe health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/livechat-gateway/internal/auth"
	"github.com/2389/livechat-gateway/internal/config"
	"github.com/2389/livechat-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ _           _           _
| (_)_   _____| |__   __ _| |_
| | \ \ / / _ \ '_ \ / _' | __|
| | |\ V /  __/ | | | (_| | |_
|_|_| \_/ \___|_| |_|\__,_|\__|
`

func usage() {
	fmt.Println("Usage: livechat-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the gateway server")
	fmt.Println("  init     Write a new config file with a random JWT secret")
	fmt.Println("  token    Mint a participant token for development")
	fmt.Println("  health   Check gateway readiness")
	fmt.Println()
	fmt.Println("Run 'livechat-gateway <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// .env is optional; it only seeds variables for ${VAR} expansion
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads path, or the first config ResolvePath finds when path
// is empty. It returns the path actually used.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		resolved, err := config.ResolvePath()
		if err != nil {
			return nil, "", err
		}
		path = resolved
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "config file (default: $LIVECHAT_CONFIG, ./config.yaml, ./config.toml)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting livechat-gateway",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// initOptions are the values written by the init command.
type initOptions struct {
	HTTPAddr  string
	GRPCAddr  string
	DBPath    string
	JWTSecret string
}

// renderConfig produces a YAML config file for opts.
func renderConfig(opts initOptions) string {
	var b strings.Builder
	b.WriteString("# livechat-gateway configuration\n")
	b.WriteString("# Generated by livechat-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", opts.HTTPAddr)
	fmt.Fprintf(&b, "  grpc_addr: %q\n", opts.GRPCAddr)
	b.WriteString("\n")

	b.WriteString("database:\n")
	b.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&b, "  path: %q\n", opts.DBPath)
	b.WriteString("\n")

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", opts.JWTSecret)
	b.WriteString("\n")

	b.WriteString("realtime:\n")
	fmt.Fprintf(&b, "  cleanup_interval: %q\n", config.DefaultCleanupInterval.String())
	fmt.Fprintf(&b, "  max_message_length: %d\n", config.DefaultMaxMessageLength)
	fmt.Fprintf(&b, "  send_queue_size: %d\n", config.DefaultSendQueueSize)
	b.WriteString("\n")

	b.WriteString("feed:\n")
	fmt.Fprintf(&b, "  retry_initial_delay: %q\n", config.DefaultRetryInitialDelay.String())
	fmt.Fprintf(&b, "  retry_max_delay: %q\n", config.DefaultRetryMaxDelay.String())
	b.WriteString("  max_retries: 0\n")
	b.WriteString("\n")

	b.WriteString("logging:\n")
	b.WriteString("  level: \"info\"\n")
	b.WriteString("  format: \"text\"\n")
	b.WriteString("\n")

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit(args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	output := flags.StringP("output", "o", "config.yaml", "config file to write")
	httpAddr := flags.String("http", "localhost:8080", "HTTP listen address")
	grpcAddr := flags.String("grpc", "localhost:50051", "gRPC health listen address (empty disables)")
	dbPath := flags.String("db", filepath.Join("data", "livechat.db"), "SQLite database path")
	force := flags.BoolP("force", "f", false, "overwrite an existing file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*output); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *output)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	content := renderConfig(initOptions{
		HTTPAddr:  *httpAddr,
		GRPCAddr:  *grpcAddr,
		DBPath:    *dbPath,
		JWTSecret: secret,
	})

	if err := os.MkdirAll(filepath.Dir(*output), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(*output, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", *output)
	fmt.Println()
	yellow.Println("  Next:")
	fmt.Printf("    livechat-gateway serve -c %s\n", *output)
	fmt.Printf("    livechat-gateway token -c %s --participant <id>\n", *output)
	fmt.Println()
	return nil
}

func runToken(args []string) error {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "config file")
	participant := flags.StringP("participant", "p", "", "participant ID (token subject)")
	name := flags.StringP("name", "n", "", "display name")
	role := flags.StringP("role", "r", string(auth.RoleMember), "role: member, agent, or admin")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*participant) == "" {
		return errors.New("--participant is required")
	}
	r := auth.Role(*role)
	switch r {
	case auth.RoleMember, auth.RoleAgent, auth.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q (member, agent, admin)", *role)
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(auth.Claims{
		ParticipantID: strings.TrimSpace(*participant),
		Name:          *name,
		Role:          r,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "config file")
	timeout := flags.Duration("timeout", 5*time.Second, "request timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
