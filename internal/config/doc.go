// Package config handles configuration loading for livechat-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files (or TOML, for paths ending in
// .toml) with environment variable expansion. The package applies defaults
// for every optional field and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LIVECHAT_CONFIG environment variable
//  2. ./config.yaml, then ./config.toml (current directory)
//  3. ~/.config/livechat/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LIVECHAT_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket, admin API, health, metrics
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1 (optional)
//
//	database:
//	  driver: "sqlite"            # sqlite or postgres
//	  path: "./livechat.db"       # sqlite
//	  dsn: "${DATABASE_URL}"      # postgres
//
//	auth:
//	  jwt_secret: "${LIVECHAT_JWT_SECRET}"  # at least 32 bytes
//
//	realtime:
//	  cleanup_interval: "30s"     # liveness sweep period
//	  probe_timeout: "5s"         # per-connection ping deadline
//	  write_timeout: "10s"        # per-frame write deadline
//	  max_message_length: 4000    # send_message content limit
//	  read_limit: 32768           # max inbound frame bytes
//
//	feed:
//	  retry_initial_delay: "1s"
//	  retry_max_delay: "30s"
//	  max_retries: 0              # 0 retries forever
//	  buffer_size: 256            # in-process subscription buffer
//
//	tailscale:
//	  enabled: false
//	  hostname: "livechat"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax (ns, us, ms, s, m, h).
//
// # Usage
//
//	path, err := config.ResolvePath()
//	cfg, err := config.Load(path)
package config
