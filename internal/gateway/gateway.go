// ABOUTME: Gateway orchestrator that wires store, change feed, registry, bridge, and transport
// ABOUTME: Owns the HTTP and gRPC health servers, the cleanup ticker, and shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/livechat-gateway/internal/auth"
	"github.com/2389/livechat-gateway/internal/bridge"
	"github.com/2389/livechat-gateway/internal/changefeed"
	"github.com/2389/livechat-gateway/internal/config"
	"github.com/2389/livechat-gateway/internal/livechat"
	"github.com/2389/livechat-gateway/internal/metrics"
	"github.com/2389/livechat-gateway/internal/realtime"
	"github.com/2389/livechat-gateway/internal/store"
)

// BridgeHealthService is the gRPC health service name mirroring bridge health.
const BridgeHealthService = "livechat.bridge"

const (
	healthUpdateInterval = 5 * time.Second
	shutdownTimeout      = 5 * time.Second
	tailscaleGRPCPort    = ":50051"
)

// Gateway orchestrates the livechat-gateway server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	hub      *changefeed.Hub // nil when notifications come from Postgres
	registry *realtime.Registry
	bridge   *bridge.Bridge
	verifier *auth.JWTVerifier
	livechat *livechat.Handler
	logger   *slog.Logger

	mux          *http.ServeMux
	httpServer   *http.Server
	grpcServer   *grpc.Server // nil when no gRPC listener is configured
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// background tasks started by Run
	healthInterval   time.Duration
	cancelBackground context.CancelFunc
	background       sync.WaitGroup
}

// initStore opens the configured store and the change source that reports
// its writes. SQLite publishes through an in-process hub; Postgres through
// LISTEN/NOTIFY triggers.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, changefeed.Source, *changefeed.Hub, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initializing store: %w", err)
		}
		source := changefeed.NewPGListener(changefeed.PGListenerConfig{
			DSN:                  cfg.Database.DSN,
			MinReconnectInterval: cfg.Feed.RetryInitialDelay,
			MaxReconnectInterval: cfg.Feed.RetryMaxDelay,
			Logger:               logger,
		})
		return s, source, nil, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("LIVECHAT_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		hub := changefeed.NewHub(cfg.Feed.BufferSize, logger)
		s, err := store.NewSQLiteStore(dbPath, hub)
		if err != nil {
			_ = hub.Close()
			return nil, nil, nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, hub, hub, nil
	}
}

// createGRPCServer creates the gRPC server that carries grpc.health.v1.
func createGRPCServer(healthServer *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, source, hub, err := initStore(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, source, hub, logger)
	if err != nil {
		_ = s.Close()
		if hub != nil {
			_ = hub.Close()
		}
		return nil, err
	}
	return gw, nil
}

// newGateway wires the components around an already opened store.
func newGateway(cfg *config.Config, s store.Store, source changefeed.Source, hub *changefeed.Hub, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		Logger:       logger,
		ProbeTimeout: cfg.Realtime.ProbeTimeout,
		SendTimeout:  cfg.Realtime.WriteTimeout,
		QueueSize:    cfg.Realtime.SendQueueSize,
	})

	br, err := bridge.New(bridge.Config{
		Source:       source,
		Broadcaster:  registry,
		Store:        s,
		Logger:       logger,
		InitialDelay: cfg.Feed.RetryInitialDelay,
		MaxDelay:     cfg.Feed.RetryMaxDelay,
		MaxRetries:   cfg.Feed.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	transport, err := livechat.NewHandler(livechat.Config{
		Registry:         registry,
		Store:            s,
		Verifier:         verifier,
		Logger:           logger,
		MaxMessageLength: cfg.Realtime.MaxMessageLength,
		ReadLimit:        cfg.Realtime.ReadLimit,
		WriteTimeout:     cfg.Realtime.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		hub:          hub,
		registry:     registry,
		bridge:       br,
		verifier:     verifier,
		livechat:     transport,
		logger:       logger.With("component", "gateway"),
		healthServer: health.NewServer(),

		healthInterval: healthUpdateInterval,
	}
	gw.healthServer.SetServingStatus(BridgeHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = createGRPCServer(gw.healthServer)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	mux.Handle(livechat.Route, transport)
	gw.registerAPIRoutes(mux)

	gw.mux = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *realtime.Registry {
	return g.registry
}

// Bridge returns the change-feed bridge.
func (g *Gateway) Bridge() *bridge.Bridge {
	return g.bridge
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground starts the bridge, the registry cleanup ticker, and the
// gRPC health updater.
func (g *Gateway) startBackground(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	g.cancelBackground = cancel

	if err := g.bridge.Start(bgCtx); err != nil {
		cancel()
		return fmt.Errorf("starting bridge: %w", err)
	}

	g.background.Add(2)
	go func() {
		defer g.background.Done()
		g.runCleanup(bgCtx)
	}()
	go func() {
		defer g.background.Done()
		g.runHealthUpdates(bgCtx)
	}()
	return nil
}

// runCleanup periodically probes every registered connection.
func (g *Gateway) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(g.config.Realtime.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := g.registry.Cleanup(ctx); removed > 0 {
				g.logger.Debug("cleanup pass", "removed", removed)
			}
		}
	}
}

// runHealthUpdates mirrors bridge health into the gRPC health service.
func (g *Gateway) runHealthUpdates(ctx context.Context) {
	ticker := time.NewTicker(g.healthInterval)
	defer ticker.Stop()
	g.updateHealthStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.updateHealthStatus(ctx)
		}
	}
}

func (g *Gateway) updateHealthStatus(ctx context.Context) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.bridge.Health(ctx).Healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.healthServer.SetServingStatus(BridgeHealthService, status)
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if err := g.startBackground(ctx); err != nil {
		_ = httpListener.Close()
		if grpcListener != nil {
			_ = grpcListener.Close()
		}
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The context passed to Run is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "livechat-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, closes every live connection, stops the
// bridge, and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.healthServer.Shutdown()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// hijacked WebSocket connections outlive http.Server.Shutdown
	g.registry.CloseAll(int(realtime.CloseGoingAway), "server shutting down")

	g.bridge.Stop()
	if g.cancelBackground != nil {
		g.cancelBackground()
	}
	g.background.Wait()

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	if g.hub != nil {
		errs = appendCloseError(errs, "change feed close", g.hub.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports bridge health; 503 unless the store answers and both
// subscriptions are active.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	h := g.bridge.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(h)
}
