// ABOUTME: Gateway orchestrator that wires sessions, hub and ledger behind HTTP and gRPC servers
// ABOUTME: Manages listeners (TCP or tsnet), health endpoints and the graceful shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/command-center/internal/auth"
	"github.com/2389/command-center/internal/config"
	"github.com/2389/command-center/internal/dedupe"
	"github.com/2389/command-center/internal/hub"
	"github.com/2389/command-center/internal/intel"
	"github.com/2389/command-center/internal/ledger"
	"github.com/2389/command-center/internal/persona"
	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
	"github.com/2389/command-center/internal/session"
)

// Gateway owns every server component of command-center.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	roster   *persona.Roster
	manager  *session.Manager
	hub      *hub.Hub
	ledger   *ledger.Ledger
	intel    *intel.Source
	dedupe   *dedupe.Cache
	verifier auth.TokenVerifier

	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server

	startedAt time.Time
	draining  atomic.Bool
}

// Option customises a Gateway.
type Option func(*options)

type options struct {
	runtime runtime.Runtime
}

// WithRuntime replaces the runtime selected by runtime.backend.
func WithRuntime(rt runtime.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// New creates a Gateway from cfg. Personas are loaded from the project
// directory once, here.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	agents, err := persona.Load(cfg.Project.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	rt := o.runtime
	if rt == nil {
		rt, err = NewRuntime(cfg.Runtime, logger)
		if err != nil {
			return nil, fmt.Errorf("creating runtime: %w", err)
		}
	}

	mediator, err := session.NewMediator(session.MediatorConfig{
		AskTools:      cfg.Permissions.AskTools,
		ShellTool:     cfg.Permissions.ShellTool,
		ExtraPatterns: cfg.Permissions.DangerousPatterns,
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		roster:    persona.NewRoster(agents),
		intel:     intel.NewSource(cfg.Project.Dir, logger),
		dedupe:    dedupe.New(dedupe.DefaultTTL, dedupe.DefaultSize),
		startedAt: time.Now(),
	}

	if cfg.Database.Path != "" {
		g.ledger, err = ledger.Open(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		g.logger.Warn("auth.jwt_secret not set, API and WebSocket are unauthenticated")
	}

	// The hub reads sessions from the manager and the manager broadcasts
	// through the hub, so the manager sees the hub through a closure.
	g.manager, err = session.NewManager(session.Config{
		Runtime:          rt,
		Roster:           g.roster,
		Broadcaster:      session.BroadcasterFunc(func(msg protocol.Outbound) { g.hub.Broadcast(msg) }),
		Mediator:         mediator,
		WorkingDir:       cfg.Runtime.WorkingDir,
		ProgressInterval: cfg.Sessions.ProgressInterval,
		Logger:           logger,
	})
	if err != nil {
		_ = g.closeLedger()
		return nil, err
	}

	hubCfg := hub.Config{
		Sessions: g.manager,
		Agents:   g.roster,
		Intel:    g.intel,
		Logger:   logger,
	}
	if g.ledger != nil {
		hubCfg.Recorder = g.ledger
	}
	g.hub = hub.New(hubCfg)

	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	g.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(g.grpcServer, g.healthServer)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           otelhttp.NewHandler(g.routes(), "command-center"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// routes builds the HTTP mux. Health endpoints never require auth.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	protected := auth.HTTPAuthMiddleware(g.verifier)
	mux.Handle("GET /ws", protected(http.HandlerFunc(g.handleWebSocket)))
	mux.Handle("GET /events/stream", protected(http.HandlerFunc(g.handleWebSocket)))
	mux.Handle("GET /api/agents", protected(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/agents/teams", protected(http.HandlerFunc(g.handleListTeams)))
	mux.Handle("GET /api/sessions", protected(http.HandlerFunc(g.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}/events", protected(http.HandlerFunc(g.handleSessionEvents)))
	mux.Handle("GET /api/intel", protected(http.HandlerFunc(g.handleIntel)))

	return mux
}

// Handler returns the instrumented HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Manager returns the session manager.
func (g *Gateway) Manager() *session.Manager {
	return g.manager
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
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

// Run starts the servers and blocks until ctx is canceled or a server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
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

// gracefulShutdown runs Shutdown on a fresh context since the run context
// is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Sessions.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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
	return filepath.Join(homeDir, ".local", "share", "command-center", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens there. gRPC health
// is served on :50051 only when server.grpc_addr is configured.
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

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg.HTTPS)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = g.tsnetServer.Close()
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

// createTailscaleHTTPListener listens on :80, or on :443 with Tailscale's
// auto-provisioned certificates.
func (g *Gateway) createTailscaleHTTPListener(https bool) (net.Listener, error) {
	if !https {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.healthServer.Shutdown()

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

func (g *Gateway) closeLedger() error {
	if g.ledger == nil {
		return nil
	}
	return g.ledger.Close()
}

// Shutdown stops accepting connections, interrupts running sessions so
// clients see them complete, then disconnects clients and flushes the
// ledger.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.draining.Store(true)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "session shutdown", g.manager.Shutdown(ctx))
	g.hub.Close()
	errs = appendCloseError(errs, "ledger close", g.closeLedger())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	Status        string  `json:"status"`
	Clients       int     `json:"clients"`
	Sessions      int     `json:"sessions"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// handleHealth reports liveness with connection and session counts.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Clients:       g.hub.Count(),
		Sessions:      g.manager.ActiveCount(),
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
	})
}

// handleReady returns 200 OK while the gateway accepts sessions.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", g.roster.Len())
}
