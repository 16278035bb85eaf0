// ABOUTME: Gateway orchestrator that runs the hub, tunnel proxy, gRPC health and HTTP servers
// ABOUTME: Owns listeners (TCP or tailscale), the metrics registry, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/hub"
	"github.com/2389/coven-hub/internal/metrics"
	"github.com/2389/coven-hub/internal/transport"
	"github.com/2389/coven-hub/internal/tunnel"
)

// AgentsHealthService is the gRPC health service name that reports SERVING
// while at least one agent is routed.
const AgentsHealthService = "coven.hub.agents"

const shutdownTimeout = 5 * time.Second

// eventBufferSize bounds what one slow /events client may fall behind
// before it starts missing events.
const eventBufferSize = 64

// Gateway orchestrates the coven-hub server components.
type Gateway struct {
	config      *config.Config
	hub         *hub.Hub
	proxy       *tunnel.Proxy
	wsServer    *transport.Server
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	events      *fanout.Broadcaster[SSEEvent]
	registry    *prometheus.Registry
	logger      *slog.Logger
}

// New wires the hub, proxy and servers described by cfg. Nothing listens
// until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	wsServer := transport.NewServer(transport.ServerConfig{}, logger)
	var tr transport.MultiPeer = wsServer
	if cfg.Logging.Level == "debug" {
		tr = transport.MultiPeerWithLogs(wsServer, logger)
	}

	h := hub.New(tr, hub.Config{
		Name:         cfg.Hub.Name,
		ReplyTimeout: cfg.Hub.ReplyTimeout,
	}, logger, m)

	proxy := tunnel.NewProxy(h, tunnel.ProxyConfig{
		Name:           cfg.Hub.Name,
		RequestTimeout: cfg.Tunnel.RequestTimeout,
		DedupeTTL:      cfg.Tunnel.DedupeTTL,
	}, logger, m)

	grpcServer, healthServer := newGRPCServer()

	gw := &Gateway{
		config:     cfg,
		hub:        h,
		proxy:      proxy,
		wsServer:   wsServer,
		grpcServer: grpcServer,
		health:     healthServer,
		events:     fanout.New[SSEEvent]("events", eventBufferSize, logger),
		registry:   registry,
		logger:     logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// newGRPCServer creates the gRPC server carrying the standard health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
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

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(AgentsHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(g.config.Server.WSPath, g.wsServer)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /agents", g.handleListAgents)
	mux.HandleFunc("POST /agents/{agent}/messages", g.handleSendMessage)
	mux.Handle("GET /agents/{agent}/proxy/{path...}", g.proxy)
	mux.HandleFunc("GET /events", g.handleEvents)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry}))
	}

	return mux
}

// Hub returns the hub served by this gateway.
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts all servers and blocks until ctx is cancelled or a server
// fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve runs the gateway on already-open listeners.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, gctx := errgroup.WithContext(ctx)

	presence := g.hub.Connected(gctx)
	observed := g.hub.Connected(gctx)
	inbound := g.hub.Messages(gctx)

	eg.Go(func() error {
		return ignoreCanceled(g.hub.Run(gctx))
	})
	eg.Go(func() error {
		return ignoreCanceled(g.proxy.Run(gctx))
	})
	eg.Go(func() error {
		g.watchPresence(presence)
		return nil
	})
	eg.Go(func() error {
		g.relayEvents(observed, inbound)
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// watchPresence keeps the agents health service in step with the routing
// table until the presence stream ends.
func (g *Gateway) watchPresence(presence <-chan hub.Presence) {
	for p := range presence {
		online := len(g.hub.ListAgents())
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if online > 0 {
			status = healthpb.HealthCheckResponse_SERVING
		}
		g.health.SetServingStatus(AgentsHealthService, status)
		g.logger.Debug("agent presence changed", "agent_id", p.AgentID, "connected", p.Connected, "agents_online", online)
	}
}

// relayEvents republishes hub activity to /events subscribers until both
// hub streams end. Slow HTTP clients miss events instead of holding up
// the hub.
func (g *Gateway) relayEvents(presence <-chan hub.Presence, inbound <-chan hub.Inbound) {
	for presence != nil || inbound != nil {
		select {
		case p, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			g.events.Publish(presenceEvent(p))
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			g.events.Publish(SSEEvent{Event: "message", Data: toEnvelopeResponse(in.Envelope)})
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()
	g.events.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	// Hijacked WebSocket connections outlive http.Server.Shutdown; closing
	// the hub terminates them.
	errs = appendCloseError(errs, "hub close", g.hub.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	return errors.Join(errs...)
}

// resolveTailscaleStateDir returns the configured state directory or a default path.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-hub", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the configured auth key or falls back to TS_AUTHKEY env var.
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

// setupTailscaleListeners joins the tailnet and listens on :50051 (gRPC)
// and :80 (HTTP and agent WebSockets).
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
		UserLogf:  func(format string, args ...any) { g.logger.Debug(fmt.Sprintf(format, args...)) },
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
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
