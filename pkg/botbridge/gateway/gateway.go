// Package gateway exposes the running bots over HTTP: status queries,
// command submission and a Server-Sent Events stream of envelopes.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
	"github.com/jholhewres/botbridge/pkg/botbridge/config"
	"github.com/jholhewres/botbridge/pkg/botbridge/manager"
)

const version = "0.3.0"

// Bots is the part of the manager the gateway serves.
type Bots interface {
	Statuses() []bridge.Status
	Session(identity string) (*bridge.Session, bool)
	Dispatch(ctx context.Context, identity string, raw bridge.RawCommand) error
	Subscribe(fn manager.Listener) (unsubscribe func())
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	bots      Bots
	config    config.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time

	// streamBuffer is the per-client envelope backlog before drops.
	streamBuffer int
	keepAlive    time.Duration
}

// New creates a new Gateway.
func New(bots Bots, cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8090"
	}
	return &Gateway{
		bots:         bots,
		config:       cfg,
		logger:       logger.With("component", "gateway"),
		startedAt:    time.Now(),
		streamBuffer: 64,
		keepAlive:    15 * time.Second,
	}
}

// Handler returns the routed handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("GET /api/bots", g.handleListBots)
	mux.HandleFunc("GET /api/bots/{id}", g.handleGetBot)
	mux.HandleFunc("POST /api/bots/{id}/commands", g.handleCommand)
	mux.HandleFunc("GET /api/events", g.handleEvents)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, _ := net.SplitHostPort(address)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
