// ABOUTME: Gateway orchestrator that coordinates the HTTP server and relay bridge.
// ABOUTME: Wires config, auth, broker, registry, and session handling together.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/config"
	"github.com/2389/pulse-gateway/internal/registry"
	"github.com/2389/pulse-gateway/internal/relay"
)

// shutdownTimeout bounds graceful HTTP shutdown on exit.
const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the pulse-gateway server components: the websocket
// endpoint, the admin publish endpoint, and the relay bridge consuming
// broker broadcasts.
type Gateway struct {
	config     *config.Config
	registry   *registry.Registry
	broker     broker.Broker
	bridge     *relay.Bridge
	verifier   auth.Verifier
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a gateway from config. The broker is injected so tests can
// substitute the in-memory implementation.
func New(cfg *config.Config, b broker.Broker, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	reg := registry.New(logger)

	g := &Gateway{
		config:   cfg,
		registry: reg,
		broker:   b,
		bridge:   relay.New(b, reg, cfg.Channels.Broadcast, logger),
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/api/publish", g.handlePublish)
	mux.HandleFunc("/health", g.handleHealth)

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	return g, nil
}

// Run starts the relay bridge and HTTP server, and blocks until the context
// is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	bridgeCtx, cancelBridge := context.WithCancel(ctx)
	defer cancelBridge()

	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- g.bridge.Run(bridgeCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.config.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http shutdown", "error", err)
		}

		cancelBridge()
		<-bridgeDone
		return nil

	case err := <-serverErr:
		cancelBridge()
		<-bridgeDone
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Registry exposes the connection registry for tests and diagnostics.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Handler returns the gateway's HTTP handler, used by httptest servers.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}
