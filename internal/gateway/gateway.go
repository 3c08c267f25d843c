// ABOUTME: Gateway orchestrator that wires the relay pipeline to HTTP and WebSocket
// ABOUTME: Manages store, registry, reaper, and server lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// Gateway orchestrates the relay-gateway server components: the agent
// store, the conversation registry with its reaper, the relay fan-out
// pipeline, and the HTTP server carrying the API and subscription socket.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	reaper      *registry.Reaper
	hub         *Hub
	coordinator *relay.Coordinator
	verifier    *auth.JWTVerifier
	cipher      *auth.Cipher
	httpServer  *http.Server
	logger      *slog.Logger
}

// New wires a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	cipher, err := auth.NewCipher(cfg.Auth.EncryptionSecret)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	reg := registry.New(logger)
	hub := NewHub(logger)
	broadcaster := relay.NewBroadcaster(reg, hub, logger)
	dispatcher := relay.NewDispatcher(broadcaster, auth.NewUpstreamSigner(cipher), relay.DispatcherOptions{
		MaxConcurrent:  cfg.Relay.MaxConcurrentRequests,
		UpstreamPath:   cfg.Relay.UpstreamPath,
		DefaultTimeout: cfg.Relay.DefaultTimeout,
	}, logger)
	coordinator := relay.NewCoordinator(store.NewResolver(s), dispatcher, broadcaster, logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		registry:    reg,
		reaper:      registry.NewReaper(reg, cfg.Relay.ReaperInterval, cfg.Relay.IdleTimeout, logger),
		hub:         hub,
		coordinator: coordinator,
		verifier:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		cipher:      cipher,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/health", gw.handleHealth)

	// Subscription socket authenticates via query token inside the handler
	mux.HandleFunc("/ws", gw.handleWebSocket)

	// API endpoints - bearer token required
	mux.HandleFunc("/api/multi-chat", gw.requireAuth(gw.handleMultiChat))
	mux.HandleFunc("/api/conversations/", gw.requireAuth(gw.handleConversations))
	mux.HandleFunc("/api/agents", gw.requireAuth(gw.handleAgents))
	mux.HandleFunc("/api/agents/", gw.requireAuth(gw.handleAgentByID))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.logger.Info("gateway started", "http_addr", g.config.Server.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
	case serverErr = <-errCh:
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the reaper, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	err := g.httpServer.Shutdown(ctx)
	g.reaper.Close()
	if closeErr := g.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
