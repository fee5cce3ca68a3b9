// Package server assembles the HTTP API, metrics and websocket endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/parimutuel/internal/cache/local"
	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/server/handler"
	"github.com/alanyoungcy/parimutuel/internal/server/middleware"
	"github.com/alanyoungcy/parimutuel/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
	// SignatureSkew bounds signed request timestamps; 0 uses
	// middleware.DefaultSignatureSkew.
	SignatureSkew time.Duration
	// Replay remembers accepted signed requests. Nil keeps them in a
	// process-local table, which only guards a single instance.
	Replay domain.LockManager
}

// Handlers aggregates the HTTP handlers the server registers. Custody is
// nil when vaults are not held in process; Audit is nil without an audit
// store.
type Handlers struct {
	Health  *handler.HealthHandler
	Games   *handler.GameHandler
	Custody *handler.CustodyHandler
	Audit   *handler.AuditHandler
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter and wsHub
// may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger.With(slog.String("component", "server"))}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	replay := cfg.Replay
	if replay == nil {
		replay = local.NewLocks()
	}
	signature := middleware.Signature(middleware.SignatureConfig{Replay: replay, MaxSkew: cfg.SignatureSkew})
	signed := func(f http.HandlerFunc) http.Handler { return signature(f) }

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	g := handlers.Games
	mux.Handle("POST /api/games", signed(g.CreateGame))
	mux.HandleFunc("GET /api/games/{id}", g.GetGame)
	mux.Handle("POST /api/games/{id}/bets", signed(g.PlaceBet))
	mux.HandleFunc("POST /api/games/{id}/resolve", g.ResolveGame)
	mux.HandleFunc("GET /api/games/{id}/positions", g.ListPositions)
	mux.Handle("POST /api/games/{id}/positions/{pid}/withdraw", signed(g.Withdraw))

	if c := handlers.Custody; c != nil {
		mux.Handle("POST /api/vaults", signed(c.OpenVault))
		mux.HandleFunc("GET /api/vaults/{address}", c.GetVault)
		mux.HandleFunc("GET /api/accounts/{address}", c.GetAccount)
		mux.Handle("POST /api/accounts/{address}/credit", signed(c.Credit))
	}

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
