// Package server exposes the engine over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/middleware"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	Metrics     bool

	// RateLimit caps requests per client per RateWindow (0 = off).
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Arb    *handler.ArbHandler
	Grid   *handler.GridHandler
}

// Server is the headless HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter is optional; without it the rate limit is enforced per process.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if cfg.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/venues", handlers.Status.ListVenues)
	mux.HandleFunc("POST /api/symbols/{symbol}/resume", handlers.Status.ResumeSymbol)
	mux.HandleFunc("POST /api/halt/clear", handlers.Status.ClearHalt)

	mux.HandleFunc("GET /api/opportunities", handlers.Arb.ListOpportunities)
	mux.HandleFunc("GET /api/opportunities/{symbol}", handlers.Arb.GetOpportunity)
	mux.HandleFunc("GET /api/executions", handlers.Arb.ListExecutions)
	mux.HandleFunc("GET /api/executions/history", handlers.Arb.History)
	mux.HandleFunc("GET /api/executions/profit", handlers.Arb.Profit)
	mux.HandleFunc("GET /api/executions/{id}", handlers.Arb.GetExecution)
	mux.HandleFunc("POST /api/execute/{symbol}", handlers.Arb.Execute)
	mux.HandleFunc("GET /api/thresholds", handlers.Arb.GetThresholds)
	mux.HandleFunc("PUT /api/thresholds", handlers.Arb.UpdateThresholds)

	mux.HandleFunc("GET /api/grids", handlers.Grid.ListGrids)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		if limiter != nil {
			h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
		} else {
			h = middleware.LocalRateLimit(cfg.RateLimit, window)(h)
		}
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: h,
		logger:  logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
