// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/server/handler"
	"github.com/alanyoungcy/optionmarket/internal/server/middleware"
	"github.com/alanyoungcy/optionmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards mutating endpoints. Empty disables authentication.
	APIKey string
	// PublicReads lets GET requests through without the API key.
	PublicReads     bool
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Commitments *handler.CommitmentHandler
	Options     *handler.OptionHandler
	Settlement  *handler.SettlementHandler
	// Metrics serves the Prometheus exposition. Optional.
	Metrics http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in rate limiting,
// authentication, request logging and CORS, innermost first. limiter and
// hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           newHandler(cfg, h, hub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

func newHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("POST /api/commitments", h.Commitments.Submit)
	mux.HandleFunc("GET /api/commitments", h.Commitments.List)
	mux.HandleFunc("GET /api/commitments/{hash}", h.Commitments.Get)
	mux.HandleFunc("POST /api/commitments/{hash}/take", h.Commitments.Take)

	mux.HandleFunc("GET /api/options", h.Options.List)
	mux.HandleFunc("GET /api/options/{id}", h.Options.Get)
	mux.HandleFunc("POST /api/options/{id}/exercise", h.Options.Exercise)
	mux.HandleFunc("POST /api/options/{id}/liquidate", h.Options.Liquidate)
	mux.HandleFunc("POST /api/options/{id}/expire", h.Options.Expire)

	mux.HandleFunc("GET /api/settlement/quote", h.Settlement.Quote)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var out http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		out = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(out)
	}
	out = middleware.Auth(cfg.APIKey, publicRoute(cfg.PublicReads))(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

func publicRoute(reads bool) middleware.Public {
	return func(r *http.Request) bool {
		if r.Method != http.MethodGet {
			return false
		}
		switch r.URL.Path {
		case "/api/health", "/metrics":
			return true
		}
		return reads
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
