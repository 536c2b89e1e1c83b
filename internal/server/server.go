package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stablefi/yieldagent/internal/server/handler"
	"github.com/stablefi/yieldagent/internal/server/middleware"
	"github.com/stablefi/yieldagent/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	JWTSecret       string
	RateLimitRPS    int // per-IP requests per RateLimitWindow; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health        *handler.HealthHandler
	Agent         *handler.AgentHandler
	Opportunities *handler.OpportunityHandler
	Actions       *handler.ActionHandler
	Sessions      *handler.SessionHandler
	Prefs         *handler.PrefsHandler
	Transfers     *handler.TransferHandler
}

// Server is the HTTP + WebSocket API for the yield agent.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes on a ServeMux and builds the middleware
// chain. Health, opportunities, and the WebSocket are public; the agent
// trigger checks its own shared secret; everything touching per-user state
// sits behind the JWT middleware.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter middleware.RequestLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.ListOpportunities)
	if handlers.Agent != nil {
		mux.HandleFunc("POST /api/agent/run", handlers.Agent.TriggerRun)
	}

	// User endpoints: the owner always comes from the verified token. Monitor
	// mode runs without stores or key material and leaves these handlers nil.
	user := middleware.JWTAuth([]byte(cfg.JWTSecret))
	if handlers.Actions != nil {
		mux.Handle("GET /api/actions", user(http.HandlerFunc(handlers.Actions.ListActions)))
	}
	if handlers.Prefs != nil {
		mux.Handle("GET /api/prefs", user(http.HandlerFunc(handlers.Prefs.GetPrefs)))
		mux.Handle("PUT /api/prefs", user(http.HandlerFunc(handlers.Prefs.UpdatePrefs)))
	}
	if handlers.Sessions != nil {
		mux.Handle("POST /api/sessions", user(http.HandlerFunc(handlers.Sessions.CreateSession)))
		mux.Handle("GET /api/sessions/{type}", user(http.HandlerFunc(handlers.Sessions.GetSession)))
		mux.Handle("DELETE /api/sessions/{type}", user(http.HandlerFunc(handlers.Sessions.DeleteSession)))
	}
	if handlers.Transfers != nil {
		mux.Handle("POST /api/transfer", user(http.HandlerFunc(handlers.Transfers.Transfer)))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimitRPS > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimitRPS, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
