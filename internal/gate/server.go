package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/promptshield/internal/config"
	"github.com/raaihank/promptshield/internal/logger"
	"github.com/raaihank/promptshield/internal/websocket"
	"go.uber.org/zap"
)

// Server exposes the gate over HTTP
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	gate    *Gate
	hub     *websocket.Hub
	limiter *RateLimiter

	admin      AdminStore
	cacheStats CacheStatsReader

	router  *mux.Router
	server  *http.Server
	started time.Time
	version string
}

// NewServer creates the HTTP server. hub may be nil when the live feed is disabled.
func NewServer(cfg *config.Config, g *Gate, hub *websocket.Hub, log *logger.Logger, version string, opts ...ServerOption) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		gate:    g,
		hub:     hub,
		router:  mux.NewRouter(),
		started: time.Now(),
		version: version,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.hub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.loggingMiddleware)
	api.Use(s.identityMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/patterns/test", s.handleTestPattern).Methods(http.MethodPost)
	api.HandleFunc("/classifications/{category}", s.handleClassification).Methods(http.MethodGet)
	api.HandleFunc("/orgs/rules/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	s.setupAdminRoutes(api)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. The hub and the rate limiter cleanup
// run until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting promptshield gate",
		zap.Int("port", s.config.Server.Port),
		zap.String("failure_policy", string(s.gate.Options().FailurePolicy)),
		zap.Duration("scan_timeout", s.gate.Options().ScanTimeout),
		zap.Bool("websocket_enabled", s.hub != nil),
	)

	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	if s.limiter != nil {
		s.limiter.StartCleanupRoutine(10*time.Minute, ctx.Done())
	}
	if s.hub != nil && s.config.WebSocket.Events.BroadcastSystem {
		go s.broadcastStatus(ctx, statusInterval)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const statusInterval = 30 * time.Second

// broadcastStatus publishes a system_status event on every tick until ctx is done
func (s *Server) broadcastStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.BroadcastEvent(s.statusEvent(ctx))
		}
	}
}

func (s *Server) statusEvent(ctx context.Context) websocket.Event {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := "healthy"
	if err := s.gate.Ping(pingCtx); err != nil {
		status = "unhealthy"
	}
	stats := s.gate.Stats()
	return websocket.Event{
		Type:      websocket.EventTypeSystemStatus,
		Timestamp: time.Now(),
		Data: websocket.SystemStatusEvent{
			Status:           status,
			Uptime:           time.Since(s.started).Round(time.Second).String(),
			TotalScans:       stats.TotalScans,
			TotalBlocked:     stats.Blocked,
			ConnectedClients: int(s.hub.GetStats().ActiveConnections),
		},
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping promptshield gate")
	return s.server.Shutdown(ctx)
}
