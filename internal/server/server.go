// Package server provides the HTTP servers of orset-syncd.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/config"
	"github.com/devrev/orset/internal/handler"
	"github.com/devrev/orset/internal/health"
	"github.com/devrev/orset/internal/metrics"
	"github.com/devrev/orset/internal/middleware"
)

// Server represents the admin HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthCheck
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server. Call SetupRoutes before Start.
func NewServer(cfg *config.Config, handlers *handler.Handlers, healthCheck *health.HealthCheck, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:      router,
		httpServer:  httpServer,
		handlers:    handlers,
		healthCheck: healthCheck,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
	}

	if s.cfg.Server.RequestTimeout > 0 {
		middlewareChain = append(middlewareChain, middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	s.router.Use(middleware.Chain(middlewareChain...))

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/values/{value}", s.handlers.AddValue).Methods(http.MethodPut)
	v1.HandleFunc("/values/{value}", s.handlers.RemoveValue).Methods(http.MethodDelete)
	v1.HandleFunc("/values/{value}", s.handlers.LookupValue).Methods(http.MethodGet)

	v1.HandleFunc("/pull/{cluster_id}", s.handlers.Pull).Methods(http.MethodPost)
	v1.HandleFunc("/clear", s.handlers.Clear).Methods(http.MethodPost)
	v1.HandleFunc("/topology", s.handlers.Topology).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
