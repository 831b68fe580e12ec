package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes a Prometheus gatherer on its own port
type MetricsServer struct {
	srv    *http.Server
	lis    net.Listener
	logger *zap.Logger
}

// MetricsServerConfig holds the port and path of the scrape endpoint
type MetricsServerConfig struct {
	Port int
	Path string
}

func NewMetricsServer(cfg MetricsServerConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	routes := http.NewServeMux()
	routes.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(logger.Named("promhttp")),
		ErrorHandling: promhttp.ContinueOnError,
	}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           routes,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Listen binds the port, so a taken port fails startup, and serves scrapes
// in the background.
func (s *MetricsServer) Listen() error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.lis = lis
	s.logger.Info("serving metrics", zap.String("addr", lis.Addr().String()))

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Port is the bound port, 0 before Listen
func (s *MetricsServer) Port() int {
	if s.lis == nil {
		return 0
	}
	return s.lis.Addr().(*net.TCPAddr).Port
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
