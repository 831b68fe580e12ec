// Package main provides the entry point of orset-syncd, the daemon that boots
// a replication client on one cluster, serves the admin API and pulls
// updates from the other clusters on an interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/backend"
	"github.com/devrev/orset/internal/client"
	"github.com/devrev/orset/internal/config"
	"github.com/devrev/orset/internal/gossip"
	"github.com/devrev/orset/internal/handler"
	"github.com/devrev/orset/internal/hashing"
	"github.com/devrev/orset/internal/health"
	"github.com/devrev/orset/internal/logging"
	"github.com/devrev/orset/internal/metrics"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/server"
	"github.com/devrev/orset/internal/service"
	"github.com/devrev/orset/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, _, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("orset-syncd failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	logger.Info("starting orset-syncd",
		zap.String("bootstrap_address", cfg.Node.BootstrapAddress),
		zap.String("backend", cfg.Backend.Type),
		zap.String("router", cfg.Node.Router))

	var topo *model.Topology
	if cfg.Node.TopologyFile != "" {
		t, err := config.LoadTopology(cfg.Node.TopologyFile)
		if err != nil {
			return err
		}
		topo = t
	}

	be, err := backend.Open(ctx, cfg, topo, logger)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer be.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	router, err := hashing.New[store.Store](cfg.Node.Router)
	if err != nil {
		return err
	}

	c := client.New(be.Factory,
		client.WithRouter(router),
		client.WithLogger(logger),
		client.WithMetrics(m))

	if err := c.Boot(ctx, cfg.Node.BootstrapAddress); err != nil {
		return fmt.Errorf("failed to boot client: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("failed to close client", zap.Error(err))
		}
	}()

	var members *gossip.Service
	if cfg.Gossip.Enabled {
		members, err = gossip.New(gossip.Config{
			ClusterID: c.ClusterID(),
			NodeName:  cfg.Gossip.NodeName,
			BindAddr:  cfg.Gossip.BindAddr,
			BindPort:  cfg.Gossip.BindPort,
			Seeds:     cfg.Gossip.Seeds,
		}, m, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := members.Shutdown(); err != nil {
				logger.Error("failed to shutdown gossip", zap.Error(err))
			}
		}()
	}

	var liveness service.Liveness
	if members != nil {
		liveness = members
	}
	syncService := service.NewSyncService(c, cfg.Sync, liveness, logger)
	if cfg.Sync.Enabled {
		syncService.Start()
		defer syncService.Stop()
	}

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(server.MetricsServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path}, registry, logger)
		if err := metricsServer.Listen(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", zap.Error(err))
			}
		}()
	}

	healthCheck := health.NewHealthCheck(c, logger)
	handlers := handler.NewHandlers(c, syncService.PullOptions(), cfg.Backend.OperationTimeout, logger)
	httpServer := server.NewServer(cfg, handlers, healthCheck, m, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	logger.Info("orset-syncd started",
		zap.String("cluster_id", c.ClusterID()),
		zap.Int("local_stores", c.ClusterSize()),
		zap.Strings("clusters", c.ClusterIDs()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		logger.Error("server error", zap.Error(runErr))
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	return runErr
}
