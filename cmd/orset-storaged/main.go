// Package main provides the entry point of orset-storaged, which serves one
// in-memory shard over gRPC so orset-syncd can use the grpc backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/devrev/orset/internal/backend"
	"github.com/devrev/orset/internal/config"
	"github.com/devrev/orset/internal/logging"
	"github.com/devrev/orset/internal/store"
	"github.com/devrev/orset/internal/transport"
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
		logger.Fatal("orset-storaged failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	advertise := cfg.Storage.AdvertiseAddress
	if advertise == "" {
		advertise = cfg.Storage.ListenAddress
	}

	if cfg.Storage.DataDir != "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	network := store.NewMemoryNetwork(
		store.WithOptions(backend.StoreOptions(cfg)),
		store.WithDataDir(cfg.Storage.DataDir),
		store.WithMemoryLogger(logger))
	if err := network.Host(advertise); err != nil {
		return err
	}

	if cfg.Node.TopologyFile != "" {
		topo, err := config.LoadTopology(cfg.Node.TopologyFile)
		if err != nil {
			return err
		}
		if _, _, ok := topo.Locate(advertise); !ok {
			return fmt.Errorf("address %s is not part of the topology", advertise)
		}
		h, err := network.Open(store.Bootstrap(advertise))
		if err != nil {
			return err
		}
		if err := h.SeedTopology(context.Background(), topo); err != nil {
			return fmt.Errorf("failed to seed topology: %w", err)
		}
		_ = h.Close()
		logger.Info("topology seeded", zap.Int("stores", topo.Len()))
	}

	lis, err := net.Listen("tcp", cfg.Storage.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Storage.ListenAddress, err)
	}

	shard := transport.NewServer(advertise, network.Factory(), logger)
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(transport.LoggingInterceptor(logger)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	transport.RegisterStoreServer(grpcServer, shard)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting gRPC server",
			zap.String("listen_address", cfg.Storage.ListenAddress),
			zap.String("advertise_address", advertise),
			zap.String("data_dir", cfg.Storage.DataDir))
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		logger.Error("gRPC server error", zap.Error(runErr))
	}

	grpcServer.GracefulStop()
	if err := shard.Close(); err != nil {
		logger.Error("failed to close shard handles", zap.Error(err))
	}
	logger.Info("orset-storaged stopped")
	return runErr
}
