// Package backend turns the backend section of the configuration into a
// store.Factory.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/devrev/orset/internal/config"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
	"github.com/devrev/orset/internal/transport"
)

// Backend is an opened store backend
type Backend struct {
	Factory store.Factory
	// Memory is set for the memory backend
	Memory *store.MemoryNetwork
	close  func()
}

// Close releases pooled connections
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// StoreOptions builds the options shared by every backend
func StoreOptions(cfg *config.Config) store.Options {
	return store.Options{
		TTL:              cfg.Backend.ElementTTL,
		OperationTimeout: cfg.Backend.OperationTimeout,
	}
}

// RedisConfig converts the redis section
func RedisConfig(cfg config.RedisConfig) store.RedisConfig {
	return store.RedisConfig{
		Password:  cfg.Password,
		DB:        cfg.DB,
		PoolSize:  cfg.PoolSize,
		KeyPrefix: cfg.KeyPrefix,
	}
}

// Open opens the configured backend. topo may be nil unless the backend is
// memory or cfg.Node.SeedTopology is set; when seeding, every store of topo
// receives a copy of it before the factory is returned.
func Open(ctx context.Context, cfg *config.Config, topo *model.Topology, logger *zap.Logger) (*Backend, error) {
	opts := StoreOptions(cfg)

	switch cfg.Backend.Type {
	case config.BackendMemory:
		if topo == nil {
			return nil, fmt.Errorf("memory backend requires a topology")
		}
		network := store.NewMemoryNetwork(store.WithOptions(opts), store.WithMemoryLogger(logger))
		if err := network.Seed(topo); err != nil {
			return nil, fmt.Errorf("failed to seed memory stores: %w", err)
		}
		return &Backend{Factory: network.Factory(), Memory: network}, nil

	case config.BackendRedis:
		factory := store.RedisFactory(RedisConfig(cfg.Redis), opts, logger)
		if cfg.Node.SeedTopology {
			if err := seedEach(ctx, factory, topo); err != nil {
				return nil, err
			}
		}
		return &Backend{Factory: factory}, nil

	case config.BackendPostgres:
		pg, err := store.NewPostgresBackend(ctx, store.PostgresConfig{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns}, opts, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		if cfg.Node.SeedTopology {
			if err := pg.SeedTopology(ctx, topo); err != nil {
				pg.Close()
				return nil, fmt.Errorf("failed to seed topology: %w", err)
			}
		}
		return &Backend{Factory: pg.Factory(), close: pg.Close}, nil

	case config.BackendGRPC:
		factory := transport.Factory(transport.ClientConfig{
			Timeout: cfg.Backend.OperationTimeout,
			Logger:  logger,
			DialOptions: []grpc.DialOption{
				grpc.WithKeepaliveParams(keepalive.ClientParameters{
					Time:                30 * time.Second,
					Timeout:             10 * time.Second,
					PermitWithoutStream: true,
				}),
			},
		})
		return &Backend{Factory: factory}, nil

	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// seedEach writes topo into every store it lists, through bootstrap handles
func seedEach(ctx context.Context, factory store.Factory, topo *model.Topology) error {
	var errs error
	for _, e := range topo.Entries() {
		address := model.Endpoint{Host: e.Host, Port: e.Port}.Address()
		h, err := factory(store.Bootstrap(address))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		seeder, ok := h.(store.TopologySeeder)
		if !ok {
			_ = h.Close()
			return fmt.Errorf("backend cannot seed topologies")
		}
		errs = multierr.Append(errs, seeder.SeedTopology(ctx, topo))
		errs = multierr.Append(errs, h.Close())
	}
	if errs != nil {
		return fmt.Errorf("failed to seed topology: %w", errs)
	}
	return nil
}
