package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/store"
	"github.com/devrev/orset/internal/store/storetest"
)

// Redis tests need a server, e.g. REDIS_ADDR=localhost:6379
func redisAddr(t *testing.T) string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	return addr
}

func newRedisHarness(t *testing.T) *storetest.Harness {
	addr := redisAddr(t)
	cfg := store.RedisConfig{
		KeyPrefix:   fmt.Sprintf("orset-test-%s:", uuid.NewString()),
		ShareServer: true,
	}
	topo := storetest.Topology()

	open := func(t *testing.T, id store.Identity) *store.RedisStore {
		// every shard lives on the same server, namespaced by name
		id.Address = addr
		s, err := store.NewRedisStore(id, cfg, store.Options{}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Clear(context.Background())
			_ = s.Close()
		})
		return s
	}

	seeder := open(t, store.Bootstrap(addr))
	require.NoError(t, seeder.SeedTopology(context.Background(), topo))

	return &storetest.Harness{
		Topology: topo,
		Open: func(t *testing.T, id store.Identity) store.Store {
			return open(t, id)
		},
	}
}

func TestRedisStore_Contract(t *testing.T) {
	redisAddr(t)
	storetest.Run(t, newRedisHarness)
}

func TestRedisStore_UnreachableServer(t *testing.T) {
	_, err := store.NewRedisStore(store.Bootstrap("127.0.0.1:1"), store.RedisConfig{}, store.Options{}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsUnreachable(err))
}
