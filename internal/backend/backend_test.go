package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/config"
	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

func topology(t *testing.T) *model.Topology {
	topo := model.NewTopology()
	require.NoError(t, topo.Set("A", "x", model.Endpoint{Host: "127.0.0.1", Port: 7001}))
	require.NoError(t, topo.Set("B", "x", model.Endpoint{Host: "127.0.0.1", Port: 7002}))
	return topo
}

func TestOpen_Memory(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendConfig{Type: config.BackendMemory, OperationTimeout: time.Second}}

	b, err := Open(context.Background(), cfg, topology(t), zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	require.NotNil(t, b.Memory)

	h, err := b.Factory(store.Bootstrap("127.0.0.1:7002"))
	require.NoError(t, err)
	topo, err := h.GetTopology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, topo.Len())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{Backend: config.BackendConfig{Type: config.BackendMemory}}, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = Open(context.Background(), &config.Config{Backend: config.BackendConfig{Type: "etcd"}}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestOpen_GRPCIsLazy(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendConfig{Type: config.BackendGRPC, OperationTimeout: time.Second}}

	b, err := Open(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)

	h, err := b.Factory(store.Bootstrap("127.0.0.1:1"))
	require.NoError(t, err)
	assert.NoError(t, h.Close())
}

func TestSeedEach(t *testing.T) {
	network := store.NewMemoryNetwork()
	require.NoError(t, network.Host("127.0.0.1:7001"))
	require.NoError(t, network.Host("127.0.0.1:7002"))

	topo := topology(t)
	require.NoError(t, seedEach(context.Background(), network.Factory(), topo))

	for _, address := range []string{"127.0.0.1:7001", "127.0.0.1:7002"} {
		h, err := network.Open(store.Bootstrap(address))
		require.NoError(t, err)
		got, err := h.GetTopology(context.Background())
		require.NoError(t, err)
		assert.Equal(t, topo.Entries(), got.Entries())
	}
}

func TestSeedEach_UnreachableStore(t *testing.T) {
	network := store.NewMemoryNetwork()
	require.NoError(t, network.Host("127.0.0.1:7001"))

	err := seedEach(context.Background(), network.Factory(), topology(t))
	require.Error(t, err)
	assert.True(t, apperrors.IsUnreachable(err))
}

func TestStoreOptions(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendConfig{ElementTTL: time.Hour, OperationTimeout: time.Second}}
	assert.Equal(t, store.Options{TTL: time.Hour, OperationTimeout: time.Second}, StoreOptions(cfg))
}
