package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devrev/orset/internal/client"
	"github.com/devrev/orset/internal/config"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

// MockPuller is a mock implementation of Puller
type MockPuller struct {
	mock.Mock
}

func (m *MockPuller) ClusterID() string { return "A" }

func (m *MockPuller) ClusterIDs() []string { return []string{"A", "B", "C"} }

func (m *MockPuller) PullUpdates(ctx context.Context, remote string, opts client.PullOptions) (*client.UpdateStats, error) {
	args := m.Called(ctx, remote, opts)
	stats, _ := args.Get(0).(*client.UpdateStats)
	return stats, args.Error(1)
}

type fakeLiveness map[string]bool

func (f fakeLiveness) IsAlive(clusterID string) bool { return f[clusterID] }

func syncConfig() config.SyncConfig {
	return config.SyncConfig{
		Enabled:      true,
		Interval:     time.Hour,
		FetchWorkers: 2,
		ApplyWorkers: 2,
	}
}

func bootCluster(t *testing.T, network *store.MemoryNetwork, address string) *client.Client {
	c := client.New(network.Factory())
	require.NoError(t, c.Boot(context.Background(), address))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newNetwork(t *testing.T) *store.MemoryNetwork {
	topo := model.NewTopology()
	for i, id := range []string{"A", "B", "C"} {
		require.NoError(t, topo.Set(id, "x", model.Endpoint{Host: "127.0.0.1", Port: 7001 + i}))
	}
	network := store.NewMemoryNetwork()
	require.NoError(t, network.Seed(topo))
	return network
}

func TestSyncService_Remotes(t *testing.T) {
	puller := &MockPuller{}

	s := NewSyncService(puller, syncConfig(), nil, zap.NewNop())
	assert.Equal(t, []string{"B", "C"}, s.Remotes())

	cfg := syncConfig()
	cfg.RemoteClusters = []string{"C"}
	s = NewSyncService(puller, cfg, nil, zap.NewNop())
	assert.Equal(t, []string{"C"}, s.Remotes())
}

func TestSyncService_PullOptions(t *testing.T) {
	cfg := syncConfig()
	cfg.RetryInterval = 20 * time.Millisecond

	s := NewSyncService(&MockPuller{}, cfg, nil, zap.NewNop())
	assert.Equal(t, client.PullOptions{FetchWorkers: 2, ApplyWorkers: 2, RetryInterval: 20 * time.Millisecond}, s.PullOptions())
}

func TestSyncService_PullNow(t *testing.T) {
	puller := &MockPuller{}
	failure := errors.New("unreachable")
	puller.On("PullUpdates", mock.Anything, "B", mock.Anything).Return(&client.UpdateStats{RemoteClusterID: "B", Rounds: 1}, nil)
	puller.On("PullUpdates", mock.Anything, "C", mock.Anything).Return(nil, failure)

	s := NewSyncService(puller, syncConfig(), nil, zap.NewNop())
	results := s.PullNow(context.Background())

	require.Len(t, results, 2)
	assert.Equal(t, "B", results[0].RemoteClusterID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Stats.Rounds)
	assert.ErrorIs(t, results[1].Err, failure)
	assert.ErrorIs(t, Errors(results), failure)
	puller.AssertExpectations(t)
}

func TestSyncService_SkipsDeadClusters(t *testing.T) {
	puller := &MockPuller{}
	puller.On("PullUpdates", mock.Anything, "B", mock.Anything).Return(&client.UpdateStats{}, nil)

	s := NewSyncService(puller, syncConfig(), fakeLiveness{"A": true, "B": true}, zap.NewNop())
	results := s.PullNow(context.Background())

	require.Len(t, results, 2)
	assert.False(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
	assert.NoError(t, Errors(results))
	puller.AssertNotCalled(t, "PullUpdates", mock.Anything, "C", mock.Anything)
}

func TestSyncService_CanceledContext(t *testing.T) {
	puller := &MockPuller{}
	s := NewSyncService(puller, syncConfig(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := s.PullNow(ctx)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	puller.AssertNotCalled(t, "PullUpdates", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncService_PropagatesValues(t *testing.T) {
	network := newNetwork(t)
	a := bootCluster(t, network, "127.0.0.1:7001")
	b := bootCluster(t, network, "127.0.0.1:7002")

	require.NoError(t, a.Add(context.Background(), "apple"))

	s := NewSyncService(b, syncConfig(), nil, zap.NewNop())
	results := s.PullNow(context.Background())
	require.NoError(t, Errors(results))

	found, err := b.Lookup(context.Background(), "apple")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSyncService_StartStop(t *testing.T) {
	network := newNetwork(t)
	a := bootCluster(t, network, "127.0.0.1:7001")
	b := bootCluster(t, network, "127.0.0.1:7002")

	cfg := syncConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.RemoteClusters = []string{"A"}

	s := NewSyncService(b, cfg, nil, zap.NewNop())
	s.Start()
	s.Start()

	require.NoError(t, a.Add(context.Background(), "pear"))
	assert.Eventually(t, func() bool {
		found, err := b.Lookup(context.Background(), "pear")
		return err == nil && found
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestSyncService_LogsFailedPass(t *testing.T) {
	puller := &MockPuller{}
	puller.On("PullUpdates", mock.Anything, "B", mock.Anything).Return(&client.UpdateStats{RemoteClusterID: "B"}, nil)
	puller.On("PullUpdates", mock.Anything, "C", mock.Anything).Return(nil, errors.New("unreachable"))

	core, logs := observer.New(zapcore.WarnLevel)
	cfg := syncConfig()
	cfg.Interval = 5 * time.Millisecond

	s := NewSyncService(puller, cfg, nil, zap.New(core))
	s.Start()
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("sync pass incomplete").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	entry := logs.FilterMessage("sync pass incomplete").All()[0]
	assert.Equal(t, int64(1), entry.ContextMap()["failed_clusters"])
}
