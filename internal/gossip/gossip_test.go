package gossip

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/metrics"
)

func startNode(t *testing.T, clusterID, name string, m *metrics.Metrics, seeds ...string) *Service {
	t.Helper()
	s, err := New(Config{
		ClusterID:    clusterID,
		NodeName:     name,
		BindAddr:     "127.0.0.1",
		BindPort:     0,
		Seeds:        seeds,
		LeaveTimeout: 200 * time.Millisecond,
	}, m, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNew_RequiresClusterID(t *testing.T) {
	_, err := New(Config{}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestService_SingleNode(t *testing.T) {
	s := startNode(t, "A", "a-1", nil)
	defer s.Shutdown()

	assert.Equal(t, []string{"A"}, s.AliveClusters())
	assert.True(t, s.IsAlive("A"))
	assert.False(t, s.IsAlive("B"))
	require.Len(t, s.Members(), 1)
	assert.Equal(t, "a-1", s.Members()[0].Name)
}

func TestService_JoinAndLeave(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())

	a := startNode(t, "A", "a-1", m)
	defer a.Shutdown()

	b := startNode(t, "B", "b-1", nil, a.Address())

	assert.Eventually(t, func() bool { return a.IsAlive("B") && b.IsAlive("A") }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, a.AliveClusters())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GossipMembers))

	require.NoError(t, b.Shutdown())
	assert.Eventually(t, func() bool { return !a.IsAlive("B") }, 5*time.Second, 20*time.Millisecond)
}

func TestService_DefaultNodeName(t *testing.T) {
	s := startNode(t, "C", "", nil)
	defer s.Shutdown()

	require.Len(t, s.Members(), 1)
	assert.Contains(t, s.Members()[0].Name, "C-")
}
