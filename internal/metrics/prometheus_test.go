package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordStoreOperation("add", "ok", time.Millisecond)
	m.RecordStoreOperation("add", "ok", time.Millisecond)
	m.RecordStoreOperation("add", "unreachable", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("add", "unreachable")))

	m.RecordPullRound("B", false)
	m.RecordPullRound("B", true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PullRounds.WithLabelValues("B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PullRetries.WithLabelValues("B")))

	m.RecordPull("B", 10, 8, time.Second, nil)
	m.RecordPull("B", 0, 0, 0, errors.New("boom"))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.PullElements.WithLabelValues("B", "fetch")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.PullElements.WithLabelValues("B", "apply")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PullFailures.WithLabelValues("B")))

	m.RecordPullTasks("B", "apply", 2, 1, 0)
	m.RecordPullTasks("B", "apply", 1, 0, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PullTasks.WithLabelValues("B", "apply", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PullTasks.WithLabelValues("B", "apply", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PullTasks.WithLabelValues("B", "apply", "rejected")))

	m.SetLocalStores(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LocalStores))
}

func TestMetrics_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStoreOperation("add", "ok", 0)
		m.RecordPull("B", 1, 1, 0, nil)
		m.RecordPullTasks("B", "fetch", 1, 0, 0)
		m.SetLocalStores(1)
	})
}
