package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Store operation metrics
	StoreOperations        *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Delta-sync metrics
	PullRounds   *prometheus.CounterVec
	PullRetries  *prometheus.CounterVec
	PullElements *prometheus.CounterVec
	PullDuration *prometheus.HistogramVec
	PullFailures *prometheus.CounterVec
	PullTasks    *prometheus.CounterVec

	// Membership metrics
	LocalStores   prometheus.Gauge
	GossipMembers prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_store_operations_total",
				Help: "Total number of set operations routed to stores",
			},
			[]string{"operation", "status"},
		),

		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orset_store_operation_duration_seconds",
				Help:    "Duration of set operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		PullRounds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_pull_rounds_total",
				Help: "Total number of delta-sync rounds started",
			},
			[]string{"remote_cluster"},
		),

		PullRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_pull_retries_total",
				Help: "Total number of delta-sync rounds restarted after a fetch failure",
			},
			[]string{"remote_cluster"},
		),

		PullElements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_pull_elements_total",
				Help: "Total number of elements moved by delta-sync",
			},
			[]string{"remote_cluster", "phase"},
		),

		PullDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orset_pull_duration_seconds",
				Help:    "Duration of a complete pull",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"remote_cluster"},
		),

		PullFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_pull_failures_total",
				Help: "Total number of pulls that ended in an error",
			},
			[]string{"remote_cluster"},
		),

		PullTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_pull_tasks_total",
				Help: "Total number of per-store pull tasks by phase and outcome",
			},
			[]string{"remote_cluster", "phase", "outcome"},
		),

		LocalStores: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orset_local_stores",
				Help: "Number of stores in the local cluster",
			},
		),

		GossipMembers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orset_gossip_members",
				Help: "Number of live gossip members",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orset_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orset_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordStoreOperation records one routed operation
func (m *Metrics) RecordStoreOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPullRound counts a started round, retries counting separately
func (m *Metrics) RecordPullRound(remoteCluster string, retry bool) {
	if m == nil {
		return
	}
	m.PullRounds.WithLabelValues(remoteCluster).Inc()
	if retry {
		m.PullRetries.WithLabelValues(remoteCluster).Inc()
	}
}

// RecordPull records a finished pull
func (m *Metrics) RecordPull(remoteCluster string, fetched, applied int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PullFailures.WithLabelValues(remoteCluster).Inc()
		return
	}
	m.PullElements.WithLabelValues(remoteCluster, "fetch").Add(float64(fetched))
	m.PullElements.WithLabelValues(remoteCluster, "apply").Add(float64(applied))
	m.PullDuration.WithLabelValues(remoteCluster).Observe(duration.Seconds())
}

// RecordPullTasks records the per-store tasks of one pull phase
func (m *Metrics) RecordPullTasks(remoteCluster, phase string, completed, failed, rejected uint64) {
	if m == nil {
		return
	}
	m.PullTasks.WithLabelValues(remoteCluster, phase, "completed").Add(float64(completed))
	m.PullTasks.WithLabelValues(remoteCluster, phase, "failed").Add(float64(failed))
	m.PullTasks.WithLabelValues(remoteCluster, phase, "rejected").Add(float64(rejected))
}

// SetLocalStores sets the local cluster size
func (m *Metrics) SetLocalStores(n int) {
	if m == nil {
		return
	}
	m.LocalStores.Set(float64(n))
}

// SetGossipMembers sets the number of live members
func (m *Metrics) SetGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembers.Set(float64(n))
}

// RecordRequest records one HTTP request
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
