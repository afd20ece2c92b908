// Package metrics exposes Prometheus instrumentation for the storage core.
//
// Every method is safe on a nil *Metrics, so subsystems can be built
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docstore"

// Metrics holds the collectors registered by New.
type Metrics struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec

	invalidationsSent     prometheus.Counter
	invalidationsReceived prometheus.Counter
	propagations          prometheus.Counter

	lockOps *prometheus.CounterVec

	gcRuns     prometheus.Counter
	gcBinaries *prometheus.GaugeVec
	gcBytes    *prometheus.GaugeVec
	gcDuration prometheus.Gauge
}

// New registers the collectors on reg. It returns nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)

	return &Metrics{
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_tasks_total",
			Help:      "Tasks executed by isolation runners, by outcome",
		}, []string{"runner", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "isolation_task_duration_seconds",
			Help:      "Time spent running a task on an isolation worker",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"runner"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_retries_total",
			Help:      "Attempts retried after a concurrent update",
		}, []string{"runner"}),
		invalidationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_invalidations_sent_total",
			Help:      "Invalidation batches appended to the cluster log",
		}),
		invalidationsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_invalidations_received_total",
			Help:      "Non-empty invalidation batches received from peers",
		}),
		propagations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_local_deliveries_total",
			Help:      "Invalidation deliveries to local session queues",
		}),
		lockOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Lock manager calls, by operation and result",
		}, []string{"op", "result"}),
		gcRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binary_gc_runs_total",
			Help:      "Completed binary garbage collections",
		}),
		gcBinaries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "binary_gc_binaries",
			Help:      "Binaries seen by the last collection",
		}, []string{"state"}),
		gcBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "binary_gc_bytes",
			Help:      "Bytes seen by the last collection",
		}, []string{"state"}),
		gcDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "binary_gc_duration_seconds",
			Help:      "Duration of the last collection",
		}),
	}
}

// ObserveTask records one isolation task. Its signature matches
// isolation.Observer.
func (m *Metrics) ObserveTask(runner string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tasks.WithLabelValues(runner, result).Inc()
	m.taskDuration.WithLabelValues(runner).Observe(elapsed.Seconds())
}

// RetryHook returns a callback counting retries for runner, suitable for
// isolation.RetryPolicy.OnRetry. It returns nil on a nil *Metrics.
func (m *Metrics) RetryHook(runner string) func(attempt int, err error) {
	if m == nil {
		return nil
	}
	c := m.retries.WithLabelValues(runner)
	return func(int, error) { c.Inc() }
}

// InvalidationsSent counts one batch appended to the cluster log.
func (m *Metrics) InvalidationsSent() {
	if m == nil {
		return
	}
	m.invalidationsSent.Inc()
}

// InvalidationsReceived counts one non-empty batch pulled from peers.
func (m *Metrics) InvalidationsReceived() {
	if m == nil {
		return
	}
	m.invalidationsReceived.Inc()
}

// Delivered counts n local queue deliveries.
func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.propagations.Add(float64(n))
}

// LockOp counts one lock manager call. result is "ok", "conflict" or
// "error".
func (m *Metrics) LockOp(op, result string) {
	if m == nil {
		return
	}
	m.lockOps.WithLabelValues(op, result).Inc()
}

// GCCompleted publishes the totals of a finished collection.
func (m *Metrics) GCCompleted(kept, keptBytes, reclaimed, reclaimedBytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.gcBinaries.WithLabelValues("kept").Set(float64(kept))
	m.gcBinaries.WithLabelValues("reclaimed").Set(float64(reclaimed))
	m.gcBytes.WithLabelValues("kept").Set(float64(keptBytes))
	m.gcBytes.WithLabelValues("reclaimed").Set(float64(reclaimedBytes))
	m.gcDuration.Set(d.Seconds())
}
