package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offlinequeue"

var (
	once sync.Once

	operationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Operations persisted to the offline queue by type.",
		},
		[]string{"type"},
	)

	operationsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Operations applied to the remote service and removed from the queue.",
		},
		[]string{"type"},
	)

	operationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_failed_total",
			Help:      "Failed remote apply attempts by error class.",
		},
		[]string{"type", "class"},
	)

	operationsPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_purged_total",
			Help:      "Operations purged by the retention janitor.",
		},
		[]string{"reason"},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operations currently waiting in the queue.",
		},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Wall time of a full drain pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			operationsEnqueued,
			operationsApplied,
			operationsFailed,
			operationsPurged,
			pendingOperations,
			drainDuration,
		)
	})
}

func IncEnqueued(opType string) {
	operationsEnqueued.WithLabelValues(opType).Inc()
}

func IncApplied(opType string) {
	operationsApplied.WithLabelValues(opType).Inc()
}

func IncFailed(opType, class string) {
	operationsFailed.WithLabelValues(opType, class).Inc()
}

func IncPurged(reason string) {
	operationsPurged.WithLabelValues(reason).Inc()
}

// SetPending publishes the latest known queue depth.
func SetPending(n int) {
	pendingOperations.Set(float64(n))
}

func ObserveDrain(d time.Duration) {
	drainDuration.Observe(d.Seconds())
}
