// Package telemetry holds Pairflow's internal engine metrics: lock wait
// time and lifecycle-operation latency/count. These are process-internal
// health signals, distinct from the NDJSON domain events in
// internal/metricsevents that feed the out-of-core metrics report
// (spec.md §1 Non-goals: "Metrics report aggregation").
//
// Grounded on the teacher's escrow.Metrics (a struct of
// prometheus.*Vec fields built with promauto in one constructor)
// generalized from economic-barrier counters to lock/operation counters.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Pairflow's Prometheus instrumentation.
type Metrics struct {
	LockWaitSeconds   *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns Pairflow's metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's "duplicate metrics collector registration" panic across
// repeated test runs in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LockWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairflow_lock_wait_seconds",
				Help:    "Time spent waiting to acquire a lock, by lock kind.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"lock_kind"},
		),
		OperationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairflow_operation_total",
				Help: "Total lifecycle operations, by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairflow_operation_duration_seconds",
				Help:    "Lifecycle operation latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// ObserveLockWait records how long a caller waited for lockKind.
func (m *Metrics) ObserveLockWait(lockKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.WithLabelValues(lockKind).Observe(d.Seconds())
}

// ObserveOperation records one lifecycle operation's outcome and latency.
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}
