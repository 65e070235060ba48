package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OperatorMetrics holds metrics for the agent pool operator.
type OperatorMetrics struct {
	TargetSize      *prometheus.GaugeVec
	ObservedSize    *prometheus.GaugeVec
	QueueDepth      *prometheus.GaugeVec
	ScaleDecisions  *prometheus.CounterVec
	ReconcileErrors *prometheus.CounterVec
}

func newOperatorMetrics(registry *prometheus.Registry) *OperatorMetrics {
	m := &OperatorMetrics{
		TargetSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "autoscaler",
				Name:      "target_size",
				Help:      "Target replica count per agent pool.",
			},
			[]string{"pool"},
		),
		ObservedSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "autoscaler",
				Name:      "observed_size",
				Help:      "Observed replica count per agent pool.",
			},
			[]string{"pool"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "autoscaler",
				Name:      "queue_depth",
				Help:      "Enqueued processes matching the pool selector.",
			},
			[]string{"pool"},
		),
		ScaleDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "autoscaler",
				Name:      "decisions_total",
				Help:      "Scaling decisions per pool (grow, shrink, hold).",
			},
			[]string{"pool", "decision"},
		),
		ReconcileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "autoscaler",
				Name:      "reconcile_errors_total",
				Help:      "Failed reconcile attempts per pool.",
			},
			[]string{"pool"},
		),
	}

	registry.MustRegister(
		m.TargetSize,
		m.ObservedSize,
		m.QueueDepth,
		m.ScaleDecisions,
		m.ReconcileErrors,
	)
	return m
}

// RecordPool records the sizes observed and chosen for a pool.
func (m *OperatorMetrics) RecordPool(pool string, queueDepth, observed, target int, decision string) {
	m.QueueDepth.WithLabelValues(pool).Set(float64(queueDepth))
	m.ObservedSize.WithLabelValues(pool).Set(float64(observed))
	m.TargetSize.WithLabelValues(pool).Set(float64(target))
	m.ScaleDecisions.WithLabelValues(pool, decision).Inc()
}

// RecordReconcileError records a failed reconcile for a pool.
func (m *OperatorMetrics) RecordReconcileError(pool string) {
	m.ReconcileErrors.WithLabelValues(pool).Inc()
}
