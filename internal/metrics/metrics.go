// Package metrics exposes prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync holds the engine's collectors.
type Sync struct {
	OperationsTotal *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	BatchSize       prometheus.Histogram
}

// NewSync registers the collectors with reg (the default registerer when
// nil).
func NewSync(reg prometheus.Registerer) *Sync {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Sync{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "sync_operations_total",
			Help:      "Sync operations processed, by kind and result.",
		}, []string{"kind", "result"}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "sync_conflicts_total",
			Help:      "Conflicts detected, by type.",
		}, []string{"type"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendsync",
			Name:      "sync_batch_duration_seconds",
			Help:      "Wall time to process one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendsync",
			Name:      "sync_batch_size",
			Help:      "Operations per submitted batch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
}

// ObserveOperation records one terminal operation outcome.
func (m *Sync) ObserveOperation(kind, result string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveConflict records one detected conflict.
func (m *Sync) ObserveConflict(conflictType string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(conflictType).Inc()
}

// ObserveBatch records batch-level timing and size.
func (m *Sync) ObserveBatch(size int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
	m.BatchDuration.Observe(elapsed.Seconds())
}
