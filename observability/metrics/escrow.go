package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks engine operations and payouts.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	payouts    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily registered escrow metrics.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Count of escrow operations by operation and outcome kind.",
			}, []string{"op", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_payout_amount_total",
				Help: "Sum of amounts paid out of escrow custody by recipient kind.",
			}, []string{"kind"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_operation_duration_seconds",
				Help:    "Latency of escrow operations including the storage commit.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.payouts,
			escrowRegistry.duration,
		)
	})
	return escrowRegistry
}

// Observe records one operation. An empty outcome means success.
func (m *EscrowMetrics) Observe(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordPayout adds amount to the payout counter of kind.
func (m *EscrowMetrics) RecordPayout(kind string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.payouts.WithLabelValues(kind).Add(float64(amount))
}
