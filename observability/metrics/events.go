package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks the delivery of escrow events to downstream consumers.
type EventMetrics struct {
	emitted        *prometheus.CounterVec
	journalErrors  prometheus.Counter
	droppedStreams prometheus.Gauge
}

var (
	eventOnce     sync.Once
	eventRegistry *EventMetrics
)

// Events returns the lazily registered event metrics.
func Events() *EventMetrics {
	eventOnce.Do(func() {
		eventRegistry = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_events_emitted_total",
				Help: "Count of committed escrow events by type.",
			}, []string{"type"}),
			journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_journal_errors_total",
				Help: "Count of events the journal failed to persist.",
			}),
			droppedStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_stream_dropped_events",
				Help: "Events skipped for stream subscribers that fell behind.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.journalErrors, eventRegistry.droppedStreams)
	})
	return eventRegistry
}

// RecordEmitted increments the counter for eventType.
func (m *EventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordJournalError counts a failed journal write.
func (m *EventMetrics) RecordJournalError() {
	if m == nil {
		return
	}
	m.journalErrors.Inc()
}

// SetDropped publishes the hub's dropped delivery count.
func (m *EventMetrics) SetDropped(n uint64) {
	if m == nil {
		return
	}
	m.droppedStreams.Set(float64(n))
}
