// Package metrics defines the relay's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prefix starts every metric name.
const Prefix = "clickrelay_"

// Metrics records relay activity. A nil *Metrics records nothing.
type Metrics struct {
	events          *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	shareMounted    prometheus.Gauge
	deadLettered    prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "events_total",
				Help: "Number of click events handled, grouped by outcome",
			},
			[]string{"outcome"},
		),
		persistDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    Prefix + "persist_duration_seconds",
				Help:    "Time spent in one sink persist call",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"sink"},
		),
		shareMounted: factory.NewGauge(prometheus.GaugeOpts{
			Name: Prefix + "share_mounted",
			Help: "1 while the network share is mounted, 0 otherwise",
		}),
		deadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "dead_lettered_total",
			Help: "Number of failed events written to the dead-letter spool",
		}),
	}
}

// RecordOutcome counts one handled event.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.events.With(map[string]string{"outcome": outcome}).Inc()
}

// RecordPersist observes the duration of one sink call.
func (m *Metrics) RecordPersist(sink string, d time.Duration) {
	if m == nil {
		return
	}
	m.persistDuration.With(map[string]string{"sink": sink}).Observe(d.Seconds())
}

// SetShareMounted reflects the share state in the gauge.
func (m *Metrics) SetShareMounted(mounted bool) {
	if m == nil {
		return
	}
	if mounted {
		m.shareMounted.Set(1)
	} else {
		m.shareMounted.Set(0)
	}
}

// RecordDeadLetter counts one spooled event.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.deadLettered.Inc()
}
