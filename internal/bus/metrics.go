package bus

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatcher outcomes in two tiers: cheap atomic
// counters for the hot path, backing a Prometheus registry for
// scraping.
type Metrics struct {
	claimed      atomic.Uint64
	done         atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	emptyMatch   atomic.Uint64

	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
	inFlight prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pgebus",
				Subsystem: "bus",
				Name:      "dispatch_duration_seconds",
				Help:      "Event dispatch duration by type and result.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type", "result"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgebus",
				Subsystem: "bus",
				Name:      "dispatch_results_total",
				Help:      "Event dispatch outcomes by type and result.",
			},
			[]string{"event_type", "result"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pgebus",
				Subsystem: "bus",
				Name:      "in_flight",
				Help:      "Events currently being dispatched in this process.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.results, m.inFlight)
	}
	return m
}

func (m *Metrics) IncClaimed()      { m.claimed.Add(1) }
func (m *Metrics) IncEmptyMatch()   { m.emptyMatch.Add(1) }
func (m *Metrics) IncRetried()      { m.retried.Add(1) }
func (m *Metrics) IncDeadLettered() { m.deadLettered.Add(1) }

func (m *Metrics) ObserveOutcome(eventType, result string, d time.Duration) {
	switch result {
	case "done":
		m.done.Add(1)
	case "failed":
		m.failed.Add(1)
	}
	m.duration.WithLabelValues(eventType, result).Observe(d.Seconds())
	m.results.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) IncInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecInFlight() { m.inFlight.Dec() }

type MetricsSnapshot struct {
	Claimed      uint64
	Done         uint64
	Failed       uint64
	Retried      uint64
	DeadLettered uint64
	EmptyMatch   uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Claimed:      m.claimed.Load(),
		Done:         m.done.Load(),
		Failed:       m.failed.Load(),
		Retried:      m.retried.Load(),
		DeadLettered: m.deadLettered.Load(),
		EmptyMatch:   m.emptyMatch.Load(),
	}
}
