// Package metrics exposes the bot's Prometheus instrumentation.
//
// All collectors live on a private registry so tests can build as many
// instances as they like without duplicate-registration panics. The api
// server serves the registry at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the bot records into.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal     prometheus.Counter
	DecisionsTotal *prometheus.CounterVec // by outcome: approved, rejected, error
	SignalsTotal   *prometheus.CounterVec // by signal type
	ErrorsTotal    *prometheus.CounterVec // by stage: fetch, signals, evaluate, execute, resolve

	TrackedMarkets     prometheus.Gauge
	OpenPaperPositions prometheus.Gauge
	Halted             prometheus.Gauge

	TickDuration       prometheus.Histogram
	BatchCycleDuration prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edge_ticks_total",
			Help: "Total orchestrator ticks completed",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_decisions_total",
			Help: "Trade decisions by outcome",
		}, []string{"outcome"}),
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_signals_total",
			Help: "Signals applied to beliefs by type",
		}, []string{"type"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_errors_total",
			Help: "Errors by pipeline stage",
		}, []string{"stage"}),
		TrackedMarkets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edge_tracked_markets",
			Help: "Markets currently held in the state table",
		}),
		OpenPaperPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edge_open_paper_positions",
			Help: "Paper positions awaiting resolution",
		}),
		Halted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edge_halted",
			Help: "1 while the state machine is in HALT",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_tick_duration_seconds",
			Help:    "Duration of one orchestrator tick",
			Buckets: prometheus.DefBuckets,
		}),
		BatchCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_batch_cycle_duration_seconds",
			Help:    "Duration of one batch evaluation cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordTick(d time.Duration) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordDecision(outcome string) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSignal(signalType string) {
	m.SignalsTotal.WithLabelValues(signalType).Inc()
}

func (m *Metrics) RecordError(stage string) {
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordBatchCycle(d time.Duration) {
	m.BatchCycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetHalted(halted bool) {
	if halted {
		m.Halted.Set(1)
		return
	}
	m.Halted.Set(0)
}
