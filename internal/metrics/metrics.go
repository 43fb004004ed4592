// Package metrics exposes control-plane Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every control-plane collector on a private registry so tests
// can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	CompositionsTotal *prometheus.CounterVec
	LiveGeneration    prometheus.Gauge
	ProbesTotal       *prometheus.CounterVec
	ProbeLatency      *prometheus.HistogramVec
	HealAttemptsTotal *prometheus.CounterVec
	ThoughtsDropped   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CompositionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patchbay",
		Name:      "compositions_total",
		Help:      "Composition pipeline runs by outcome.",
	}, []string{"outcome"})

	m.LiveGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "patchbay",
		Name:      "live_generation",
		Help:      "Generation number currently live on the dataplane.",
	})

	m.ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patchbay",
		Name:      "probes_total",
		Help:      "Health probes by origin and severity.",
	}, []string{"origin", "severity"})

	m.ProbeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patchbay",
		Name:      "probe_latency_seconds",
		Help:      "Health probe latency.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
	}, []string{"origin"})

	m.HealAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patchbay",
		Name:      "heal_attempts_total",
		Help:      "Healing attempts by verification verdict.",
	}, []string{"verdict"})

	m.ThoughtsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "patchbay",
		Name:      "thoughts_dropped_total",
		Help:      "Thought events dropped on queue overflow.",
	})

	m.registry.MustRegister(
		m.CompositionsTotal,
		m.LiveGeneration,
		m.ProbesTotal,
		m.ProbeLatency,
		m.HealAttemptsTotal,
		m.ThoughtsDropped,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
