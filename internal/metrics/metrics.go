package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcomes recorded by the dispatcher.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the collectors for the event pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	commands   *prometheus.CounterVec
	violations *prometheus.CounterVec
	levelUps   prometheus.Counter
	instances  prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_commands_total",
			Help: "Number of command dispatches by outcome",
		}, []string{"command", "outcome"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_automod_violations_total",
			Help: "Number of messages rejected by auto-moderation",
		}, []string{"filter"}),
		levelUps: factory.NewCounter(prometheus.CounterOpts{
			Name: "botfleet_level_ups_total",
			Help: "Number of member level ups",
		}),
		instances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_instances_live",
			Help: "Number of bot instances with a live connection",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CommandDispatched(command, outcome string) {
	if m == nil {
		return
	}

	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Violation(filter string) {
	if m == nil {
		return
	}

	m.violations.WithLabelValues(filter).Inc()
}

func (m *Metrics) LevelUp() {
	if m == nil {
		return
	}

	m.levelUps.Inc()
}

func (m *Metrics) SetInstancesLive(n int) {
	if m == nil {
		return
	}

	m.instances.Set(float64(n))
}
