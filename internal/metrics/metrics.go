// Package metrics exposes Prometheus collectors for the dispatcher and
// the in-memory registries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campusevent"

type Metrics struct {
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
}

// New creates a registry with the Go and process collectors installed.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "outcomes_total",
		Help:      "Email delivery attempts by action and outcome.",
	}, []string{"action", "outcome"})
	reg.MustRegister(outcomes)

	return &Metrics{registry: reg, outcomes: outcomes}
}

// ObserveOutcome counts one delivery attempt.
func (m *Metrics) ObserveOutcome(action, outcome string) {
	m.outcomes.WithLabelValues(action, outcome).Inc()
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(subsystem, name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
