// Package metrics holds the Prometheus collectors for wallet sends, card
// authorizations and the settlement reconciler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custody"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	sends          *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	authLatency    prometheus.Histogram
	reconciled     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_sends_total",
			Help:      "Outbound wallet transfers by outcome.",
		}, []string{"outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_authorizations_total",
			Help:      "Card authorization decisions by status and decline reason.",
		}, []string{"status", "reason"}),
		authLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "card_authorization_seconds",
			Help:      "Time taken to decide a card authorization.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .2, .3, .5, 1},
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_resolutions_total",
			Help:      "Pending transfers resolved by the reconciler, by resulting status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sends, m.authorizations, m.authLatency, m.reconciled,
	)
	return m
}

// Send records the outcome of one Send call: completed, failed, pending,
// duplicate or rejected.
func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

// Authorization records one authorization decision and how long it took.
func (m *Metrics) Authorization(status, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(status, reason).Inc()
	m.authLatency.Observe(seconds)
}

// Reconciled records a reconciler resolution.
func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
