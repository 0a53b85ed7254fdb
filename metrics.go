package modelvault

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Intercept outcomes recorded per request.
const (
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
	OutcomeTokenNetwork  = "token_network"
	OutcomeTokenFallback = "token_fallback"
)

// Metrics collects the daemon's counters on a private registry. A nil
// *Metrics is valid and counts nothing.
type Metrics struct {
	registry   *prometheus.Registry
	intercepts *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	refreshes  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelvault",
			Name:      "intercepts_total",
			Help:      "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelvault",
			Name:      "tasks_total",
			Help:      "Protocol tasks by operation and result.",
		}, []string{"op", "result"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelvault",
			Name:      "refreshes_total",
			Help:      "Completed opportunistic refreshes of precached URLs.",
		}),
	}
	m.registry.MustRegister(m.intercepts, m.tasks, m.refreshes)
	return m
}

func (m *Metrics) Intercept(outcome string) {
	if m == nil {
		return
	}
	m.intercepts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Task(op Op, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tasks.WithLabelValues(string(op), result).Inc()
}

func (m *Metrics) Refresh() {
	if m == nil {
		return
	}
	m.refreshes.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
