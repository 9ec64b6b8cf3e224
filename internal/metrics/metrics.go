// Package metrics exposes Prometheus counters and histograms for the advisory pipeline.
// All Metrics methods are nil-safe so callers built without metrics need no checks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many instances as they like.
type Metrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	approvals   *prometheus.CounterVec
	archived    prometheus.Counter
}

// New creates and registers the pipeline collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimind",
			Name:      "agent_invocations_total",
			Help:      "Model invocations per agent and result.",
		}, []string{"agent", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agrimind",
			Name:      "agent_invocation_seconds",
			Help:      "Wall-clock duration of one model invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"agent"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimind",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by terminal branch.",
		}, []string{"outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimind",
			Name:      "approvals_total",
			Help:      "Human approval decisions.",
		}, []string{"decision"}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agrimind",
			Name:      "history_records_archived_total",
			Help:      "Recommendations archived into history.",
		}),
	}
	m.registry.MustRegister(m.invocations, m.latency, m.runs, m.approvals, m.archived)
	return m
}

// ObserveInvocation records one model call.
func (m *Metrics) ObserveInvocation(agent string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.invocations.WithLabelValues(agent, result).Inc()
	m.latency.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// ObserveRun records the terminal branch of a run ("archived", "approval_requested", "error").
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveApproval records a human decision.
func (m *Metrics) ObserveApproval(approved bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.approvals.WithLabelValues(decision).Inc()
}

// ObserveArchive counts one archived record.
func (m *Metrics) ObserveArchive() {
	if m == nil {
		return
	}
	m.archived.Inc()
}

// Registry returns the underlying registry (for tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
