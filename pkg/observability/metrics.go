package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors scraped at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	OutcomesTotal    *prometheus.CounterVec
	VerdictsTotal    *prometheus.CounterVec
	EvaluatorLatency *prometheus.HistogramVec
	Ineligible       *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on a private registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Decision runs by network and terminal status.",
		}, []string{"network", "status"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Sealed outcomes by final decision and conclusiveness.",
		}, []string{"network", "decision", "conclusive"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Evaluator verdicts by evaluator and decision.",
		}, []string{"evaluator", "decision"}),
		EvaluatorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluator_duration_seconds",
			Help:      "Evaluator call latency, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"evaluator", "result"}),
		Ineligible: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ineligible_total",
			Help:      "Proposals rejected by the eligibility gate.",
		}, []string{"network"}),
	}
	reg.MustRegister(
		m.RunsTotal,
		m.OutcomesTotal,
		m.VerdictsTotal,
		m.EvaluatorLatency,
		m.Ineligible,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
