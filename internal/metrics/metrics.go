// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aegis"

// Metrics holds every collector the gateway registers. One instance is
// created at startup and threaded through the wiring.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	DecisionTime    *prometheus.HistogramVec
	UpstreamTime    *prometheus.HistogramVec
	ActiveUpstreams prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	AuditDropped    prometheus.Gauge
	registry        *prometheus.Registry
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "MCP requests processed, by method.",
		}, []string{"method"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Policy decisions, by outcome and engine.",
		}, []string{"outcome", "engine"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Request failures, by kind.",
		}, []string{"kind"}),
		DecisionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Wall time spent producing a policy decision.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"engine"}),
		UpstreamTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Round-trip time for upstream calls, by upstream name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream"}),
		ActiveUpstreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstreams_connected",
			Help:      "Currently connected upstream servers.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Decision cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Decision cache misses.",
		}),
		AuditDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_entries",
			Help:      "Audit entries lost to queue overload or write failures.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.Requests, m.Decisions, m.Errors,
		m.DecisionTime, m.UpstreamTime,
		m.ActiveUpstreams, m.CacheHits, m.CacheMisses, m.AuditDropped,
	)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one processed request.
func (m *Metrics) ObserveRequest(method string) {
	m.Requests.WithLabelValues(method).Inc()
}

// ObserveDecision records a decision's outcome and latency.
func (m *Metrics) ObserveDecision(outcome, engine string, elapsed time.Duration) {
	m.Decisions.WithLabelValues(outcome, engine).Inc()
	m.DecisionTime.WithLabelValues(engine).Observe(elapsed.Seconds())
}

// ObserveUpstream records one upstream round trip.
func (m *Metrics) ObserveUpstream(upstream string, elapsed time.Duration) {
	m.UpstreamTime.WithLabelValues(upstream).Observe(elapsed.Seconds())
}

// ObserveError records a failed request.
func (m *Metrics) ObserveError(kind string) {
	m.Errors.WithLabelValues(kind).Inc()
}
