// Package metrics records engine activity.
//
// The engine reports through the Recorder interface; Noop discards
// everything and Prometheus exports counters and histograms on its own
// registry, so several engines in one process never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine events.
type Recorder interface {
	CacheHit(level string)
	CacheMiss()
	QueryPlan(objectType, plan string)
	QueryDuration(op string, d time.Duration)
	EdgeRejected(linkType, reason string)
	Mutation(objectType, op string)
}

// Noop is a Recorder that does nothing.
type Noop struct{}

func (Noop) CacheHit(string)                     {}
func (Noop) CacheMiss()                          {}
func (Noop) QueryPlan(string, string)            {}
func (Noop) QueryDuration(string, time.Duration) {}
func (Noop) EdgeRejected(string, string)         {}
func (Noop) Mutation(string, string)             {}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	registry *prometheus.Registry

	cacheHits     *prometheus.CounterVec
	cacheMisses   prometheus.Counter
	queryPlans    *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	edgesRejected *prometheus.CounterVec
	mutations     *prometheus.CounterVec
}

// NewPrometheus creates the collectors under namespace and registers them
// on a fresh registry.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "ontoq"
	}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Result cache hits by level.",
		}, []string{"level"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Result cache misses across all levels.",
		}),
		queryPlans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_plans_total",
			Help:      "Filter executions by object type and chosen access path.",
		}, []string{"object_type", "plan"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Latency of query operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		edgesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_rejected_total",
			Help:      "Edges excluded during traversal.",
		}, []string{"link_type", "reason"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Store mutations by object type and operation.",
		}, []string{"object_type", "op"}),
	}
	p.registry.MustRegister(p.cacheHits, p.cacheMisses, p.queryPlans, p.queryLatency, p.edgesRejected, p.mutations)
	return p
}

// Registry returns the registry holding the collectors, for an HTTP handler
// or a push gateway.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) CacheHit(level string) { p.cacheHits.WithLabelValues(level).Inc() }

func (p *Prometheus) CacheMiss() { p.cacheMisses.Inc() }

func (p *Prometheus) QueryPlan(objectType, plan string) {
	p.queryPlans.WithLabelValues(objectType, plan).Inc()
}

func (p *Prometheus) QueryDuration(op string, d time.Duration) {
	p.queryLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (p *Prometheus) EdgeRejected(linkType, reason string) {
	p.edgesRejected.WithLabelValues(linkType, reason).Inc()
}

func (p *Prometheus) Mutation(objectType, op string) {
	p.mutations.WithLabelValues(objectType, op).Inc()
}
