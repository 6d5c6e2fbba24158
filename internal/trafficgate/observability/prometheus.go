// Package observability provides Prometheus-backed metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics records measurements into a Prometheus registry.
type PromMetrics struct {
	registry *prometheus.Registry

	quotaDecisions     *prometheus.CounterVec
	admissions         *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
	routeFallbacks     *prometheus.CounterVec
	storeErrors        *prometheus.CounterVec
	probes             *prometheus.CounterVec
	eventsDropped      prometheus.Counter
	instanceHealthy    *prometheus.GaugeVec
}

// NewPromMetrics constructs metrics registered into a fresh registry.
func NewPromMetrics(namespace string) *PromMetrics {
	if namespace == "" {
		namespace = "trafficgate"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &PromMetrics{
		registry: registry,
		quotaDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Quota check decisions by result and tier",
		}, []string{"result", "tier"}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "admissions_total",
			Help:      "Admission pipeline outcomes by cluster",
		}, []string{"outcome", "cluster"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of pipeline operations",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"name", "from", "to"}),
		routeFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fallback_selections_total",
			Help:      "Selections that fell back to unhealthy instances",
		}, []string{"cluster"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "store_errors_total",
			Help:      "Counter store failures by operation",
		}, []string{"op"}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probe results",
		}, []string{"result"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Decision events dropped because the sink buffer was full",
		}),
		instanceHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "instance_healthy",
			Help:      "Instance health as seen by the tracker (1 healthy, 0 unhealthy)",
		}, []string{"instance"}),
	}
}

// Registry exposes the backing registry for HTTP exposition.
func (m *PromMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// IncQuotaDecision increments a quota decision counter.
func (m *PromMetrics) IncQuotaDecision(result string, tier string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(result, tier).Inc()
}

// IncAdmission increments an admission outcome counter.
func (m *PromMetrics) IncAdmission(outcome string, cluster string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome, cluster).Inc()
}

// ObserveLatency records an operation latency.
func (m *PromMetrics) ObserveLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

// IncBreakerTransition increments a breaker transition counter.
func (m *PromMetrics) IncBreakerTransition(name string, from string, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// IncRouteFallback increments a fallback selection counter.
func (m *PromMetrics) IncRouteFallback(cluster string) {
	if m == nil {
		return
	}
	m.routeFallbacks.WithLabelValues(cluster).Inc()
}

// IncStoreError increments a store error counter.
func (m *PromMetrics) IncStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// IncProbe increments a probe result counter.
func (m *PromMetrics) IncProbe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// IncEventDropped increments the dropped event counter.
func (m *PromMetrics) IncEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// SetInstanceHealthy records instance health.
func (m *PromMetrics) SetInstanceHealthy(instance string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.instanceHealthy.WithLabelValues(instance).Set(value)
}
