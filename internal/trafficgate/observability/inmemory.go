// Package observability provides an in-memory metrics recorder.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryMetrics stores counters for assertions in tests.
type InMemoryMetrics struct {
	counters sync.Map
}

// NewInMemoryMetrics constructs an in-memory metrics recorder.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

// IncQuotaDecision increments a quota decision counter.
func (m *InMemoryMetrics) IncQuotaDecision(result string, tier string) {
	m.inc(fmt.Sprintf("quota|%s|%s", result, tier))
}

// IncAdmission increments an admission outcome counter.
func (m *InMemoryMetrics) IncAdmission(outcome string, cluster string) {
	m.inc(fmt.Sprintf("admission|%s|%s", outcome, cluster))
}

// ObserveLatency counts latency observations per operation.
func (m *InMemoryMetrics) ObserveLatency(op string, _ time.Duration) {
	m.inc("latency|" + op)
}

// IncBreakerTransition increments a breaker transition counter.
func (m *InMemoryMetrics) IncBreakerTransition(name string, from string, to string) {
	m.inc(fmt.Sprintf("breaker|%s|%s|%s", name, from, to))
}

// IncRouteFallback increments a fallback selection counter.
func (m *InMemoryMetrics) IncRouteFallback(cluster string) {
	m.inc("route_fallback|" + cluster)
}

// IncStoreError increments a store error counter.
func (m *InMemoryMetrics) IncStoreError(op string) {
	m.inc("store_error|" + op)
}

// IncProbe increments a probe result counter.
func (m *InMemoryMetrics) IncProbe(result string) {
	m.inc("probe|" + result)
}

// IncEventDropped increments the dropped event counter.
func (m *InMemoryMetrics) IncEventDropped() {
	m.inc("events|dropped")
}

// SetInstanceHealthy is counted as a health flip event.
func (m *InMemoryMetrics) SetInstanceHealthy(instance string, healthy bool) {
	m.inc(fmt.Sprintf("instance_healthy|%s|%t", instance, healthy))
}

// Count returns the current value for a counter key.
func (m *InMemoryMetrics) Count(key string) int64 {
	if m == nil {
		return 0
	}
	value, ok := m.counters.Load(key)
	if !ok {
		return 0
	}
	counter, ok := value.(*atomic.Int64)
	if !ok || counter == nil {
		return 0
	}
	return counter.Load()
}

func (m *InMemoryMetrics) inc(key string) {
	if m == nil {
		return
	}
	value, _ := m.counters.LoadOrStore(key, &atomic.Int64{})
	counter, ok := value.(*atomic.Int64)
	if !ok || counter == nil {
		return
	}
	counter.Add(1)
}
