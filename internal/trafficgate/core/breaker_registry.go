// Package core provides the per-target breaker registry.
package core

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"trafficgate/internal/trafficgate/observability"
)

const breakerShards = 16

// BreakerRegistry holds one breaker per logical target. Lookup is sharded by
// name so independent targets never contend. Targets are named
// cluster/instance; thresholds can be overridden per cluster at runtime.
type BreakerRegistry struct {
	metrics observability.Metrics
	sink    EventSink
	shards  [breakerShards]breakerShard

	optsMu      sync.RWMutex
	defaults    BreakerOptions
	clusterOpts map[string]BreakerOptions
}

type breakerShard struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry constructs a registry with defaults for new breakers.
func NewBreakerRegistry(opts BreakerOptions, metrics observability.Metrics, sink EventSink) *BreakerRegistry {
	registry := &BreakerRegistry{
		metrics:     metrics,
		sink:        sink,
		defaults:    NormalizeBreakerOptions(opts),
		clusterOpts: make(map[string]BreakerOptions),
	}
	for i := range registry.shards {
		registry.shards[i].breakers = make(map[string]*CircuitBreaker)
	}
	return registry
}

// Get returns the breaker for a target, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	if r == nil || name == "" {
		return nil
	}
	shard := &r.shards[breakerShardIndex(name)]

	shard.mu.RLock()
	breaker := shard.breakers[name]
	shard.mu.RUnlock()
	if breaker != nil {
		return breaker
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if breaker = shard.breakers[name]; breaker != nil {
		return breaker
	}
	breaker = NewCircuitBreaker(name, r.optionsFor(name))
	breaker.SetTransitionHook(r.onTransition)
	shard.breakers[name] = breaker
	return breaker
}

// OptionsFor returns the effective thresholds for a cluster.
func (r *BreakerRegistry) OptionsFor(cluster string) BreakerOptions {
	if r == nil {
		return NormalizeBreakerOptions(BreakerOptions{})
	}
	r.optsMu.RLock()
	defer r.optsMu.RUnlock()
	if opts, ok := r.clusterOpts[cluster]; ok {
		return opts
	}
	return r.defaults
}

// SetClusterOptions overrides thresholds for one cluster at runtime. The
// cluster's existing breakers are reconfigured in place: they return to
// CLOSED with cleared statistics, and breakers created afterward pick up the
// new thresholds on first use.
func (r *BreakerRegistry) SetClusterOptions(cluster string, opts BreakerOptions) error {
	if r == nil || cluster == "" {
		return ErrInvalidInput
	}
	opts = NormalizeBreakerOptions(opts)
	r.optsMu.Lock()
	r.clusterOpts[cluster] = opts
	r.optsMu.Unlock()

	prefix := cluster + "/"
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		var matched []*CircuitBreaker
		for name, breaker := range shard.breakers {
			if strings.HasPrefix(name, prefix) {
				matched = append(matched, breaker)
			}
		}
		shard.mu.RUnlock()
		for _, breaker := range matched {
			breaker.Reconfigure(opts)
		}
	}
	return nil
}

// TryAcquire requests a permit from the named breaker.
func (r *BreakerRegistry) TryAcquire(name string) (Permit, error) {
	breaker := r.Get(name)
	if breaker == nil {
		return Permit{}, ErrInvalidInput
	}
	return breaker.TryAcquire()
}

// Record reports a call outcome to the named breaker.
func (r *BreakerRegistry) Record(name string, permit Permit, success bool, latency time.Duration) {
	breaker := r.Get(name)
	if breaker == nil {
		return
	}
	breaker.Record(permit, success, latency)
}

// Status returns the snapshot for one breaker.
func (r *BreakerRegistry) Status(name string) (BreakerStatus, error) {
	if r == nil || name == "" {
		return BreakerStatus{}, ErrInvalidInput
	}
	shard := &r.shards[breakerShardIndex(name)]
	shard.mu.RLock()
	breaker := shard.breakers[name]
	shard.mu.RUnlock()
	if breaker == nil {
		return BreakerStatus{}, ErrNotFound
	}
	return breaker.Status(), nil
}

// Force moves the named breaker into a specific state, creating it if needed.
func (r *BreakerRegistry) Force(name string, state BreakerState) error {
	breaker := r.Get(name)
	if breaker == nil {
		return ErrInvalidInput
	}
	breaker.Force(state)
	return nil
}

// Reset returns the named breaker to CLOSED with cleared statistics.
func (r *BreakerRegistry) Reset(name string) error {
	if r == nil || name == "" {
		return ErrInvalidInput
	}
	shard := &r.shards[breakerShardIndex(name)]
	shard.mu.RLock()
	breaker := shard.breakers[name]
	shard.mu.RUnlock()
	if breaker == nil {
		return ErrNotFound
	}
	breaker.Reset()
	return nil
}

// Statuses returns snapshots for all known breakers, sorted by name.
func (r *BreakerRegistry) Statuses() []BreakerStatus {
	if r == nil {
		return nil
	}
	var statuses []BreakerStatus
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		for _, breaker := range shard.breakers {
			statuses = append(statuses, breaker.Status())
		}
		shard.mu.RUnlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (r *BreakerRegistry) optionsFor(name string) BreakerOptions {
	cluster := name
	if idx := strings.IndexByte(name, '/'); idx > 0 {
		cluster = name[:idx]
	}
	return r.OptionsFor(cluster)
}

func (r *BreakerRegistry) onTransition(name string, from, to BreakerState) {
	if r.metrics != nil {
		r.metrics.IncBreakerTransition(name, from.String(), to.String())
	}
	if r.sink != nil {
		r.sink.Emit(Event{
			Type: EventBreakerTransition,
			Fields: map[string]string{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			},
		})
	}
}

func breakerShardIndex(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % breakerShards)
}
