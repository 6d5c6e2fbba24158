// Package core provides instance selection.
package core

import (
	"strings"
	"sync"
	"sync/atomic"

	"trafficgate/internal/trafficgate/observability"
)

// Strategy names a load balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round-robin"
	StrategyWeightedRoundRobin Strategy = "weighted-round-robin"
	StrategyLeastConnections   Strategy = "least-connections"
	StrategyResponseTime       Strategy = "response-time"
	StrategyPriority           Strategy = "priority"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "round-robin", "round_robin", "roundrobin":
		return StrategyRoundRobin, nil
	case "weighted-round-robin", "weighted_round_robin":
		return StrategyWeightedRoundRobin, nil
	case "least-connections", "least_connections":
		return StrategyLeastConnections, nil
	case "response-time", "response_time":
		return StrategyResponseTime, nil
	case "priority":
		return StrategyPriority, nil
	default:
		return "", Wrap(CodeInvalidInput, "unknown strategy: "+name, nil)
	}
}

// Router selects a target instance per request. Unhealthy instances are
// filtered first; when nothing healthy remains, the full list is used and the
// decision is marked as a fallback, preferring availability over strict
// health enforcement.
type Router struct {
	registry *ServiceRegistry
	metrics  observability.Metrics
	sink     EventSink

	mu         sync.RWMutex
	defaultAlg Strategy
	perCluster map[string]Strategy

	counters sync.Map // cluster -> *atomic.Uint64
}

// NewRouter constructs a router with a default strategy.
func NewRouter(registry *ServiceRegistry, defaultAlg Strategy, metrics observability.Metrics, sink EventSink) *Router {
	if defaultAlg == "" {
		defaultAlg = StrategyRoundRobin
	}
	return &Router{
		registry:   registry,
		metrics:    metrics,
		sink:       sink,
		defaultAlg: defaultAlg,
		perCluster: make(map[string]Strategy),
	}
}

// SetClusterStrategy overrides the strategy for one cluster.
func (r *Router) SetClusterStrategy(cluster string, strategy Strategy) error {
	if r == nil || cluster == "" {
		return ErrInvalidInput
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perCluster[cluster] = strategy
	return nil
}

// StrategyFor returns the effective strategy for a cluster.
func (r *Router) StrategyFor(cluster string) Strategy {
	if r == nil {
		return StrategyRoundRobin
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strategy, ok := r.perCluster[cluster]; ok {
		return strategy
	}
	return r.defaultAlg
}

// Select picks an instance for the cluster, skipping excluded IDs. The
// exclusion list carries instances the pipeline already failed against.
func (r *Router) Select(cluster string, exclude ...string) (*RoutingDecision, error) {
	if r == nil || r.registry == nil || cluster == "" {
		return nil, ErrInvalidInput
	}
	instances := r.registry.Instances(cluster)
	if len(instances) == 0 {
		return nil, ErrNoInstanceAvailable
	}
	if len(exclude) > 0 {
		instances = excludeInstances(instances, exclude)
		if len(instances) == 0 {
			return nil, ErrNoInstanceAvailable
		}
	}

	candidates := healthyOnly(instances)
	isFallback := false
	if len(candidates) == 0 {
		candidates = instances
		isFallback = true
	}

	strategy := r.StrategyFor(cluster)
	var selected *ServiceInstance
	switch strategy {
	case StrategyWeightedRoundRobin:
		selected = r.selectWeighted(cluster, candidates)
	case StrategyLeastConnections:
		selected = selectLeastConnections(candidates)
	case StrategyResponseTime:
		selected = selectResponseTime(candidates)
	case StrategyPriority:
		selected = selectPriority(candidates)
	default:
		selected = r.selectRoundRobin(cluster, candidates)
	}
	if selected == nil {
		return nil, ErrNoInstanceAvailable
	}

	decision := &RoutingDecision{
		Instance:   selected,
		Cluster:    cluster,
		Algorithm:  strategy,
		IsFallback: isFallback,
	}
	if isFallback && r.metrics != nil {
		r.metrics.IncRouteFallback(cluster)
	}
	if r.sink != nil {
		r.sink.Emit(Event{
			Type: EventRoutingDecision,
			Fields: map[string]string{
				"cluster":   cluster,
				"instance":  selected.ID,
				"algorithm": string(strategy),
				"fallback":  boolLabel(isFallback),
			},
		})
	}
	return decision, nil
}

func (r *Router) selectRoundRobin(cluster string, candidates []*ServiceInstance) *ServiceInstance {
	n := r.nextCounter(cluster)
	return candidates[n%uint64(len(candidates))]
}

func (r *Router) selectWeighted(cluster string, candidates []*ServiceInstance) *ServiceInstance {
	total := 0
	for _, instance := range candidates {
		total += instance.Weight
	}
	if total <= 0 {
		return r.selectRoundRobin(cluster, candidates)
	}
	slot := int(r.nextCounter(cluster) % uint64(total))
	for _, instance := range candidates {
		slot -= instance.Weight
		if slot < 0 {
			return instance
		}
	}
	return candidates[len(candidates)-1]
}

func selectLeastConnections(candidates []*ServiceInstance) *ServiceInstance {
	best := candidates[0]
	bestConns := best.ActiveConnections()
	for _, instance := range candidates[1:] {
		if conns := instance.ActiveConnections(); conns < bestConns {
			best = instance
			bestConns = conns
		}
	}
	return best
}

func selectResponseTime(candidates []*ServiceInstance) *ServiceInstance {
	best := candidates[0]
	bestTime := best.AvgResponseTime()
	for _, instance := range candidates[1:] {
		if rt := instance.AvgResponseTime(); rt < bestTime {
			best = instance
			bestTime = rt
		}
	}
	return best
}

// selectPriority picks the lowest priority value; registration order breaks
// ties because candidates preserve it.
func selectPriority(candidates []*ServiceInstance) *ServiceInstance {
	best := candidates[0]
	for _, instance := range candidates[1:] {
		if instance.Priority < best.Priority {
			best = instance
		}
	}
	return best
}

func (r *Router) nextCounter(cluster string) uint64 {
	value, _ := r.counters.LoadOrStore(cluster, &atomic.Uint64{})
	counter, ok := value.(*atomic.Uint64)
	if !ok || counter == nil {
		return 0
	}
	return counter.Add(1) - 1
}

func healthyOnly(instances []*ServiceInstance) []*ServiceInstance {
	healthy := make([]*ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if instance.Healthy() {
			healthy = append(healthy, instance)
		}
	}
	return healthy
}

func excludeInstances(instances []*ServiceInstance, exclude []string) []*ServiceInstance {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	kept := make([]*ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if _, skip := excluded[instance.ID]; !skip {
			kept = append(kept, instance)
		}
	}
	return kept
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
