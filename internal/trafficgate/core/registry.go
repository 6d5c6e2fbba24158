// Package core provides the service instance registry.
package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ServiceInstance is one backend in a cluster. Identity is ID; the runtime
// counters are updated with atomics since they are written far more often
// than read holistically.
type ServiceInstance struct {
	ID       string
	Host     string
	Port     int
	Scheme   string
	Weight   int
	Priority int
	Metadata map[string]string

	activeConnections atomic.Int64
	totalRequests     atomic.Int64
	totalResponseTime atomic.Int64
	failureCount      atomic.Int64
	healthy           atomic.Bool
	lastHealthCheck   atomic.Int64
}

// NewServiceInstance constructs an instance, generating an ID when absent.
// Instances start healthy until a probe or outcome says otherwise.
func NewServiceInstance(id, host string, port int, scheme string, weight, priority int, metadata map[string]string) *ServiceInstance {
	if id == "" {
		id = uuid.NewString()
	}
	if scheme == "" {
		scheme = "http"
	}
	if weight <= 0 {
		weight = 1
	}
	instance := &ServiceInstance{
		ID:       id,
		Host:     host,
		Port:     port,
		Scheme:   scheme,
		Weight:   weight,
		Priority: priority,
		Metadata: metadata,
	}
	instance.healthy.Store(true)
	return instance
}

// Address returns scheme://host:port.
func (si *ServiceInstance) Address() string {
	if si == nil {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d", si.Scheme, si.Host, si.Port)
}

// IncConnections increments the active connection count.
func (si *ServiceInstance) IncConnections() {
	if si == nil {
		return
	}
	si.activeConnections.Add(1)
}

// DecConnections decrements the active connection count, never below zero.
func (si *ServiceInstance) DecConnections() {
	if si == nil {
		return
	}
	if si.activeConnections.Add(-1) < 0 {
		si.activeConnections.Store(0)
	}
}

// ActiveConnections returns the current connection count.
func (si *ServiceInstance) ActiveConnections() int64 {
	if si == nil {
		return 0
	}
	return si.activeConnections.Load()
}

// RecordRequest accumulates a completed request's response time.
func (si *ServiceInstance) RecordRequest(responseTime time.Duration) {
	if si == nil {
		return
	}
	si.totalRequests.Add(1)
	si.totalResponseTime.Add(responseTime.Nanoseconds())
}

// RecordFailure increments the failure count.
func (si *ServiceInstance) RecordFailure() {
	if si == nil {
		return
	}
	si.failureCount.Add(1)
}

// FailureCount returns the accumulated failure count.
func (si *ServiceInstance) FailureCount() int64 {
	if si == nil {
		return 0
	}
	return si.failureCount.Load()
}

// AvgResponseTime returns the cumulative mean response time.
func (si *ServiceInstance) AvgResponseTime() time.Duration {
	if si == nil {
		return 0
	}
	total := si.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(si.totalResponseTime.Load() / total)
}

// TotalRequests returns the number of recorded requests.
func (si *ServiceInstance) TotalRequests() int64 {
	if si == nil {
		return 0
	}
	return si.totalRequests.Load()
}

// SetHealthy updates the health flag.
func (si *ServiceInstance) SetHealthy(v bool) {
	if si == nil {
		return
	}
	si.healthy.Store(v)
}

// Healthy reports the current health flag.
func (si *ServiceInstance) Healthy() bool {
	if si == nil {
		return false
	}
	return si.healthy.Load()
}

// MarkHealthCheck stamps the last health check time.
func (si *ServiceInstance) MarkHealthCheck(now time.Time) {
	if si == nil {
		return
	}
	si.lastHealthCheck.Store(now.UnixNano())
}

// LastHealthCheck returns the last health check time.
func (si *ServiceInstance) LastHealthCheck() time.Time {
	if si == nil {
		return time.Time{}
	}
	nanos := si.lastHealthCheck.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// ServiceRegistry tracks clusters and their instances. Registration order is
// preserved per cluster; the priority strategy uses it for tie-breaks.
type ServiceRegistry struct {
	mu       sync.RWMutex
	clusters map[string][]*ServiceInstance
}

// NewServiceRegistry constructs an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{clusters: make(map[string][]*ServiceInstance)}
}

// Register adds an instance to a cluster.
func (r *ServiceRegistry) Register(cluster string, instance *ServiceInstance) error {
	if r == nil || cluster == "" || instance == nil || instance.ID == "" {
		return ErrInvalidInput
	}
	if instance.Host == "" || instance.Port <= 0 {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.clusters[cluster] {
		if existing.ID == instance.ID {
			return ErrConflict
		}
	}
	r.clusters[cluster] = append(r.clusters[cluster], instance)
	return nil
}

// Deregister removes an instance from a cluster.
func (r *ServiceRegistry) Deregister(cluster, id string) error {
	if r == nil || cluster == "" || id == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	instances := r.clusters[cluster]
	for i, instance := range instances {
		if instance.ID == id {
			r.clusters[cluster] = append(instances[:i:i], instances[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Instances returns the cluster's instances in registration order.
func (r *ServiceRegistry) Instances(cluster string) []*ServiceInstance {
	if r == nil || cluster == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	instances := r.clusters[cluster]
	if len(instances) == 0 {
		return nil
	}
	out := make([]*ServiceInstance, len(instances))
	copy(out, instances)
	return out
}

// Get returns one instance by ID.
func (r *ServiceRegistry) Get(cluster, id string) (*ServiceInstance, error) {
	if r == nil || cluster == "" || id == "" {
		return nil, ErrInvalidInput
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, instance := range r.clusters[cluster] {
		if instance.ID == id {
			return instance, nil
		}
	}
	return nil, ErrNotFound
}

// Clusters returns all known cluster names, sorted.
func (r *ServiceRegistry) Clusters() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllInstances returns every registered instance across clusters.
func (r *ServiceRegistry) AllInstances() []*ServiceInstance {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ServiceInstance
	for _, name := range r.sortedClusterNamesLocked() {
		out = append(out, r.clusters[name]...)
	}
	return out
}

func (r *ServiceRegistry) sortedClusterNamesLocked() []string {
	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
