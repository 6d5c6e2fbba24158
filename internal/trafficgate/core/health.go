// Package core provides per-instance health and latency tracking.
package core

import (
	"time"

	"trafficgate/internal/trafficgate/observability"
)

// HealthSnapshot is a point-in-time view of one instance's statistics.
type HealthSnapshot struct {
	InstanceID        string
	AvgResponseTime   time.Duration
	ActiveConnections int64
	TotalRequests     int64
	FailureCount      int64
	Healthy           bool
	LastHealthCheck   time.Time
}

// HealthTracker records request outcomes and health flips for instances. The
// average response time is a cumulative mean; recency weighting was
// considered and deliberately not adopted (see DESIGN.md).
type HealthTracker struct {
	registry *ServiceRegistry
	metrics  observability.Metrics
}

// NewHealthTracker constructs a tracker over the registry.
func NewHealthTracker(registry *ServiceRegistry, metrics observability.Metrics) *HealthTracker {
	return &HealthTracker{registry: registry, metrics: metrics}
}

// RecordRequest records a successful call's response time.
func (t *HealthTracker) RecordRequest(instance *ServiceInstance, responseTime time.Duration) {
	if t == nil || instance == nil {
		return
	}
	instance.RecordRequest(responseTime)
}

// RecordFailure records a failed or timed out call.
func (t *HealthTracker) RecordFailure(instance *ServiceInstance) {
	if t == nil || instance == nil {
		return
	}
	instance.RecordFailure()
}

// SetHealthy flips an instance's health flag.
func (t *HealthTracker) SetHealthy(instance *ServiceInstance, healthy bool) {
	if t == nil || instance == nil {
		return
	}
	instance.SetHealthy(healthy)
	if t.metrics != nil {
		t.metrics.SetInstanceHealthy(instance.ID, healthy)
	}
}

// Snapshot returns the instance's current statistics.
func (t *HealthTracker) Snapshot(instance *ServiceInstance) HealthSnapshot {
	if instance == nil {
		return HealthSnapshot{}
	}
	return HealthSnapshot{
		InstanceID:        instance.ID,
		AvgResponseTime:   instance.AvgResponseTime(),
		ActiveConnections: instance.ActiveConnections(),
		TotalRequests:     instance.TotalRequests(),
		FailureCount:      instance.FailureCount(),
		Healthy:           instance.Healthy(),
		LastHealthCheck:   instance.LastHealthCheck(),
	}
}

// SnapshotByID looks up an instance in the registry and snapshots it.
func (t *HealthTracker) SnapshotByID(cluster, id string) (HealthSnapshot, error) {
	if t == nil || t.registry == nil {
		return HealthSnapshot{}, ErrInvalidInput
	}
	instance, err := t.registry.Get(cluster, id)
	if err != nil {
		return HealthSnapshot{}, err
	}
	return t.Snapshot(instance), nil
}

// ClusterSnapshots returns snapshots for every instance in a cluster.
func (t *HealthTracker) ClusterSnapshots(cluster string) []HealthSnapshot {
	if t == nil || t.registry == nil {
		return nil
	}
	instances := t.registry.Instances(cluster)
	if len(instances) == 0 {
		return nil
	}
	snapshots := make([]HealthSnapshot, 0, len(instances))
	for _, instance := range instances {
		snapshots = append(snapshots, t.Snapshot(instance))
	}
	return snapshots
}
