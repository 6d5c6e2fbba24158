package core_test

import (
	"errors"
	"testing"
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
)

func TestServiceRegistry_RegisterAndDeregister(t *testing.T) {
	t.Parallel()

	registry := core.NewServiceRegistry()
	instance := core.NewServiceInstance("i-1", "10.0.0.1", 8080, "", 1, 0, nil)

	if err := registry.Register("api", instance); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	dup := core.NewServiceInstance("i-1", "10.0.0.2", 8080, "", 1, 0, nil)
	if err := registry.Register("api", dup); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict on duplicate ID, got %v", err)
	}

	if err := registry.Deregister("api", "i-1"); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}
	if err := registry.Deregister("api", "i-1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on second deregister, got %v", err)
	}
	if got := len(registry.Instances("api")); got != 0 {
		t.Fatalf("expected empty cluster, got %d instances", got)
	}
}

func TestServiceInstance_Defaults(t *testing.T) {
	t.Parallel()

	instance := core.NewServiceInstance("", "10.0.0.1", 8080, "", 0, 0, nil)
	if instance.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if instance.Weight != 1 {
		t.Fatalf("expected weight floor of 1, got %d", instance.Weight)
	}
	if instance.Address() != "http://10.0.0.1:8080" {
		t.Fatalf("expected http scheme default, got %s", instance.Address())
	}
	if !instance.Healthy() {
		t.Fatalf("expected new instances to start healthy")
	}
}

func TestServiceInstance_CumulativeMeanResponseTime(t *testing.T) {
	t.Parallel()

	instance := core.NewServiceInstance("i-2", "10.0.0.1", 8080, "", 1, 0, nil)
	instance.RecordRequest(100 * time.Millisecond)
	instance.RecordRequest(300 * time.Millisecond)

	if got := instance.AvgResponseTime(); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms cumulative mean, got %v", got)
	}
	if got := instance.TotalRequests(); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestServiceInstance_ConnectionsNeverNegative(t *testing.T) {
	t.Parallel()

	instance := core.NewServiceInstance("i-3", "10.0.0.1", 8080, "", 1, 0, nil)
	instance.DecConnections()
	if got := instance.ActiveConnections(); got != 0 {
		t.Fatalf("expected floor at zero, got %d", got)
	}
}

func TestHealthTracker_SnapshotAndFlip(t *testing.T) {
	t.Parallel()

	registry := core.NewServiceRegistry()
	metrics := observability.NewInMemoryMetrics()
	tracker := core.NewHealthTracker(registry, metrics)

	instance := core.NewServiceInstance("i-4", "10.0.0.1", 8080, "", 1, 0, nil)
	if err := registry.Register("api", instance); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tracker.RecordRequest(instance, 50*time.Millisecond)
	tracker.RecordFailure(instance)
	tracker.SetHealthy(instance, false)

	snap, err := tracker.SnapshotByID("api", "i-4")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.TotalRequests != 1 || snap.FailureCount != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.Healthy {
		t.Fatalf("expected unhealthy snapshot")
	}
	if metrics.Count("instance_healthy|i-4|false") == 0 {
		t.Fatalf("expected health gauge update")
	}

	if _, err := tracker.SnapshotByID("api", "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	snaps := tracker.ClusterSnapshots("api")
	if len(snaps) != 1 || snaps[0].InstanceID != "i-4" {
		t.Fatalf("unexpected cluster snapshots: %+v", snaps)
	}
}
