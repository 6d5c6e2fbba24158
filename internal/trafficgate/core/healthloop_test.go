package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
)

type scriptedProber struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{fail: map[string]bool{}, calls: map[string]int{}}
}

func (p *scriptedProber) Probe(_ context.Context, instance *core.ServiceInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[instance.ID]++
	if p.fail[instance.ID] {
		return errors.New("probe refused")
	}
	return nil
}

func (p *scriptedProber) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func TestHealthCheckLoop_SweepFlipsHealth(t *testing.T) {
	t.Parallel()

	registry := core.NewServiceRegistry()
	metrics := observability.NewInMemoryMetrics()
	tracker := core.NewHealthTracker(registry, metrics)
	prober := newScriptedProber()
	loop := core.NewHealthCheckLoop(registry, tracker, prober, 10*time.Second, time.Second, nil, metrics)
	clock := newFakeClock()
	loop.SetClock(clock.Now)

	up := addInstance(t, registry, "api", "up", 1, 0)
	down := addInstance(t, registry, "api", "down", 1, 0)
	prober.fail["down"] = true

	loop.Sweep(context.Background())

	if !up.Healthy() {
		t.Fatalf("expected healthy instance to stay healthy")
	}
	if down.Healthy() {
		t.Fatalf("expected failed probe to mark instance unhealthy")
	}
	if metrics.Count("probe|failure") == 0 || metrics.Count("probe|success") == 0 {
		t.Fatalf("expected probe metrics for both outcomes")
	}

	// Recovery on a later sweep.
	prober.fail["down"] = false
	clock.Advance(11 * time.Second)
	loop.Sweep(context.Background())
	if !down.Healthy() {
		t.Fatalf("expected instance to recover")
	}
}

func TestHealthCheckLoop_SkipsRecentlyChecked(t *testing.T) {
	t.Parallel()

	registry := core.NewServiceRegistry()
	tracker := core.NewHealthTracker(registry, nil)
	prober := newScriptedProber()
	loop := core.NewHealthCheckLoop(registry, tracker, prober, 10*time.Second, time.Second, nil, nil)
	clock := newFakeClock()
	loop.SetClock(clock.Now)

	addInstance(t, registry, "api", "fresh", 1, 0)

	loop.Sweep(context.Background())
	loop.Sweep(context.Background())
	if got := prober.callCount("fresh"); got != 1 {
		t.Fatalf("expected second sweep to skip fresh instance, got %d probes", got)
	}

	clock.Advance(11 * time.Second)
	loop.Sweep(context.Background())
	if got := prober.callCount("fresh"); got != 2 {
		t.Fatalf("expected probe after interval elapsed, got %d", got)
	}
}

func TestHealthCheckLoop_ClusterIntervalOverride(t *testing.T) {
	t.Parallel()

	registry := core.NewServiceRegistry()
	tracker := core.NewHealthTracker(registry, nil)
	prober := newScriptedProber()
	loop := core.NewHealthCheckLoop(registry, tracker, prober, 10*time.Second, time.Second, nil, nil)
	clock := newFakeClock()
	loop.SetClock(clock.Now)

	addInstance(t, registry, "api", "api-1", 1, 0)
	addInstance(t, registry, "batch", "batch-1", 1, 0)

	loop.Sweep(context.Background())
	loop.SetClusterInterval("api", time.Second)

	// Two seconds later only the overridden cluster is stale.
	clock.Advance(2 * time.Second)
	loop.Sweep(context.Background())
	if got := prober.callCount("api-1"); got != 2 {
		t.Fatalf("expected overridden cluster to be re-probed, got %d probes", got)
	}
	if got := prober.callCount("batch-1"); got != 1 {
		t.Fatalf("expected default-interval cluster to be skipped, got %d probes", got)
	}

	// Zero restores the default interval.
	loop.SetClusterInterval("api", 0)
	clock.Advance(2 * time.Second)
	loop.Sweep(context.Background())
	if got := prober.callCount("api-1"); got != 2 {
		t.Fatalf("expected default interval after reset, got %d probes", got)
	}
}
