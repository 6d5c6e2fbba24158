// Package core provides the background health check loop.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trafficgate/internal/trafficgate/observability"
)

// Prober pings one instance out of band. Implementations decide the probe
// protocol; the loop only cares about success, failure, or timeout.
type Prober interface {
	Probe(ctx context.Context, instance *ServiceInstance) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, instance *ServiceInstance) error

// Probe invokes the function.
func (f ProberFunc) Probe(ctx context.Context, instance *ServiceInstance) error {
	return f(ctx, instance)
}

// HealthCheckLoop probes registered instances on a ticker, independent of
// request traffic. Probe timeouts are shorter than and independent from
// request timeouts.
type HealthCheckLoop struct {
	registry      *ServiceRegistry
	tracker       *HealthTracker
	prober        Prober
	interval      time.Duration
	timeout       time.Duration
	maxConcurrent int
	logger        observability.Logger
	metrics       observability.Metrics
	now           func() time.Time

	intervalMu       sync.RWMutex
	clusterIntervals map[string]time.Duration
}

// NewHealthCheckLoop constructs the loop.
func NewHealthCheckLoop(registry *ServiceRegistry, tracker *HealthTracker, prober Prober, interval, timeout time.Duration, logger observability.Logger, metrics observability.Metrics) *HealthCheckLoop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &HealthCheckLoop{
		registry:         registry,
		tracker:          tracker,
		prober:           prober,
		interval:         interval,
		timeout:          timeout,
		maxConcurrent:    16,
		logger:           logger,
		metrics:          metrics,
		now:              time.Now,
		clusterIntervals: make(map[string]time.Duration),
	}
}

// SetClusterInterval overrides the probe interval for one cluster at
// runtime; zero or negative restores the default. Overrides shorter than the
// loop's base interval take effect at tick granularity.
func (h *HealthCheckLoop) SetClusterInterval(cluster string, interval time.Duration) {
	if h == nil || cluster == "" {
		return
	}
	h.intervalMu.Lock()
	defer h.intervalMu.Unlock()
	if interval <= 0 {
		delete(h.clusterIntervals, cluster)
		return
	}
	h.clusterIntervals[cluster] = interval
}

func (h *HealthCheckLoop) intervalFor(cluster string) time.Duration {
	h.intervalMu.RLock()
	defer h.intervalMu.RUnlock()
	if interval, ok := h.clusterIntervals[cluster]; ok {
		return interval
	}
	return h.interval
}

// SetClock overrides the loop clock for tests.
func (h *HealthCheckLoop) SetClock(now func() time.Time) {
	if h == nil || now == nil {
		return
	}
	h.now = now
}

// Start runs the loop until the context is cancelled. In-flight probes are
// drained before returning.
func (h *HealthCheckLoop) Start(ctx context.Context) error {
	if h == nil || h.registry == nil || h.tracker == nil || h.prober == nil {
		return errors.New("health check loop is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep probes every instance whose last check is stale. Exposed for tests.
func (h *HealthCheckLoop) Sweep(ctx context.Context) {
	now := h.now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(h.maxConcurrent)
	for _, cluster := range h.registry.Clusters() {
		interval := h.intervalFor(cluster)
		for _, instance := range h.registry.Instances(cluster) {
			last := instance.LastHealthCheck()
			if !last.IsZero() && now.Sub(last) < interval {
				continue
			}
			instance := instance
			group.Go(func() error {
				h.probeOne(groupCtx, instance)
				return nil
			})
		}
	}
	_ = group.Wait()
}

func (h *HealthCheckLoop) probeOne(ctx context.Context, instance *ServiceInstance) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.prober.Probe(probeCtx, instance)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncProbe("failure")
		}
		if instance.Healthy() {
			h.logger.Warn("instance probe failed", map[string]any{
				"instance": instance.ID,
				"address":  instance.Address(),
				"error":    err.Error(),
			})
		}
		h.tracker.SetHealthy(instance, false)
		return
	}
	if h.metrics != nil {
		h.metrics.IncProbe("success")
	}
	if !instance.Healthy() {
		h.logger.Info("instance recovered", map[string]any{
			"instance": instance.ID,
			"address":  instance.Address(),
		})
	}
	h.tracker.SetHealthy(instance, true)
	instance.MarkHealthCheck(h.now())
}
