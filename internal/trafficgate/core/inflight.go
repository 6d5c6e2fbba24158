// Package core provides admission tracking for graceful drains.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InFlight counts admissions in progress so shutdown can drain them before
// the transport stops. Once draining starts, new admissions are refused.
type InFlight struct {
	active   atomic.Int64
	draining atomic.Bool
	drained  chan struct{}
	once     sync.Once
}

// NewInFlight constructs an idle tracker.
func NewInFlight() *InFlight {
	return &InFlight{drained: make(chan struct{})}
}

// Begin registers one admission. It reports false once draining has started;
// the pipeline turns that into a 503.
func (f *InFlight) Begin() bool {
	if f == nil {
		return false
	}
	if f.draining.Load() {
		return false
	}
	f.active.Add(1)
	if f.draining.Load() {
		// Lost the race with Drain; back out and signal if we were the
		// last count standing.
		if f.active.Add(-1) == 0 {
			f.markDrained()
		}
		return false
	}
	return true
}

// End releases one admission.
func (f *InFlight) End() {
	if f == nil {
		return
	}
	if f.active.Add(-1) == 0 && f.draining.Load() {
		f.markDrained()
	}
}

// Active reports the number of admissions currently in progress.
func (f *InFlight) Active() int64 {
	if f == nil {
		return 0
	}
	return f.active.Load()
}

// Drain refuses new admissions and waits for active ones to finish. A
// positive timeout bounds the wait on top of the caller's context; requests
// still running past it keep going, the wait just stops.
func (f *InFlight) Drain(ctx context.Context, timeout time.Duration) error {
	if f == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	f.draining.Store(true)
	if f.active.Load() == 0 {
		f.markDrained()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-f.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *InFlight) markDrained() {
	f.once.Do(func() { close(f.drained) })
}
