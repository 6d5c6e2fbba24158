package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
)

func TestAsyncSink_DeliversEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var received []core.Event
	sink := core.NewAsyncSink(16, func(event core.Event) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sink.Start(ctx) }()

	sink.Emit(core.Event{Type: core.EventAdmission, Fields: map[string]string{"outcome": "admitted"}})
	sink.Emit(core.Event{Type: core.EventRoutingDecision})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for delivery, got %d events", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-sink.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("sink did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].ID == "" {
		t.Fatalf("expected generated event ID")
	}
	if received[0].Time.IsZero() {
		t.Fatalf("expected stamped event time")
	}
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	t.Parallel()

	// No consumer running, so the buffer fills and further emits drop.
	dropped := 0
	sink := core.NewAsyncSink(2, func(core.Event) {}, func() { dropped++ })

	for i := 0; i < 5; i++ {
		sink.Emit(core.Event{Type: core.EventAdmission})
	}
	if dropped != 3 {
		t.Fatalf("expected 3 drops, got %d", dropped)
	}
}

func TestLoggingSink_CountsDropsInMetrics(t *testing.T) {
	t.Parallel()

	metrics := observability.NewInMemoryMetrics()
	sink := core.NewLoggingSink(observability.NopLogger{}, metrics, 2)

	for i := 0; i < 5; i++ {
		sink.Emit(core.Event{Type: core.EventAdmission})
	}
	if got := metrics.Count("events|dropped"); got != 3 {
		t.Fatalf("expected 3 dropped events counted, got %d", got)
	}
}

func TestAsyncSink_DrainsBufferOnCancel(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	count := 0
	sink := core.NewAsyncSink(8, func(core.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		sink.Emit(core.Event{Type: core.EventAdmission})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("start returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("expected buffered events drained on cancel, got %d", count)
	}
}

func TestInFlight_DrainWaitsForActiveRequests(t *testing.T) {
	t.Parallel()

	inflight := core.NewInFlight()
	if !inflight.Begin() {
		t.Fatalf("expected begin to succeed before draining")
	}
	if got := inflight.Active(); got != 1 {
		t.Fatalf("expected one active admission, got %d", got)
	}

	// One request still running, so a bounded drain times out.
	if err := inflight.Drain(context.Background(), 50*time.Millisecond); err == nil {
		t.Fatalf("expected drain to time out while a request is active")
	}
	if inflight.Begin() {
		t.Fatalf("expected begin to fail once draining started")
	}

	inflight.End()
	if err := inflight.Drain(context.Background(), time.Second); err != nil {
		t.Fatalf("expected drain to complete: %v", err)
	}
	if got := inflight.Active(); got != 0 {
		t.Fatalf("expected no active admissions after drain, got %d", got)
	}
}
