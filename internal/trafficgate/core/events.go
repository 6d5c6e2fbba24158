// Package core provides the decision event sink.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trafficgate/internal/trafficgate/observability"
)

// EventType labels an emitted decision event.
type EventType string

const (
	EventAdmission         EventType = "admission"
	EventBreakerTransition EventType = "breaker_transition"
	EventRoutingDecision   EventType = "routing_decision"
)

// Event is a structured observability record.
type Event struct {
	ID     string
	Type   EventType
	Time   time.Time
	Fields map[string]string
}

// EventSink receives decision events. Implementations must not block the
// caller; the pipeline treats emission as fire-and-forget.
type EventSink interface {
	Emit(event Event)
}

// AsyncSink buffers events and hands them to a delegate on a dedicated
// goroutine. When the buffer is full events are dropped rather than blocking
// the request path; each drop invokes onDrop. Both callbacks are fixed at
// construction so Emit never races a write to them.
type AsyncSink struct {
	ch       chan Event
	delegate func(Event)
	onDrop   func()
	done     chan struct{}
}

// NewAsyncSink constructs a sink with the given buffer size. onDrop may be
// nil when drops need no accounting.
func NewAsyncSink(buffer int, delegate func(Event), onDrop func()) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if delegate == nil {
		delegate = func(Event) {}
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &AsyncSink{
		ch:       make(chan Event, buffer),
		delegate: delegate,
		onDrop:   onDrop,
		done:     make(chan struct{}),
	}
}

// NewLoggingSink constructs an async sink that writes events to the logger
// and counts drops in metrics.
func NewLoggingSink(logger observability.Logger, metrics observability.Metrics, buffer int) *AsyncSink {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return NewAsyncSink(buffer, func(event Event) {
		fields := map[string]any{
			"event_id": event.ID,
			"time":     event.Time.Format(time.RFC3339Nano),
		}
		for key, value := range event.Fields {
			fields[key] = value
		}
		logger.Info(string(event.Type), fields)
	}, func() {
		if metrics != nil {
			metrics.IncEventDropped()
		}
	})
}

// Emit enqueues an event without blocking.
func (s *AsyncSink) Emit(event Event) {
	if s == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	select {
	case s.ch <- event:
	default:
		s.onDrop()
	}
}

// Start consumes events until the context is cancelled.
func (s *AsyncSink) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered before stopping.
			for {
				select {
				case event := <-s.ch:
					s.delegate(event)
				default:
					return nil
				}
			}
		case event := <-s.ch:
			s.delegate(event)
		}
	}
}

// Done reports when the consumer has stopped.
func (s *AsyncSink) Done() <-chan struct{} {
	if s == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}
