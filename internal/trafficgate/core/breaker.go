// Package core provides the circuit breaker state machine.
package core

import (
	"strings"
	"sync"
	"time"
)

// BreakerState represents breaker state.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical state name.
func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// ParseBreakerState validates a state name from the operator API.
func ParseBreakerState(name string) (BreakerState, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN", "HALF-OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, Wrap(CodeInvalidInput, "unknown breaker state: "+name, nil)
	}
}

// BreakerOptions configures breaker thresholds. ConsecutiveFailures is an
// optional second trip condition; zero disables it and only the windowed
// failure rate applies.
type BreakerOptions struct {
	SlidingWindowSize    int
	MinimumCalls         int
	FailureRateThreshold float64
	ConsecutiveFailures  int
	OpenTimeout          time.Duration
	HalfOpenMaxCalls     int
	ProbeSuccesses       int
}

// NormalizeBreakerOptions applies defaults.
func NormalizeBreakerOptions(opts BreakerOptions) BreakerOptions {
	if opts.SlidingWindowSize <= 0 {
		opts.SlidingWindowSize = 10
	}
	if opts.MinimumCalls <= 0 {
		opts.MinimumCalls = 10
	}
	if opts.MinimumCalls > opts.SlidingWindowSize {
		opts.MinimumCalls = opts.SlidingWindowSize
	}
	if opts.FailureRateThreshold <= 0 || opts.FailureRateThreshold > 1 {
		opts.FailureRateThreshold = 0.5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 3
	}
	if opts.ProbeSuccesses <= 0 {
		opts.ProbeSuccesses = opts.HalfOpenMaxCalls
	}
	return opts
}

// Permit authorizes one call through a breaker. Permits issued before a state
// transition carry a stale generation and their outcomes are discarded.
type Permit struct {
	generation uint64
}

// BreakerStatus is a point-in-time breaker snapshot.
type BreakerStatus struct {
	Name                string
	State               BreakerState
	FailureRate         float64
	TotalCalls          int
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// CircuitBreaker tracks call outcomes for one target and decides admission.
// All state is guarded by a single mutex so transitions are linearizable per
// breaker; different breakers never contend.
type CircuitBreaker struct {
	name string
	opts BreakerOptions

	mu                  sync.Mutex
	state               BreakerState
	generation          uint64
	window              []bool
	windowIdx           int
	windowLen           int
	windowFailures      int
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
	probeSuccesses      int

	now          func() time.Time
	onTransition func(name string, from, to BreakerState)
}

// NewCircuitBreaker constructs a breaker in the CLOSED state.
func NewCircuitBreaker(name string, opts BreakerOptions) *CircuitBreaker {
	opts = NormalizeBreakerOptions(opts)
	return &CircuitBreaker{
		name:   name,
		opts:   opts,
		state:  StateClosed,
		window: make([]bool, opts.SlidingWindowSize),
		now:    time.Now,
	}
}

// SetClock overrides the breaker clock for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	if cb == nil || now == nil {
		return
	}
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// SetTransitionHook installs a callback invoked after each transition.
func (cb *CircuitBreaker) SetTransitionHook(hook func(name string, from, to BreakerState)) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.onTransition = hook
	cb.mu.Unlock()
}

// TryAcquire requests a permit for one call. ErrCircuitOpen is the expected
// rejection signal, not an application error.
func (cb *CircuitBreaker) TryAcquire() (Permit, error) {
	if cb == nil {
		return Permit{}, ErrCircuitOpen
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return Permit{generation: cb.generation}, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.opts.OpenTimeout {
			return Permit{}, ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInFlight++
		return Permit{generation: cb.generation}, nil
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.opts.HalfOpenMaxCalls {
			return Permit{}, ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return Permit{generation: cb.generation}, nil
	default:
		return Permit{}, ErrCircuitOpen
	}
}

// Record reports the outcome of a permitted call. Outcomes from a stale
// generation are dropped; two probes failing concurrently open the breaker
// exactly once.
func (cb *CircuitBreaker) Record(permit Permit, success bool, _ time.Duration) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if permit.generation != cb.generation {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.appendOutcomeLocked(success)
		if !success {
			cb.consecutiveFailures++
		} else {
			cb.consecutiveFailures = 0
		}
		tripped := cb.windowLen >= cb.opts.MinimumCalls && cb.failureRateLocked() >= cb.opts.FailureRateThreshold
		if cb.opts.ConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.opts.ConsecutiveFailures {
			tripped = true
		}
		if tripped {
			cb.openedAt = cb.now()
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if !success {
			cb.consecutiveFailures++
			cb.openedAt = cb.now()
			cb.transitionLocked(StateOpen)
			return
		}
		cb.consecutiveFailures = 0
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.opts.ProbeSuccesses {
			cb.clearWindowLocked()
			cb.transitionLocked(StateClosed)
		}
	case StateOpen:
		// Outcomes that raced a trip carry a stale generation and never
		// reach here; nothing to do.
	}
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() BreakerStatus {
	if cb == nil {
		return BreakerStatus{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStatus{
		Name:                cb.name,
		State:               cb.state,
		FailureRate:         cb.failureRateLocked(),
		TotalCalls:          cb.windowLen,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
	}
}

// Force moves the breaker into a specific state for drills and incident
// response.
func (cb *CircuitBreaker) Force(state BreakerState) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if state == StateOpen {
		cb.openedAt = cb.now()
	}
	cb.transitionLocked(state)
}

// Reconfigure swaps thresholds at runtime. The sample window is rebuilt at
// the new size and the breaker returns to CLOSED; outcomes recorded under
// the old thresholds are discarded along with any outstanding permits.
func (cb *CircuitBreaker) Reconfigure(opts BreakerOptions) {
	if cb == nil {
		return
	}
	opts = NormalizeBreakerOptions(opts)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.opts = opts
	cb.window = make([]bool, opts.SlidingWindowSize)
	cb.clearWindowLocked()
	cb.consecutiveFailures = 0
	cb.transitionLocked(StateClosed)
}

// Reset returns the breaker to CLOSED with cleared statistics.
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clearWindowLocked()
	cb.consecutiveFailures = 0
	cb.transitionLocked(StateClosed)
}

func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.halfOpenInFlight = 0
	cb.probeSuccesses = 0
	if from != to && cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) appendOutcomeLocked(success bool) {
	if cb.windowLen == len(cb.window) {
		// Overwriting the oldest sample; drop its failure mark first.
		if !cb.window[cb.windowIdx] {
			cb.windowFailures--
		}
	} else {
		cb.windowLen++
	}
	cb.window[cb.windowIdx] = success
	if !success {
		cb.windowFailures++
	}
	cb.windowIdx = (cb.windowIdx + 1) % len(cb.window)
}

func (cb *CircuitBreaker) clearWindowLocked() {
	cb.windowIdx = 0
	cb.windowLen = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) failureRateLocked() float64 {
	if cb.windowLen == 0 {
		return 0
	}
	return float64(cb.windowFailures) / float64(cb.windowLen)
}
