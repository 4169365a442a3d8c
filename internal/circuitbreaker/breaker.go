package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
}

// StateChangeFunc is notified after a state transition.
type StateChangeFunc func(from, to State)

// Breaker implements the circuit breaker pattern for one destination.
// The breaker is a heuristic, not a correctness mechanism: concurrent
// recordings may interleave arbitrarily, but every observed state arises
// from some valid sequence of recorded outcomes.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	lastFailureTime  time.Time
	failureThreshold int
	timeout          time.Duration
	onStateChange    StateChangeFunc
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(cfg Config, onStateChange StateChangeFunc) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		onStateChange:    onStateChange,
	}
}

// CanExecute reports whether a call may go through. As a side effect it
// performs the open → half-open transition once the cooldown has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.timeout {
			// Probe for recovery. The failure count is carried into
			// half-open: one more failure trips straight back to open.
			b.transition(StateHalfOpen)
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	}

	b.mu.Unlock()
	return false
}

// RecordSuccess records a successful call. A success in half-open closes
// the breaker; any success clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.mu.Unlock()
}

// RecordFailure records a failed call and trips the breaker when the
// failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
	b.mu.Unlock()
}

// transition changes state and fires the hook. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		TimeoutSeconds:   int(b.timeout / time.Second),
		LastFailureTime:  b.lastFailureTime,
	}
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	TimeoutSeconds   int       `json:"timeout_seconds"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
}
