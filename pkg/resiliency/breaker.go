// Package resiliency provides the per-connector circuit breaker guarding
// every external call made by the control plane.
package resiliency

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker tracks consecutive failures for one connector and fails
// fast while the cooldown window is active. All counters are guarded by a
// single mutex; Allow never performs I/O.
type CircuitBreaker struct {
	mu sync.Mutex

	name         string
	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration
	consecutive  int
	trips        int
	openedAt     time.Time
	cooldown     time.Duration
	state        BreakerState
	clock        func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and stays open for an exponentially growing
// cooldown, starting at baseCooldown.
func NewCircuitBreaker(name string, threshold int, baseCooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if baseCooldown <= 0 {
		baseCooldown = 10 * time.Second
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		baseCooldown: baseCooldown,
		maxCooldown:  5 * time.Minute,
		state:        StateClosed,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Name returns the connector identity this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may be attempted now. While OPEN and inside
// the cooldown window it returns false; once the window elapses the breaker
// moves to HALF_OPEN and admits a single trial call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.clock().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = StateHalfOpen
		return true
	}
	return false
}

// Success records a successful call: the failure counter resets to zero and
// the breaker closes.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	cb.trips = 0
	cb.state = StateClosed
}

// Failure records a failed call. Crossing the threshold opens the breaker;
// each consecutive trip doubles the cooldown up to the cap.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive++
	if cb.state == StateHalfOpen || cb.consecutive >= cb.threshold {
		cb.openedAt = cb.clock()
		cb.cooldown = cb.backoff()
		cb.trips++
		cb.state = StateOpen
		cb.consecutive = 0
	}
}

// backoff computes the cooldown for the current trip count. Caller holds
// the mutex.
func (cb *CircuitBreaker) backoff() time.Duration {
	d := cb.baseCooldown
	for i := 0; i < cb.trips; i++ {
		d *= 2
		if d >= cb.maxCooldown {
			return cb.maxCooldown
		}
	}
	return d
}

// State returns the current state machine position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot exposes counters for diagnostics.
type Snapshot struct {
	Name                string        `json:"name"`
	State               BreakerState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown,omitempty"`
}

// Stats returns a point-in-time snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutive,
		OpenedAt:            cb.openedAt,
		Cooldown:            cb.cooldown,
	}
}
