// File: internal/automation/breaker.go
package automation

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // One probe call allowed to test recovery.
)

// String returns the lower-case state name used in logs and status output.
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards calls to the automation endpoint. Failures while
// closed accumulate until the threshold trips the breaker open; after the
// recovery timeout one probe call is let through, and its outcome decides
// whether the breaker closes again or re-opens.
//
// The crawl loop is the only caller, but all transitions take a mutex so a
// concurrent status reader never observes torn state.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	threshold       int
	recoveryTimeout time.Duration
	lastFailure     time.Time
	now             func() time.Time // injectable clock for testing
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive-failure count that trips the
// breaker open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerRecoveryTimeout sets how long the breaker stays open before
// allowing a half-open probe.
func WithBreakerRecoveryTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.recoveryTimeout = d }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// NewCircuitBreaker creates a breaker with the default policy:
// 5 failures to open, 60s recovery timeout.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:           BreakerClosed,
		threshold:       5,
		recoveryTimeout: 60 * time.Second,
		now:             time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current breaker state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Allow reports whether a call may proceed. While open it returns false and
// the remaining wait until a probe is allowed; once the recovery timeout has
// elapsed it transitions to half-open and admits the probe.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return true, 0
	}
	elapsed := cb.now().Sub(cb.lastFailure)
	if elapsed < cb.recoveryTimeout {
		return false, cb.recoveryTimeout - elapsed
	}
	cb.state = BreakerHalfOpen
	return true, 0
}

// RecordSuccess records a successful call. A half-open probe success closes
// the breaker; a success while closed resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerClosed
		cb.failures = 0
	case BreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call. Reaching the threshold while closed
// opens the breaker; any failure of a half-open probe re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
	}
}

// Reset forces the breaker back to closed with a clean failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
}
