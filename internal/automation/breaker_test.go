// File: internal/automation/breaker_test.go
package automation

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source for breaker tests.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

// -- Transition table --

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(3))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State(), "below threshold must stay closed")

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	ok, wait := cb.Allow()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestBreaker_SuccessWhileClosedResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(3))

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Zero(t, cb.Failures())

	// The counter starts over: two more failures still do not trip it.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerRecoveryTimeout(30*time.Second),
		WithBreakerClock(clock.Now),
	)

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	clock.Advance(31 * time.Second)
	ok, _ := cb.Allow()
	require.True(t, ok, "probe must be admitted after the recovery timeout")
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerRecoveryTimeout(30*time.Second),
		WithBreakerClock(clock.Now),
	)

	cb.RecordFailure()
	clock.Advance(31 * time.Second)
	ok, _ := cb.Allow()
	require.True(t, ok)

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	// The failed probe refreshed the timestamp, so the next probe needs a
	// full recovery timeout again.
	clock.Advance(10 * time.Second)
	ok, wait := cb.Allow()
	assert.False(t, ok)
	assert.Equal(t, 20*time.Second, wait)
}

// TestBreaker_RecoveryScenario walks the documented timeline: threshold 3,
// recovery 60s, rejection at t+10s, probe admitted at t+61s.
func TestBreaker_RecoveryScenario(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerRecoveryTimeout(60*time.Second),
		WithBreakerClock(clock.Now),
	)

	for i := 0; i < 3; i++ {
		ok, _ := cb.Allow()
		require.True(t, ok)
		cb.RecordFailure()
	}
	require.Equal(t, BreakerOpen, cb.State())

	clock.Advance(10 * time.Second)
	ok, wait := cb.Allow()
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, wait)
	assert.Equal(t, BreakerOpen, cb.State())

	clock.Advance(51 * time.Second)
	ok, _ = cb.Allow()
	assert.True(t, ok)
	assert.Equal(t, BreakerHalfOpen, cb.State())
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

// -- Model check --

// TestBreaker_TransitionModel_Property drives the breaker with random
// caller-shaped event sequences and compares every observable against a
// plain reference model of the transition table.
func TestBreaker_TransitionModel_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const (
		opFailure = iota
		opSuccess
		opSmallAdvance
		opFullAdvance
	)
	const (
		threshold = 3
		recovery  = time.Minute
	)

	properties.Property("implementation follows the transition table", prop.ForAll(
		func(ops []int) bool {
			clock := &fakeClock{now: time.Unix(0, 0)}
			cb := NewCircuitBreaker(
				WithBreakerThreshold(threshold),
				WithBreakerRecoveryTimeout(recovery),
				WithBreakerClock(clock.Now),
			)

			state := BreakerClosed
			failures := 0
			var lastFailure time.Time

			for _, op := range ops {
				switch op {
				case opSmallAdvance:
					clock.Advance(10 * time.Second)
					continue
				case opFullAdvance:
					clock.Advance(recovery + time.Second)
					continue
				}

				// A caller asks the breaker first, exactly like CallTool.
				modelAllowed := true
				if state == BreakerOpen {
					if clock.Now().Sub(lastFailure) >= recovery {
						state = BreakerHalfOpen
					} else {
						modelAllowed = false
					}
				}
				allowed, _ := cb.Allow()
				if allowed != modelAllowed {
					return false
				}
				if !allowed {
					continue
				}

				if op == opFailure {
					cb.RecordFailure()
					lastFailure = clock.Now()
					switch state {
					case BreakerClosed:
						failures++
						if failures >= threshold {
							state = BreakerOpen
						}
					case BreakerHalfOpen:
						state = BreakerOpen
					}
				} else {
					cb.RecordSuccess()
					failures = 0
					if state == BreakerHalfOpen {
						state = BreakerClosed
					}
				}

				if cb.State() != state || cb.Failures() != failures {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
