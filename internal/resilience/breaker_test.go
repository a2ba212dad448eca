package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func breakerSettings() Settings {
	s := DefaultSettings()
	s.SlidingWindowSize = 4
	s.MinimumCalls = 4
	s.FailureThreshold = 0.5
	s.WaitDurationOpen = 10 * time.Second
	s.PermittedHalfOpen = 2
	s.SuccessThreshold = 2
	return s
}

func newTestBreaker(s Settings) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return newBreaker("svc|tenant", s, clock.now, zap.NewNop(), nil), clock
}

// TestBreakerStaysClosedBelowMinimumCalls tests that rates are not
// evaluated until the window holds enough outcomes.
func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b, _ := newTestBreaker(breakerSettings())

	for i := 0; i < 3; i++ {
		b.Record(true, time.Millisecond)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

// TestBreakerTripsAtFailureThreshold tests the trip at exactly the
// configured failure rate once the window fills.
func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(breakerSettings())

	b.Record(false, time.Millisecond)
	b.Record(true, time.Millisecond)
	b.Record(false, time.Millisecond)
	assert.Equal(t, StateClosed, b.State())

	// fourth outcome fills the window at 2/4 = 0.5 >= threshold
	b.Record(true, time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), payerr.ErrCircuitOpen)
}

// TestBreakerTripsOnSlowCalls tests the slow-call rate threshold
func TestBreakerTripsOnSlowCalls(t *testing.T) {
	s := breakerSettings()
	s.SlowCallRateThreshold = 0.5
	s.SlowCallThreshold = 100 * time.Millisecond
	b, _ := newTestBreaker(s)

	b.Record(false, time.Second)
	b.Record(false, time.Second)
	b.Record(false, time.Millisecond)
	b.Record(false, time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
}

// TestBreakerHalfOpenRecovery tests OPEN -> HALF_OPEN -> CLOSED
func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(breakerSettings())
	tripBreaker(b)

	assert.ErrorIs(t, b.Allow(), payerr.ErrCircuitOpen)

	clock.advance(11 * time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.Record(false, time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Allow())
	b.Record(false, time.Millisecond)
	assert.Equal(t, StateClosed, b.State())
}

// TestBreakerHalfOpenFailureReopens tests that one failed trial call
// trips the circuit again.
func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(breakerSettings())
	tripBreaker(b)

	clock.advance(11 * time.Second)
	assert.NoError(t, b.Allow())
	b.Record(true, time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), payerr.ErrCircuitOpen)
}

// TestBreakerHalfOpenTrialLimit tests the half-open admission cap
func TestBreakerHalfOpenTrialLimit(t *testing.T) {
	b, clock := newTestBreaker(breakerSettings())
	tripBreaker(b)

	clock.advance(11 * time.Second)
	assert.NoError(t, b.Allow())
	assert.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), payerr.ErrCircuitOpen)
}

func tripBreaker(b *breaker) {
	for i := 0; i < 4; i++ {
		b.Record(true, time.Millisecond)
	}
}
