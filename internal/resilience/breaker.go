package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// BreakerState is one of the three circuit states.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// callOutcome is one ring-buffer slot in the sliding window.
type callOutcome struct {
	failure bool
	slow    bool
}

// breaker is one keyed circuit. It tracks a count-based sliding window
// of the last N call outcomes and trips when either the failure rate or
// the slow-call rate crosses its threshold after minimumCalls outcomes.
type breaker struct {
	mu sync.Mutex

	key      string
	settings Settings
	state    BreakerState

	window []callOutcome
	head   int
	filled int

	openedAt        time.Time
	halfOpenPermits int
	halfOpenSuccess int

	now          func() time.Time
	logger       *zap.Logger
	onTransition func(key string, state BreakerState)
}

func newBreaker(key string, s Settings, now func() time.Time, logger *zap.Logger, onTransition func(string, BreakerState)) *breaker {
	return &breaker{
		key:          key,
		settings:     s,
		state:        StateClosed,
		window:       make([]callOutcome, s.SlidingWindowSize),
		now:          now,
		logger:       logger,
		onTransition: onTransition,
	}
}

// Allow reports whether a call may proceed. In the OPEN state it
// transitions to HALF_OPEN once the wait duration elapses; in HALF_OPEN
// it admits at most the configured number of trial calls.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.WaitDurationOpen {
			return payerr.Wrapf(payerr.ErrCircuitOpen, nil, "circuit %s open", b.key)
		}
		b.transition(StateHalfOpen)
		b.halfOpenPermits = 1
		b.halfOpenSuccess = 0
		return nil
	case StateHalfOpen:
		if b.halfOpenPermits >= b.settings.PermittedHalfOpen {
			return payerr.Wrapf(payerr.ErrCircuitOpen, nil, "circuit %s half-open, trial calls exhausted", b.key)
		}
		b.halfOpenPermits++
		return nil
	}
	return nil
}

// Record feeds one call outcome into the window and applies the state
// transition rules.
func (b *breaker) Record(failure bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := elapsed >= b.settings.SlowCallThreshold

	switch b.state {
	case StateHalfOpen:
		if failure {
			b.trip()
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
			b.resetWindow()
		}
	case StateClosed:
		b.window[b.head] = callOutcome{failure: failure, slow: slow}
		b.head = (b.head + 1) % len(b.window)
		if b.filled < len(b.window) {
			b.filled++
		}
		if b.filled < b.settings.MinimumCalls {
			return
		}
		failures, slows := 0, 0
		for i := 0; i < b.filled; i++ {
			if b.window[i].failure {
				failures++
			}
			if b.window[i].slow {
				slows++
			}
		}
		failRate := float64(failures) / float64(b.filled)
		slowRate := float64(slows) / float64(b.filled)
		if failRate >= b.settings.FailureThreshold || slowRate >= b.settings.SlowCallRateThreshold {
			b.logger.Warn("circuit tripping",
				zap.String("key", b.key),
				zap.Float64("failure_rate", failRate),
				zap.Float64("slow_call_rate", slowRate),
				zap.Int("window", b.filled))
			b.trip()
		}
	case StateOpen:
		// Outcomes from calls admitted before the trip; ignore.
	}
}

// State returns the current state without side effects.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) trip() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.resetWindow()
}

func (b *breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = callOutcome{}
	}
	b.head = 0
	b.filled = 0
}

func (b *breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit state change",
		zap.String("key", b.key),
		zap.String("from", string(b.state)),
		zap.String("to", string(to)))
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.key, to)
	}
}

// breakerRegistry hands out one breaker per (service, tenant) key.
// Settings are captured at first use; a config change takes effect for
// a key after the registry is flushed by the invalidation watcher.
type breakerRegistry struct {
	mu           sync.Mutex
	breakers     map[string]*breaker
	now          func() time.Time
	logger       *zap.Logger
	onTransition func(string, BreakerState)
}

func newBreakerRegistry(now func() time.Time, logger *zap.Logger, onTransition func(string, BreakerState)) *breakerRegistry {
	return &breakerRegistry{
		breakers:     make(map[string]*breaker),
		now:          now,
		logger:       logger,
		onTransition: onTransition,
	}
}

func (r *breakerRegistry) get(key string, s Settings) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, s, r.now, r.logger, r.onTransition)
	r.breakers[key] = b
	return b
}

// Flush drops all keyed breakers so fresh settings apply.
func (r *breakerRegistry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*breaker)
}
