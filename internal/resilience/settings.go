package resilience

import (
	"time"

	"github.com/kranthikarthan/payment-engine/internal/models"
)

// FallbackPolicy selects what a terminal failure degrades to.
type FallbackPolicy string

const (
	FallbackPropagate FallbackPolicy = "PROPAGATE"
	FallbackEnqueue   FallbackPolicy = "ENQUEUE"
	FallbackCached    FallbackPolicy = "CACHED"
)

// Settings is the fully-defaulted resiliency configuration one call
// executes under. Built from the resolver's merged ResiliencyConfig.
type Settings struct {
	FailureThreshold      float64
	SlowCallRateThreshold float64
	SlowCallThreshold     time.Duration
	SlidingWindowSize     int
	MinimumCalls          int
	WaitDurationOpen      time.Duration
	PermittedHalfOpen     int
	SuccessThreshold      int

	MaxAttempts       int
	WaitDuration      time.Duration
	BackoffMultiplier float64
	MaxWaitDuration   time.Duration
	RetryOnErrors     []string
	IgnoreErrors      []string

	MaxConcurrentCalls int
	BulkheadMaxWait    time.Duration

	Timeout  time.Duration
	Fallback FallbackPolicy

	AckWindow time.Duration
}

// DefaultSettings are the engine-wide conservative defaults applied
// when a field is unset at every config level.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:      0.5,
		SlowCallRateThreshold: 1.0,
		SlowCallThreshold:     5 * time.Second,
		SlidingWindowSize:     20,
		MinimumCalls:          10,
		WaitDurationOpen:      30 * time.Second,
		PermittedHalfOpen:     3,
		SuccessThreshold:      3,
		MaxAttempts:           3,
		WaitDuration:          500 * time.Millisecond,
		BackoffMultiplier:     2.0,
		MaxWaitDuration:       30 * time.Second,
		MaxConcurrentCalls:    25,
		BulkheadMaxWait:       2 * time.Second,
		Timeout:               30 * time.Second,
		Fallback:              FallbackPropagate,
		AckWindow:             60 * time.Second,
	}
}

// SettingsFrom overlays a resolved resiliency config on the defaults.
func SettingsFrom(rc models.ResiliencyConfig) Settings {
	s := DefaultSettings()
	if rc.FailureThreshold != nil {
		s.FailureThreshold = *rc.FailureThreshold
	}
	if rc.SlowCallRateThreshold != nil {
		s.SlowCallRateThreshold = *rc.SlowCallRateThreshold
	}
	if rc.SlowCallThresholdMs != nil {
		s.SlowCallThreshold = time.Duration(*rc.SlowCallThresholdMs) * time.Millisecond
	}
	if rc.SlidingWindowSize != nil {
		s.SlidingWindowSize = *rc.SlidingWindowSize
	}
	if rc.MinimumCalls != nil {
		s.MinimumCalls = *rc.MinimumCalls
	}
	if rc.WaitDurationOpenMs != nil {
		s.WaitDurationOpen = time.Duration(*rc.WaitDurationOpenMs) * time.Millisecond
	}
	if rc.PermittedHalfOpen != nil {
		s.PermittedHalfOpen = *rc.PermittedHalfOpen
	}
	if rc.SuccessThreshold != nil {
		s.SuccessThreshold = *rc.SuccessThreshold
	}
	if rc.MaxAttempts != nil {
		s.MaxAttempts = *rc.MaxAttempts
	}
	if rc.WaitDurationMs != nil {
		s.WaitDuration = time.Duration(*rc.WaitDurationMs) * time.Millisecond
	}
	if rc.BackoffMultiplier != nil {
		s.BackoffMultiplier = *rc.BackoffMultiplier
	}
	if rc.MaxWaitDurationMs != nil {
		s.MaxWaitDuration = time.Duration(*rc.MaxWaitDurationMs) * time.Millisecond
	}
	if rc.RetryOnErrors != nil {
		s.RetryOnErrors = rc.RetryOnErrors
	}
	if rc.IgnoreErrors != nil {
		s.IgnoreErrors = rc.IgnoreErrors
	}
	if rc.MaxConcurrentCalls != nil {
		s.MaxConcurrentCalls = *rc.MaxConcurrentCalls
	}
	if rc.BulkheadMaxWaitMs != nil {
		s.BulkheadMaxWait = time.Duration(*rc.BulkheadMaxWaitMs) * time.Millisecond
	}
	if rc.TimeoutMs != nil {
		s.Timeout = time.Duration(*rc.TimeoutMs) * time.Millisecond
	}
	if rc.Fallback != nil {
		s.Fallback = FallbackPolicy(*rc.Fallback)
	}
	if rc.AckWindowMs != nil {
		s.AckWindow = time.Duration(*rc.AckWindowMs) * time.Millisecond
	}
	return s
}

// shouldRetry decides whether an observed error code is retryable
// under these settings. An explicit retry list narrows the default
// transient classification; the ignore list always wins.
func (s Settings) shouldRetry(code string, transient bool) bool {
	for _, ig := range s.IgnoreErrors {
		if ig == code {
			return false
		}
	}
	if len(s.RetryOnErrors) > 0 {
		for _, r := range s.RetryOnErrors {
			if r == code {
				return true
			}
		}
		return false
	}
	return transient
}
