package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kranthikarthan/payment-engine/internal/models"
)

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }
func stringPtr(s string) *string  { return &s }

// TestSettingsFromOverlaysDefaults tests that only set fields override
func TestSettingsFromOverlaysDefaults(t *testing.T) {
	s := SettingsFrom(models.ResiliencyConfig{
		MaxAttempts:      intPtr(5),
		TimeoutMs:        intPtr(1500),
		FailureThreshold: floatPtr(0.25),
		Fallback:         stringPtr("ENQUEUE"),
	})

	assert.Equal(t, 5, s.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, s.Timeout)
	assert.Equal(t, 0.25, s.FailureThreshold)
	assert.Equal(t, FallbackEnqueue, s.Fallback)

	// untouched fields keep the engine defaults
	defaults := DefaultSettings()
	assert.Equal(t, defaults.SlidingWindowSize, s.SlidingWindowSize)
	assert.Equal(t, defaults.WaitDuration, s.WaitDuration)
	assert.Equal(t, defaults.MaxConcurrentCalls, s.MaxConcurrentCalls)
}

// TestShouldRetry tests the retry/ignore list semantics
func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name      string
		retryOn   []string
		ignore    []string
		code      string
		transient bool
		expected  bool
	}{
		{"transient by default", nil, nil, "NETWORK_ERROR", true, true},
		{"terminal by default", nil, nil, "REJECTED", false, false},
		{"ignore list wins over transient", nil, []string{"TIMEOUT"}, "TIMEOUT", true, false},
		{"retry list admits listed code", []string{"TIMEOUT"}, nil, "TIMEOUT", true, true},
		{"retry list excludes unlisted transient", []string{"TIMEOUT"}, nil, "NETWORK_ERROR", true, false},
		{"ignore beats retry list", []string{"TIMEOUT"}, []string{"TIMEOUT"}, "TIMEOUT", true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			s.RetryOnErrors = tc.retryOn
			s.IgnoreErrors = tc.ignore
			assert.Equal(t, tc.expected, s.shouldRetry(tc.code, tc.transient))
		})
	}
}
