package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConfigLevel orders the override chain. Lower rank wins.
type ConfigLevel string

const (
	LevelDownstreamCall ConfigLevel = "DOWNSTREAM_CALL"
	LevelPaymentType    ConfigLevel = "PAYMENT_TYPE"
	LevelTenant         ConfigLevel = "TENANT"
	LevelClearingSystem ConfigLevel = "CLEARING_SYSTEM"
)

// Rank returns the precedence position of a level, 0 being the most
// specific. Unknown levels sort last so they never override.
func (l ConfigLevel) Rank() int {
	switch l {
	case LevelDownstreamCall:
		return 0
	case LevelPaymentType:
		return 1
	case LevelTenant:
		return 2
	case LevelClearingSystem:
		return 3
	default:
		return 4
	}
}

// ConfigKind tags what a config entry contributes.
type ConfigKind string

const (
	KindResiliency  ConfigKind = "RESILIENCY"
	KindAuth        ConfigKind = "AUTH"
	KindMapping     ConfigKind = "MAPPING"
	KindFraudToggle ConfigKind = "FRAUD_TOGGLE"
	KindFraudPolicy ConfigKind = "FRAUD_POLICY"
	KindEncryption  ConfigKind = "ENCRYPTION"
)

// ConfigEntry is one overlay in the multi-level configuration chain.
// The key columns that are empty simply do not constrain the match;
// a candidate applies when every non-empty key equals the call context.
type ConfigEntry struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Kind           ConfigKind     `json:"kind" gorm:"not null;index:idx_cfg_kind_level"`
	Level          ConfigLevel    `json:"level" gorm:"not null;index:idx_cfg_kind_level"`
	TenantID       string         `json:"tenant_id" gorm:"index"`
	PaymentType    string         `json:"payment_type"`
	LocalInstrument string        `json:"local_instrument"`
	ClearingSystem string         `json:"clearing_system"`
	ServiceType    string         `json:"service_type"`
	Endpoint       string         `json:"endpoint"`
	Direction      string         `json:"direction"`
	Priority       int            `json:"priority" gorm:"default:100"`
	Payload        datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	EffectiveFrom  *time.Time     `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time     `json:"effective_until,omitempty"`
	IsActive       bool           `json:"is_active" gorm:"default:true"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (ConfigEntry) TableName() string { return "config_entries" }

func (c *ConfigEntry) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// InWindow reports whether the entry is effective at the given instant.
// Null bounds are open.
func (c *ConfigEntry) InWindow(now time.Time) bool {
	if c.EffectiveFrom != nil && now.Before(*c.EffectiveFrom) {
		return false
	}
	if c.EffectiveUntil != nil && now.After(*c.EffectiveUntil) {
		return false
	}
	return true
}

// ResiliencyConfig is the typed shape of a RESILIENCY payload.
type ResiliencyConfig struct {
	FailureThreshold      *float64 `json:"failure_threshold,omitempty"`
	SlowCallRateThreshold *float64 `json:"slow_call_rate_threshold,omitempty"`
	SlowCallThresholdMs   *int     `json:"slow_call_threshold_ms,omitempty"`
	SlidingWindowSize     *int     `json:"sliding_window_size,omitempty"`
	MinimumCalls          *int     `json:"minimum_calls,omitempty"`
	WaitDurationOpenMs    *int     `json:"wait_duration_open_ms,omitempty"`
	PermittedHalfOpen     *int     `json:"permitted_half_open_calls,omitempty"`
	SuccessThreshold      *int     `json:"success_threshold,omitempty"`
	MaxAttempts           *int     `json:"max_attempts,omitempty"`
	WaitDurationMs        *int     `json:"wait_duration_ms,omitempty"`
	BackoffMultiplier     *float64 `json:"backoff_multiplier,omitempty"`
	MaxWaitDurationMs     *int     `json:"max_wait_duration_ms,omitempty"`
	RetryOnErrors         []string `json:"retry_on_errors,omitempty"`
	IgnoreErrors          []string `json:"ignore_errors,omitempty"`
	MaxConcurrentCalls    *int     `json:"max_concurrent_calls,omitempty"`
	BulkheadMaxWaitMs     *int     `json:"bulkhead_max_wait_ms,omitempty"`
	TimeoutMs             *int     `json:"timeout_ms,omitempty"`
	Fallback              *string  `json:"fallback,omitempty"`
	AckWindowMs           *int     `json:"ack_window_ms,omitempty"`
}

// Merge overlays narrower values onto b field by field; only fields
// the overlay sets replace the base.
func (b ResiliencyConfig) Merge(o ResiliencyConfig) ResiliencyConfig {
	if o.FailureThreshold != nil {
		b.FailureThreshold = o.FailureThreshold
	}
	if o.SlowCallRateThreshold != nil {
		b.SlowCallRateThreshold = o.SlowCallRateThreshold
	}
	if o.SlowCallThresholdMs != nil {
		b.SlowCallThresholdMs = o.SlowCallThresholdMs
	}
	if o.SlidingWindowSize != nil {
		b.SlidingWindowSize = o.SlidingWindowSize
	}
	if o.MinimumCalls != nil {
		b.MinimumCalls = o.MinimumCalls
	}
	if o.WaitDurationOpenMs != nil {
		b.WaitDurationOpenMs = o.WaitDurationOpenMs
	}
	if o.PermittedHalfOpen != nil {
		b.PermittedHalfOpen = o.PermittedHalfOpen
	}
	if o.SuccessThreshold != nil {
		b.SuccessThreshold = o.SuccessThreshold
	}
	if o.MaxAttempts != nil {
		b.MaxAttempts = o.MaxAttempts
	}
	if o.WaitDurationMs != nil {
		b.WaitDurationMs = o.WaitDurationMs
	}
	if o.BackoffMultiplier != nil {
		b.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.MaxWaitDurationMs != nil {
		b.MaxWaitDurationMs = o.MaxWaitDurationMs
	}
	if o.RetryOnErrors != nil {
		b.RetryOnErrors = o.RetryOnErrors
	}
	if o.IgnoreErrors != nil {
		b.IgnoreErrors = o.IgnoreErrors
	}
	if o.MaxConcurrentCalls != nil {
		b.MaxConcurrentCalls = o.MaxConcurrentCalls
	}
	if o.BulkheadMaxWaitMs != nil {
		b.BulkheadMaxWaitMs = o.BulkheadMaxWaitMs
	}
	if o.TimeoutMs != nil {
		b.TimeoutMs = o.TimeoutMs
	}
	if o.Fallback != nil {
		b.Fallback = o.Fallback
	}
	if o.AckWindowMs != nil {
		b.AckWindowMs = o.AckWindowMs
	}
	return b
}

// AuthConfig is the typed shape of an AUTH payload.
type AuthConfig struct {
	Method     *string           `json:"method,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Merge overlays an auth config; parameter maps merge key-wise.
func (b AuthConfig) Merge(o AuthConfig) AuthConfig {
	if o.Method != nil {
		b.Method = o.Method
	}
	if len(o.Parameters) > 0 {
		if b.Parameters == nil {
			b.Parameters = make(map[string]string, len(o.Parameters))
		}
		for k, v := range o.Parameters {
			b.Parameters[k] = v
		}
	}
	return b
}

// FraudToggle is the typed shape of a FRAUD_TOGGLE payload.
type FraudToggle struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// FraudPolicy is the typed shape of a FRAUD_POLICY payload: decision
// thresholds applied to the adapter's risk score.
type FraudPolicy struct {
	ApproveThreshold  *float64 `json:"approve_threshold,omitempty"`
	RejectThreshold   *float64 `json:"reject_threshold,omitempty"`
	HoldThreshold     *float64 `json:"hold_threshold,omitempty"`
	EscalateThreshold *float64 `json:"escalate_threshold,omitempty"`
}

// Merge overlays a fraud policy field by field.
func (b FraudPolicy) Merge(o FraudPolicy) FraudPolicy {
	if o.ApproveThreshold != nil {
		b.ApproveThreshold = o.ApproveThreshold
	}
	if o.RejectThreshold != nil {
		b.RejectThreshold = o.RejectThreshold
	}
	if o.HoldThreshold != nil {
		b.HoldThreshold = o.HoldThreshold
	}
	if o.EscalateThreshold != nil {
		b.EscalateThreshold = o.EscalateThreshold
	}
	return b
}
