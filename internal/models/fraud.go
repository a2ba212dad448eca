package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FraudDecision is the gate's verdict on a payment.
type FraudDecision string

const (
	FraudApprove      FraudDecision = "APPROVE"
	FraudReject       FraudDecision = "REJECT"
	FraudManualReview FraudDecision = "MANUAL_REVIEW"
	FraudHold         FraudDecision = "HOLD"
	FraudEscalate     FraudDecision = "ESCALATE"
)

// RiskLevel buckets the numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a score in [0,1] to a level.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.25:
		return RiskLow
	case score < 0.5:
		return RiskMedium
	case score < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// FraudAssessment records one consultation of the fraud capability,
// including the synthesized verdict when the capability was down.
type FraudAssessment struct {
	ID                   uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TenantID             string         `json:"tenant_id" gorm:"not null;index"`
	TransactionReference string         `json:"transaction_reference" gorm:"not null;index"`
	Source               PaymentSource  `json:"source"`
	RiskScore            float64        `json:"risk_score"`
	RiskLevel            RiskLevel      `json:"risk_level"`
	Decision             FraudDecision  `json:"decision" gorm:"not null"`
	Reason               string         `json:"reason"`
	APIRequest           datatypes.JSON `json:"api_request" gorm:"type:jsonb"`
	APIResponse          datatypes.JSON `json:"api_response" gorm:"type:jsonb"`
	ProcessingTimeMs     int64          `json:"processing_time_ms"`
	Status               string         `json:"status" gorm:"default:'COMPLETED'"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (FraudAssessment) TableName() string { return "fraud_assessments" }

func (f *FraudAssessment) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}
