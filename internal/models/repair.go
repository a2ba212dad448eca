package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RepairType classifies what went wrong with the payment's legs.
type RepairType string

const (
	RepairDebitFailed         RepairType = "DEBIT_FAILED"
	RepairCreditFailed        RepairType = "CREDIT_FAILED"
	RepairDebitTimeout        RepairType = "DEBIT_TIMEOUT"
	RepairCreditTimeout       RepairType = "CREDIT_TIMEOUT"
	RepairDebitCreditMismatch RepairType = "DEBIT_CREDIT_MISMATCH"
	RepairPartialSuccess      RepairType = "PARTIAL_SUCCESS"
	RepairSystemError         RepairType = "SYSTEM_ERROR"
	RepairManualReview        RepairType = "MANUAL_REVIEW"
)

// RepairStatus is the repair record lifecycle.
type RepairStatus string

const (
	RepairPending    RepairStatus = "PENDING"
	RepairAssigned   RepairStatus = "ASSIGNED"
	RepairInProgress RepairStatus = "IN_PROGRESS"
	RepairResolved   RepairStatus = "RESOLVED"
	RepairFailed     RepairStatus = "FAILED"
	RepairCancelled  RepairStatus = "CANCELLED"
)

// Terminal reports whether the repair queue will never pick the record.
func (s RepairStatus) Terminal() bool {
	return s == RepairResolved || s == RepairCancelled
}

// LegStatus is the observed state of one debit/credit leg.
type LegStatus string

const (
	LegUnknown   LegStatus = "UNKNOWN"
	LegPendingSt LegStatus = "PENDING"
	LegSucceeded LegStatus = "SUCCEEDED"
	LegFailed    LegStatus = "FAILED"
	LegReversed  LegStatus = "REVERSED"
	LegTimedOut  LegStatus = "TIMED_OUT"
)

// CorrectiveAction is what the repair engine may do next.
type CorrectiveAction string

const (
	ActionRetryDebit    CorrectiveAction = "RETRY_DEBIT"
	ActionRetryCredit   CorrectiveAction = "RETRY_CREDIT"
	ActionRetryBoth     CorrectiveAction = "RETRY_BOTH"
	ActionReverseDebit  CorrectiveAction = "REVERSE_DEBIT"
	ActionReverseCredit CorrectiveAction = "REVERSE_CREDIT"
	ActionReverseBoth   CorrectiveAction = "REVERSE_BOTH"
	ActionManualCredit  CorrectiveAction = "MANUAL_CREDIT"
	ActionManualDebit   CorrectiveAction = "MANUAL_DEBIT"
	ActionManualBoth    CorrectiveAction = "MANUAL_BOTH"
	ActionCancelTx      CorrectiveAction = "CANCEL_TRANSACTION"
	ActionEscalate      CorrectiveAction = "ESCALATE"
	ActionNone          CorrectiveAction = "NO_ACTION"
)

// RepairRecord is the durable representation of a payment whose legs
// left the system in an inconsistent or ambiguous state. At most one
// exists per (transaction_reference, tenant_id).
type RepairRecord struct {
	ID                   uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TenantID             string           `json:"tenant_id" gorm:"not null;uniqueIndex:idx_repair_txref,priority:1"`
	TransactionReference string           `json:"transaction_reference" gorm:"not null;uniqueIndex:idx_repair_txref,priority:2"`
	RepairType           RepairType       `json:"repair_type" gorm:"not null"`
	RepairStatus         RepairStatus     `json:"repair_status" gorm:"default:'PENDING';index:idx_repair_pick"`
	DebitStatus          LegStatus        `json:"debit_status" gorm:"default:'UNKNOWN'"`
	CreditStatus         LegStatus        `json:"credit_status" gorm:"default:'UNKNOWN'"`
	DebitReference       string           `json:"debit_reference"`
	CreditReference      string           `json:"credit_reference"`
	FailureReason        string           `json:"failure_reason"`
	RetryCount           int              `json:"retry_count" gorm:"default:0"`
	MaxRetries           int              `json:"max_retries" gorm:"default:3"`
	NextRetryAt          *time.Time       `json:"next_retry_at,omitempty" gorm:"index:idx_repair_pick"`
	TimeoutAt            *time.Time       `json:"timeout_at,omitempty" gorm:"index"`
	Priority             int              `json:"priority" gorm:"default:5;index:idx_repair_pick"`
	CorrectiveAction     CorrectiveAction `json:"corrective_action" gorm:"default:'NO_ACTION'"`
	ResolutionNotes      string           `json:"resolution_notes"`
	ClaimToken           string           `json:"claim_token" gorm:"index"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy           string           `json:"resolved_by"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (RepairRecord) TableName() string { return "repair_records" }

func (r *RepairRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Priority < 1 {
		r.Priority = 1
	}
	if r.Priority > 10 {
		r.Priority = 10
	}
	return nil
}
