package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentSource identifies who handed us the instruction.
type PaymentSource string

const (
	SourceBankClient     PaymentSource = "BANK_CLIENT"
	SourceClearingSystem PaymentSource = "CLEARING_SYSTEM"
)

// PaymentStatus is the orchestrator state machine position persisted
// with the instruction.
type PaymentStatus string

const (
	PaymentCreated             PaymentStatus = "CREATED"
	PaymentFraudCheck          PaymentStatus = "FRAUD_CHECK"
	PaymentRouted              PaymentStatus = "ROUTED"
	PaymentDebit               PaymentStatus = "DEBIT"
	PaymentCredit              PaymentStatus = "CREDIT"
	PaymentDispatchClearing    PaymentStatus = "DISPATCH_CLEARING"
	PaymentCompletedPendingAck PaymentStatus = "COMPLETED_PENDING_ACK"
	PaymentCompleted           PaymentStatus = "COMPLETED"
	PaymentRepair              PaymentStatus = "REPAIR"
	PaymentReversalRequired    PaymentStatus = "REVERSAL_REQUIRED"
	PaymentFailed              PaymentStatus = "FAILED"
	PaymentRejected            PaymentStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transition.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentRejected
}

// PaymentInstruction is immutable once accepted. Uniqueness of
// (tenant_id, transaction_reference) is the idempotency anchor for
// intake and for incoming-clearing replay.
type PaymentInstruction struct {
	ID                   uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TenantID             string          `json:"tenant_id" gorm:"not null;index;uniqueIndex:idx_tenant_txref,priority:1"`
	TransactionReference string          `json:"transaction_reference" gorm:"not null;uniqueIndex:idx_tenant_txref,priority:2"`
	FromAccount          string          `json:"from_account"`
	ToAccount            string          `json:"to_account" gorm:"not null"`
	Amount               decimal.Decimal `json:"amount" gorm:"type:numeric(19,2);not null"`
	Currency             string          `json:"currency" gorm:"type:varchar(3);not null"`
	PaymentType          string          `json:"payment_type" gorm:"not null;index"`
	LocalInstrument      string          `json:"local_instrument"`
	ChargeBearer         string          `json:"charge_bearer"`
	ValueDate            *time.Time      `json:"value_date,omitempty"`
	RemittanceInfo       string          `json:"remittance_info"`
	CorrelationID        string          `json:"correlation_id" gorm:"index"`
	Source               PaymentSource   `json:"source" gorm:"not null"`
	OriginalPayload      datatypes.JSON  `json:"original_payload" gorm:"type:jsonb"`
	Status               PaymentStatus   `json:"status" gorm:"default:'CREATED';index"`
	RouteType            string          `json:"route_type"`
	ClearingSystemCode   string          `json:"clearing_system_code"`
	OutcomeCode          string          `json:"outcome_code"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (PaymentInstruction) TableName() string { return "payment_instructions" }

func (p *PaymentInstruction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// LegKind names the debit/credit/rollback/dispatch legs of a payment.
type LegKind string

const (
	LegDebit          LegKind = "DEBIT"
	LegCredit         LegKind = "CREDIT"
	LegRollbackDebit  LegKind = "ROLLBACK-DEBIT"
	LegRollbackCredit LegKind = "ROLLBACK-CREDIT"
	LegDispatch       LegKind = "DISPATCH"
	LegHold           LegKind = "HOLD"
)

// LegID derives the deterministic idempotency key for a leg.
// Downstream adapters treat a repeated id as a lookup, which is what
// makes the orchestrator re-entrant after a crash. Reversals key on
// the leg they undo, so reversing both legs of one payment books two
// distinct movements instead of collapsing into one.
func LegID(transactionReference string, kind LegKind) string {
	return transactionReference + "-" + string(kind)
}
