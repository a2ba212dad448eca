package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// QueuedMessageStatus is the lifecycle of a deferred outbound call.
type QueuedMessageStatus string

const (
	QueuePending    QueuedMessageStatus = "PENDING"
	QueueProcessing QueuedMessageStatus = "PROCESSING"
	QueueProcessed  QueuedMessageStatus = "PROCESSED"
	QueueFailed     QueuedMessageStatus = "FAILED"
	QueueRetry      QueuedMessageStatus = "RETRY"
	QueueExpired    QueuedMessageStatus = "EXPIRED"
	QueueCancelled  QueuedMessageStatus = "CANCELLED"
)

// Terminal reports whether the queue loop will never pick the message again.
func (s QueuedMessageStatus) Terminal() bool {
	return s == QueueProcessed || s == QueueExpired || s == QueueCancelled
}

// QueuedMessage is a deferred outbound call created when a dispatcher
// fallback fires or a replay is scheduled. The row is the durable
// source of truth; workers must claim it before executing.
type QueuedMessage struct {
	ID                    uuid.UUID           `json:"message_id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	MessageType           string              `json:"message_type" gorm:"not null"`
	TenantID              string              `json:"tenant_id" gorm:"not null;index"`
	ServiceName           string              `json:"service_name" gorm:"not null"`
	URL                   string              `json:"url" gorm:"not null"`
	HTTPMethod            string              `json:"http_method" gorm:"default:'POST'"`
	Payload               datatypes.JSON      `json:"payload" gorm:"type:jsonb"`
	Headers               datatypes.JSON      `json:"headers" gorm:"type:jsonb"`
	Status                QueuedMessageStatus `json:"status" gorm:"default:'PENDING';index:idx_queue_pick"`
	Priority              int                 `json:"priority" gorm:"default:5;index:idx_queue_pick"`
	RetryCount            int                 `json:"retry_count" gorm:"default:0"`
	MaxRetries            int                 `json:"max_retries" gorm:"default:3"`
	NextRetryAt           *time.Time          `json:"next_retry_at,omitempty" gorm:"index:idx_queue_pick"`
	ExpiresAt             *time.Time          `json:"expires_at,omitempty"`
	ProcessingStartedAt   *time.Time          `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time          `json:"processing_completed_at,omitempty"`
	ProcessingTimeMs      int64               `json:"processing_time_ms"`
	ClaimToken            string              `json:"claim_token" gorm:"index"`
	Result                datatypes.JSON      `json:"result" gorm:"type:jsonb"`
	ErrorDetail           string              `json:"error_detail"`
	CorrelationID         string              `json:"correlation_id" gorm:"index"`
	ParentMessageID       *uuid.UUID          `json:"parent_message_id,omitempty" gorm:"type:uuid"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

func (QueuedMessage) TableName() string { return "queued_messages" }

func (q *QueuedMessage) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}
