package eventbus

import (
	"context"
)

// Topics published by the engine.
const (
	TopicConfigChanged    = "config.changed"
	TopicPaymentCompleted = "payment.completed"
	TopicPaymentRepair    = "payment.repair"
)

// EventBus defines the interface for asynchronous event communication.
type EventBus interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	PublishAsync(ctx context.Context, topic string, event interface{}) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Unsubscribe(subscription Subscription) error
	Close() error
}

// EventHandler processes incoming events.
type EventHandler func(ctx context.Context, event map[string]interface{}) error

// Subscription represents an event subscription.
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}

// ConfigChangedEvent is emitted after any config write so resolver
// caches can drop their snapshots.
type ConfigChangedEvent struct {
	Kind     string `json:"kind"`
	TenantID string `json:"tenant_id"`
	EntryID  string `json:"entry_id"`
}

// PaymentEvent is emitted on terminal orchestrator outcomes.
type PaymentEvent struct {
	TenantID             string `json:"tenant_id"`
	TransactionReference string `json:"transaction_reference"`
	Status               string `json:"status"`
	OutcomeCode          string `json:"outcome_code,omitempty"`
	RepairID             string `json:"repair_id,omitempty"`
}
