package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProcessingMode is how a clearing system settles messages.
type ProcessingMode string

const (
	ModeSynchronous  ProcessingMode = "SYNCHRONOUS"
	ModeAsynchronous ProcessingMode = "ASYNCHRONOUS"
	ModeBatch        ProcessingMode = "BATCH"
)

// EndpointType is the interaction style of a single endpoint.
type EndpointType string

const (
	EndpointSync    EndpointType = "SYNC"
	EndpointAsync   EndpointType = "ASYNC"
	EndpointPolling EndpointType = "POLLING"
	EndpointWebhook EndpointType = "WEBHOOK"
)

// AuthMethod is the endpoint/webhook authentication scheme.
type AuthMethod string

const (
	AuthNone   AuthMethod = "NONE"
	AuthAPIKey AuthMethod = "API_KEY"
	AuthJWT    AuthMethod = "JWT"
	AuthJWS    AuthMethod = "JWS"
	AuthOAuth2 AuthMethod = "OAUTH2"
	AuthMTLS   AuthMethod = "MTLS"
)

// ClearingSystem is an external settlement network (FEDWIRE, SEPA,
// CHAPS, ...). It exclusively owns its endpoints.
type ClearingSystem struct {
	ID                       uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Code                     string         `json:"code" gorm:"not null;uniqueIndex"`
	Name                     string         `json:"name" gorm:"not null"`
	Country                  string         `json:"country"`
	Currency                 string         `json:"currency" gorm:"type:varchar(3)"`
	ProcessingMode           ProcessingMode `json:"processing_mode" gorm:"default:'SYNCHRONOUS'"`
	DefaultTimeoutMs         int            `json:"default_timeout_ms" gorm:"default:30000"`
	SupportedMessageTypes    datatypes.JSON `json:"supported_message_types" gorm:"type:jsonb"`
	SupportedPaymentTypes    datatypes.JSON `json:"supported_payment_types" gorm:"type:jsonb"`
	SupportedLocalInstrments datatypes.JSON `json:"supported_local_instruments" gorm:"type:jsonb;column:supported_local_instruments"`
	AuthMethod               AuthMethod     `json:"auth_method" gorm:"default:'NONE'"`
	AuthConfig               datatypes.JSON `json:"auth_config" gorm:"type:jsonb"`
	IsActive                 bool           `json:"is_active" gorm:"default:true"`
	Endpoints                []Endpoint     `json:"endpoints" gorm:"foreignKey:ClearingSystemCode;references:Code;constraint:OnDelete:CASCADE"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

func (ClearingSystem) TableName() string { return "clearing_systems" }

func (c *ClearingSystem) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Endpoint is a concrete (URL, method, auth, message-type) binding of
// a clearing system. Identity is (clearing_system_code, name).
type Endpoint struct {
	ID                 uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ClearingSystemCode string         `json:"clearing_system_code" gorm:"not null;uniqueIndex:idx_cs_endpoint,priority:1"`
	Name               string         `json:"name" gorm:"not null;uniqueIndex:idx_cs_endpoint,priority:2"`
	EndpointType       EndpointType   `json:"endpoint_type" gorm:"default:'SYNC'"`
	MessageType        string         `json:"message_type" gorm:"not null;index"`
	URL                string         `json:"url" gorm:"not null"`
	HTTPMethod         string         `json:"http_method" gorm:"default:'POST'"`
	TimeoutMs          int            `json:"timeout_ms" gorm:"default:30000"`
	RetryAttempts      int            `json:"retry_attempts" gorm:"default:3"`
	AuthMethod         AuthMethod     `json:"auth_method" gorm:"default:'NONE'"`
	AuthConfig         datatypes.JSON `json:"auth_config" gorm:"type:jsonb"`
	StaticHeaders      datatypes.JSON `json:"static_headers" gorm:"type:jsonb"`
	Priority           int            `json:"priority" gorm:"default:100"`
	IsActive           bool           `json:"is_active" gorm:"default:true"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Endpoint) TableName() string { return "clearing_system_endpoints" }

func (e *Endpoint) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// TenantClearingMapping binds (tenant, payment type, local instrument)
// to a clearing system. LocalInstrument empty means "matches any".
type TenantClearingMapping struct {
	ID                 uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TenantID           string    `json:"tenant_id" gorm:"not null;index:idx_tenant_mapping"`
	PaymentType        string    `json:"payment_type" gorm:"index:idx_tenant_mapping"`
	LocalInstrument    string    `json:"local_instrument" gorm:"index:idx_tenant_mapping"`
	ClearingSystemCode string    `json:"clearing_system_code" gorm:"not null"`
	Priority           int       `json:"priority" gorm:"default:100"`
	IsActive           bool      `json:"is_active" gorm:"default:true"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (TenantClearingMapping) TableName() string { return "tenant_clearing_mappings" }

func (m *TenantClearingMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Specificity ranks a mapping for best-match selection: both fields
// set beats payment-type-only beats instrument-only.
func (m *TenantClearingMapping) Specificity() int {
	switch {
	case m.PaymentType != "" && m.LocalInstrument != "":
		return 3
	case m.PaymentType != "":
		return 2
	case m.LocalInstrument != "":
		return 1
	default:
		return 0
	}
}
