package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MappingDirection restricts which side of a call a mapping touches.
type MappingDirection string

const (
	DirectionRequest       MappingDirection = "REQUEST"
	DirectionResponse      MappingDirection = "RESPONSE"
	DirectionBidirectional MappingDirection = "BIDIRECTIONAL"
)

// Applies reports whether a mapping configured for d covers the
// requested direction.
func (d MappingDirection) Applies(requested MappingDirection) bool {
	return d == DirectionBidirectional || d == requested
}

// AutoGenKind selects the generator for an auto-generation rule.
type AutoGenKind string

const (
	AutoGenUUID       AutoGenKind = "UUID"
	AutoGenTimestamp  AutoGenKind = "TIMESTAMP"
	AutoGenSequential AutoGenKind = "SEQUENTIAL"
)

// DerivedType is the declared coercion target of a derived value.
type DerivedType string

const (
	DerivedString  DerivedType = "STRING"
	DerivedNumber  DerivedType = "NUMBER"
	DerivedBoolean DerivedType = "BOOLEAN"
)

// DerivedRule evaluates an expression and writes the coerced result.
type DerivedRule struct {
	Target     string      `json:"target"`
	Expression string      `json:"expression"`
	Type       DerivedType `json:"type"`
	Priority   int         `json:"priority"`
}

// AutoGenRule writes a generated value to a target field.
type AutoGenRule struct {
	Target   string      `json:"target"`
	Kind     AutoGenKind `json:"kind"`
	Prefix   string      `json:"prefix"`
	Suffix   string      `json:"suffix"`
	Length   int         `json:"length"`
	Priority int         `json:"priority"`
}

// ConditionalRule assigns a value when its predicate holds.
type ConditionalRule struct {
	Predicate string      `json:"predicate"`
	Target    string      `json:"target"`
	Value     interface{} `json:"value"`
	Priority  int         `json:"priority"`
}

// AssignmentRule writes a literal (token expansion applies).
type AssignmentRule struct {
	Target   string      `json:"target"`
	Value    interface{} `json:"value"`
	Priority int         `json:"priority"`
}

// MappingSpec is the typed body of a payload mapping. Stored as JSONB
// on PayloadMapping.
type MappingSpec struct {
	FieldMap            map[string]string      `json:"field_map,omitempty"`
	TransformationRules map[string]string      `json:"transformation_rules,omitempty"`
	Assignments         []AssignmentRule       `json:"assignments,omitempty"`
	Derived             []DerivedRule          `json:"derived,omitempty"`
	AutoGenerate        []AutoGenRule          `json:"auto_generate,omitempty"`
	Conditional         []ConditionalRule      `json:"conditional,omitempty"`
	Defaults            map[string]interface{} `json:"defaults,omitempty"`
}

// PayloadMapping is a named, tenant-scoped transformation definition.
type PayloadMapping struct {
	ID        uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TenantID  string           `json:"tenant_id" gorm:"not null;uniqueIndex:idx_tenant_mapping_name,priority:1"`
	Name      string           `json:"name" gorm:"not null;uniqueIndex:idx_tenant_mapping_name,priority:2"`
	Direction MappingDirection `json:"direction" gorm:"default:'BIDIRECTIONAL'"`
	Spec      datatypes.JSON   `json:"spec" gorm:"type:jsonb;not null"`
	Priority  int              `json:"priority" gorm:"default:100"`
	IsActive  bool             `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (PayloadMapping) TableName() string { return "payload_mappings" }

func (m *PayloadMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
