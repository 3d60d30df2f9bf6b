// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields. Ledger rows are never deleted, so there is
// no soft-delete column here.
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns the primary key in Go so the same schema works on
// PostgreSQL and the embedded SQLite driver.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}

	return json.Unmarshal(data, j)
}

// Enums
type OwnershipType string

const (
	OwnershipTypePrimary     OwnershipType = "PRIMARY"
	OwnershipTypeContributor OwnershipType = "CONTRIBUTOR"
	OwnershipTypeDerivative  OwnershipType = "DERIVATIVE"
	OwnershipTypeTransferred OwnershipType = "TRANSFERRED"
)

func (t OwnershipType) IsValid() bool {
	switch t {
	case OwnershipTypePrimary, OwnershipTypeContributor, OwnershipTypeDerivative, OwnershipTypeTransferred:
		return true
	}
	return false
}

type DisputeResolution string

const (
	DisputeResolutionConfirmed DisputeResolution = "CONFIRMED"
	DisputeResolutionModified  DisputeResolution = "MODIFIED"
	DisputeResolutionRemoved   DisputeResolution = "REMOVED"
)

type DisputeState string

const (
	DisputeStateActive   DisputeState = "ACTIVE"
	DisputeStateDisputed DisputeState = "DISPUTED"
	DisputeStateResolved DisputeState = "RESOLVED"
)

type EventType string

const (
	EventOwnershipSet         EventType = "IP_OWNERSHIP_SET"
	EventOwnershipTransferred EventType = "IP_OWNERSHIP_TRANSFERRED"
	EventOwnershipEnded       EventType = "IP_OWNERSHIP_ENDED"
	EventOwnershipDisputed    EventType = "IP_OWNERSHIP_DISPUTED"
	EventOwnershipResolved    EventType = "IP_OWNERSHIP_RESOLVED"
)
