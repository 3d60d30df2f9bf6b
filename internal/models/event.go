// internal/models/event.go
package models

import (
	"time"
)

// OwnershipEvent is the outbox row written in the same transaction as the
// ledger change it describes. PublishedAt stays nil until a publisher has
// accepted the event.
type OwnershipEvent struct {
	BaseModel
	EventType   EventType    `json:"event_type" gorm:"type:varchar(40);not null;index"`
	IPAssetID   string       `json:"ip_asset_id" gorm:"size:128;not null;index"`
	ActorID     string       `json:"actor_id,omitempty" gorm:"size:128"`
	OccurredAt  time.Time    `json:"occurred_at" gorm:"not null"`
	Payload     EventPayload `json:"payload" gorm:"type:jsonb;serializer:json"`
	PublishedAt *time.Time   `json:"published_at,omitempty" gorm:"index"`
	Attempts    int          `json:"attempts" gorm:"default:0"`
	LastError   string       `json:"last_error,omitempty" gorm:"type:text"`
}

func (OwnershipEvent) TableName() string {
	return "ownership_events"
}

// EventPayload carries the records affected by a ledger operation. Only the
// fields relevant to the event type are populated.
type EventPayload struct {
	Records       []OwnershipRecord  `json:"records"`
	FromCreatorID string             `json:"from_creator_id,omitempty"`
	ToCreatorID   string             `json:"to_creator_id,omitempty"`
	ShareBps      int                `json:"share_bps,omitempty"`
	Resolution    *DisputeResolution `json:"resolution,omitempty"`
}
