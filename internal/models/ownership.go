// internal/models/ownership.go
package models

import (
	"time"
)

// OwnershipRecord is one creator's share of one asset over the half-open
// interval [StartDate, EndDate). A nil EndDate means the record is still open.
type OwnershipRecord struct {
	BaseModel
	IPAssetID         string        `json:"ip_asset_id" gorm:"size:128;not null;index:idx_ownership_asset_period,priority:1"`
	CreatorID         string        `json:"creator_id" gorm:"size:128;not null;index"`
	ShareBps          int           `json:"share_bps" gorm:"not null"`
	OwnershipType     OwnershipType `json:"ownership_type" gorm:"type:varchar(20);not null"`
	StartDate         time.Time     `json:"start_date" gorm:"not null;index:idx_ownership_asset_period,priority:2"`
	EndDate           *time.Time    `json:"end_date" gorm:"index:idx_ownership_asset_period,priority:3"`
	ContractReference string        `json:"contract_reference,omitempty" gorm:"size:255"`
	LegalDocURL       string        `json:"legal_doc_url,omitempty" gorm:"size:2048"`
	CreatedBy         string        `json:"created_by,omitempty" gorm:"size:128"`

	Disputed        bool               `json:"disputed" gorm:"not null;default:false"`
	DisputedReason  string             `json:"disputed_reason,omitempty" gorm:"type:text"`
	DisputedBy      string             `json:"disputed_by,omitempty" gorm:"size:128"`
	DisputedAt      *time.Time         `json:"disputed_at,omitempty"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy      string             `json:"resolved_by,omitempty" gorm:"size:128"`
	Resolution      *DisputeResolution `json:"resolution,omitempty" gorm:"type:varchar(20)"`
	ResolutionNotes string             `json:"resolution_notes,omitempty" gorm:"type:text"`
}

func (OwnershipRecord) TableName() string {
	return "ownership_records"
}

// DisputeState derives the dispute lifecycle state from the stored flags.
func (r *OwnershipRecord) DisputeState() DisputeState {
	switch {
	case r.ResolvedAt != nil:
		return DisputeStateResolved
	case r.Disputed:
		return DisputeStateDisputed
	default:
		return DisputeStateActive
	}
}

// IsOpen reports whether the record has not been ended.
func (r *OwnershipRecord) IsOpen() bool {
	return r.EndDate == nil
}

// ActiveAt reports whether the record's interval covers t.
func (r *OwnershipRecord) ActiveAt(t time.Time) bool {
	if r.StartDate.After(t) {
		return false
	}
	return r.EndDate == nil || r.EndDate.After(t)
}
