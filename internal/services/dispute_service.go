// internal/services/dispute_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type ResolutionAction string

const (
	ResolutionConfirm ResolutionAction = "CONFIRM"
	ResolutionModify  ResolutionAction = "MODIFY"
	ResolutionRemove  ResolutionAction = "REMOVE"
)

func (a ResolutionAction) outcome() (models.DisputeResolution, bool) {
	switch a {
	case ResolutionConfirm:
		return models.DisputeResolutionConfirmed, true
	case ResolutionModify:
		return models.DisputeResolutionModified, true
	case ResolutionRemove:
		return models.DisputeResolutionRemoved, true
	}
	return "", false
}

type FlagDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Action          ResolutionAction      `json:"action"`
	ResolutionNotes string                `json:"resolutionNotes"`
	ModifiedData    []OwnershipSplitInput `json:"modifiedData,omitempty"`
}

// ResolveResult is the resolved record and, for MODIFY and REMOVE, the split
// that replaced the asset's active records.
type ResolveResult struct {
	Record        models.OwnershipRecord   `json:"record"`
	NewOwnerships []models.OwnershipRecord `json:"newOwnerships,omitempty"`
}

// DisputeService drives the per-record dispute lifecycle
// ACTIVE -> DISPUTED -> RESOLVED.
type DisputeService struct {
	ledger *OwnershipService
	cfg    config.LedgerConfig
}

func NewDisputeService(ledger *OwnershipService, cfg config.LedgerConfig) *DisputeService {
	if cfg.DisputeReasonMinLength <= 0 {
		cfg.DisputeReasonMinLength = 10
	}
	if cfg.DisputeReasonMaxLength <= 0 {
		cfg.DisputeReasonMaxLength = 1000
	}
	if cfg.ResolutionNotesMaxLen <= 0 {
		cfg.ResolutionNotesMaxLen = 2000
	}
	return &DisputeService{ledger: ledger, cfg: cfg}
}

// FlagDispute moves an open record from ACTIVE to DISPUTED.
func (s *DisputeService) FlagDispute(ctx context.Context, actor Actor, ownershipID, reason string) (*models.OwnershipRecord, error) {
	if actor.ID == "" {
		return nil, &LedgerError{Kind: KindUnauthorizedOwnership, Reason: ReasonNotPermitted, Message: "an authenticated actor is required"}
	}

	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n < s.cfg.DisputeReasonMinLength || n > s.cfg.DisputeReasonMaxLength {
		return nil, newInputError(ReasonInvalidReason,
			fmt.Sprintf("dispute reason must be %d to %d characters", s.cfg.DisputeReasonMinLength, s.cfg.DisputeReasonMaxLength),
			FieldDetails{Field: "reason", Min: s.cfg.DisputeReasonMinLength, Max: s.cfg.DisputeReasonMaxLength})
	}

	current, err := s.ledger.store.GetRecord(ctx, ownershipID)
	if err != nil {
		return nil, err
	}

	var flagged *models.OwnershipRecord
	err = s.ledger.withAssetWrite(ctx, actor, current.IPAssetID, "flag_dispute", func(tx *gorm.DB, batch *eventBatch) error {
		record, err := lockRecord(tx, current.ID)
		if err != nil {
			return err
		}

		switch record.DisputeState() {
		case models.DisputeStateResolved:
			return newDisputeStateError(ReasonAlreadyResolved, ownershipID, string(models.DisputeStateResolved))
		case models.DisputeStateDisputed:
			return newDisputeStateError(ReasonAlreadyDisputed, ownershipID, string(models.DisputeStateDisputed))
		}
		if !record.IsOpen() {
			return newDisputeStateError(ReasonRecordEnded, ownershipID, "ENDED")
		}

		at := batch.occurredAt
		result := tx.Model(&models.OwnershipRecord{}).
			Where("id = ? AND disputed = ?", record.ID, false).
			Updates(map[string]interface{}{
				"disputed":        true,
				"disputed_reason": reason,
				"disputed_by":     actor.ID,
				"disputed_at":     at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return newConflictError(ReasonConcurrentWrite, "record changed while flagging the dispute", nil)
		}

		record.Disputed = true
		record.DisputedReason = reason
		record.DisputedBy = actor.ID
		record.DisputedAt = &at
		flagged = record

		batch.add(models.EventOwnershipDisputed, record.IPAssetID, models.EventPayload{Records: []models.OwnershipRecord{*record}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flagged, nil
}

// ResolveDispute closes a dispute. MODIFY replaces the active split with
// ModifiedData and REMOVE drops the disputed creator and rescales the rest;
// both run in the same transaction as the resolution itself.
func (s *DisputeService) ResolveDispute(ctx context.Context, actor Actor, ownershipID string, req ResolveDisputeRequest) (*ResolveResult, error) {
	if !actor.IsAdmin {
		return nil, &LedgerError{Kind: KindUnauthorizedOwnership, Reason: ReasonAdminRequired, Message: "only an admin may resolve disputes"}
	}

	resolution, ok := req.Action.outcome()
	if !ok {
		return nil, newInputError(ReasonInvalidAction,
			fmt.Sprintf("unknown resolution action %q", req.Action), FieldDetails{Field: "action"})
	}

	notes := strings.TrimSpace(req.ResolutionNotes)
	if notes == "" || utf8.RuneCountInString(notes) > s.cfg.ResolutionNotesMaxLen {
		return nil, newInputError(ReasonMissingResolutionNotes,
			fmt.Sprintf("resolution notes must be 1 to %d characters", s.cfg.ResolutionNotesMaxLen),
			FieldDetails{Field: "resolutionNotes", Min: 1, Max: s.cfg.ResolutionNotesMaxLen})
	}

	if req.Action == ResolutionModify {
		if len(req.ModifiedData) == 0 {
			return nil, newInputError(ReasonMissingModifiedData, "MODIFY requires the corrected split", FieldDetails{Field: "modifiedData"})
		}
		if err := validateSplitInputs(req.ModifiedData); err != nil {
			return nil, err
		}
	}

	current, err := s.ledger.store.GetRecord(ctx, ownershipID)
	if err != nil {
		return nil, err
	}

	var result ResolveResult
	err = s.ledger.withAssetWrite(ctx, actor, current.IPAssetID, "resolve_dispute", func(tx *gorm.DB, batch *eventBatch) error {
		record, err := lockRecord(tx, current.ID)
		if err != nil {
			return err
		}

		switch record.DisputeState() {
		case models.DisputeStateResolved:
			return newDisputeStateError(ReasonAlreadyResolved, ownershipID, string(models.DisputeStateResolved))
		case models.DisputeStateActive:
			return newDisputeStateError(ReasonNotDisputed, ownershipID, string(models.DisputeStateActive))
		}

		if req.Action != ResolutionConfirm {
			if !record.IsOpen() {
				return newDisputeStateError(ReasonRecordEnded, ownershipID, "ENDED")
			}

			active, err := openRecords(tx, record.IPAssetID)
			if err != nil {
				return err
			}

			split := req.ModifiedData
			if req.Action == ResolutionRemove {
				split, err = removalSplit(active, record.CreatorID)
				if err != nil {
					return err
				}
			}

			result.NewOwnerships, err = s.ledger.applySplit(tx, actor, record.IPAssetID, active, split, batch.occurredAt, batch)
			if err != nil {
				return err
			}
		}

		at := batch.occurredAt
		update := tx.Model(&models.OwnershipRecord{}).
			Where("id = ? AND resolved_at IS NULL", record.ID).
			Updates(map[string]interface{}{
				"resolved_at":      at,
				"resolved_by":      actor.ID,
				"resolution":       resolution,
				"resolution_notes": notes,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected != 1 {
			return newConflictError(ReasonConcurrentWrite, "record changed while resolving the dispute", nil)
		}

		resolved, err := lockRecord(tx, record.ID)
		if err != nil {
			return err
		}
		result.Record = *resolved

		batch.add(models.EventOwnershipResolved, record.IPAssetID, models.EventPayload{
			Records:    []models.OwnershipRecord{*resolved},
			Resolution: &resolution,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDisputes pages through disputed records and refreshes the open
// disputes gauge.
func (s *DisputeService) ListDisputes(ctx context.Context, filter DisputeFilter, params utils.PaginationParams) ([]models.OwnershipRecord, int64, error) {
	records, total, err := s.ledger.store.ListDisputes(ctx, filter, params)
	if err != nil {
		return nil, 0, err
	}
	if open, err := s.ledger.store.CountOpenDisputes(ctx); err == nil {
		s.ledger.metrics.SetOpenDisputes(open)
	}
	return records, total, nil
}

// removalSplit builds the split that remains after creatorID is removed,
// keeping each remaining record's type and references.
func removalSplit(active []models.OwnershipRecord, creatorID string) ([]OwnershipSplitInput, error) {
	shares, err := RescaleWithout(active, creatorID)
	if err != nil {
		return nil, err
	}

	split := make([]OwnershipSplitInput, len(shares))
	for i, sh := range shares {
		prev := findCreator(active, sh.CreatorID)
		split[i] = OwnershipSplitInput{
			CreatorID:         sh.CreatorID,
			ShareBps:          sh.ShareBps,
			OwnershipType:     prev.OwnershipType,
			ContractReference: prev.ContractReference,
			LegalDocURL:       prev.LegalDocURL,
		}
	}
	return split, nil
}

// RescaleWithout removes creatorID from the split and scales the remaining
// shares back up to TotalBps. Each share becomes
// round_half_up(old * TotalBps / (TotalBps - removed)); the rounding
// remainder goes to the largest remaining share, ties to the smallest
// creator id.
func RescaleWithout(records []models.OwnershipRecord, creatorID string) ([]ShareInput, error) {
	removed := -1
	remaining := make([]ShareInput, 0, len(records))
	for _, r := range records {
		if r.CreatorID == creatorID {
			removed = r.ShareBps
			continue
		}
		remaining = append(remaining, ShareInput{CreatorID: r.CreatorID, ShareBps: r.ShareBps})
	}

	if removed < 0 {
		return nil, newNotFoundError(ReasonRecordNotFound, RecordDetails{CreatorID: creatorID})
	}
	if len(remaining) == 0 {
		return nil, newSplitError(ReasonEmptySplit, "removing the sole owner would leave the asset without owners",
			CreatorDetails{CreatorID: creatorID})
	}

	sort.Slice(remaining, func(i, j int) bool {
		if remaining[i].ShareBps != remaining[j].ShareBps {
			return remaining[i].ShareBps > remaining[j].ShareBps
		}
		return remaining[i].CreatorID < remaining[j].CreatorID
	})

	denom := TotalBps - removed
	sum := 0
	for i := range remaining {
		scaled := (2*remaining[i].ShareBps*TotalBps + denom) / (2 * denom)
		remaining[i].ShareBps = scaled
		sum += scaled
	}
	// remaining[0] is the largest original share after sorting.
	remaining[0].ShareBps += TotalBps - sum

	return remaining, ValidateSplit(remaining)
}
