// internal/services/verification.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/javajoker/imi-ledger/internal/models"
)

type ViolationCode string

const (
	ViolationShareRange    ViolationCode = "SHARE_RANGE"
	ViolationSum           ViolationCode = "SUM"
	ViolationOverlap       ViolationCode = "OVERLAP"
	ViolationResolution    ViolationCode = "RESOLUTION"
	ViolationDisputeReason ViolationCode = "DISPUTE_REASON"
)

type Violation struct {
	Code         ViolationCode `json:"code"`
	Message      string        `json:"message"`
	At           *time.Time    `json:"at,omitempty"`
	OwnershipIDs []string      `json:"ownershipIds,omitempty"`
}

type VerificationReport struct {
	IPAssetID       string      `json:"ipAssetId"`
	RecordCount     int         `json:"recordCount"`
	CheckedInstants int         `json:"checkedInstants"`
	Valid           bool        `json:"valid"`
	Violations      []Violation `json:"violations"`
}

// VerifyAsset re-checks the ledger invariants over the asset's full history.
func (s *OwnershipStore) VerifyAsset(ctx context.Context, assetID string) (*VerificationReport, error) {
	records, err := s.listAll(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, newNotFoundError(ReasonAssetNotFound, RecordDetails{IPAssetID: assetID})
	}

	report := verifyHistory(records)
	report.IPAssetID = assetID
	return report, nil
}

func verifyHistory(records []models.OwnershipRecord) *VerificationReport {
	report := &VerificationReport{RecordCount: len(records), Violations: []Violation{}}

	for _, r := range records {
		if r.ShareBps < 1 || r.ShareBps > TotalBps {
			report.Violations = append(report.Violations, Violation{
				Code:         ViolationShareRange,
				Message:      fmt.Sprintf("share of %s is %d bps", r.CreatorID, r.ShareBps),
				OwnershipIDs: []string{r.ID.String()},
			})
		}
		if r.Disputed && strings.TrimSpace(r.DisputedReason) == "" {
			report.Violations = append(report.Violations, Violation{
				Code:         ViolationDisputeReason,
				Message:      "disputed record has no reason",
				OwnershipIDs: []string{r.ID.String()},
			})
		}
		resolvedOK := (r.ResolvedAt == nil && r.Resolution == nil) ||
			(r.ResolvedAt != nil && r.Resolution != nil && r.Disputed)
		if !resolvedOK {
			report.Violations = append(report.Violations, Violation{
				Code:         ViolationResolution,
				Message:      "resolution fields are inconsistent with the dispute flag",
				OwnershipIDs: []string{r.ID.String()},
			})
		}
	}

	instants := boundaryInstants(records)
	report.CheckedInstants = len(instants)
	for _, t := range instants {
		sum := 0
		var ids []string
		for i := range records {
			if records[i].ActiveAt(t) {
				sum += records[i].ShareBps
				ids = append(ids, records[i].ID.String())
			}
		}
		if len(ids) > 0 && sum != TotalBps {
			at := t
			report.Violations = append(report.Violations, Violation{
				Code:         ViolationSum,
				Message:      fmt.Sprintf("active shares sum to %d bps", sum),
				At:           &at,
				OwnershipIDs: ids,
			})
		}
	}

	report.Violations = append(report.Violations, overlapViolations(records)...)
	report.Valid = len(report.Violations) == 0
	return report
}

// boundaryInstants returns every distinct start and end date in ascending
// order. The active set can only change at these instants.
func boundaryInstants(records []models.OwnershipRecord) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	add := func(t time.Time) {
		t = normalizeTime(t)
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, r := range records {
		add(r.StartDate)
		if r.EndDate != nil {
			add(*r.EndDate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func overlapViolations(records []models.OwnershipRecord) []Violation {
	byCreator := make(map[string][]models.OwnershipRecord)
	for _, r := range records {
		// Zero-length intervals never cover an instant.
		if r.EndDate != nil && !r.EndDate.After(r.StartDate) {
			continue
		}
		byCreator[r.CreatorID] = append(byCreator[r.CreatorID], r)
	}

	creators := make([]string, 0, len(byCreator))
	for c := range byCreator {
		creators = append(creators, c)
	}
	sort.Strings(creators)

	var out []Violation
	for _, c := range creators {
		list := byCreator[c]
		sort.Slice(list, func(i, j int) bool { return list[i].StartDate.Before(list[j].StartDate) })
		for i := 1; i < len(list); i++ {
			prev := list[i-1]
			if prev.EndDate == nil || prev.EndDate.After(list[i].StartDate) {
				at := list[i].StartDate
				out = append(out, Violation{
					Code:         ViolationOverlap,
					Message:      fmt.Sprintf("creator %s holds overlapping records", c),
					At:           &at,
					OwnershipIDs: []string{prev.ID.String(), list[i].ID.String()},
				})
			}
		}
	}
	return out
}
