// internal/services/distribution.go
package services

import (
	"context"
	"sort"
	"time"

	"github.com/javajoker/imi-ledger/internal/models"
)

// Distribution is one owner's part of an amount.
type Distribution struct {
	CreatorID string `json:"creatorId"`
	ShareBps  int    `json:"shareBps"`
	Amount    int64  `json:"amount"`
}

type DistributionResult struct {
	IPAssetID string         `json:"ipAssetId"`
	At        time.Time      `json:"at"`
	Amount    int64          `json:"amount"`
	Parts     []Distribution `json:"parts"`
}

// DistributeAmount splits amount (in minor currency units) across the owners
// of the asset at the given instant.
func (s *OwnershipStore) DistributeAmount(ctx context.Context, assetID string, amount int64, at time.Time) (*DistributionResult, error) {
	if amount < 0 {
		return nil, newInputError(ReasonInvalidAmount, "amount must not be negative", FieldDetails{Field: "amount"})
	}
	if at.IsZero() {
		at = s.now()
	}

	owners, err := s.GetOwnersAt(ctx, assetID, at)
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		return nil, newNotFoundError(ReasonAssetNotFound, RecordDetails{IPAssetID: assetID})
	}

	return &DistributionResult{
		IPAssetID: assetID,
		At:        normalizeTime(at),
		Amount:    amount,
		Parts:     SplitAmount(amount, owners),
	}, nil
}

// SplitAmount divides amount by basis points with the largest remainder
// method, so the parts always add up to amount. Leftover units go to the
// largest fractional remainders, ties to the smallest creator id.
func SplitAmount(amount int64, owners []models.OwnershipRecord) []Distribution {
	type part struct {
		Distribution
		rem int64
	}

	q, r := amount/TotalBps, amount%TotalBps
	parts := make([]part, len(owners))
	var allocated int64
	for i, o := range owners {
		bps := int64(o.ShareBps)
		// amount*bps/TotalBps computed without overflowing int64.
		whole := q*bps + (r*bps)/TotalBps
		parts[i] = part{
			Distribution: Distribution{CreatorID: o.CreatorID, ShareBps: o.ShareBps, Amount: whole},
			rem:          (r * bps) % TotalBps,
		}
		allocated += whole
	}

	order := make([]int, len(parts))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := parts[order[a]], parts[order[b]]
		if pa.rem != pb.rem {
			return pa.rem > pb.rem
		}
		return pa.CreatorID < pb.CreatorID
	})
	for i := int64(0); i < amount-allocated && len(order) > 0; i++ {
		parts[order[int(i)%len(order)]].Amount++
	}

	out := make([]Distribution, len(parts))
	for i, p := range parts {
		out[i] = p.Distribution
	}
	return out
}
