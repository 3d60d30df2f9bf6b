// internal/services/split_validator.go
package services

import (
	"fmt"
	"strings"
)

// TotalBps is 100% expressed in basis points.
const TotalBps = 10000

// ShareInput is one proposed share of a split.
type ShareInput struct {
	CreatorID string `json:"creatorId"`
	ShareBps  int    `json:"shareBps"`
}

// ValidateSplit checks that shares form a complete split of an asset. It has
// no side effects and can be called for live feedback before a write.
func ValidateSplit(shares []ShareInput) error {
	if len(shares) == 0 {
		return newSplitError(ReasonEmptySplit, "at least one share is required", nil)
	}

	for _, s := range shares {
		if strings.TrimSpace(s.CreatorID) == "" {
			return newSplitError(ReasonMissingCreator, "every share needs a creator id",
				ShareSizeDetails{CreatorID: s.CreatorID, ShareBps: s.ShareBps})
		}
		if s.ShareBps < 1 || s.ShareBps > TotalBps {
			return newSplitError(ReasonInvalidShareSize,
				fmt.Sprintf("share of %s must be between 1 and %d bps", s.CreatorID, TotalBps),
				ShareSizeDetails{CreatorID: s.CreatorID, ShareBps: s.ShareBps})
		}
	}

	seen := make(map[string]struct{}, len(shares))
	for _, s := range shares {
		if _, dup := seen[s.CreatorID]; dup {
			return newSplitError(ReasonDuplicateCreator,
				fmt.Sprintf("creator %s is listed more than once", s.CreatorID),
				CreatorDetails{CreatorID: s.CreatorID})
		}
		seen[s.CreatorID] = struct{}{}
	}

	sum := 0
	for _, s := range shares {
		sum += s.ShareBps
	}
	if sum != TotalBps {
		details := SumMismatchDetails{ProvidedBps: sum, RequiredBps: TotalBps}
		if sum < TotalBps {
			details.MissingBps = TotalBps - sum
		} else {
			details.ExcessBps = sum - TotalBps
		}
		return newSplitError(ReasonSplitSumMismatch,
			fmt.Sprintf("shares sum to %d bps, expected %d", sum, TotalBps), details)
	}

	return nil
}
