package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/javajoker/imi-ledger/internal/models"
)

func record(creatorID string, bps int, start time.Time, end *time.Time) models.OwnershipRecord {
	r := models.OwnershipRecord{
		CreatorID:     creatorID,
		ShareBps:      bps,
		OwnershipType: models.OwnershipTypePrimary,
		StartDate:     start,
		EndDate:       end,
	}
	r.ID = uuid.New()
	return r
}

func codes(report *VerificationReport) []ViolationCode {
	out := make([]ViolationCode, len(report.Violations))
	for i, v := range report.Violations {
		out[i] = v.Code
	}
	return out
}

func TestVerifyHistoryValid(t *testing.T) {
	t0 := normalizeTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	t1 := t0.Add(time.Hour)

	report := verifyHistory([]models.OwnershipRecord{
		record("c1", 6000, t0, &t1),
		record("c2", 4000, t0, &t1),
		record("c1", 4000, t1, nil),
		record("c2", 6000, t1, nil),
		// zero-length interval left by two writes in the same instant
		record("c3", 10000, t1, &t1),
	})

	assert.True(t, report.Valid, "%+v", report.Violations)
	assert.Equal(t, 5, report.RecordCount)
	assert.Equal(t, 2, report.CheckedInstants)
}

func TestVerifyHistoryDetectsViolations(t *testing.T) {
	t0 := normalizeTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	t1 := t0.Add(time.Hour)

	short := verifyHistory([]models.OwnershipRecord{
		record("c1", 6000, t0, nil),
		record("c2", 3000, t0, nil),
	})
	assert.False(t, short.Valid)
	assert.Equal(t, []ViolationCode{ViolationSum}, codes(short))
	assert.Len(t, short.Violations[0].OwnershipIDs, 2)

	overlap := verifyHistory([]models.OwnershipRecord{
		record("c1", 10000, t0, nil),
		record("c1", 10000, t1, nil),
	})
	assert.Contains(t, codes(overlap), ViolationOverlap)

	unresolved := record("c1", 10000, t0, nil)
	unresolved.ResolvedAt = &t1
	disputed := record("c2", 0, t0, &t1)
	disputed.Disputed = true
	report := verifyHistory([]models.OwnershipRecord{unresolved, disputed})
	assert.ElementsMatch(t, []ViolationCode{ViolationShareRange, ViolationDisputeReason, ViolationResolution}, codes(report))
}

func (suite *LedgerTestSuite) TestVerifyAssetAfterEveryOperation() {
	suite.set("asset-1", split("c1", 6000, "c2", 2000, "c3", 2000)...)
	_, err := suite.ledger.TransferOwnership(suite.ctx, admin, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c4", ShareBps: 1000,
	})
	suite.Require().NoError(err)
	suite.set("asset-1", split("c4", 5000, "c1", 5000)...)

	report, err := suite.store.VerifyAsset(suite.ctx, "asset-1")
	suite.Require().NoError(err)
	suite.Equal("asset-1", report.IPAssetID)
	suite.Equal(7, report.RecordCount)
	suite.True(report.Valid, "%+v", report.Violations)

	_, err = suite.store.VerifyAsset(suite.ctx, "missing")
	suite.requireLedgerError(err, KindNotFound, ReasonAssetNotFound)
}
