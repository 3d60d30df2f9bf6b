package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/events"
	"github.com/javajoker/imi-ledger/internal/locking"
	"github.com/javajoker/imi-ledger/internal/metrics"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

var admin = Actor{ID: "admin-1", IsAdmin: true}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.Message
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, msgs ...events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Type
	}
	return out
}

func testLedgerConfig() config.LedgerConfig {
	return config.LedgerConfig{
		DisputeReasonMinLength: 10,
		DisputeReasonMaxLength: 1000,
		ResolutionNotesMaxLen:  2000,
		WriteTimeout:           10 * time.Second,
		LockWaitTimeout:        5 * time.Second,
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Initialize(config.DatabaseConfig{
		Driver:     database.DriverSQLite,
		SQLitePath: fmt.Sprintf("%s?mode=memory&cache=shared", uuid.NewString()),
		LogLevel:   "silent",
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.RunMigrations(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

type LedgerTestSuite struct {
	suite.Suite
	ctx       context.Context
	db        *gorm.DB
	publisher *recordingPublisher
	locker    *locking.LocalLocker
	metrics   *metrics.LedgerMetrics
	events    *EventService
	store     *OwnershipStore
	ledger    *OwnershipService
	disputes  *DisputeService
}

func (suite *LedgerTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.db = openTestDB(suite.T())
	suite.publisher = &recordingPublisher{}
	suite.locker = locking.NewLocalLocker()
	suite.metrics = metrics.New(prometheus.NewRegistry())
	suite.events = NewEventService(suite.db, suite.publisher, suite.metrics)
	suite.store = NewOwnershipStore(suite.db)
	suite.ledger = NewOwnershipService(suite.db, suite.store, suite.locker, suite.events, suite.metrics, testLedgerConfig())
	suite.disputes = NewDisputeService(suite.ledger, testLedgerConfig())
}

func (suite *LedgerTestSuite) set(assetID string, split ...OwnershipSplitInput) []models.OwnershipRecord {
	records, err := suite.ledger.SetOwnership(suite.ctx, admin, assetID, split, nil)
	suite.Require().NoError(err)
	return records
}

func (suite *LedgerTestSuite) activeSplit(assetID string) map[string]int {
	records, err := suite.store.GetActiveOwners(suite.ctx, assetID)
	suite.Require().NoError(err)
	out := make(map[string]int, len(records))
	for _, r := range records {
		out[r.CreatorID] = r.ShareBps
	}
	return out
}

func (suite *LedgerTestSuite) activeSum(assetID string) int {
	sum := 0
	for _, bps := range suite.activeSplit(assetID) {
		sum += bps
	}
	return sum
}

func (suite *LedgerTestSuite) recordOf(assetID, creatorID string) models.OwnershipRecord {
	records, err := suite.store.GetActiveOwners(suite.ctx, assetID)
	suite.Require().NoError(err)
	r := findCreator(records, creatorID)
	suite.Require().NotNil(r, "no active record for %s", creatorID)
	return *r
}

func (suite *LedgerTestSuite) requireLedgerError(err error, kind ErrorKind, reason Reason) *LedgerError {
	suite.Require().Error(err)
	suite.Require().True(errors.Is(err, &LedgerError{Kind: kind, Reason: reason}), "got %v", err)
	var le *LedgerError
	suite.Require().True(errors.As(err, &le))
	return le
}

func paginationParams(sort, order string) utils.PaginationParams {
	return utils.PaginationParams{Page: 1, Limit: 20, Sort: sort, Order: order}
}

func split(parts ...interface{}) []OwnershipSplitInput {
	var out []OwnershipSplitInput
	for i := 0; i+1 < len(parts); i += 2 {
		out = append(out, OwnershipSplitInput{CreatorID: parts[i].(string), ShareBps: parts[i+1].(int)})
	}
	return out
}

func (suite *LedgerTestSuite) TestSetOwnershipRoundTrip() {
	creator := Actor{ID: "c1"}
	created, err := suite.ledger.SetOwnership(suite.ctx, creator, "asset-1", []OwnershipSplitInput{
		{CreatorID: "c1", ShareBps: 6000, OwnershipType: models.OwnershipTypePrimary},
		{CreatorID: "c2", ShareBps: 4000, OwnershipType: models.OwnershipTypeContributor},
	}, nil)
	suite.Require().NoError(err)
	suite.Len(created, 2)

	owners, err := suite.store.GetOwnersAt(suite.ctx, "asset-1", time.Now())
	suite.Require().NoError(err)
	suite.Require().Len(owners, 2)
	suite.Equal("c1", owners[0].CreatorID)
	suite.Equal(6000, owners[0].ShareBps)
	suite.Equal(models.OwnershipTypePrimary, owners[0].OwnershipType)
	suite.Equal("c2", owners[1].CreatorID)
	suite.Equal(4000, owners[1].ShareBps)
	suite.Equal(models.OwnershipTypeContributor, owners[1].OwnershipType)
	suite.Nil(owners[0].EndDate)
	suite.Equal("c1", owners[0].CreatedBy)

	suite.Equal([]string{string(models.EventOwnershipSet)}, suite.publisher.types())
}

func (suite *LedgerTestSuite) TestSetOwnershipDefaultsToPrimary() {
	created := suite.set("asset-1", split("c1", 10000)...)
	suite.Equal(models.OwnershipTypePrimary, created[0].OwnershipType)
}

func (suite *LedgerTestSuite) TestSetOwnershipRejectsIncompleteSplit() {
	_, err := suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", split("c1", 6000, "c2", 3000), nil)

	le := suite.requireLedgerError(err, KindSplitValidation, ReasonSplitSumMismatch)
	suite.Equal(SumMismatchDetails{ProvidedBps: 9000, RequiredBps: 10000, MissingBps: 1000}, le.Details)

	var n int64
	suite.Require().NoError(suite.db.Model(&models.OwnershipRecord{}).Count(&n).Error)
	suite.Zero(n)
	suite.Require().NoError(suite.db.Model(&models.OwnershipEvent{}).Count(&n).Error)
	suite.Zero(n)
}

func (suite *LedgerTestSuite) TestSetOwnershipRejectsUnknownTypeAndBadURL() {
	_, err := suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", []OwnershipSplitInput{
		{CreatorID: "c1", ShareBps: 10000, OwnershipType: "OWNER"},
	}, nil)
	suite.requireLedgerError(err, KindSplitValidation, ReasonInvalidOwnershipType)

	_, err = suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", []OwnershipSplitInput{
		{CreatorID: "c1", ShareBps: 10000, LegalDocURL: "not a url"},
	}, nil)
	suite.requireLedgerError(err, KindInvalidInput, ReasonInvalidField)
}

func (suite *LedgerTestSuite) TestSetOwnershipReplacesActiveSplit() {
	first := suite.set("asset-1", split("c1", 6000, "c2", 4000)...)
	second := suite.set("asset-1", split("c3", 10000)...)

	suite.Equal(map[string]int{"c3": 10000}, suite.activeSplit("asset-1"))

	history, err := suite.store.GetHistory(suite.ctx, "asset-1", nil)
	suite.Require().NoError(err)
	suite.Len(history, 3)

	for _, old := range first {
		r, err := suite.store.GetRecord(suite.ctx, old.ID.String())
		suite.Require().NoError(err)
		suite.Require().NotNil(r.EndDate)
		suite.True(r.EndDate.Equal(second[0].StartDate))
	}

	only := "c1"
	c1History, err := suite.store.GetHistory(suite.ctx, "asset-1", &only)
	suite.Require().NoError(err)
	suite.Len(c1History, 1)

	suite.Equal([]string{
		string(models.EventOwnershipSet),
		string(models.EventOwnershipEnded),
		string(models.EventOwnershipSet),
	}, suite.publisher.types())
}

func (suite *LedgerTestSuite) TestSetOwnershipAuthorization() {
	_, err := suite.ledger.SetOwnership(suite.ctx, Actor{}, "asset-1", split("c1", 10000), nil)
	suite.requireLedgerError(err, KindUnauthorizedOwnership, ReasonNotPermitted)

	suite.set("asset-1", split("c1", 6000, "c2", 4000)...)

	_, err = suite.ledger.SetOwnership(suite.ctx, Actor{ID: "stranger"}, "asset-1", split("stranger", 10000), nil)
	suite.requireLedgerError(err, KindUnauthorizedOwnership, ReasonNotPermitted)

	_, err = suite.ledger.SetOwnership(suite.ctx, Actor{ID: "c2"}, "asset-1", split("c1", 5000, "c2", 5000), nil)
	suite.NoError(err)
	suite.Equal(map[string]int{"c1": 5000, "c2": 5000}, suite.activeSplit("asset-1"))
}

func (suite *LedgerTestSuite) TestEffectiveDateRules() {
	future := time.Now().Add(time.Hour)
	_, err := suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", split("c1", 10000), &future)
	suite.requireLedgerError(err, KindInvalidInput, ReasonFutureEffectiveDate)

	twoHoursAgo := time.Now().Add(-2 * time.Hour)
	oneHourAgo := time.Now().Add(-time.Hour)
	threeHoursAgo := time.Now().Add(-3 * time.Hour)

	_, err = suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", split("c1", 10000), &twoHoursAgo)
	suite.Require().NoError(err)
	_, err = suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", split("c1", 5000, "c2", 5000), &oneHourAgo)
	suite.Require().NoError(err)

	_, err = suite.ledger.SetOwnership(suite.ctx, admin, "asset-1", split("c3", 10000), &twoHoursAgo)
	suite.requireLedgerError(err, KindOwnershipConflict, ReasonBackdatedWrite)

	at := time.Now().Add(-90 * time.Minute)
	owners, err := suite.store.GetOwnersAt(suite.ctx, "asset-1", at)
	suite.Require().NoError(err)
	suite.Require().Len(owners, 1)
	suite.Equal("c1", owners[0].CreatorID)
	suite.Equal(10000, owners[0].ShareBps)

	owners, err = suite.store.GetOwnersAt(suite.ctx, "asset-1", threeHoursAgo)
	suite.Require().NoError(err)
	suite.Empty(owners)

	suite.Equal(map[string]int{"c1": 5000, "c2": 5000}, suite.activeSplit("asset-1"))
}

func (suite *LedgerTestSuite) TestTransferInsufficientShare() {
	suite.set("asset-1", split("c1", 6000, "c2", 4000)...)

	_, err := suite.ledger.TransferOwnership(suite.ctx, Actor{ID: "c1"}, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c2", ShareBps: 7000,
	})
	le := suite.requireLedgerError(err, KindInsufficientOwnership, ReasonInsufficientShare)
	suite.Equal(InsufficientOwnershipDetails{CreatorID: "c1", RequiredBps: 7000, AvailableBps: 6000}, le.Details)
	suite.Equal(map[string]int{"c1": 6000, "c2": 4000}, suite.activeSplit("asset-1"))
}

func (suite *LedgerTestSuite) TestTransferPartialShareMergesReceiver() {
	suite.set("asset-1", split("c1", 6000, "c2", 4000)...)

	result, err := suite.ledger.TransferOwnership(suite.ctx, Actor{ID: "c1"}, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c2", ShareBps: 2000, ContractReference: "TR-1",
	})
	suite.Require().NoError(err)

	suite.Require().NotNil(result.FromRecord)
	suite.Equal(4000, result.FromRecord.ShareBps)
	suite.Equal(models.OwnershipTypePrimary, result.FromRecord.OwnershipType)
	suite.Equal(6000, result.ToRecord.ShareBps)
	suite.Equal(models.OwnershipTypeTransferred, result.ToRecord.OwnershipType)
	suite.Equal("TR-1", result.ToRecord.ContractReference)
	suite.Len(result.Ended, 2)

	suite.Equal(map[string]int{"c1": 4000, "c2": 6000}, suite.activeSplit("asset-1"))
	suite.Equal(10000, suite.activeSum("asset-1"))

	report, err := suite.store.VerifyAsset(suite.ctx, "asset-1")
	suite.Require().NoError(err)
	suite.True(report.Valid, "%+v", report.Violations)
}

func (suite *LedgerTestSuite) TestTransferWholeShareToNewCreator() {
	suite.set("asset-1", split("c1", 6000, "c2", 4000)...)

	result, err := suite.ledger.TransferOwnership(suite.ctx, admin, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c3", ShareBps: 6000,
	})
	suite.Require().NoError(err)
	suite.Nil(result.FromRecord)
	suite.Len(result.Ended, 1)
	suite.Equal(map[string]int{"c2": 4000, "c3": 6000}, suite.activeSplit("asset-1"))

	suite.Equal([]string{
		string(models.EventOwnershipSet),
		string(models.EventOwnershipEnded),
		string(models.EventOwnershipTransferred),
	}, suite.publisher.types())
}

func (suite *LedgerTestSuite) TestTransferRejections() {
	suite.set("asset-1", split("c1", 6000, "c2", 4000)...)

	_, err := suite.ledger.TransferOwnership(suite.ctx, Actor{ID: "c2"}, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c2", ShareBps: 100,
	})
	suite.requireLedgerError(err, KindUnauthorizedOwnership, ReasonNotPermitted)

	_, err = suite.ledger.TransferOwnership(suite.ctx, Actor{ID: "c9"}, "asset-1", TransferRequest{
		FromCreatorID: "c9", ToCreatorID: "c2", ShareBps: 100,
	})
	suite.requireLedgerError(err, KindUnauthorizedOwnership, ReasonNoActiveShare)

	_, err = suite.ledger.TransferOwnership(suite.ctx, admin, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c1", ShareBps: 100,
	})
	suite.requireLedgerError(err, KindSplitValidation, ReasonSelfTransfer)

	_, err = suite.ledger.TransferOwnership(suite.ctx, admin, "asset-1", TransferRequest{
		FromCreatorID: "c1", ToCreatorID: "c2", ShareBps: 0,
	})
	suite.requireLedgerError(err, KindSplitValidation, ReasonInvalidShareSize)

	_, err = suite.ledger.TransferOwnership(suite.ctx, admin, "asset-1", TransferRequest{
		FromCreatorID: " c1", ToCreatorID: "c2", ShareBps: 100,
	})
	suite.requireLedgerError(err, KindInvalidInput, ReasonInvalidField)

	suite.Equal(map[string]int{"c1": 6000, "c2": 4000}, suite.activeSplit("asset-1"))
}

func (suite *LedgerTestSuite) TestConcurrentWritesPreserveSum() {
	suite.set("asset-1", split("c1", 6000, "c2", 4000)...)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := suite.ledger.TransferOwnership(suite.ctx, admin, "asset-1", TransferRequest{
				FromCreatorID: "c1", ToCreatorID: "c2", ShareBps: 100,
			})
			return err
		})
	}
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			records, err := suite.store.GetActiveOwners(suite.ctx, "asset-1")
			if err != nil {
				return err
			}
			sum := 0
			for _, r := range records {
				sum += r.ShareBps
			}
			if sum != TotalBps {
				return fmt.Errorf("observed partial split summing to %d", sum)
			}
			return nil
		})
	}
	suite.Require().NoError(g.Wait())

	suite.Equal(map[string]int{"c1": 5000, "c2": 5000}, suite.activeSplit("asset-1"))

	report, err := suite.store.VerifyAsset(suite.ctx, "asset-1")
	suite.Require().NoError(err)
	suite.True(report.Valid, "%+v", report.Violations)
	suite.Zero(suite.locker.Len())
}

func (suite *LedgerTestSuite) TestConcurrentSetsOnDifferentAssets() {
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		assetID := fmt.Sprintf("asset-%d", i)
		g.Go(func() error {
			_, err := suite.ledger.SetOwnership(suite.ctx, admin, assetID, split("a", 2500, "b", 7500), nil)
			return err
		})
	}
	suite.Require().NoError(g.Wait())

	for i := 0; i < 6; i++ {
		suite.Equal(10000, suite.activeSum(fmt.Sprintf("asset-%d", i)))
	}
}

func (suite *LedgerTestSuite) TestLockWaitTimeout() {
	cfg := testLedgerConfig()
	cfg.LockWaitTimeout = 50 * time.Millisecond
	ledger := NewOwnershipService(suite.db, suite.store, suite.locker, suite.events, suite.metrics, cfg)

	release, err := suite.locker.Lock(suite.ctx, "asset-1")
	suite.Require().NoError(err)
	defer release(suite.ctx)

	_, err = ledger.SetOwnership(suite.ctx, admin, "asset-1", split("c1", 10000), nil)
	le := suite.requireLedgerError(err, KindTransientStorage, ReasonLockTimeout)
	suite.True(le.Kind.Retryable())
}

func (suite *LedgerTestSuite) TestEventsStayInOutboxUntilPublished() {
	suite.publisher.setErr(errors.New("broker down"))
	suite.set("asset-1", split("c1", 10000)...)

	var pending []models.OwnershipEvent
	suite.Require().NoError(suite.db.Where("published_at IS NULL").Find(&pending).Error)
	suite.Require().Len(pending, 1)
	suite.Equal(1, pending[0].Attempts)
	suite.Equal("broker down", pending[0].LastError)
	suite.Equal(models.EventOwnershipSet, pending[0].EventType)
	suite.Require().Len(pending[0].Payload.Records, 1)
	suite.Equal("c1", pending[0].Payload.Records[0].CreatorID)

	suite.publisher.setErr(nil)
	n, err := suite.events.PublishPending(suite.ctx, 10)
	suite.Require().NoError(err)
	suite.Equal(1, n)
	suite.Equal([]string{string(models.EventOwnershipSet)}, suite.publisher.types())

	var published models.OwnershipEvent
	suite.Require().NoError(suite.db.First(&published, "id = ?", pending[0].ID).Error)
	suite.NotNil(published.PublishedAt)
	suite.Equal(2, published.Attempts)
	suite.Empty(published.LastError)

	n, err = suite.events.PublishPending(suite.ctx, 10)
	suite.Require().NoError(err)
	suite.Zero(n)
}

func (suite *LedgerTestSuite) TestListAssetEvents() {
	suite.set("asset-1", split("c1", 10000)...)
	suite.set("asset-1", split("c1", 5000, "c2", 5000)...)
	suite.set("asset-2", split("c9", 10000)...)

	params := paginationParams("occurred_at", "asc")
	list, total, err := suite.events.ListAssetEvents(suite.ctx, "asset-1", "", params)
	suite.Require().NoError(err)
	suite.EqualValues(3, total)
	suite.Len(list, 3)

	list, total, err = suite.events.ListAssetEvents(suite.ctx, "asset-1", string(models.EventOwnershipEnded), params)
	suite.Require().NoError(err)
	suite.EqualValues(1, total)
	suite.Require().Len(list, 1)
	suite.Len(list[0].Payload.Records, 1)
}

func TestLedgerTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}
