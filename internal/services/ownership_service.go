// internal/services/ownership_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/locking"
	"github.com/javajoker/imi-ledger/internal/metrics"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// Actor is the already authenticated caller of a mutating operation.
type Actor struct {
	ID      string
	IsAdmin bool
}

type OwnershipSplitInput struct {
	CreatorID         string               `json:"creatorId" validate:"required,max=128,identifier"`
	ShareBps          int                  `json:"shareBps"`
	OwnershipType     models.OwnershipType `json:"ownershipType,omitempty"`
	ContractReference string               `json:"contractReference,omitempty" validate:"max=255"`
	LegalDocURL       string               `json:"legalDocUrl,omitempty" validate:"omitempty,url,max=2048"`
}

type SetOwnershipRequest struct {
	Ownerships    []OwnershipSplitInput `json:"ownerships"`
	EffectiveDate *time.Time            `json:"effectiveDate,omitempty"`
}

type TransferRequest struct {
	FromCreatorID     string     `json:"fromCreatorId" validate:"required,max=128,identifier"`
	ToCreatorID       string     `json:"toCreatorId" validate:"required,max=128,identifier"`
	ShareBps          int        `json:"shareBps"`
	EffectiveDate     *time.Time `json:"effectiveDate,omitempty"`
	ContractReference string     `json:"contractReference,omitempty" validate:"max=255"`
	LegalDocURL       string     `json:"legalDocUrl,omitempty" validate:"omitempty,url,max=2048"`
}

// TransferResult describes a committed transfer. FromRecord is the
// remainder left with the sender and is nil when the whole share moved.
type TransferResult struct {
	FromRecord *models.OwnershipRecord  `json:"fromRecord,omitempty"`
	ToRecord   models.OwnershipRecord   `json:"toRecord"`
	Ended      []models.OwnershipRecord `json:"endedRecords"`
}

// OwnershipService owns every write to the ledger. Each write runs in one
// transaction under the asset's write lock.
type OwnershipService struct {
	db      *gorm.DB
	store   *OwnershipStore
	locker  locking.Locker
	events  *EventService
	metrics *metrics.LedgerMetrics
	cfg     config.LedgerConfig
	now     func() time.Time
}

func NewOwnershipService(db *gorm.DB, store *OwnershipStore, locker locking.Locker, events *EventService, m *metrics.LedgerMetrics, cfg config.LedgerConfig) *OwnershipService {
	if locker == nil {
		locker = locking.NewLocalLocker()
	}
	return &OwnershipService{
		db:      db,
		store:   store,
		locker:  locker,
		events:  events,
		metrics: m,
		cfg:     cfg,
		now:     ledgerNow,
	}
}

func (s *OwnershipService) Store() *OwnershipStore {
	return s.store
}

// SetOwnership replaces the asset's active split with ownerships, effective
// at effectiveDate (now when nil).
func (s *OwnershipService) SetOwnership(ctx context.Context, actor Actor, assetID string, ownerships []OwnershipSplitInput, effectiveDate *time.Time) ([]models.OwnershipRecord, error) {
	start := time.Now()
	if err := validateSplitInputs(ownerships); err != nil {
		s.metrics.ObserveOperation("set_ownership", string(KindOf(err)), time.Since(start))
		return nil, err
	}
	if err := s.checkEffectiveDate(effectiveDate); err != nil {
		s.metrics.ObserveOperation("set_ownership", string(KindOf(err)), time.Since(start))
		return nil, err
	}

	var created []models.OwnershipRecord
	err := s.withAssetWrite(ctx, actor, assetID, "set_ownership", func(tx *gorm.DB, batch *eventBatch) error {
		active, err := openRecords(tx, assetID)
		if err != nil {
			return err
		}
		if err := s.authorizeSet(tx, actor, assetID, active); err != nil {
			return err
		}
		// Only an admin may replace a split that is under dispute.
		if !actor.IsAdmin {
			for i := range active {
				if active[i].DisputeState() == models.DisputeStateDisputed {
					return newDisputeStateError(ReasonShareDisputed, active[i].ID.String(), string(models.DisputeStateDisputed))
				}
			}
		}

		created, err = s.applySplit(tx, actor, assetID, active, ownerships, s.effectiveAt(effectiveDate), batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// TransferOwnership moves shareBps from one creator to another. The sender's
// record is ended and re-issued with the remainder; the receiver ends up with
// a single merged TRANSFERRED record.
func (s *OwnershipService) TransferOwnership(ctx context.Context, actor Actor, assetID string, req TransferRequest) (*TransferResult, error) {
	start := time.Now()
	fail := func(err error) (*TransferResult, error) {
		s.metrics.ObserveOperation("transfer_ownership", string(KindOf(err)), time.Since(start))
		return nil, err
	}

	if err := utils.ValidateStruct(req); err != nil {
		return fail(newInputError(ReasonInvalidField, err.Error(), nil))
	}
	if req.ShareBps < 1 || req.ShareBps > TotalBps {
		return fail(newSplitError(ReasonInvalidShareSize,
			fmt.Sprintf("transfer must be between 1 and %d bps", TotalBps),
			ShareSizeDetails{CreatorID: req.FromCreatorID, ShareBps: req.ShareBps}))
	}
	if req.FromCreatorID == req.ToCreatorID {
		return fail(newSplitError(ReasonSelfTransfer, "cannot transfer a share to its current owner",
			CreatorDetails{CreatorID: req.FromCreatorID}))
	}
	if !actor.IsAdmin && actor.ID != req.FromCreatorID {
		return fail(&LedgerError{
			Kind:    KindUnauthorizedOwnership,
			Reason:  ReasonNotPermitted,
			Message: "only the sending creator or an admin may transfer this share",
			Details: CreatorDetails{CreatorID: req.FromCreatorID},
		})
	}
	if err := s.checkEffectiveDate(req.EffectiveDate); err != nil {
		return fail(err)
	}

	var result TransferResult
	err := s.withAssetWrite(ctx, actor, assetID, "transfer_ownership", func(tx *gorm.DB, batch *eventBatch) error {
		active, err := openRecords(tx, assetID)
		if err != nil {
			return err
		}

		from := findCreator(active, req.FromCreatorID)
		if from == nil {
			return &LedgerError{
				Kind:    KindUnauthorizedOwnership,
				Reason:  ReasonNoActiveShare,
				Message: fmt.Sprintf("creator %s holds no active share of this asset", req.FromCreatorID),
				Details: RecordDetails{IPAssetID: assetID, CreatorID: req.FromCreatorID},
			}
		}
		if from.DisputeState() == models.DisputeStateDisputed {
			return newDisputeStateError(ReasonShareDisputed, from.ID.String(), string(models.DisputeStateDisputed))
		}
		if req.ShareBps > from.ShareBps {
			return &LedgerError{
				Kind:    KindInsufficientOwnership,
				Reason:  ReasonInsufficientShare,
				Message: fmt.Sprintf("transfer of %d bps exceeds the %d bps held", req.ShareBps, from.ShareBps),
				Details: InsufficientOwnershipDetails{
					CreatorID:    req.FromCreatorID,
					RequiredBps:  req.ShareBps,
					AvailableBps: from.ShareBps,
				},
			}
		}
		effective := s.effectiveAt(req.EffectiveDate)
		if err := checkBackdating(active, effective); err != nil {
			return err
		}

		ended := []models.OwnershipRecord{*from}
		toShare := req.ShareBps
		if to := findCreator(active, req.ToCreatorID); to != nil {
			if to.DisputeState() == models.DisputeStateDisputed {
				return newDisputeStateError(ReasonShareDisputed, to.ID.String(), string(models.DisputeStateDisputed))
			}
			ended = append(ended, *to)
			toShare += to.ShareBps
		}
		if err := endRecords(tx, ended, effective); err != nil {
			return err
		}

		var inserted []models.OwnershipRecord
		if remaining := from.ShareBps - req.ShareBps; remaining > 0 {
			inserted = append(inserted, models.OwnershipRecord{
				IPAssetID:         assetID,
				CreatorID:         from.CreatorID,
				ShareBps:          remaining,
				OwnershipType:     from.OwnershipType,
				StartDate:         effective,
				ContractReference: from.ContractReference,
				LegalDocURL:       from.LegalDocURL,
				CreatedBy:         actor.ID,
			})
		}
		inserted = append(inserted, models.OwnershipRecord{
			IPAssetID:         assetID,
			CreatorID:         req.ToCreatorID,
			ShareBps:          toShare,
			OwnershipType:     models.OwnershipTypeTransferred,
			StartDate:         effective,
			ContractReference: req.ContractReference,
			LegalDocURL:       req.LegalDocURL,
			CreatedBy:         actor.ID,
		})
		if err := insertRecords(tx, inserted); err != nil {
			return err
		}

		result.Ended = ended
		result.ToRecord = inserted[len(inserted)-1]
		if len(inserted) == 2 {
			result.FromRecord = &inserted[0]
		}

		batch.add(models.EventOwnershipEnded, assetID, models.EventPayload{Records: ended})
		batch.add(models.EventOwnershipTransferred, assetID, models.EventPayload{
			Records:       inserted,
			FromCreatorID: req.FromCreatorID,
			ToCreatorID:   req.ToCreatorID,
			ShareBps:      req.ShareBps,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// authorizeSet allows admins, current owners, and anyone registering an
// asset that has no history yet.
func (s *OwnershipService) authorizeSet(tx *gorm.DB, actor Actor, assetID string, active []models.OwnershipRecord) error {
	if actor.IsAdmin {
		return nil
	}
	if actor.ID != "" && findCreator(active, actor.ID) != nil {
		return nil
	}
	if len(active) == 0 {
		exists, err := hasHistory(tx, assetID)
		if err != nil {
			return err
		}
		if !exists && actor.ID != "" {
			return nil
		}
	}
	return &LedgerError{
		Kind:    KindUnauthorizedOwnership,
		Reason:  ReasonNotPermitted,
		Message: "only an admin or a current owner may change this split",
		Details: RecordDetails{IPAssetID: assetID, CreatorID: actor.ID},
	}
}

// applySplit ends every active record and inserts the new split, all within
// tx. Inputs must already have passed validateSplitInputs.
func (s *OwnershipService) applySplit(tx *gorm.DB, actor Actor, assetID string, active []models.OwnershipRecord, ownerships []OwnershipSplitInput, effective time.Time, batch *eventBatch) ([]models.OwnershipRecord, error) {
	if err := checkBackdating(active, effective); err != nil {
		return nil, err
	}
	if err := endRecords(tx, active, effective); err != nil {
		return nil, err
	}

	created := make([]models.OwnershipRecord, len(ownerships))
	for i, o := range ownerships {
		ownershipType := o.OwnershipType
		if ownershipType == "" {
			ownershipType = models.OwnershipTypePrimary
		}
		created[i] = models.OwnershipRecord{
			IPAssetID:         assetID,
			CreatorID:         o.CreatorID,
			ShareBps:          o.ShareBps,
			OwnershipType:     ownershipType,
			StartDate:         effective,
			ContractReference: o.ContractReference,
			LegalDocURL:       o.LegalDocURL,
			CreatedBy:         actor.ID,
		}
	}
	if err := insertRecords(tx, created); err != nil {
		return nil, err
	}

	if len(active) > 0 {
		batch.add(models.EventOwnershipEnded, assetID, models.EventPayload{Records: active})
	}
	batch.add(models.EventOwnershipSet, assetID, models.EventPayload{Records: created})
	return created, nil
}

// withAssetWrite runs fn in a transaction while holding the asset's write
// lock. Events staged on the batch are stored with the transaction and
// published after it commits.
func (s *OwnershipService) withAssetWrite(ctx context.Context, actor Actor, assetID, op string, fn func(tx *gorm.DB, batch *eventBatch) error) (err error) {
	start := time.Now()
	logger := logrus.WithFields(logrus.Fields{
		"operation": op,
		"asset_id":  assetID,
		"actor_id":  actor.ID,
	})

	defer func() {
		result := "ok"
		if err != nil {
			result = string(KindOf(err))
			if result == "" {
				result = "error"
			}
		}
		s.metrics.ObserveOperation(op, result, time.Since(start))
	}()

	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	lockCtx := ctx
	if s.cfg.LockWaitTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.cfg.LockWaitTimeout)
		defer cancel()
	}

	release, err := s.locker.Lock(lockCtx, assetID)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return newTransientError(ReasonLockTimeout, "timed out waiting for the asset write lock", err)
		}
		return newTransientError(ReasonStorageUnavailable, "could not acquire the asset write lock", err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			logger.WithError(rerr).Warn("Failed to release asset write lock")
		}
	}()

	batch := &eventBatch{actorID: actor.ID, occurredAt: s.now()}
	err = database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		if tx.Dialector.Name() == dialectPostgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", assetID).Error; err != nil {
				return err
			}
		}
		if err := fn(tx, batch); err != nil {
			return err
		}
		return s.events.stage(tx, batch)
	})
	if err != nil {
		err = classifyStorageError(op, err)
		entry := logger.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds())
		if KindOf(err).Retryable() || KindOf(err) == "" {
			entry.Warn("Ownership write failed")
		} else {
			entry.Info("Ownership write rejected")
		}
		return err
	}

	logger.WithFields(logrus.Fields{
		"events":      len(batch.events),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Ownership write committed")

	s.events.dispatch(context.WithoutCancel(ctx), batch.events)
	return nil
}

// checkEffectiveDate rejects future effective dates because the active set
// is read relative to now.
func (s *OwnershipService) checkEffectiveDate(requested *time.Time) error {
	if requested == nil || requested.IsZero() {
		return nil
	}
	effective := normalizeTime(*requested)
	if effective.After(s.now()) {
		return newInputError(ReasonFutureEffectiveDate, "effective date must not be in the future",
			EffectiveDateDetails{EffectiveDate: effective.Format(time.RFC3339Nano)})
	}
	return nil
}

// effectiveAt resolves the effective date of a write. It is called under
// the asset lock so that a defaulted date is never older than the split a
// previous writer just committed.
func (s *OwnershipService) effectiveAt(requested *time.Time) time.Time {
	if requested == nil || requested.IsZero() {
		return s.now()
	}
	return normalizeTime(*requested)
}

// checkBackdating rejects an effective date before the start of a record it
// would end, which would make history overlap.
func checkBackdating(active []models.OwnershipRecord, effective time.Time) error {
	latest := latestStart(active)
	if len(active) == 0 || !effective.Before(latest) {
		return nil
	}
	return &LedgerError{
		Kind:    KindOwnershipConflict,
		Reason:  ReasonBackdatedWrite,
		Message: "effective date precedes the current split",
		Details: EffectiveDateDetails{
			EffectiveDate: effective.Format(time.RFC3339Nano),
			LatestStart:   latest.Format(time.RFC3339Nano),
		},
	}
}

func validateSplitInputs(ownerships []OwnershipSplitInput) error {
	shares := make([]ShareInput, len(ownerships))
	for i, o := range ownerships {
		shares[i] = ShareInput{CreatorID: o.CreatorID, ShareBps: o.ShareBps}
	}
	if err := ValidateSplit(shares); err != nil {
		return err
	}

	for _, o := range ownerships {
		if o.OwnershipType != "" && !o.OwnershipType.IsValid() {
			return newSplitError(ReasonInvalidOwnershipType,
				fmt.Sprintf("unknown ownership type %q", o.OwnershipType),
				CreatorDetails{CreatorID: o.CreatorID})
		}
		if err := utils.ValidateStruct(o); err != nil {
			return newInputError(ReasonInvalidField, err.Error(), CreatorDetails{CreatorID: o.CreatorID})
		}
	}
	return nil
}
