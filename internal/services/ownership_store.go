// internal/services/ownership_store.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

const dialectPostgres = "postgres"

// OwnershipStore answers temporal queries over committed ownership records.
// Writes go through OwnershipService so they run under the asset lock.
type OwnershipStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewOwnershipStore(db *gorm.DB) *OwnershipStore {
	return &OwnershipStore{db: db, now: ledgerNow}
}

// ledgerNow is the ledger clock: UTC at the precision both supported
// databases store.
func ledgerNow() time.Time {
	return normalizeTime(time.Now())
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// GetActiveOwners returns the records whose end date is open or still ahead.
func (s *OwnershipStore) GetActiveOwners(ctx context.Context, assetID string) ([]models.OwnershipRecord, error) {
	var records []models.OwnershipRecord
	err := s.db.WithContext(ctx).
		Where("ip_asset_id = ? AND (end_date IS NULL OR end_date > ?)", assetID, s.now()).
		Order("share_bps DESC, creator_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, classifyStorageError("get active owners", err)
	}
	return records, nil
}

// GetOwnersAt returns the records whose [start, end) interval covers at.
func (s *OwnershipStore) GetOwnersAt(ctx context.Context, assetID string, at time.Time) ([]models.OwnershipRecord, error) {
	at = normalizeTime(at)

	var records []models.OwnershipRecord
	err := s.db.WithContext(ctx).
		Where("ip_asset_id = ? AND start_date <= ? AND (end_date IS NULL OR end_date > ?)", assetID, at, at).
		Order("share_bps DESC, creator_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, classifyStorageError("get owners at", err)
	}
	return records, nil
}

// GetHistory returns every record of the asset, newest first, optionally
// limited to one creator.
func (s *OwnershipStore) GetHistory(ctx context.Context, assetID string, creatorID *string) ([]models.OwnershipRecord, error) {
	query := s.db.WithContext(ctx).Where("ip_asset_id = ?", assetID)
	if creatorID != nil && *creatorID != "" {
		query = query.Where("creator_id = ?", *creatorID)
	}

	var records []models.OwnershipRecord
	err := query.Order("start_date DESC, created_at DESC, creator_id ASC").Find(&records).Error
	if err != nil {
		return nil, classifyStorageError("get history", err)
	}
	return records, nil
}

func (s *OwnershipStore) GetRecord(ctx context.Context, ownershipID string) (*models.OwnershipRecord, error) {
	id, err := uuid.Parse(ownershipID)
	if err != nil {
		return nil, newNotFoundError(ReasonRecordNotFound, RecordDetails{OwnershipID: ownershipID})
	}

	var record models.OwnershipRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newNotFoundError(ReasonRecordNotFound, RecordDetails{OwnershipID: ownershipID})
		}
		return nil, classifyStorageError("get record", err)
	}
	return &record, nil
}

type DisputeFilter struct {
	Status  string // open, resolved or empty for both
	AssetID string
}

// ListDisputes pages through records that were ever disputed.
func (s *OwnershipStore) ListDisputes(ctx context.Context, filter DisputeFilter, params utils.PaginationParams) ([]models.OwnershipRecord, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.OwnershipRecord{}).Where("disputed = ?", true)

	switch filter.Status {
	case "open":
		query = query.Where("resolved_at IS NULL")
	case "resolved":
		query = query.Where("resolved_at IS NOT NULL")
	}
	if filter.AssetID != "" {
		query = query.Where("ip_asset_id = ?", filter.AssetID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, classifyStorageError("count disputes", err)
	}

	var records []models.OwnershipRecord
	query = utils.ApplySort(query, params, []string{"disputed_at", "resolved_at", "created_at", "share_bps"})
	query = utils.ApplyPagination(query, params)
	if err := query.Find(&records).Error; err != nil {
		return nil, 0, classifyStorageError("list disputes", err)
	}
	return records, total, nil
}

// CountOpenDisputes counts disputed records awaiting resolution.
func (s *OwnershipStore) CountOpenDisputes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.OwnershipRecord{}).
		Where("disputed = ? AND resolved_at IS NULL", true).
		Count(&n).Error
	return n, classifyStorageError("count open disputes", err)
}

// listAll returns the asset's records oldest first.
func (s *OwnershipStore) listAll(ctx context.Context, assetID string) ([]models.OwnershipRecord, error) {
	var records []models.OwnershipRecord
	err := s.db.WithContext(ctx).
		Where("ip_asset_id = ?", assetID).
		Order("start_date ASC, created_at ASC, creator_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, classifyStorageError("list records", err)
	}
	return records, nil
}

// The helpers below run inside a write transaction.

func openRecords(tx *gorm.DB, assetID string) ([]models.OwnershipRecord, error) {
	query := tx.Where("ip_asset_id = ? AND end_date IS NULL", assetID)
	if tx.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var records []models.OwnershipRecord
	if err := query.Order("share_bps DESC, creator_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func lockRecord(tx *gorm.DB, id uuid.UUID) (*models.OwnershipRecord, error) {
	query := tx
	if tx.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var record models.OwnershipRecord
	if err := query.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newNotFoundError(ReasonRecordNotFound, RecordDetails{OwnershipID: id.String()})
		}
		return nil, err
	}
	return &record, nil
}

func hasHistory(tx *gorm.DB, assetID string) (bool, error) {
	var n int64
	err := tx.Model(&models.OwnershipRecord{}).Where("ip_asset_id = ?", assetID).Limit(1).Count(&n).Error
	return n > 0, err
}

// endRecords closes the given open records at end. A record that another
// writer closed first turns the whole operation into a conflict.
func endRecords(tx *gorm.DB, records []models.OwnershipRecord, end time.Time) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	result := tx.Model(&models.OwnershipRecord{}).
		Where("id IN ? AND end_date IS NULL", ids).
		Update("end_date", end)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != int64(len(records)) {
		return newConflictError(ReasonConcurrentWrite, "ownership records were ended by a concurrent write", nil)
	}

	for i := range records {
		records[i].EndDate = &end
	}
	return nil
}

func insertRecords(tx *gorm.DB, records []models.OwnershipRecord) error {
	if len(records) == 0 {
		return nil
	}
	return tx.Create(&records).Error
}

func latestStart(records []models.OwnershipRecord) time.Time {
	var latest time.Time
	for _, r := range records {
		if r.StartDate.After(latest) {
			latest = r.StartDate
		}
	}
	return latest
}

func findCreator(records []models.OwnershipRecord, creatorID string) *models.OwnershipRecord {
	for i := range records {
		if records[i].CreatorID == creatorID {
			return &records[i]
		}
	}
	return nil
}
