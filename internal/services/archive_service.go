// internal/services/archive_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// ArchiveService writes snapshots of an asset's ownership history to S3, or
// to a local directory when no AWS credentials are configured.
type ArchiveService struct {
	store    *OwnershipStore
	s3Client s3iface.S3API
	cfg      config.AWSConfig
	now      func() time.Time
}

type ArchiveResult struct {
	Key         string    `json:"key"`
	Location    string    `json:"location"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	RecordCount int       `json:"recordCount"`
	ArchivedAt  time.Time `json:"archivedAt"`
}

type historySnapshot struct {
	IPAssetID  string                   `json:"ipAssetId"`
	ArchivedAt time.Time                `json:"archivedAt"`
	Records    []models.OwnershipRecord `json:"records"`
}

func NewArchiveService(store *OwnershipStore, cfg config.AWSConfig) (*ArchiveService, error) {
	svc := &ArchiveService{store: store, cfg: cfg, now: ledgerNow}
	if cfg.AccessKeyID == "" {
		return svc, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	svc.s3Client = s3.New(sess)
	return svc, nil
}

// newArchiveServiceWithClient is used by tests to inject an S3 fake.
func newArchiveServiceWithClient(store *OwnershipStore, client s3iface.S3API, cfg config.AWSConfig) *ArchiveService {
	return &ArchiveService{store: store, s3Client: client, cfg: cfg, now: ledgerNow}
}

// ArchiveHistory stores the asset's full history, oldest record first.
func (s *ArchiveService) ArchiveHistory(ctx context.Context, assetID string) (*ArchiveResult, error) {
	records, err := s.store.listAll(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, newNotFoundError(ReasonAssetNotFound, RecordDetails{IPAssetID: assetID})
	}

	archivedAt := s.now()
	body, err := json.MarshalIndent(historySnapshot{
		IPAssetID:  assetID,
		ArchivedAt: archivedAt,
		Records:    records,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode history snapshot: %w", err)
	}

	key := s.objectKey(assetID, archivedAt)
	result := &ArchiveResult{
		Key:         key,
		Size:        int64(len(body)),
		Checksum:    utils.HashBytes(body),
		RecordCount: len(records),
		ArchivedAt:  archivedAt,
	}

	if s.s3Client != nil {
		result.Location, err = s.uploadToS3(ctx, key, body, result.Checksum)
	} else {
		result.Location, err = s.writeLocal(key, body, result.Checksum)
	}
	if err != nil {
		return nil, newTransientError(ReasonStorageUnavailable, "could not store the history archive", err)
	}

	logrus.WithFields(logrus.Fields{
		"asset_id": assetID,
		"key":      key,
		"records":  len(records),
	}).Info("Archived ownership history")
	return result, nil
}

func (s *ArchiveService) objectKey(assetID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", s.cfg.ArchivePrefix, url.PathEscape(assetID), at.Format("20060102T150405.000000Z"))
}

func (s *ArchiveService) uploadToS3(ctx context.Context, key string, body []byte, checksum string) (string, error) {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.ArchiveBucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      map[string]*string{"sha256": aws.String(checksum)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.ArchiveBucket, key), nil
}

// writeLocal stores body under LocalArchiveDir and reads it back to confirm
// the stored bytes match checksum.
func (s *ArchiveService) writeLocal(key string, body []byte, checksum string) (string, error) {
	dir := s.cfg.LocalArchiveDir
	if dir == "" {
		dir = "./archive"
	}
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utils.ValidateHash(stored, checksum) {
		return "", fmt.Errorf("archive %s does not match checksum %s", path, checksum)
	}
	return path, nil
}
