// internal/services/event_service.go
package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/events"
	"github.com/javajoker/imi-ledger/internal/metrics"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/utils"
)

const maxLastErrorLen = 1000

// eventBatch collects the events of one write so they can be stored in the
// same transaction.
type eventBatch struct {
	actorID    string
	occurredAt time.Time
	events     []models.OwnershipEvent
}

func (b *eventBatch) add(eventType models.EventType, assetID string, payload models.EventPayload) {
	b.events = append(b.events, models.OwnershipEvent{
		EventType:  eventType,
		IPAssetID:  assetID,
		ActorID:    b.actorID,
		OccurredAt: b.occurredAt,
		Payload:    payload,
	})
}

// EventService keeps the ownership event outbox and hands committed events
// to the configured publisher.
type EventService struct {
	db        *gorm.DB
	publisher events.Publisher
	metrics   *metrics.LedgerMetrics
	now       func() time.Time
}

func NewEventService(db *gorm.DB, publisher events.Publisher, m *metrics.LedgerMetrics) *EventService {
	if publisher == nil {
		publisher = events.NewLogPublisher(nil)
	}
	return &EventService{
		db:        db,
		publisher: publisher,
		metrics:   m,
		now:       ledgerNow,
	}
}

func (s *EventService) stage(tx *gorm.DB, batch *eventBatch) error {
	if s == nil || len(batch.events) == 0 {
		return nil
	}
	return tx.Create(&batch.events).Error
}

// dispatch publishes events that are already committed. Failures are kept
// on the outbox row and retried by PublishPending.
func (s *EventService) dispatch(ctx context.Context, staged []models.OwnershipEvent) int {
	if s == nil || len(staged) == 0 {
		return 0
	}

	msgs := make([]events.Message, 0, len(staged))
	ids := make([]string, 0, len(staged))
	for _, e := range staged {
		value, err := json.Marshal(e)
		if err != nil {
			logrus.WithError(err).WithField("event_id", e.ID).Error("Failed to encode ownership event")
			continue
		}
		msgs = append(msgs, events.Message{
			ID:         e.ID.String(),
			Type:       string(e.EventType),
			Key:        e.IPAssetID,
			OccurredAt: e.OccurredAt,
			Value:      value,
		})
		ids = append(ids, e.ID.String())
	}
	if len(msgs) == 0 {
		return 0
	}

	if err := s.publisher.Publish(ctx, msgs...); err != nil {
		for _, m := range msgs {
			s.metrics.ObserveEvent(m.Type, "error")
		}
		msg := err.Error()
		if len(msg) > maxLastErrorLen {
			msg = msg[:maxLastErrorLen]
		}
		uerr := s.db.WithContext(ctx).Model(&models.OwnershipEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": msg,
			}).Error
		if uerr != nil {
			logrus.WithError(uerr).Error("Failed to record ownership event publish failure")
		}
		logrus.WithError(err).WithField("count", len(msgs)).Warn("Ownership events left in outbox")
		return 0
	}

	for _, m := range msgs {
		s.metrics.ObserveEvent(m.Type, "ok")
	}
	err := s.db.WithContext(ctx).Model(&models.OwnershipEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"published_at": s.now(),
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error
	if err != nil {
		logrus.WithError(err).Error("Failed to mark ownership events published")
	}
	return len(msgs)
}

// PublishPending retries outbox events that were not published, oldest
// first, and returns how many were published.
func (s *EventService) PublishPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var pending []models.OwnershipEvent
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("occurred_at ASC, created_at ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return 0, classifyStorageError("load pending events", err)
	}

	published := s.dispatch(ctx, pending)

	var remaining int64
	if err := s.db.WithContext(ctx).Model(&models.OwnershipEvent{}).Where("published_at IS NULL").Count(&remaining).Error; err == nil {
		s.metrics.SetEventsPending(int(remaining))
	}
	return published, nil
}

// ListAssetEvents pages through the outbox of one asset, newest first by
// default. An empty eventType lists every type.
func (s *EventService) ListAssetEvents(ctx context.Context, assetID, eventType string, params utils.PaginationParams) ([]models.OwnershipEvent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.OwnershipEvent{}).Where("ip_asset_id = ?", assetID)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, classifyStorageError("count events", err)
	}

	var list []models.OwnershipEvent
	query = utils.ApplySort(query, params, []string{"occurred_at", "created_at", "event_type"})
	query = utils.ApplyPagination(query, params)
	if err := query.Find(&list).Error; err != nil {
		return nil, 0, classifyStorageError("list events", err)
	}
	return list, total, nil
}

// RunRetryLoop calls PublishPending every interval until ctx is done.
func (s *EventService) RunRetryLoop(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PublishPending(ctx, batchSize)
			if err != nil {
				logrus.WithError(err).Warn("Ownership event retry pass failed")
			} else if n > 0 {
				logrus.WithField("count", n).Info("Republished pending ownership events")
			}
		}
	}
}
