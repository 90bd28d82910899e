package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/models"
)

// ScheduleOutbox inserts an outbox row inside the caller's transaction. The
// (topic, idempotency key) pair is unique; replays are silently dropped so
// the same domain transition can be retried safely.
func (s *Store) ScheduleOutbox(tx *gorm.DB, topic, key, payload string, availableAt time.Time) error {
	event := models.OutboxEvent{
		ID:             uuid.New(),
		Topic:          topic,
		IdempotencyKey: key,
		Payload:        payload,
		State:          models.OutboxPending,
		AvailableAt:    availableAt.UTC(),
		CreatedAt:      s.now().UTC(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "topic"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&event).Error
}

// ClaimOutbox atomically claims up to limit pending events for the given
// topics. Stale processing locks older than lockTTL are released first; the
// selection uses skip-locked semantics so concurrent dispatchers do not
// contend. Claimed rows are returned in processing state with attempts
// already incremented.
func (s *Store) ClaimOutbox(ctx context.Context, topics []string, workerID string, limit int, lockTTL time.Duration) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	var claimed []models.OutboxEvent
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		cutoff := now.Add(-lockTTL)
		if err := tx.Model(&models.OutboxEvent{}).
			Where("state = ? AND locked_at < ?", models.OutboxProcessing, cutoff).
			Updates(map[string]any{"state": models.OutboxPending, "locked_at": nil, "locked_by": ""}).Error; err != nil {
			return fmt.Errorf("release stale locks: %w", err)
		}
		var rows []models.OutboxEvent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND available_at <= ? AND topic IN ?", models.OutboxPending, now, topics).
			Order("created_at").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		for i := range rows {
			rows[i].State = models.OutboxProcessing
			rows[i].LockedAt = &now
			rows[i].LockedBy = workerID
			rows[i].Attempts++
			if err := tx.Model(&models.OutboxEvent{}).Where("id = ?", rows[i].ID).
				Updates(map[string]any{
					"state":     models.OutboxProcessing,
					"locked_at": now,
					"locked_by": workerID,
					"attempts":  rows[i].Attempts,
				}).Error; err != nil {
				return fmt.Errorf("mark processing: %w", err)
			}
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxSent finalises a delivered event.
func (s *Store) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]any{
			"state":     models.OutboxSent,
			"sent_at":   now,
			"locked_at": nil,
			"locked_by": "",
		}).Error
}

// RescheduleOutbox returns a failed event to pending after delay.
func (s *Store) RescheduleOutbox(ctx context.Context, id uuid.UUID, lastError string, delay time.Duration) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]any{
			"state":        models.OutboxPending,
			"available_at": s.now().UTC().Add(delay),
			"last_error":   truncateError(lastError),
			"locked_at":    nil,
			"locked_by":    "",
		}).Error
}

// MarkOutboxDead deadletters an event once its attempt budget is exhausted.
// The row remains as an operator record; SQL-level requeue resumes it.
func (s *Store) MarkOutboxDead(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]any{
			"state":      models.OutboxDeadletter,
			"last_error": truncateError(lastError),
			"locked_at":  nil,
			"locked_by":  "",
		}).Error
}

// PreemptOutbox flips a pending event to sent inside the caller's
// transaction so it can no longer execute. Used when a dispute blocks an
// outstanding payout.requested row. Returns true when a row was flipped.
func (s *Store) PreemptOutbox(tx *gorm.DB, topic, key string) (bool, error) {
	res := tx.Model(&models.OutboxEvent{}).
		Where("topic = ? AND idempotency_key = ? AND state IN ?", topic, key,
			[]models.OutboxState{models.OutboxPending, models.OutboxProcessing}).
		Updates(map[string]any{"state": models.OutboxSent, "sent_at": s.now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReopenOutbox returns a previously preempted or sent event to pending with a
// fresh availability time, inside the caller's transaction. When no row
// exists the caller is expected to schedule a fresh one.
func (s *Store) ReopenOutbox(tx *gorm.DB, topic, key string, availableAt time.Time) (bool, error) {
	res := tx.Model(&models.OutboxEvent{}).
		Where("topic = ? AND idempotency_key = ?", topic, key).
		Updates(map[string]any{
			"state":        models.OutboxPending,
			"available_at": availableAt.UTC(),
			"sent_at":      nil,
			"locked_at":    nil,
			"locked_by":    "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OutboxBacklog reports the count and age of the oldest pending event for the
// supplied topics. A zero age means the backlog is empty.
func (s *Store) OutboxBacklog(ctx context.Context, topics []string) (int64, time.Duration, error) {
	query := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("state = ?", models.OutboxPending)
	if len(topics) > 0 {
		query = query.Where("topic IN ?", topics)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	var oldest models.OutboxEvent
	if err := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("state = ?", models.OutboxPending).
		Scopes(func(db *gorm.DB) *gorm.DB {
			if len(topics) > 0 {
				return db.Where("topic IN ?", topics)
			}
			return db
		}).
		Order("created_at").
		First(&oldest).Error; err != nil {
		return count, 0, err
	}
	age := s.now().UTC().Sub(oldest.CreatedAt)
	if age < 0 {
		age = 0
	}
	return count, age, nil
}

func truncateError(msg string) string {
	const max = 2048
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
