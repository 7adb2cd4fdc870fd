package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outbox persists domain events until the aggregate has absorbed them.
type Outbox interface {
	Append(ctx context.Context, ev *models.OutboxEvent) error
	Get(ctx context.Context, id uint) (*models.OutboxEvent, error)
	Lock(ctx context.Context, id uint) (*models.OutboxEvent, error)
	Due(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id uint, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, id uint, next time.Time, msg string) error
	CountPending(ctx context.Context) (int64, error)
}

type outboxRepo struct{ db *gorm.DB }

// Append stores a pending event. The (entity, kind) pair is unique, so a
// transition can never emit the same event twice.
func (r *outboxRepo) Append(ctx context.Context, ev *models.OutboxEvent) error {
	now := time.Now()
	ev.Status = models.OutboxPending
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = ev.CreatedAt
	}
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return duplicate(err, "append event", "event %s already recorded for %s", ev.Kind, ev.EntityID)
	}
	return nil
}

func (r *outboxRepo) Get(ctx context.Context, id uint) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, notFound(err, "event", fmt.Sprint(id))
	}
	return &ev, nil
}

// Lock reads an event with a row lock held until the transaction ends.
func (r *outboxRepo) Lock(ctx context.Context, id uint) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ev).Error
	if err != nil {
		return nil, notFound(err, "event", fmt.Sprint(id))
	}
	return &ev, nil
}

// Due returns pending events whose next attempt time has passed, oldest first.
func (r *outboxRepo) Due(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	var out []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.OutboxPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: due events: %w", err)
	}
	return out, nil
}

// MarkDelivered acknowledges a pending event. It reports false when the
// event was already delivered.
func (r *outboxRepo) MarkDelivered(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxPending).
		Updates(map[string]interface{}{
			"status":       models.OutboxDelivered,
			"delivered_at": at,
			"last_error":   "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: mark event %d delivered: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RecordFailure bumps the attempt count and schedules the next try.
func (r *outboxRepo) RecordFailure(ctx context.Context, id uint, next time.Time, msg string) error {
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxPending).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": next,
			"last_error":      msg,
		}).Error
	if err != nil {
		return fmt.Errorf("store: record event %d failure: %w", id, err)
	}
	return nil
}

func (r *outboxRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ?", models.OutboxPending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count pending events: %w", err)
	}
	return n, nil
}
