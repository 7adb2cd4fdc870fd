package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/gorm"
)

// Incentives persists per-session payments.
type Incentives interface {
	Create(ctx context.Context, i *models.Incentive) error
	Get(ctx context.Context, id string) (*models.Incentive, error)
	// FindBySession returns nil, nil when the session has no incentive.
	FindBySession(ctx context.Context, sessionID string) (*models.Incentive, error)
	MarkPaid(ctx context.Context, id string, at time.Time) error
	ListByStatus(ctx context.Context, status string) ([]models.Incentive, error)
	ListPaid(ctx context.Context, respondentID string) ([]models.Incentive, error)
}

type incentiveRepo struct{ db *gorm.DB }

// Create inserts a pending incentive. A second incentive for the same
// session fails with Conflict.
func (r *incentiveRepo) Create(ctx context.Context, i *models.Incentive) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	i.Status = models.IncentivePending
	i.PaidAt = nil
	if err := r.db.WithContext(ctx).Create(i).Error; err != nil {
		return duplicate(err, "create incentive", "incentive already exists for session %s", i.SessionID)
	}
	return nil
}

func (r *incentiveRepo) Get(ctx context.Context, id string) (*models.Incentive, error) {
	var i models.Incentive
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&i).Error; err != nil {
		return nil, notFound(err, "incentive", id)
	}
	return &i, nil
}

func (r *incentiveRepo) FindBySession(ctx context.Context, sessionID string) (*models.Incentive, error) {
	var i models.Incentive
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&i).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find incentive for session %s: %w", sessionID, err)
	}
	return &i, nil
}

// MarkPaid moves a pending incentive to paid. Conflict means the incentive
// was not pending when the update ran.
func (r *incentiveRepo) MarkPaid(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Incentive{}).
		Where("id = ? AND status = ?", id, models.IncentivePending).
		Updates(map[string]interface{}{
			"status":     models.IncentivePaid,
			"paid_at":    at,
			"updated_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark incentive %s paid: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Conflict("incentive %s is no longer pending", id)
	}
	return nil
}

func (r *incentiveRepo) ListByStatus(ctx context.Context, status string) ([]models.Incentive, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Incentive
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list incentives: %w", err)
	}
	return out, nil
}

func (r *incentiveRepo) ListPaid(ctx context.Context, respondentID string) ([]models.Incentive, error) {
	var out []models.Incentive
	err := r.db.WithContext(ctx).
		Select("id", "respondent_id", "amount", "status").
		Where("respondent_id = ? AND status = ?", respondentID, models.IncentivePaid).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list paid incentives for %s: %w", respondentID, err)
	}
	return out, nil
}
