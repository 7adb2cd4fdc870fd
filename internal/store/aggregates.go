package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/db"
	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Aggregates owns the derived columns of the respondents table and the
// idempotency keys recording which transitions they already reflect.
type Aggregates interface {
	// MarkApplied records an idempotency key. It reports false when the key
	// was already present.
	MarkApplied(ctx context.Context, key models.AppliedEvent) (bool, error)
	// Lock reads a respondent with a row lock held until the transaction ends.
	Lock(ctx context.Context, respondentID string) (*models.Respondent, error)
	Save(ctx context.Context, respondentID string, stats models.RespondentStats) error
}

type aggregateRepo struct{ db *gorm.DB }

func (r *aggregateRepo) MarkApplied(ctx context.Context, key models.AppliedEvent) (bool, error) {
	if key.AppliedAt.IsZero() {
		key.AppliedAt = time.Now()
	}
	err := r.db.WithContext(ctx).Create(&key).Error
	if db.IsDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: mark %s %s applied: %w", key.Transition, key.EntityID, err)
	}
	return true, nil
}

func (r *aggregateRepo) Lock(ctx context.Context, respondentID string) (*models.Respondent, error) {
	var resp models.Respondent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", respondentID).
		First(&resp).Error
	if err != nil {
		return nil, notFound(err, "respondent", respondentID)
	}
	return &resp, nil
}

func (r *aggregateRepo) Save(ctx context.Context, respondentID string, stats models.RespondentStats) error {
	result := r.db.WithContext(ctx).Model(&models.Respondent{}).
		Where("id = ?", respondentID).
		Updates(map[string]interface{}{
			"participation_count": stats.ParticipationCount,
			"total_incentives":    stats.TotalIncentives,
			"avg_sentiment":       stats.AvgSentiment,
			"sentiment_count":     stats.SentimentCount,
			"sentiment_sum":       stats.SentimentSum,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: save aggregates for %s: %w", respondentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("respondent not found: %s", respondentID)
	}
	return nil
}
