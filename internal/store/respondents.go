package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Respondents persists panel members. Aggregate columns are written only
// through Aggregates.
type Respondents interface {
	Create(ctx context.Context, r *models.Respondent) error
	Get(ctx context.Context, id string) (*models.Respondent, error)
	List(ctx context.Context) ([]models.Respondent, error)
	IDs(ctx context.Context) ([]string, error)
	SetBehaviorTags(ctx context.Context, id string, tags []string) error
}

type respondentRepo struct{ db *gorm.DB }

func (r *respondentRepo) Create(ctx context.Context, resp *models.Respondent) error {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	// New respondents always start from empty aggregates.
	resp.ParticipationCount = 0
	resp.SentimentCount = 0
	resp.TotalIncentives = decimal.Zero
	resp.SentimentSum = decimal.Zero
	resp.AvgSentiment = decimal.NullDecimal{}
	if err := r.db.WithContext(ctx).Create(resp).Error; err != nil {
		return duplicate(err, "create respondent", "respondent already exists for user %s", resp.UserID)
	}
	return nil
}

func (r *respondentRepo) Get(ctx context.Context, id string) (*models.Respondent, error) {
	var resp models.Respondent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&resp).Error; err != nil {
		return nil, notFound(err, "respondent", id)
	}
	return &resp, nil
}

func (r *respondentRepo) List(ctx context.Context) ([]models.Respondent, error) {
	var out []models.Respondent
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list respondents: %w", err)
	}
	return out, nil
}

func (r *respondentRepo) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&models.Respondent{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("store: list respondent ids: %w", err)
	}
	return ids, nil
}

func (r *respondentRepo) SetBehaviorTags(ctx context.Context, id string, tags []string) error {
	result := r.db.WithContext(ctx).Model(&models.Respondent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"behavior_tags": datatypes.JSONSlice[string](tags),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: set behavior tags %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("respondent not found: %s", id)
	}
	return nil
}
