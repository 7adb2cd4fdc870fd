package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/gorm"
)

// Templates persists interview templates.
type Templates interface {
	Create(ctx context.Context, t *models.Template) error
	Get(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context, researcherID string) ([]models.Template, error)
	Titles(ctx context.Context, ids []string) (map[string]string, error)
}

type templateRepo struct{ db *gorm.DB }

func (r *templateRepo) Create(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return duplicate(err, "create template", "template already exists: %s", t.ID)
	}
	return nil
}

func (r *templateRepo) Get(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "template", id)
	}
	return &t, nil
}

// List returns templates newest first. An empty researcherID lists all.
func (r *templateRepo) List(ctx context.Context, researcherID string) ([]models.Template, error) {
	q := r.db.WithContext(ctx)
	if researcherID != "" {
		q = q.Where("researcher_id = ?", researcherID)
	}
	var out []models.Template
	if err := q.Order("created_at DESC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	return out, nil
}

// Titles maps template ids to titles. Unknown ids are absent from the map.
func (r *templateRepo) Titles(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Template
	err := r.db.WithContext(ctx).Select("id", "title").Where("id IN ?", ids).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: template titles: %w", err)
	}
	for _, t := range rows {
		out[t.ID] = t.Title
	}
	return out, nil
}
