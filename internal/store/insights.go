package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/gorm"
)

// CompletionCounts are session totals for one template or for all of them.
// AvgDuration averages completed sessions that recorded a duration and is
// invalid when there are none.
type CompletionCounts struct {
	Total       int64
	Completed   int64
	AvgDuration sql.NullFloat64
}

// Insights runs aggregate reads over sessions. An empty templateID covers
// every template.
type Insights interface {
	Completion(ctx context.Context, templateID string) (*CompletionCounts, error)
	CompletedAnalyses(ctx context.Context, templateID string) ([]models.Session, error)
	CompletedByTemplate(ctx context.Context, templateIDs []string) (map[string]int64, error)
}

type insightRepo struct{ db *gorm.DB }

func (r *insightRepo) sessions(ctx context.Context, templateID string) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.Session{})
	if templateID != "" {
		q = q.Where("template_id = ?", templateID)
	}
	return q
}

func (r *insightRepo) Completion(ctx context.Context, templateID string) (*CompletionCounts, error) {
	var row struct {
		Total       int64
		Completed   int64
		AvgDuration sql.NullFloat64
	}
	err := r.sessions(ctx, templateID).
		Select("COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed, "+
			"AVG(CASE WHEN status = ? THEN duration_seconds END) AS avg_duration",
			models.SessionCompleted, models.SessionCompleted).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("store: completion counts: %w", err)
	}
	return &CompletionCounts{Total: row.Total, Completed: row.Completed, AvgDuration: row.AvgDuration}, nil
}

// CompletedAnalyses loads the analysis columns of completed sessions.
func (r *insightRepo) CompletedAnalyses(ctx context.Context, templateID string) ([]models.Session, error) {
	var out []models.Session
	err := r.sessions(ctx, templateID).
		Select("id", "template_id", "status", "sentiment_score", "key_themes").
		Where("status = ?", models.SessionCompleted).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: completed analyses: %w", err)
	}
	return out, nil
}

// CompletedByTemplate counts completed sessions per template. Templates
// without any are absent from the map.
func (r *insightRepo) CompletedByTemplate(ctx context.Context, templateIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(templateIDs))
	if len(templateIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		TemplateID string
		N          int64
	}
	err := r.db.WithContext(ctx).Model(&models.Session{}).
		Select("template_id, COUNT(*) AS n").
		Where("status = ? AND template_id IN ?", models.SessionCompleted, templateIDs).
		Group("template_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: completed by template: %w", err)
	}
	for _, row := range rows {
		out[row.TemplateID] = row.N
	}
	return out, nil
}
