package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalysisJobs persists the transcript analysis retry queue.
type AnalysisJobs interface {
	Enqueue(ctx context.Context, sessionID string, at time.Time) error
	Get(ctx context.Context, sessionID string) (*models.AnalysisJob, error)
	Due(ctx context.Context, now time.Time, limit int) ([]models.AnalysisJob, error)
	MarkDone(ctx context.Context, id uint, at time.Time) error
	Reschedule(ctx context.Context, id uint, next time.Time, msg string) error
	Fail(ctx context.Context, id uint, msg string) error
	CountPending(ctx context.Context) (int64, error)
	CountFailed(ctx context.Context) (int64, error)
}

type analysisJobRepo struct{ db *gorm.DB }

// Enqueue adds a pending job for the session. A session has at most one job.
// The job starts with one attempt on record: the analyzer call made when the
// session completed.
func (r *analysisJobRepo) Enqueue(ctx context.Context, sessionID string, at time.Time) error {
	job := models.AnalysisJob{
		SessionID:     sessionID,
		Status:        models.JobPending,
		Attempts:      1,
		NextAttemptAt: at,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&job).Error
	if err != nil {
		return fmt.Errorf("store: enqueue analysis for %s: %w", sessionID, err)
	}
	return nil
}

func (r *analysisJobRepo) Get(ctx context.Context, sessionID string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&job).Error; err != nil {
		return nil, notFound(err, "analysis job for session", sessionID)
	}
	return &job, nil
}

func (r *analysisJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]models.AnalysisJob, error) {
	var out []models.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.JobPending, now).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: due analysis jobs: %w", err)
	}
	return out, nil
}

func (r *analysisJobRepo) MarkDone(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.JobDone,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
			"completed_at": at,
			"updated_at":   at,
		}).Error
	if err != nil {
		return fmt.Errorf("store: mark analysis job %d done: %w", id, err)
	}
	return nil
}

func (r *analysisJobRepo) Reschedule(ctx context.Context, id uint, next time.Time, msg string) error {
	err := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ? AND status = ?", id, models.JobPending).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": next,
			"last_error":      msg,
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("store: reschedule analysis job %d: %w", id, err)
	}
	return nil
}

// Fail gives up on a job. The session keeps its null analysis.
func (r *analysisJobRepo) Fail(ctx context.Context, id uint, msg string) error {
	err := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ? AND status = ?", id, models.JobPending).
		Updates(map[string]interface{}{
			"status":     models.JobFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("store: fail analysis job %d: %w", id, err)
	}
	return nil
}

func (r *analysisJobRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("status = ?", models.JobPending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count pending analysis jobs: %w", err)
	}
	return n, nil
}

// CountFailed counts jobs that gave up after max attempts.
func (r *analysisJobRepo) CountFailed(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("status = ?", models.JobFailed).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count failed analysis jobs: %w", err)
	}
	return n, nil
}
