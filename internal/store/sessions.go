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

// Analysis is the transcript analysis written onto a session.
type Analysis struct {
	Summary   *string
	Sentiment decimal.NullDecimal
	Themes    []string
}

// Completion is the set of fields written by the active -> completed
// transition. Analysis is zero when the analyzer failed.
type Completion struct {
	CompletedAt     time.Time
	DurationSeconds int64
	Analysis        Analysis
}

// Sessions persists interview sessions. Every transition is guarded on the
// expected source state and reports Conflict when another writer got there
// first.
type Sessions interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	SetTranscript(ctx context.Context, id string, version int, transcript []models.Turn) error
	Complete(ctx context.Context, id string, c Completion) error
	Abandon(ctx context.Context, id string, at time.Time) error
	ApplyAnalysis(ctx context.Context, id string, a Analysis) (bool, error)
	ListCompleted(ctx context.Context, respondentID string) ([]models.Session, error)
	ListByRespondent(ctx context.Context, respondentID string) ([]models.Session, error)
	List(ctx context.Context, f SessionFilter) ([]models.Session, error)
}

// SessionFilter narrows List. Empty fields match everything.
type SessionFilter struct {
	TemplateID   string
	RespondentID string
	Status       string
}

type sessionRepo struct{ db *gorm.DB }

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = models.SessionActive
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return duplicate(err, "create session", "session already exists: %s", s.ID)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err, "session", id)
	}
	return &s, nil
}

// SetTranscript replaces the transcript of an active session if its version
// still matches, and bumps the version.
func (r *sessionRepo) SetTranscript(ctx context.Context, id string, version int, transcript []models.Turn) error {
	result := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ? AND version = ?", id, models.SessionActive, version).
		Updates(map[string]interface{}{
			"transcript": datatypes.JSONSlice[models.Turn](transcript),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: set transcript %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Conflict("session %s changed concurrently", id)
	}
	return nil
}

func (r *sessionRepo) Complete(ctx context.Context, id string, c Completion) error {
	updates := analysisColumns(c.Analysis)
	updates["status"] = models.SessionCompleted
	updates["completed_at"] = c.CompletedAt
	updates["duration_seconds"] = c.DurationSeconds
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = c.CompletedAt

	result := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: complete session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Conflict("session %s is no longer active", id)
	}
	return nil
}

func (r *sessionRepo) Abandon(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]interface{}{
			"status":     models.SessionAbandoned,
			"version":    gorm.Expr("version + 1"),
			"updated_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("store: abandon session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Conflict("session %s is no longer active", id)
	}
	return nil
}

// ApplyAnalysis writes a late analysis onto a completed session that has
// none yet. It reports false when the session already carries one.
func (r *sessionRepo) ApplyAnalysis(ctx context.Context, id string, a Analysis) (bool, error) {
	updates := analysisColumns(a)
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ? AND summary IS NULL AND sentiment_score IS NULL", id, models.SessionCompleted).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("store: apply analysis %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepo) ListCompleted(ctx context.Context, respondentID string) ([]models.Session, error) {
	var out []models.Session
	err := r.db.WithContext(ctx).
		Select("id", "respondent_id", "status", "sentiment_score").
		Where("respondent_id = ? AND status = ?", respondentID, models.SessionCompleted).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list completed sessions for %s: %w", respondentID, err)
	}
	return out, nil
}

func (r *sessionRepo) ListByRespondent(ctx context.Context, respondentID string) ([]models.Session, error) {
	var out []models.Session
	err := r.db.WithContext(ctx).
		Where("respondent_id = ?", respondentID).
		Order("started_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list sessions for %s: %w", respondentID, err)
	}
	return out, nil
}

func (r *sessionRepo) List(ctx context.Context, f SessionFilter) ([]models.Session, error) {
	q := r.db.WithContext(ctx)
	if f.TemplateID != "" {
		q = q.Where("template_id = ?", f.TemplateID)
	}
	if f.RespondentID != "" {
		q = q.Where("respondent_id = ?", f.RespondentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []models.Session
	if err := q.Order("started_at DESC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return out, nil
}

// analysisColumns maps an Analysis onto column updates. Absent values are
// written as SQL NULL.
func analysisColumns(a Analysis) map[string]interface{} {
	var themes interface{}
	if a.Themes != nil {
		themes = datatypes.JSONSlice[string](a.Themes)
	}
	var summary interface{}
	if a.Summary != nil {
		summary = *a.Summary
	}
	return map[string]interface{}{
		"summary":         summary,
		"sentiment_score": a.Sentiment,
		"key_themes":      themes,
	}
}
