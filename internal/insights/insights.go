// Package insights computes the researcher-facing read views: sentiment and
// theme overviews, completion statistics, and session listings joined with
// template titles.
package insights

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// TopThemeLimit caps Overview.TopThemes.
const TopThemeLimit = 10

// RatePlaces is the precision of completion rates, in percent.
const RatePlaces = 2

// Sentiment bands. Scores at or above PositiveFrom are positive, scores
// below NegativeBelow are negative, the rest neutral.
var (
	PositiveFrom  = decimal.RequireFromString("0.6")
	NegativeBelow = decimal.RequireFromString("0.4")
)

// Distribution counts completed sessions per sentiment band. Unscored
// holds sessions whose analysis never produced a score.
type Distribution struct {
	Positive int64
	Neutral  int64
	Negative int64
	Unscored int64
}

// ThemeCount is how many completed sessions mentioned a theme.
type ThemeCount struct {
	Theme string
	Count int64
}

// Overview summarizes the analysis of completed sessions.
type Overview struct {
	TemplateID      string
	TotalInterviews int64
	AvgSentiment    decimal.NullDecimal
	Distribution    Distribution
	TopThemes       []ThemeCount
}

// Completion reports how many sessions were started and finished.
type Completion struct {
	TemplateID         string
	TotalSessions      int64
	CompletedSessions  int64
	CompletionRate     decimal.Decimal
	AvgDurationSeconds *int64
}

// TemplateSummary is a template with its completed interview count.
type TemplateSummary struct {
	models.Template
	InterviewCount int64
}

// SessionSummary is a session with its template's title.
type SessionSummary struct {
	models.Session
	TemplateTitle string
}

// Service answers read-only queries over the panel.
type Service struct {
	store *store.Store
}

// New creates a Service.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// checkTemplate reports NotFound for an unknown, non-empty templateID.
func (s *Service) checkTemplate(ctx context.Context, templateID string) error {
	if templateID == "" {
		return nil
	}
	_, err := s.store.Templates().Get(ctx, templateID)
	return err
}

// Overview summarizes completed sessions of one template, or of all
// templates when templateID is empty.
func (s *Service) Overview(ctx context.Context, templateID string) (*Overview, error) {
	if err := s.checkTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	sessions, err := s.store.Insights().CompletedAnalyses(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	o := Summarize(sessions)
	o.TemplateID = templateID
	return &o, nil
}

// Summarize folds completed sessions into an Overview. The average covers
// scored sessions only.
func Summarize(sessions []models.Session) Overview {
	o := Overview{TotalInterviews: int64(len(sessions)), TopThemes: []ThemeCount{}}
	sum := decimal.Zero
	var scored int64
	counts := map[string]int64{}
	for _, sess := range sessions {
		switch score := sess.SentimentScore; {
		case !score.Valid:
			o.Distribution.Unscored++
		case score.Decimal.GreaterThanOrEqual(PositiveFrom):
			o.Distribution.Positive++
		case score.Decimal.LessThan(NegativeBelow):
			o.Distribution.Negative++
		default:
			o.Distribution.Neutral++
		}
		if sess.SentimentScore.Valid {
			sum = sum.Add(sess.SentimentScore.Decimal)
			scored++
		}
		seen := map[string]bool{}
		for _, theme := range sess.KeyThemes {
			theme = strings.TrimSpace(theme)
			if theme == "" || seen[theme] {
				continue
			}
			seen[theme] = true
			counts[theme]++
		}
	}
	o.AvgSentiment = aggregate.Mean(sum, scored)

	for theme, n := range counts {
		o.TopThemes = append(o.TopThemes, ThemeCount{Theme: theme, Count: n})
	}
	sort.Slice(o.TopThemes, func(i, j int) bool {
		a, b := o.TopThemes[i], o.TopThemes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Theme < b.Theme
	})
	if len(o.TopThemes) > TopThemeLimit {
		o.TopThemes = o.TopThemes[:TopThemeLimit]
	}
	return o
}

// Completion reports completion statistics for one template, or for all
// templates when templateID is empty.
func (s *Service) Completion(ctx context.Context, templateID string) (*Completion, error) {
	if err := s.checkTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	counts, err := s.store.Insights().Completion(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	c := &Completion{
		TemplateID:        templateID,
		TotalSessions:     counts.Total,
		CompletedSessions: counts.Completed,
		CompletionRate:    Rate(counts.Completed, counts.Total),
	}
	if counts.AvgDuration.Valid {
		avg := int64(math.Round(counts.AvgDuration.Float64))
		c.AvgDurationSeconds = &avg
	}
	return c, nil
}

// Rate returns part/total as a percentage rounded to RatePlaces, or zero
// when total is zero.
func Rate(part, total int64) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part * 100).DivRound(decimal.NewFromInt(total), RatePlaces)
}

// Templates lists templates with their completed interview counts. An empty
// researcherID lists every template.
func (s *Service) Templates(ctx context.Context, researcherID string) ([]TemplateSummary, error) {
	templates, err := s.store.Templates().List(ctx, researcherID)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	ids := make([]string, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
	}
	counts, err := s.store.Insights().CompletedByTemplate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	out := make([]TemplateSummary, len(templates))
	for i, t := range templates {
		out[i] = TemplateSummary{Template: t, InterviewCount: counts[t.ID]}
	}
	return out, nil
}

// Sessions lists sessions matching f, newest first. A non-empty template
// filter must name an existing template.
func (s *Service) Sessions(ctx context.Context, f store.SessionFilter) ([]SessionSummary, error) {
	switch f.Status {
	case "", models.SessionActive, models.SessionCompleted, models.SessionAbandoned:
	default:
		return nil, apperr.InvalidInput("status must be %q, %q or %q",
			models.SessionActive, models.SessionCompleted, models.SessionAbandoned)
	}
	if err := s.checkTemplate(ctx, f.TemplateID); err != nil {
		return nil, err
	}
	sessions, err := s.store.Sessions().List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	return s.withTitles(ctx, sessions)
}

// RespondentSessions lists one respondent's sessions, newest first.
func (s *Service) RespondentSessions(ctx context.Context, respondentID string) ([]SessionSummary, error) {
	sessions, err := s.store.Sessions().ListByRespondent(ctx, respondentID)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	return s.withTitles(ctx, sessions)
}

func (s *Service) withTitles(ctx context.Context, sessions []models.Session) ([]SessionSummary, error) {
	var ids []string
	seen := map[string]bool{}
	for _, sess := range sessions {
		if !seen[sess.TemplateID] {
			seen[sess.TemplateID] = true
			ids = append(ids, sess.TemplateID)
		}
	}
	titles, err := s.store.Templates().Titles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	out := make([]SessionSummary, len(sessions))
	for i, sess := range sessions {
		out[i] = SessionSummary{Session: sess, TemplateTitle: titles[sess.TemplateID]}
	}
	return out, nil
}

