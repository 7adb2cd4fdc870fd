package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/insights"
	"github.com/zulandar/panelyard/internal/models"
)

// Decimals are rendered as fixed-point strings.

type templateDTO struct {
	ID               string    `json:"id"`
	ResearcherID     string    `json:"researcher_id"`
	Title            string    `json:"title"`
	Topic            *string   `json:"topic"`
	StarterQuestions []string  `json:"starter_questions"`
	CreatedAt        time.Time `json:"created_at"`
}

func toTemplate(t *models.Template) templateDTO {
	return templateDTO{
		ID:               t.ID,
		ResearcherID:     t.ResearcherID,
		Title:            t.Title,
		Topic:            t.Topic,
		StarterQuestions: nonNil(t.StarterQuestions),
		CreatedAt:        t.CreatedAt,
	}
}

type statsDTO struct {
	ParticipationCount int64   `json:"participation_count"`
	TotalIncentives    string  `json:"total_incentives"`
	AvgSentiment       *string `json:"avg_sentiment"`
	SentimentCount     int64   `json:"sentiment_count"`
}

func toStats(s models.RespondentStats) statsDTO {
	return statsDTO{
		ParticipationCount: s.ParticipationCount,
		TotalIncentives:    s.TotalIncentives.StringFixed(aggregate.AmountPlaces),
		AvgSentiment:       fixed(s.AvgSentiment, aggregate.SentimentPlaces),
		SentimentCount:     s.SentimentCount,
	}
}

type respondentDTO struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Name         string              `json:"name"`
	Demographics models.Demographics `json:"demographics"`
	BehaviorTags []string            `json:"behavior_tags"`
	Stats        statsDTO            `json:"stats"`
	CreatedAt    time.Time           `json:"created_at"`
}

func toRespondent(r *models.Respondent) respondentDTO {
	return respondentDTO{
		ID:           r.ID,
		UserID:       r.UserID,
		Name:         r.Name,
		Demographics: r.Demographics.Data(),
		BehaviorTags: nonNil(r.BehaviorTags),
		Stats:        toStats(r.Stats()),
		CreatedAt:    r.CreatedAt,
	}
}

type sessionDTO struct {
	ID              string     `json:"id"`
	TemplateID      string     `json:"template_id"`
	RespondentID    string     `json:"respondent_id"`
	Status          string     `json:"status"`
	Version         int        `json:"version"`
	TurnCount       int        `json:"turn_count"`
	Summary         *string    `json:"summary"`
	SentimentScore  *string    `json:"sentiment_score"`
	KeyThemes       []string   `json:"key_themes"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *int64     `json:"duration_seconds"`
}

func toSession(s *models.Session) sessionDTO {
	d := sessionDTO{
		ID:              s.ID,
		TemplateID:      s.TemplateID,
		RespondentID:    s.RespondentID,
		Status:          s.Status,
		Version:         s.Version,
		TurnCount:       len(s.Transcript),
		Summary:         s.Summary,
		SentimentScore:  fixed(s.SentimentScore, aggregate.SentimentPlaces),
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		DurationSeconds: s.DurationSeconds,
	}
	if s.KeyThemes != nil {
		d.KeyThemes = []string(s.KeyThemes)
	}
	return d
}

type turnDTO struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func toTurns(turns []models.Turn) []turnDTO {
	out := make([]turnDTO, len(turns))
	for i, t := range turns {
		out[i] = turnDTO{Role: t.Role, Message: t.Message, Timestamp: t.Timestamp}
	}
	return out
}

type incentiveDTO struct {
	ID           string     `json:"id"`
	RespondentID string     `json:"respondent_id"`
	SessionID    string     `json:"session_id"`
	Amount       string     `json:"amount"`
	Currency     string     `json:"currency"`
	Status       string     `json:"status"`
	PaidAt       *time.Time `json:"paid_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toIncentive(i *models.Incentive) incentiveDTO {
	return incentiveDTO{
		ID:           i.ID,
		RespondentID: i.RespondentID,
		SessionID:    i.SessionID,
		Amount:       i.Amount.StringFixed(aggregate.AmountPlaces),
		Currency:     i.Currency,
		Status:       i.Status,
		PaidAt:       i.PaidAt,
		CreatedAt:    i.CreatedAt,
	}
}

type driftDTO struct {
	RespondentID string   `json:"respondent_id"`
	OK           bool     `json:"ok"`
	Fields       []string `json:"fields"`
	Cached       statsDTO `json:"cached"`
	Expected     statsDTO `json:"expected"`
}

func toDrift(d *aggregate.Drift) driftDTO {
	return driftDTO{
		RespondentID: d.RespondentID,
		OK:           d.OK(),
		Fields:       nonNil(d.Fields),
		Cached:       toStats(d.Cached),
		Expected:     toStats(d.Expected),
	}
}

func fixed(d decimal.NullDecimal, places int32) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.StringFixed(places)
	return &s
}

func nonNil[S ~[]string](s S) []string {
	if s == nil {
		return []string{}
	}
	return []string(s)
}

type templateSummaryDTO struct {
	templateDTO
	InterviewCount int64 `json:"interview_count"`
}

func toTemplateSummary(t *insights.TemplateSummary) templateSummaryDTO {
	return templateSummaryDTO{templateDTO: toTemplate(&t.Template), InterviewCount: t.InterviewCount}
}

type sessionSummaryDTO struct {
	sessionDTO
	TemplateTitle string `json:"template_title"`
}

func toSessionSummaries(list []insights.SessionSummary) []sessionSummaryDTO {
	out := make([]sessionSummaryDTO, len(list))
	for i := range list {
		out[i] = sessionSummaryDTO{sessionDTO: toSession(&list[i].Session), TemplateTitle: list[i].TemplateTitle}
	}
	return out
}

type respondentDetailDTO struct {
	respondentDTO
	Sessions []sessionSummaryDTO `json:"sessions"`
}

type distributionDTO struct {
	Positive int64 `json:"positive"`
	Neutral  int64 `json:"neutral"`
	Negative int64 `json:"negative"`
	Unscored int64 `json:"unscored"`
}

type themeCountDTO struct {
	Theme string `json:"theme"`
	Count int64  `json:"count"`
}

type overviewDTO struct {
	TemplateID            *string         `json:"template_id"`
	TotalInterviews       int64           `json:"total_interviews"`
	AvgSentiment          *string         `json:"avg_sentiment"`
	SentimentDistribution distributionDTO `json:"sentiment_distribution"`
	TopThemes             []themeCountDTO `json:"top_themes"`
}

func toOverview(o *insights.Overview) overviewDTO {
	d := overviewDTO{
		TemplateID:      optional(o.TemplateID),
		TotalInterviews: o.TotalInterviews,
		AvgSentiment:    fixed(o.AvgSentiment, aggregate.SentimentPlaces),
		SentimentDistribution: distributionDTO{
			Positive: o.Distribution.Positive,
			Neutral:  o.Distribution.Neutral,
			Negative: o.Distribution.Negative,
			Unscored: o.Distribution.Unscored,
		},
		TopThemes: make([]themeCountDTO, len(o.TopThemes)),
	}
	for i, tc := range o.TopThemes {
		d.TopThemes[i] = themeCountDTO{Theme: tc.Theme, Count: tc.Count}
	}
	return d
}

type completionDTO struct {
	TemplateID        *string `json:"template_id"`
	TotalSessions     int64   `json:"total_sessions"`
	CompletedSessions int64   `json:"completed_sessions"`
	CompletionRate    string  `json:"completion_rate"`
	AvgDuration       *int64  `json:"average_duration_seconds"`
}

func toCompletion(c *insights.Completion) completionDTO {
	return completionDTO{
		TemplateID:        optional(c.TemplateID),
		TotalSessions:     c.TotalSessions,
		CompletedSessions: c.CompletedSessions,
		CompletionRate:    c.CompletionRate.StringFixed(insights.RatePlaces),
		AvgDuration:       c.AvgDurationSeconds,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
