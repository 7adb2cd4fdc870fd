// Package session implements the interview session lifecycle:
// active -> completed and active -> abandoned.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/panelyard/internal/analyzer"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// Turn roles.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// ValidTransitions defines the allowed session status transitions.
var ValidTransitions = map[string][]string{
	models.SessionActive:    {models.SessionCompleted, models.SessionAbandoned},
	models.SessionCompleted: {},
	models.SessionAbandoned: {},
}

// isValidTransition checks whether from -> to is allowed.
func isValidTransition(from, to string) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Options configures a Manager.
type Options struct {
	AnalyzerTimeout time.Duration
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// Manager drives session transitions. The transcript analyzer is always
// called outside any transaction.
type Manager struct {
	store      *store.Store
	analyzer   analyzer.Analyzer
	dispatcher *events.Dispatcher
	opts       Options
	now        func() time.Time
}

// NewManager creates a Manager. dispatcher may be nil, in which case events
// wait for the background drain.
func NewManager(s *store.Store, a analyzer.Analyzer, d *events.Dispatcher, opts Options) *Manager {
	if opts.AnalyzerTimeout <= 0 {
		opts.AnalyzerTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	return &Manager{store: s, analyzer: a, dispatcher: d, opts: opts, now: time.Now}
}

// Start opens an active session for respondentID on templateID.
func (m *Manager) Start(ctx context.Context, templateID, respondentID string) (*models.Session, error) {
	if templateID == "" || respondentID == "" {
		return nil, apperr.InvalidInput("template_id and respondent_id are required")
	}
	if _, err := m.store.Templates().Get(ctx, templateID); err != nil {
		return nil, err
	}
	if _, err := m.store.Respondents().Get(ctx, respondentID); err != nil {
		return nil, err
	}
	now := m.now()
	s := &models.Session{
		ID:           uuid.NewString(),
		TemplateID:   templateID,
		RespondentID: respondentID,
		Status:       models.SessionActive,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Sessions().Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.Sessions().Get(ctx, id)
}

// AppendTurn adds one message to an active session's transcript. Appends
// are ordered; a concurrent append or transition yields Conflict.
func (m *Manager) AppendTurn(ctx context.Context, id, role, message string) (*models.Session, error) {
	if role != RoleAssistant && role != RoleUser {
		return nil, apperr.InvalidInput("role must be %q or %q", RoleAssistant, RoleUser)
	}
	if strings.TrimSpace(message) == "" {
		return nil, apperr.InvalidInput("message is required")
	}
	s, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionActive {
		return nil, apperr.InvalidState("session %s is %s", id, s.Status)
	}

	transcript := append([]models.Turn(nil), s.Transcript...)
	transcript = append(transcript, models.Turn{Role: role, Message: message, Timestamp: m.now()})
	if err := m.store.Sessions().SetTranscript(ctx, id, s.Version, transcript); err != nil {
		return nil, err
	}
	return m.store.Sessions().Get(ctx, id)
}

// Transcript returns the transcript of a completed session.
func (m *Manager) Transcript(ctx context.Context, id string) ([]models.Turn, error) {
	s, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionCompleted {
		return nil, apperr.InvalidState("session %s is %s", id, s.Status)
	}
	return s.Transcript, nil
}

// Complete moves an active session to completed. The analyzer runs first,
// without holding any lock; if it fails the session still completes with
// null analysis fields and a retry job is queued. The SessionCompleted event
// is written in the same transaction as the transition.
func (m *Manager) Complete(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isValidTransition(s.Status, models.SessionCompleted) {
		return nil, apperr.InvalidState("session %s is %s", id, s.Status)
	}

	analysis, analyzeErr := m.analyze(ctx, s.Transcript)
	if analyzeErr != nil {
		log.Printf("session: analyze %s: %v", id, analyzeErr)
	}

	completedAt := m.now()
	duration := int64(completedAt.Sub(s.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	ev := events.SessionCompleted(id, s.RespondentID, analysis.Sentiment)

	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Sessions().Complete(ctx, id, store.Completion{
			CompletedAt:     completedAt,
			DurationSeconds: duration,
			Analysis:        analysis,
		}); err != nil {
			return err
		}
		if err := tx.Outbox().Append(ctx, ev); err != nil {
			return err
		}
		if analyzeErr != nil {
			next := completedAt.Add(events.Backoff(1, m.opts.BaseBackoff, m.opts.MaxBackoff))
			if err := tx.AnalysisJobs().Enqueue(ctx, id, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: complete %s: %w", id, err)
	}

	m.deliver(ctx, ev)
	return m.store.Sessions().Get(ctx, id)
}

// Abandon moves an active session to abandoned. Abandoned sessions never
// reach the aggregates.
func (m *Manager) Abandon(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isValidTransition(s.Status, models.SessionAbandoned) {
		return nil, apperr.InvalidState("session %s is %s", id, s.Status)
	}
	if err := m.store.Sessions().Abandon(ctx, id, m.now()); err != nil {
		return nil, fmt.Errorf("session: abandon %s: %w", id, err)
	}
	return m.store.Sessions().Get(ctx, id)
}

// analyze calls the analyzer under the configured timeout and converts the
// result into session columns.
func (m *Manager) analyze(ctx context.Context, transcript []models.Turn) (store.Analysis, error) {
	actx, cancel := context.WithTimeout(ctx, m.opts.AnalyzerTimeout)
	defer cancel()
	res, err := m.analyzer.Analyze(actx, transcript)
	if err != nil {
		return store.Analysis{}, err
	}
	summary := res.Summary
	themes := res.Themes
	if themes == nil {
		themes = []string{}
	}
	return store.Analysis{Summary: &summary, Sentiment: res.Sentiment, Themes: themes}, nil
}

// deliver pushes a freshly written event to the aggregate. Failures leave
// the event pending for the background drain.
func (m *Manager) deliver(ctx context.Context, ev *models.OutboxEvent) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.Deliver(ctx, ev.ID); err != nil {
		log.Printf("session: deliver %s for %s: %v", ev.Kind, ev.EntityID, err)
	}
}
