// Package store implements the repositories the core components use. Every
// repository is bound either to the root connection or to one transaction;
// WithTx hands out the latter.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/db"
	"gorm.io/gorm"
)

// Store is the entry point to the repositories. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm connection.
func New(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB}
}

// DB exposes the underlying connection for administrative commands.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx runs fn inside one database transaction. fn must use only the
// repositories of the Store it is handed. Returning an error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Templates returns the template repository.
func (s *Store) Templates() Templates { return &templateRepo{db: s.db} }

// Respondents returns the respondent repository.
func (s *Store) Respondents() Respondents { return &respondentRepo{db: s.db} }

// Sessions returns the session repository.
func (s *Store) Sessions() Sessions { return &sessionRepo{db: s.db} }

// Incentives returns the incentive repository.
func (s *Store) Incentives() Incentives { return &incentiveRepo{db: s.db} }

// Outbox returns the event outbox repository.
func (s *Store) Outbox() Outbox { return &outboxRepo{db: s.db} }

// AnalysisJobs returns the analysis retry queue repository.
func (s *Store) AnalysisJobs() AnalysisJobs { return &analysisJobRepo{db: s.db} }

// Aggregates returns the respondent aggregate repository.
func (s *Store) Aggregates() Aggregates { return &aggregateRepo{db: s.db} }

// Insights returns the read-only analytics queries.
func (s *Store) Insights() Insights { return &insightRepo{db: s.db} }

// notFound converts gorm's missing-row error into the domain error.
func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("%s not found: %s", entity, id)
	}
	return fmt.Errorf("store: get %s %s: %w", entity, id, err)
}

// duplicate converts a unique violation into a Conflict, or wraps err.
func duplicate(err error, op, format string, args ...any) error {
	if db.IsDuplicateKey(err) {
		return apperr.Conflict(format, args...)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
