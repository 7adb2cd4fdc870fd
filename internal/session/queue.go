package session

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// QueueResult counts the outcome of one ProcessAnalysisQueue pass.
type QueueResult struct {
	Analyzed int // analysis written
	Retried  int // rescheduled after another failure
	Failed   int // gave up after the last attempt
}

// ProcessAnalysisQueue retries transcript analysis for sessions completed
// while the analyzer was unavailable. A successful retry writes the analysis
// and, when it carries a sentiment, a correction event for the aggregate.
func (m *Manager) ProcessAnalysisQueue(ctx context.Context, limit int) (QueueResult, error) {
	var res QueueResult
	jobs, err := m.store.AnalysisJobs().Due(ctx, m.now(), limit)
	if err != nil {
		return res, fmt.Errorf("session: analysis queue: %w", err)
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		job := &jobs[i]
		if err := m.processJob(ctx, job, &res); err != nil {
			log.Printf("session: analysis job %d for %s: %v", job.ID, job.SessionID, err)
		}
	}
	return res, nil
}

func (m *Manager) processJob(ctx context.Context, job *models.AnalysisJob, res *QueueResult) error {
	s, err := m.store.Sessions().Get(ctx, job.SessionID)
	if err != nil {
		res.Failed++
		return m.store.AnalysisJobs().Fail(ctx, job.ID, err.Error())
	}
	if s.Summary != nil || s.SentimentScore.Valid {
		return m.store.AnalysisJobs().MarkDone(ctx, job.ID, m.now())
	}

	analysis, analyzeErr := m.analyze(ctx, s.Transcript)
	if analyzeErr != nil {
		// attempt counts analyzer calls for this session, the one made by
		// Complete included.
		attempt := job.Attempts + 1
		if attempt >= m.opts.MaxAttempts {
			res.Failed++
			return m.store.AnalysisJobs().Fail(ctx, job.ID, analyzeErr.Error())
		}
		res.Retried++
		next := m.now().Add(events.Backoff(attempt, m.opts.BaseBackoff, m.opts.MaxBackoff))
		return m.store.AnalysisJobs().Reschedule(ctx, job.ID, next, analyzeErr.Error())
	}

	var ev *models.OutboxEvent
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		applied, err := tx.Sessions().ApplyAnalysis(ctx, s.ID, analysis)
		if err != nil {
			return err
		}
		if applied && analysis.Sentiment.Valid {
			ev = events.SentimentCorrected(s.ID, s.RespondentID, analysis.Sentiment.Decimal)
			if err := tx.Outbox().Append(ctx, ev); err != nil {
				return err
			}
		}
		return tx.AnalysisJobs().MarkDone(ctx, job.ID, m.now())
	})
	if err != nil {
		return err
	}
	res.Analyzed++
	if ev != nil {
		m.deliver(ctx, ev)
	}
	return nil
}
