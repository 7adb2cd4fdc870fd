package aggregate

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// Drift compares a respondent's cached aggregates with a from-scratch
// computation. Fields names the columns that differ.
type Drift struct {
	RespondentID string                 `json:"respondent_id"`
	Cached       models.RespondentStats `json:"cached"`
	Expected     models.RespondentStats `json:"expected"`
	Fields       []string               `json:"fields"`
}

// OK reports whether the cache matches.
func (d *Drift) OK() bool {
	return len(d.Fields) == 0
}

// RepairReport summarizes a RepairAll pass.
type RepairReport struct {
	Checked  int
	Repaired []Drift
	Errors   int
}

// Compute folds a respondent's completed sessions and paid incentives
// without touching the cache.
func (a *Aggregator) Compute(ctx context.Context, respondentID string) (models.RespondentStats, error) {
	if _, err := a.store.Respondents().Get(ctx, respondentID); err != nil {
		return models.RespondentStats{}, err
	}
	return compute(ctx, a.store, respondentID)
}

func compute(ctx context.Context, s *store.Store, respondentID string) (models.RespondentStats, error) {
	sessions, err := s.Sessions().ListCompleted(ctx, respondentID)
	if err != nil {
		return models.RespondentStats{}, fmt.Errorf("aggregate: %w", err)
	}
	incentives, err := s.Incentives().ListPaid(ctx, respondentID)
	if err != nil {
		return models.RespondentStats{}, fmt.Errorf("aggregate: %w", err)
	}
	return Fold(sessions, incentives), nil
}

// Recompute rebuilds one respondent's aggregates under its row lock and
// records idempotency keys for every transition it counted, so events still
// waiting in the outbox are absorbed as no-ops.
func (a *Aggregator) Recompute(ctx context.Context, respondentID string) (*models.Respondent, error) {
	err := a.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Aggregates().Lock(ctx, respondentID); err != nil {
			return err
		}
		sessions, err := tx.Sessions().ListCompleted(ctx, respondentID)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		incentives, err := tx.Incentives().ListPaid(ctx, respondentID)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		if err := tx.Aggregates().Save(ctx, respondentID, Fold(sessions, incentives)); err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}

		mark := func(entityID, transition string) error {
			_, err := tx.Aggregates().MarkApplied(ctx, models.AppliedEvent{
				EntityID:     entityID,
				Transition:   transition,
				RespondentID: respondentID,
			})
			return err
		}
		for _, s := range sessions {
			if err := mark(s.ID, TransitionParticipation); err != nil {
				return err
			}
			if s.SentimentScore.Valid {
				if err := mark(s.ID, TransitionSentiment); err != nil {
					return err
				}
			}
		}
		for _, i := range incentives {
			if err := mark(i.ID, TransitionIncentive); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a.store.Respondents().Get(ctx, respondentID)
}

// Verify compares the cached aggregates with Compute. Events still pending
// in the outbox show up as drift until delivered.
func (a *Aggregator) Verify(ctx context.Context, respondentID string) (*Drift, error) {
	r, err := a.store.Respondents().Get(ctx, respondentID)
	if err != nil {
		return nil, err
	}
	expected, err := compute(ctx, a.store, respondentID)
	if err != nil {
		return nil, err
	}
	cached := r.Stats()
	return &Drift{
		RespondentID: respondentID,
		Cached:       cached,
		Expected:     expected,
		Fields:       diff(cached, expected),
	}, nil
}

// RepairAll verifies every respondent and recomputes the ones that drifted.
// A failure on one respondent is logged and does not stop the pass.
func (a *Aggregator) RepairAll(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	ids, err := a.store.Respondents().IDs(ctx)
	if err != nil {
		return report, fmt.Errorf("aggregate: repair: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		drift, err := a.Verify(ctx, id)
		if err != nil {
			log.Printf("aggregate: verify %s: %v", id, err)
			report.Errors++
			continue
		}
		if drift.OK() {
			continue
		}
		if _, err := a.Recompute(ctx, id); err != nil {
			log.Printf("aggregate: recompute %s: %v", id, err)
			report.Errors++
			continue
		}
		report.Repaired = append(report.Repaired, *drift)
	}
	return report, nil
}

// diff lists the aggregate columns where a and b disagree.
func diff(a, b models.RespondentStats) []string {
	var fields []string
	if a.ParticipationCount != b.ParticipationCount {
		fields = append(fields, "participation_count")
	}
	if !a.TotalIncentives.Equal(b.TotalIncentives) {
		fields = append(fields, "total_incentives")
	}
	if a.AvgSentiment.Valid != b.AvgSentiment.Valid ||
		(a.AvgSentiment.Valid && !a.AvgSentiment.Decimal.Equal(b.AvgSentiment.Decimal)) {
		fields = append(fields, "avg_sentiment")
	}
	if a.SentimentCount != b.SentimentCount {
		fields = append(fields, "sentiment_count")
	}
	if !a.SentimentSum.Equal(b.SentimentSum) {
		fields = append(fields, "sentiment_sum")
	}
	return fields
}
