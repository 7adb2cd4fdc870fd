// Package aggregate maintains the derived statistics cached on each
// respondent: participation_count, total_incentives and avg_sentiment.
//
// The incremental path absorbs outbox events one at a time; Recompute
// rebuilds the same values from the respondent's completed sessions and
// paid incentives. Both run through fold arithmetic that yields identical
// results for the same inputs, whatever the event order.
package aggregate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// Transition names recorded as idempotency keys, paired with the entity id.
const (
	TransitionParticipation = "session.completed"
	TransitionSentiment     = "session.sentiment"
	TransitionIncentive     = "incentive.paid"
)

// Storage precision of the derived decimals.
const (
	AmountPlaces    = 2
	SentimentPlaces = 4
)

// Aggregator applies domain events to respondent aggregates.
type Aggregator struct {
	store *store.Store
}

// New creates an Aggregator.
func New(s *store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// delta is the contribution of one event, after idempotency filtering.
type delta struct {
	participation int64
	sentimentN    int64
	sentiment     decimal.Decimal
	amount        decimal.Decimal
}

func (d delta) empty() bool {
	return d.participation == 0 && d.sentimentN == 0 && d.amount.IsZero()
}

// Apply absorbs one event in its own transaction.
func (a *Aggregator) Apply(ctx context.Context, ev *models.OutboxEvent) (bool, error) {
	var changed bool
	err := a.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		changed, err = a.ApplyTx(ctx, tx, ev)
		return err
	})
	return changed, err
}

// ApplyTx absorbs one event inside tx. Each part of the event is guarded by
// its (entity, transition) key, so redelivery and events already covered by
// a Recompute change nothing and report false.
//
// Lock order: respondent row, then applied_events keys. Recompute takes
// them in the same order.
func (a *Aggregator) ApplyTx(ctx context.Context, tx *store.Store, ev *models.OutboxEvent) (bool, error) {
	r, err := tx.Aggregates().Lock(ctx, ev.RespondentID)
	if err != nil {
		return false, fmt.Errorf("aggregate: %w", err)
	}

	var d delta
	mark := func(transition string) (bool, error) {
		return tx.Aggregates().MarkApplied(ctx, models.AppliedEvent{
			EntityID:     ev.EntityID,
			Transition:   transition,
			RespondentID: ev.RespondentID,
		})
	}

	switch ev.Kind {
	case events.KindSessionCompleted:
		fresh, err := mark(TransitionParticipation)
		if err != nil {
			return false, err
		}
		if fresh {
			d.participation = 1
		}
		if ev.Value.Valid {
			if err := a.addSentiment(&d, ev, mark); err != nil {
				return false, err
			}
		}
	case events.KindSentimentCorrected:
		if !ev.Value.Valid {
			return false, fmt.Errorf("aggregate: %s %s has no sentiment", ev.Kind, ev.EntityID)
		}
		if err := a.addSentiment(&d, ev, mark); err != nil {
			return false, err
		}
	case events.KindIncentivePaid:
		if !ev.Value.Valid || !ev.Value.Decimal.IsPositive() {
			return false, fmt.Errorf("aggregate: %s %s has no positive amount", ev.Kind, ev.EntityID)
		}
		fresh, err := mark(TransitionIncentive)
		if err != nil {
			return false, err
		}
		if fresh {
			d.amount = ev.Value.Decimal.Round(AmountPlaces)
		}
	default:
		return false, fmt.Errorf("aggregate: unknown event kind %q", ev.Kind)
	}

	if d.empty() {
		return false, nil
	}
	if err := a.fold(ctx, tx, r, d); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Aggregator) addSentiment(d *delta, ev *models.OutboxEvent, mark func(string) (bool, error)) error {
	fresh, err := mark(TransitionSentiment)
	if err != nil {
		return err
	}
	if fresh {
		d.sentimentN = 1
		d.sentiment = ev.Value.Decimal.Round(SentimentPlaces)
	}
	return nil
}

// fold adds d to r, which the caller holds locked.
func (a *Aggregator) fold(ctx context.Context, tx *store.Store, r *models.Respondent, d delta) error {
	stats := r.Stats()
	stats.ParticipationCount += d.participation
	stats.SentimentCount += d.sentimentN
	stats.SentimentSum = stats.SentimentSum.Add(d.sentiment).Round(SentimentPlaces)
	stats.TotalIncentives = stats.TotalIncentives.Add(d.amount).Round(AmountPlaces)
	stats.AvgSentiment = Mean(stats.SentimentSum, stats.SentimentCount)
	if err := tx.Aggregates().Save(ctx, r.ID, stats); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	return nil
}

// Mean is the average sentiment for a sum over n scores, null when n is 0.
func Mean(sum decimal.Decimal, n int64) decimal.NullDecimal {
	if n <= 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(sum.DivRound(decimal.NewFromInt(n), SentimentPlaces))
}

// Fold computes aggregates from scratch. sessions must be the respondent's
// completed sessions and incentives its paid incentives.
func Fold(sessions []models.Session, incentives []models.Incentive) models.RespondentStats {
	stats := models.RespondentStats{
		TotalIncentives: decimal.Zero,
		SentimentSum:    decimal.Zero,
	}
	for _, s := range sessions {
		stats.ParticipationCount++
		if s.SentimentScore.Valid {
			stats.SentimentCount++
			stats.SentimentSum = stats.SentimentSum.Add(s.SentimentScore.Decimal.Round(SentimentPlaces)).Round(SentimentPlaces)
		}
	}
	for _, i := range incentives {
		stats.TotalIncentives = stats.TotalIncentives.Add(i.Amount.Round(AmountPlaces)).Round(AmountPlaces)
	}
	stats.AvgSentiment = Mean(stats.SentimentSum, stats.SentimentCount)
	return stats
}
