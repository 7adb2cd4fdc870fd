// Package events defines the domain events carried through the outbox and
// the dispatcher that delivers them to the respondent aggregate.
package events

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/models"
)

// Event kinds. Each is emitted at most once per entity.
const (
	KindSessionCompleted   = "session.completed"
	KindSentimentCorrected = "session.sentiment_corrected"
	KindIncentivePaid      = "incentive.paid"
)

// SessionCompleted builds the event for an active -> completed transition.
// sentiment is null when the analyzer failed.
func SessionCompleted(sessionID, respondentID string, sentiment decimal.NullDecimal) *models.OutboxEvent {
	return &models.OutboxEvent{
		Kind:         KindSessionCompleted,
		EntityID:     sessionID,
		RespondentID: respondentID,
		Value:        sentiment,
	}
}

// SentimentCorrected builds the event for a late analysis that produced a
// sentiment for an already completed session.
func SentimentCorrected(sessionID, respondentID string, sentiment decimal.Decimal) *models.OutboxEvent {
	return &models.OutboxEvent{
		Kind:         KindSentimentCorrected,
		EntityID:     sessionID,
		RespondentID: respondentID,
		Value:        decimal.NewNullDecimal(sentiment),
	}
}

// IncentivePaid builds the event for a pending -> paid transition.
func IncentivePaid(incentiveID, respondentID string, amount decimal.Decimal) *models.OutboxEvent {
	return &models.OutboxEvent{
		Kind:         KindIncentivePaid,
		EntityID:     incentiveID,
		RespondentID: respondentID,
		Value:        decimal.NewNullDecimal(amount),
	}
}

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per prior attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return max
	}
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * base
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}
