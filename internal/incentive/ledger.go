// Package incentive implements the per-session payment ledger:
// pending -> paid.
package incentive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// AmountPlaces is the number of decimal places an amount may carry.
const AmountPlaces = 2

// Ledger creates and settles incentives.
type Ledger struct {
	store         *store.Store
	dispatcher    *events.Dispatcher
	defaultAmount decimal.Decimal
	currency      string
	now           func() time.Time
}

// NewLedger creates a Ledger. dispatcher may be nil, in which case events
// wait for the background drain.
func NewLedger(s *store.Store, d *events.Dispatcher, defaultAmount decimal.Decimal, currency string) *Ledger {
	if currency == "" {
		currency = "USD"
	}
	return &Ledger{
		store:         s,
		dispatcher:    d,
		defaultAmount: defaultAmount,
		currency:      currency,
		now:           time.Now,
	}
}

// Get returns one incentive.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Incentive, error) {
	return l.store.Incentives().Get(ctx, id)
}

// List returns incentives, optionally filtered by status.
func (l *Ledger) List(ctx context.Context, status string) ([]models.Incentive, error) {
	switch status {
	case "", models.IncentivePending, models.IncentivePaid:
	default:
		return nil, apperr.InvalidInput("status must be %q or %q", models.IncentivePending, models.IncentivePaid)
	}
	return l.store.Incentives().ListByStatus(ctx, status)
}

// CreateForSession creates the pending incentive for a completed session.
// A zero amount selects the configured default. The call is idempotent per
// session: when an incentive already exists it is returned with created
// set to false.
func (l *Ledger) CreateForSession(ctx context.Context, sessionID string, amount decimal.Decimal) (inc *models.Incentive, created bool, err error) {
	if sessionID == "" {
		return nil, false, apperr.InvalidInput("session_id is required")
	}
	if amount.IsZero() {
		amount = l.defaultAmount
	}
	if err := validateAmount(amount); err != nil {
		return nil, false, err
	}

	s, err := l.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if existing, err := l.store.Incentives().FindBySession(ctx, sessionID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}
	if s.Status != models.SessionCompleted {
		return nil, false, apperr.InvalidState("session %s is %s, not completed", sessionID, s.Status)
	}

	now := l.now()
	inc = &models.Incentive{
		ID:           uuid.NewString(),
		RespondentID: s.RespondentID,
		SessionID:    s.ID,
		Amount:       amount,
		Currency:     l.currency,
		Status:       models.IncentivePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = l.store.Incentives().Create(ctx, inc)
	if errors.Is(err, apperr.ErrConflict) {
		// Lost a race with a concurrent create for the same session.
		existing, ferr := l.store.Incentives().FindBySession(ctx, sessionID)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("incentive: create for %s: %w", sessionID, err)
	}
	return inc, true, nil
}

// MarkPaid settles a pending incentive and emits IncentivePaid in the same
// transaction. Paying an already paid incentive is a no-op that succeeds
// without emitting anything.
func (l *Ledger) MarkPaid(ctx context.Context, id string) (*models.Incentive, error) {
	inc, err := l.store.Incentives().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == models.IncentivePaid {
		return inc, nil
	}

	ev := events.IncentivePaid(inc.ID, inc.RespondentID, inc.Amount)
	err = l.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Incentives().MarkPaid(ctx, id, l.now()); err != nil {
			return err
		}
		return tx.Outbox().Append(ctx, ev)
	})
	if errors.Is(err, apperr.ErrConflict) {
		// Someone else settled it first; that caller emitted the event.
		current, gerr := l.store.Incentives().Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == models.IncentivePaid {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("incentive: mark %s paid: %w", id, err)
	}

	if l.dispatcher != nil {
		if err := l.dispatcher.Deliver(ctx, ev.ID); err != nil {
			log.Printf("incentive: deliver %s for %s: %v", ev.Kind, ev.EntityID, err)
		}
	}
	return l.store.Incentives().Get(ctx, id)
}

// validateAmount requires a positive amount with at most two decimal places.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.InvalidInput("amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Round(AmountPlaces)) {
		return apperr.InvalidInput("amount %s has more than %d decimal places", amount, AmountPlaces)
	}
	return nil
}
