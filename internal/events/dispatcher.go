package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

// Handler absorbs one event inside the delivery transaction. It must be
// idempotent: the same event may be handed over more than once. The bool
// reports whether the event changed anything.
type Handler interface {
	ApplyTx(ctx context.Context, tx *store.Store, ev *models.OutboxEvent) (bool, error)
}

// Options tunes redelivery.
type Options struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher delivers outbox events at least once. An event is applied and
// acknowledged in one transaction; a failed delivery stays pending and is
// retried after an exponential backoff.
type Dispatcher struct {
	store   *store.Store
	handler Handler
	opts    Options
	now     func() time.Time
}

// DrainResult counts the outcome of one Drain pass.
type DrainResult struct {
	Delivered int
	Failed    int
}

// NewDispatcher creates a dispatcher feeding h.
func NewDispatcher(s *store.Store, h Handler, opts Options) *Dispatcher {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	return &Dispatcher{store: s, handler: h, opts: opts, now: time.Now}
}

// Deliver applies the event with the given id. Delivering an event that is
// already acknowledged is a no-op.
func (d *Dispatcher) Deliver(ctx context.Context, id uint) error {
	err := d.store.WithTx(ctx, func(tx *store.Store) error {
		ev, err := tx.Outbox().Lock(ctx, id)
		if err != nil {
			return err
		}
		if ev.Status == models.OutboxDelivered {
			return nil
		}
		if _, err := d.handler.ApplyTx(ctx, tx, ev); err != nil {
			return err
		}
		_, err = tx.Outbox().MarkDelivered(ctx, id, d.now())
		return err
	})
	if err != nil {
		d.recordFailure(ctx, id, err)
		return fmt.Errorf("events: deliver %d: %w", id, err)
	}
	return nil
}

// Drain delivers up to limit due events, oldest first. Individual delivery
// failures are logged and counted, not returned.
func (d *Dispatcher) Drain(ctx context.Context, limit int) (DrainResult, error) {
	var res DrainResult
	due, err := d.store.Outbox().Due(ctx, d.now(), limit)
	if err != nil {
		return res, fmt.Errorf("events: drain: %w", err)
	}
	for _, ev := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := d.Deliver(ctx, ev.ID); err != nil {
			log.Printf("events: %s %s for respondent %s: %v", ev.Kind, ev.EntityID, ev.RespondentID, err)
			res.Failed++
			continue
		}
		res.Delivered++
	}
	return res, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, id uint, cause error) {
	ev, err := d.store.Outbox().Get(ctx, id)
	if err != nil {
		return
	}
	wait := Backoff(ev.Attempts+1, d.opts.BaseBackoff, d.opts.MaxBackoff)
	if err := d.store.Outbox().RecordFailure(ctx, id, d.now().Add(wait), cause.Error()); err != nil {
		log.Printf("events: record failure for %d: %v", id, err)
	}
}
