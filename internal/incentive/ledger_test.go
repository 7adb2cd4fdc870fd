package incentive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/db/dbtest"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
)

type env struct {
	ctx        context.Context
	store      *store.Store
	ledger     *Ledger
	dispatcher *events.Dispatcher
	agg        *aggregate.Aggregator
	template   *models.Template
	respondent *models.Respondent
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	s := store.New(dbtest.Open(t))
	agg := aggregate.New(s)
	d := events.NewDispatcher(s, agg, events.Options{BaseBackoff: time.Second, MaxBackoff: time.Minute})

	tmpl := &models.Template{ResearcherID: "res-1", Title: "Pricing"}
	if err := s.Templates().Create(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	r := &models.Respondent{UserID: "user-1", Name: "Sam"}
	if err := s.Respondents().Create(ctx, r); err != nil {
		t.Fatalf("create respondent: %v", err)
	}
	return &env{
		ctx:        ctx,
		store:      s,
		ledger:     NewLedger(s, d, decimal.RequireFromString("5.00"), "USD"),
		dispatcher: d,
		agg:        agg,
		template:   tmpl,
		respondent: r,
	}
}

// session creates a session for the env respondent, completed unless
// active is set. Completion is recorded and delivered the way the session
// manager does it, so the respondent's participation count follows.
func (e *env) session(t *testing.T, active bool) *models.Session {
	t.Helper()
	s := &models.Session{TemplateID: e.template.ID, RespondentID: e.respondent.ID}
	if err := e.store.Sessions().Create(e.ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if active {
		return s
	}
	ev := events.SessionCompleted(s.ID, e.respondent.ID, decimal.NullDecimal{})
	err := e.store.WithTx(e.ctx, func(tx *store.Store) error {
		if err := tx.Sessions().Complete(e.ctx, s.ID, store.Completion{CompletedAt: time.Now()}); err != nil {
			return err
		}
		return tx.Outbox().Append(e.ctx, ev)
	})
	if err != nil {
		t.Fatalf("complete session: %v", err)
	}
	if err := e.dispatcher.Deliver(e.ctx, ev.ID); err != nil {
		t.Fatalf("deliver completion: %v", err)
	}
	return s
}

func (e *env) participation(t *testing.T) int64 {
	t.Helper()
	r, err := e.store.Respondents().Get(e.ctx, e.respondent.ID)
	if err != nil {
		t.Fatalf("get respondent: %v", err)
	}
	return r.ParticipationCount
}

func (e *env) total(t *testing.T) string {
	t.Helper()
	r, err := e.store.Respondents().Get(e.ctx, e.respondent.ID)
	if err != nil {
		t.Fatalf("get respondent: %v", err)
	}
	return r.TotalIncentives.StringFixed(aggregate.AmountPlaces)
}

func TestCreateForSession_DefaultAmount(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, false)

	inc, created, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("CreateForSession: %v", err)
	}
	if !created {
		t.Error("created = false on first call")
	}
	if inc.Status != models.IncentivePending || inc.PaidAt != nil {
		t.Errorf("incentive = %s/%v, want pending/nil", inc.Status, inc.PaidAt)
	}
	if inc.Amount.StringFixed(2) != "5.00" || inc.Currency != "USD" {
		t.Errorf("amount = %s %s, want 5.00 USD", inc.Amount.StringFixed(2), inc.Currency)
	}
	if inc.RespondentID != e.respondent.ID || inc.SessionID != s.ID {
		t.Errorf("incentive refs = %s/%s", inc.RespondentID, inc.SessionID)
	}
}

func TestCreateForSession_IdempotentPerSession(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, false)

	first, _, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.RequireFromString("7.50"))
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.RequireFromString("9.00"))
	if err != nil {
		t.Fatalf("second CreateForSession: %v", err)
	}
	if created {
		t.Error("created = true on second call")
	}
	if second.ID != first.ID {
		t.Errorf("second id = %s, want %s", second.ID, first.ID)
	}
	if second.Amount.StringFixed(2) != "7.50" {
		t.Errorf("amount = %s, want original 7.50", second.Amount.StringFixed(2))
	}
	all, _ := e.ledger.List(e.ctx, "")
	if len(all) != 1 {
		t.Errorf("incentive rows = %d, want 1", len(all))
	}
}

func TestCreateForSession_ConcurrentCallsShareOneRow(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, false)

	ids := make(chan string, 8)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc, _, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.Zero)
			if err != nil {
				t.Errorf("CreateForSession: %v", err)
				return
			}
			ids <- inc.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("distinct incentive ids = %d, want 1", len(seen))
	}
}

func TestCreateForSession_Errors(t *testing.T) {
	e := newEnv(t)
	active := e.session(t, true)
	done := e.session(t, false)

	tests := []struct {
		name      string
		sessionID string
		amount    string
		want      error
	}{
		{"active session", active.ID, "0", apperr.ErrInvalidState},
		{"missing session", "missing", "0", apperr.ErrNotFound},
		{"empty session id", "", "0", apperr.ErrInvalidInput},
		{"negative amount", done.ID, "-1.00", apperr.ErrInvalidInput},
		{"too precise", done.ID, "1.005", apperr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.ledger.CreateForSession(e.ctx, tt.sessionID, decimal.RequireFromString(tt.amount))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want.(*apperr.Error).Code)
			}
		})
	}
}

func TestCreateForSession_AbandonedSessionIsInvalidState(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, true)
	if err := e.store.Sessions().Abandon(e.ctx, s.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.Zero); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("err = %v, want InvalidState", err)
	}
}

func TestMarkPaid_TwiceCountsOnce(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, false)
	inc, _, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}

	paid, err := e.ledger.MarkPaid(e.ctx, inc.ID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != models.IncentivePaid || paid.PaidAt == nil {
		t.Errorf("incentive = %s/%v, want paid with paid_at", paid.Status, paid.PaidAt)
	}
	if got := e.total(t); got != "5.00" {
		t.Errorf("total_incentives = %s, want 5.00", got)
	}

	again, err := e.ledger.MarkPaid(e.ctx, inc.ID)
	if err != nil {
		t.Fatalf("second MarkPaid: %v", err)
	}
	if !again.PaidAt.Equal(*paid.PaidAt) {
		t.Errorf("paid_at moved from %s to %s", paid.PaidAt, again.PaidAt)
	}
	if got := e.total(t); got != "5.00" {
		t.Errorf("total_incentives = %s after second call, want 5.00", got)
	}
	if n, _ := e.store.Outbox().CountPending(e.ctx); n != 0 {
		t.Errorf("pending events = %d, want 0", n)
	}
	drift, err := e.agg.Verify(e.ctx, e.respondent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !drift.OK() {
		t.Errorf("drift: %v", drift.Fields)
	}
}

func TestMarkPaid_NotFound(t *testing.T) {
	e := newEnv(t)
	if _, err := e.ledger.MarkPaid(e.ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestMarkPaid_ConcurrentCallsCountOnce(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, false)
	inc, _, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.RequireFromString("12.34"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ledger.MarkPaid(e.ctx, inc.ID); err != nil {
				t.Errorf("MarkPaid: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := e.total(t); got != "12.34" {
		t.Errorf("total_incentives = %s, want 12.34", got)
	}
	if got := e.participation(t); got != 1 {
		t.Errorf("participation_count = %d, want 1", got)
	}
	drift, err := e.agg.Verify(e.ctx, e.respondent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !drift.OK() {
		t.Errorf("drift: %v", drift.Fields)
	}
}

func TestMarkPaid_WithoutDispatcherWaitsForDrain(t *testing.T) {
	e := newEnv(t)
	e.ledger = NewLedger(e.store, nil, decimal.RequireFromString("3.00"), "")
	s := e.session(t, false)
	inc, _, err := e.ledger.CreateForSession(e.ctx, s.ID, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Currency != "USD" {
		t.Errorf("currency = %q, want USD default", inc.Currency)
	}
	if _, err := e.ledger.MarkPaid(e.ctx, inc.ID); err != nil {
		t.Fatal(err)
	}
	if got := e.total(t); got != "0.00" {
		t.Fatalf("total_incentives = %s before drain, want 0.00", got)
	}

	d := events.NewDispatcher(e.store, e.agg, events.Options{})
	if _, err := d.Drain(e.ctx, 10); err != nil {
		t.Fatal(err)
	}
	if got := e.total(t); got != "3.00" {
		t.Errorf("total_incentives = %s after drain, want 3.00", got)
	}
}

func TestList(t *testing.T) {
	e := newEnv(t)
	a, _, _ := e.ledger.CreateForSession(e.ctx, e.session(t, false).ID, decimal.Zero)
	e.ledger.CreateForSession(e.ctx, e.session(t, false).ID, decimal.Zero)
	if _, err := e.ledger.MarkPaid(e.ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	pending, err := e.ledger.List(e.ctx, models.IncentivePending)
	if err != nil {
		t.Fatal(err)
	}
	paid, _ := e.ledger.List(e.ctx, models.IncentivePaid)
	if len(pending) != 1 || len(paid) != 1 || paid[0].ID != a.ID {
		t.Errorf("pending/paid = %d/%d", len(pending), len(paid))
	}
	if _, err := e.ledger.List(e.ctx, "refunded"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("bad status err = %v, want InvalidInput", err)
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount string
		ok     bool
	}{
		{"5", true},
		{"5.00", true},
		{"0.01", true},
		{"0", false},
		{"-5", false},
		{"0.001", false},
	}
	for _, tt := range tests {
		err := validateAmount(decimal.RequireFromString(tt.amount))
		if (err == nil) != tt.ok {
			t.Errorf("validateAmount(%s) = %v, want ok=%v", tt.amount, err, tt.ok)
		}
	}
}
