package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/db/dbtest"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
	"gorm.io/gorm"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	agg   *Aggregator
	tmpl  *models.Template
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.New(dbtest.Open(t))
	tmpl := &models.Template{ResearcherID: "res-1", Title: "Onboarding"}
	if err := s.Templates().Create(context.Background(), tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	return &fixture{t: t, ctx: context.Background(), store: s, agg: New(s), tmpl: tmpl}
}

func (f *fixture) respondent(userID string) *models.Respondent {
	f.t.Helper()
	r := &models.Respondent{UserID: userID, Name: userID}
	if err := f.store.Respondents().Create(f.ctx, r); err != nil {
		f.t.Fatalf("create respondent: %v", err)
	}
	return r
}

func nullDec(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// completed creates a completed session with the given sentiment ("" for
// null) and returns its outbox event.
func (f *fixture) completed(respondentID, sentiment string) (*models.Session, *models.OutboxEvent) {
	f.t.Helper()
	sess := &models.Session{TemplateID: f.tmpl.ID, RespondentID: respondentID}
	if err := f.store.Sessions().Create(f.ctx, sess); err != nil {
		f.t.Fatalf("create session: %v", err)
	}
	c := store.Completion{CompletedAt: time.Now(), Analysis: store.Analysis{Sentiment: nullDec(sentiment)}}
	if err := f.store.Sessions().Complete(f.ctx, sess.ID, c); err != nil {
		f.t.Fatalf("complete session: %v", err)
	}
	ev := events.SessionCompleted(sess.ID, respondentID, nullDec(sentiment))
	if err := f.store.Outbox().Append(f.ctx, ev); err != nil {
		f.t.Fatalf("append event: %v", err)
	}
	return sess, ev
}

// corrected writes a late sentiment onto a completed session and returns
// the correction event.
func (f *fixture) corrected(sess *models.Session, sentiment string) *models.OutboxEvent {
	f.t.Helper()
	ok, err := f.store.Sessions().ApplyAnalysis(f.ctx, sess.ID, store.Analysis{Sentiment: nullDec(sentiment)})
	if err != nil || !ok {
		f.t.Fatalf("apply analysis = (%v, %v)", ok, err)
	}
	ev := events.SentimentCorrected(sess.ID, sess.RespondentID, decimal.RequireFromString(sentiment))
	if err := f.store.Outbox().Append(f.ctx, ev); err != nil {
		f.t.Fatalf("append event: %v", err)
	}
	return ev
}

// paid creates a paid incentive for sess and returns its event.
func (f *fixture) paid(sess *models.Session, amount string) *models.OutboxEvent {
	f.t.Helper()
	inc := &models.Incentive{
		RespondentID: sess.RespondentID,
		SessionID:    sess.ID,
		Amount:       decimal.RequireFromString(amount),
		Currency:     "USD",
	}
	if err := f.store.Incentives().Create(f.ctx, inc); err != nil {
		f.t.Fatalf("create incentive: %v", err)
	}
	if err := f.store.Incentives().MarkPaid(f.ctx, inc.ID, time.Now()); err != nil {
		f.t.Fatalf("mark paid: %v", err)
	}
	ev := events.IncentivePaid(inc.ID, sess.RespondentID, inc.Amount)
	if err := f.store.Outbox().Append(f.ctx, ev); err != nil {
		f.t.Fatalf("append event: %v", err)
	}
	return ev
}

func (f *fixture) apply(ev *models.OutboxEvent) bool {
	f.t.Helper()
	changed, err := f.agg.Apply(f.ctx, ev)
	if err != nil {
		f.t.Fatalf("apply %s %s: %v", ev.Kind, ev.EntityID, err)
	}
	return changed
}

func (f *fixture) stats(respondentID string) models.RespondentStats {
	f.t.Helper()
	r, err := f.store.Respondents().Get(f.ctx, respondentID)
	if err != nil {
		f.t.Fatalf("get respondent: %v", err)
	}
	return r.Stats()
}

func assertAvg(t *testing.T, got decimal.NullDecimal, want string) {
	t.Helper()
	if want == "" {
		if got.Valid {
			t.Errorf("avg_sentiment = %s, want null", got.Decimal)
		}
		return
	}
	if !got.Valid || !got.Decimal.Equal(decimal.RequireFromString(want)) {
		t.Errorf("avg_sentiment = %v, want %s", got, want)
	}
}

func assertSameStats(t *testing.T, got, want models.RespondentStats) {
	t.Helper()
	if fields := diff(got, want); len(fields) > 0 {
		t.Errorf("stats differ in %v:\n got  %+v\n want %+v", fields, got, want)
	}
	if got.TotalIncentives.StringFixed(AmountPlaces) != want.TotalIncentives.StringFixed(AmountPlaces) {
		t.Errorf("total_incentives %s != %s", got.TotalIncentives.StringFixed(AmountPlaces), want.TotalIncentives.StringFixed(AmountPlaces))
	}
	if got.AvgSentiment.Valid && got.AvgSentiment.Decimal.StringFixed(SentimentPlaces) != want.AvgSentiment.Decimal.StringFixed(SentimentPlaces) {
		t.Errorf("avg_sentiment %s != %s", got.AvgSentiment.Decimal.StringFixed(SentimentPlaces), want.AvgSentiment.Decimal.StringFixed(SentimentPlaces))
	}
}

func TestApply_SessionCompletedWithSentiment(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	_, ev := f.completed(r.ID, "0.8")

	if !f.apply(ev) {
		t.Fatal("first apply should change the aggregate")
	}
	got := f.stats(r.ID)
	if got.ParticipationCount != 1 {
		t.Errorf("participation_count = %d, want 1", got.ParticipationCount)
	}
	assertAvg(t, got.AvgSentiment, "0.8")
}

func TestApply_NullSentimentThenCorrection(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	_, ev1 := f.completed(r.ID, "0.8")
	s2, ev2 := f.completed(r.ID, "")
	f.apply(ev1)
	f.apply(ev2)

	got := f.stats(r.ID)
	if got.ParticipationCount != 2 {
		t.Errorf("participation_count = %d, want 2", got.ParticipationCount)
	}
	assertAvg(t, got.AvgSentiment, "0.8")

	corr := f.corrected(s2, "0.4")
	if !f.apply(corr) {
		t.Fatal("correction should change the aggregate")
	}
	got = f.stats(r.ID)
	if got.ParticipationCount != 2 {
		t.Errorf("participation_count = %d, want 2 after correction", got.ParticipationCount)
	}
	if got.SentimentCount != 2 {
		t.Errorf("sentiment_count = %d, want 2", got.SentimentCount)
	}
	assertAvg(t, got.AvgSentiment, "0.6")
}

func TestApply_NoSentimentKeepsAvgNull(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	_, ev := f.completed(r.ID, "")
	f.apply(ev)

	got := f.stats(r.ID)
	if got.ParticipationCount != 1 || got.SentimentCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", got.ParticipationCount, got.SentimentCount)
	}
	assertAvg(t, got.AvgSentiment, "")
}

func TestApply_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	sess, ev := f.completed(r.ID, "0.7")
	pay := f.paid(sess, "5.00")

	f.apply(ev)
	f.apply(pay)
	before := f.stats(r.ID)

	for range 3 {
		if f.apply(ev) {
			t.Error("redelivered completion should not change the aggregate")
		}
		if f.apply(pay) {
			t.Error("redelivered payment should not change the aggregate")
		}
	}
	after := f.stats(r.ID)
	assertSameStats(t, after, before)
	if !after.TotalIncentives.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("total_incentives = %s, want 5.00", after.TotalIncentives)
	}
}

func TestApply_DecimalSumsAreExact(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	amounts := []string{"0.10", "0.20", "0.10", "0.20", "0.10", "0.30"}
	for _, a := range amounts {
		sess, ev := f.completed(r.ID, "")
		f.apply(ev)
		f.apply(f.paid(sess, a))
	}
	got := f.stats(r.ID)
	if got.TotalIncentives.StringFixed(2) != "1.00" {
		t.Errorf("total_incentives = %s, want 1.00", got.TotalIncentives.StringFixed(2))
	}
}

func TestApply_MissingRespondentRollsBackKeys(t *testing.T) {
	f := newFixture(t)
	ev := &models.OutboxEvent{Kind: events.KindIncentivePaid, EntityID: "i-1", RespondentID: "ghost", Value: nullDec("5.00")}

	_, err := f.agg.Apply(f.ctx, ev)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	// The key must not survive the failed transaction.
	fresh, err := f.store.Aggregates().MarkApplied(f.ctx, models.AppliedEvent{EntityID: "i-1", Transition: TransitionIncentive, RespondentID: "ghost"})
	if err != nil || !fresh {
		t.Errorf("MarkApplied after rollback = (%v, %v), want (true, nil)", fresh, err)
	}
}

// statementLog records the order of row locks and inserts.
type statementLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *statementLog) record(op string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		name := op
		if op == "select" {
			if _, ok := tx.Statement.Clauses["FOR"]; !ok {
				return
			}
			name = "lock"
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.ops = append(l.ops, name+" "+tx.Statement.Table)
	}
}

func (l *statementLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = nil
}

// firstIndex returns the position of the first op, or -1.
func (l *statementLog) firstIndex(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestApplyAndRecompute_LockRespondentBeforeKeys(t *testing.T) {
	gormDB := dbtest.Open(t)
	stmts := &statementLog{}
	if err := gormDB.Callback().Query().Before("gorm:query").Register("test:lock_order", stmts.record("select")); err != nil {
		t.Fatal(err)
	}
	if err := gormDB.Callback().Create().Before("gorm:create").Register("test:insert_order", stmts.record("insert")); err != nil {
		t.Fatal(err)
	}
	s := store.New(gormDB)
	agg := New(s)
	ctx := context.Background()
	r := &models.Respondent{UserID: "user-1", Name: "Ann"}
	if err := s.Respondents().Create(ctx, r); err != nil {
		t.Fatal(err)
	}

	check := func(name string) {
		t.Helper()
		lock := stmts.firstIndex("lock respondents")
		key := stmts.firstIndex("insert applied_events")
		if lock < 0 || key < 0 {
			t.Fatalf("%s: statements = %v, want a respondent lock and a key insert", name, stmts.ops)
		}
		if lock > key {
			t.Errorf("%s: statements = %v, want the respondent lock first", name, stmts.ops)
		}
	}

	stmts.reset()
	ev := &models.OutboxEvent{Kind: events.KindIncentivePaid, EntityID: "i-1", RespondentID: r.ID, Value: nullDec("5.00")}
	if _, err := agg.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	check("apply")

	tmpl := &models.Template{ResearcherID: "res-1", Title: "Onboarding"}
	if err := s.Templates().Create(ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	sess := &models.Session{TemplateID: tmpl.ID, RespondentID: r.ID}
	if err := s.Sessions().Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions().Complete(ctx, sess.ID, store.Completion{CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	stmts.reset()
	if _, err := agg.Recompute(ctx, r.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	check("recompute")
}

func TestApply_RejectsMalformedEvents(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	tests := []struct {
		name string
		ev   *models.OutboxEvent
	}{
		{"unknown kind", &models.OutboxEvent{Kind: "session.paused", EntityID: "s-1", RespondentID: r.ID}},
		{"correction without value", &models.OutboxEvent{Kind: events.KindSentimentCorrected, EntityID: "s-1", RespondentID: r.ID}},
		{"payment without amount", &models.OutboxEvent{Kind: events.KindIncentivePaid, EntityID: "i-1", RespondentID: r.ID}},
		{"negative payment", &models.OutboxEvent{Kind: events.KindIncentivePaid, EntityID: "i-2", RespondentID: r.ID, Value: nullDec("-1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.agg.Apply(f.ctx, tt.ev); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// history is one respondent's events, to be applied in different orders.
func buildHistory(f *fixture, respondentID string) []*models.OutboxEvent {
	var evs []*models.OutboxEvent
	s1, e1 := f.completed(respondentID, "0.8")
	s2, e2 := f.completed(respondentID, "")
	_, e3 := f.completed(respondentID, "0.3333")
	s4, e4 := f.completed(respondentID, "")
	evs = append(evs, e1, e2, e3, e4)
	evs = append(evs, f.corrected(s2, "0.4"))
	evs = append(evs, f.paid(s1, "5.00"), f.paid(s2, "7.25"), f.paid(s4, "0.10"))
	return evs
}

func TestRecomputeEquivalence_AnyOrder(t *testing.T) {
	orders := map[string]func(n int) []int{
		"in order": func(n int) []int {
			idx := make([]int, n)
			for i := range idx {
				idx[i] = i
			}
			return idx
		},
		"reversed": func(n int) []int {
			idx := make([]int, n)
			for i := range idx {
				idx[i] = n - 1 - i
			}
			return idx
		},
		"interleaved": func(n int) []int {
			var idx []int
			for i := 0; i < n; i += 2 {
				idx = append(idx, i)
			}
			for i := 1; i < n; i += 2 {
				idx = append(idx, i)
			}
			return idx
		},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			r := f.respondent("user-1")
			evs := buildHistory(f, r.ID)
			for _, i := range order(len(evs)) {
				f.apply(evs[i])
				// Every event is redelivered once.
				f.apply(evs[i])
			}
			incremental := f.stats(r.ID)

			expected, err := f.agg.Compute(f.ctx, r.ID)
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			assertSameStats(t, incremental, expected)

			if _, err := f.agg.Recompute(f.ctx, r.ID); err != nil {
				t.Fatalf("Recompute: %v", err)
			}
			assertSameStats(t, f.stats(r.ID), incremental)

			if incremental.ParticipationCount != 4 || incremental.SentimentCount != 3 {
				t.Errorf("counts = %d/%d, want 4/3", incremental.ParticipationCount, incremental.SentimentCount)
			}
			if incremental.TotalIncentives.StringFixed(2) != "12.35" {
				t.Errorf("total_incentives = %s, want 12.35", incremental.TotalIncentives.StringFixed(2))
			}
			// (0.8 + 0.4 + 0.3333) / 3
			assertAvg(t, incremental.AvgSentiment, "0.5111")
		})
	}
}

func TestRecompute_MakesPendingEventsNoops(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")
	evs := buildHistory(f, r.ID)

	// Nothing delivered yet: the cache is empty.
	if _, err := f.agg.Recompute(f.ctx, r.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	repaired := f.stats(r.ID)
	if repaired.ParticipationCount != 4 {
		t.Fatalf("participation_count = %d, want 4", repaired.ParticipationCount)
	}

	for _, ev := range evs {
		if f.apply(ev) {
			t.Errorf("%s %s should be absorbed already", ev.Kind, ev.EntityID)
		}
	}
	assertSameStats(t, f.stats(r.ID), repaired)
}

func TestRecompute_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agg.Recompute(f.ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
	if _, err := f.agg.Verify(f.ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Verify err = %v, want NotFound", err)
	}
}

func TestVerifyAndRepairAll(t *testing.T) {
	f := newFixture(t)
	healthy := f.respondent("user-1")
	broken := f.respondent("user-2")
	for _, ev := range buildHistory(f, healthy.ID) {
		f.apply(ev)
	}
	for _, ev := range buildHistory(f, broken.ID) {
		f.apply(ev)
	}

	// Corrupt one cache behind the aggregator's back.
	bad := f.stats(broken.ID)
	bad.ParticipationCount = 99
	bad.TotalIncentives = decimal.RequireFromString("1.00")
	if err := f.store.Aggregates().Save(f.ctx, broken.ID, bad); err != nil {
		t.Fatal(err)
	}

	drift, err := f.agg.Verify(f.ctx, broken.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if drift.OK() {
		t.Fatal("expected drift")
	}
	if fmt.Sprint(drift.Fields) != "[participation_count total_incentives]" {
		t.Errorf("Fields = %v", drift.Fields)
	}

	report, err := f.agg.RepairAll(f.ctx)
	if err != nil {
		t.Fatalf("RepairAll: %v", err)
	}
	if report.Checked != 2 || len(report.Repaired) != 1 || report.Errors != 0 {
		t.Fatalf("report = %+v, want 2 checked, 1 repaired", report)
	}
	if report.Repaired[0].RespondentID != broken.ID {
		t.Errorf("repaired %s, want %s", report.Repaired[0].RespondentID, broken.ID)
	}
	assertSameStats(t, f.stats(broken.ID), f.stats(healthy.ID))

	drift, _ = f.agg.Verify(f.ctx, broken.ID)
	if !drift.OK() {
		t.Errorf("drift after repair: %v", drift.Fields)
	}
}

func TestApply_ConcurrentEventsForOneRespondent(t *testing.T) {
	f := newFixture(t)
	r := f.respondent("user-1")

	var evs []*models.OutboxEvent
	for i := range 10 {
		sentiment := ""
		if i%3 != 0 {
			sentiment = fmt.Sprintf("0.%d5", i)
		}
		sess, ev := f.completed(r.ID, sentiment)
		evs = append(evs, ev, f.paid(sess, fmt.Sprintf("%d.15", i+1)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(evs)*2)
	for _, ev := range evs {
		for range 2 {
			wg.Add(1)
			go func(ev *models.OutboxEvent) {
				defer wg.Done()
				if _, err := f.agg.Apply(f.ctx, ev); err != nil {
					errs <- err
				}
			}(ev)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply: %v", err)
	}

	expected, err := f.agg.Compute(f.ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := f.stats(r.ID)
	assertSameStats(t, got, expected)
	if got.ParticipationCount != 10 {
		t.Errorf("participation_count = %d, want 10", got.ParticipationCount)
	}
	// 1.15 + 2.15 + ... + 10.15
	if got.TotalIncentives.StringFixed(2) != "56.50" {
		t.Errorf("total_incentives = %s, want 56.50", got.TotalIncentives.StringFixed(2))
	}
}

func TestFold(t *testing.T) {
	sessions := []models.Session{
		{ID: "a", SentimentScore: nullDec("0.8")},
		{ID: "b"},
		{ID: "c", SentimentScore: nullDec("0.4")},
	}
	incentives := []models.Incentive{
		{ID: "i1", Amount: decimal.RequireFromString("5.00")},
		{ID: "i2", Amount: decimal.RequireFromString("2.50")},
	}
	got := Fold(sessions, incentives)
	if got.ParticipationCount != 3 || got.SentimentCount != 2 {
		t.Errorf("counts = %d/%d, want 3/2", got.ParticipationCount, got.SentimentCount)
	}
	if got.TotalIncentives.StringFixed(2) != "7.50" {
		t.Errorf("total = %s, want 7.50", got.TotalIncentives)
	}
	assertAvg(t, got.AvgSentiment, "0.6")

	empty := Fold(nil, nil)
	if empty.AvgSentiment.Valid || !empty.TotalIncentives.IsZero() {
		t.Errorf("empty fold = %+v", empty)
	}
}

func TestMean(t *testing.T) {
	tests := []struct {
		sum  string
		n    int64
		want string
	}{
		{"0", 0, ""},
		{"0.8", 1, "0.8"},
		{"1.2", 2, "0.6"},
		{"1", 3, "0.3333"},
		{"2", 3, "0.6667"},
	}
	for _, tt := range tests {
		got := Mean(decimal.RequireFromString(tt.sum), tt.n)
		if tt.want == "" {
			if got.Valid {
				t.Errorf("Mean(%s, %d) = %s, want null", tt.sum, tt.n, got.Decimal)
			}
			continue
		}
		if !got.Valid || !got.Decimal.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Mean(%s, %d) = %v, want %s", tt.sum, tt.n, got, tt.want)
		}
	}
}
