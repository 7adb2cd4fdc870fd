package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/analyzer"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/session"
)

const sqliteConfig = `database:
  driver: sqlite
  path: %s
worker:
  base_backoff: 1ms
  max_backoff: 1ms
seed:
  templates:
    - id: tmpl-onboarding
      researcher_id: res-1
      title: Onboarding experience
      starter_questions:
        - How did you hear about us?
  respondents:
    - user_id: user-1
      name: Priya
      behavior_tags: [detailed_responder]
    - user_id: user-2
      name: Tomas
`

func writeSQLiteConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "panel.db")
	cfgPath = filepath.Join(dir, "panelyard.yaml")
	if err := writeTestFile(cfgPath, fmt.Sprintf(sqliteConfig, dbPath)); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func openApp(t *testing.T, cfgPath string) *app {
	t.Helper()
	a, err := loadApp(t.Context(), cfgPath, false, new(bytes.Buffer))
	if err != nil {
		t.Fatalf("loadApp: %v", err)
	}
	t.Cleanup(func() { closeApp(a) })
	return a
}

func closeApp(a *app) {
	if sqlDB, err := a.store.DB().DB(); err == nil {
		sqlDB.Close()
	}
}

func initDB(t *testing.T) string {
	t.Helper()
	cfgPath, _ := writeSQLiteConfig(t)
	if out, err := runCmd(t, "db", "init", "-c", cfgPath); err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	return cfgPath
}

func respondentByUser(t *testing.T, a *app, userID string) *models.Respondent {
	t.Helper()
	var r models.Respondent
	if err := a.store.DB().Where("user_id = ?", userID).First(&r).Error; err != nil {
		t.Fatalf("respondent %s: %v", userID, err)
	}
	return &r
}

// completeSession runs one session to completion through the wired manager.
// With no analyzer configured the completion queues an analysis job.
func completeSession(t *testing.T, a *app) *models.Session {
	t.Helper()
	ctx := t.Context()
	r := respondentByUser(t, a, "user-1")
	s, err := a.sessions.Start(ctx, "tmpl-onboarding", r.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := a.sessions.AppendTurn(ctx, s.ID, "user", "Friend told me."); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if s, err = a.sessions.Complete(ctx, s.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return s
}

func TestRepairCmd_FixesDrift(t *testing.T) {
	cfgPath := initDB(t)
	a := openApp(t, cfgPath)
	completeSession(t, a)
	r := respondentByUser(t, a, "user-1")
	if r.ParticipationCount != 1 {
		t.Fatalf("participation = %d, want 1", r.ParticipationCount)
	}
	if err := a.store.DB().Model(&models.Respondent{}).Where("id = ?", r.ID).
		Update("participation_count", 7).Error; err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "repair", "-c", cfgPath, "--dry-run")
	if err != nil {
		t.Fatalf("repair --dry-run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "drift in participation_count") {
		t.Errorf("expected drift report, got: %s", out)
	}
	if !strings.Contains(out, "1 drifted (dry run)") {
		t.Errorf("expected dry run summary, got: %s", out)
	}
	if got := respondentByUser(t, a, "user-1"); got.ParticipationCount != 7 {
		t.Errorf("dry run rewrote participation to %d", got.ParticipationCount)
	}

	out, err = runCmd(t, "repair", "-c", cfgPath)
	if err != nil {
		t.Fatalf("repair: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Checked 2 respondents, repaired 1, 0 errors") {
		t.Errorf("expected repair summary, got: %s", out)
	}
	if got := respondentByUser(t, a, "user-1"); got.ParticipationCount != 1 {
		t.Errorf("participation after repair = %d, want 1", got.ParticipationCount)
	}
}

func TestRepairCmd_SingleRespondent(t *testing.T) {
	cfgPath := initDB(t)
	a := openApp(t, cfgPath)
	r := respondentByUser(t, a, "user-2")

	out, err := runCmd(t, "repair", r.ID, "-c", cfgPath)
	if err != nil {
		t.Fatalf("repair: %v\n%s", err, out)
	}
	if !strings.Contains(out, r.ID+": ok") {
		t.Errorf("expected ok line, got: %s", out)
	}

	if _, err := runCmd(t, "repair", "missing-id", "-c", cfgPath); err == nil {
		t.Error("expected error for unknown respondent")
	}
}

func TestDrainCmd_DeliversPendingEvents(t *testing.T) {
	cfgPath := initDB(t)
	a := openApp(t, cfgPath)

	// A manager without a dispatcher leaves the completion event in the outbox.
	mgr := session.NewManager(a.store, analyzer.Disabled{}, nil, session.Options{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	r := respondentByUser(t, a, "user-2")
	ctx := context.Background()
	s, err := mgr.Start(ctx, "tmpl-onboarding", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Complete(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	out, err := runCmd(t, "drain", "-c", cfgPath)
	if err != nil {
		t.Fatalf("drain: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Outbox: 1 delivered, 0 failed") {
		t.Errorf("expected one delivery, got: %s", out)
	}
	if !strings.Contains(out, "Analysis: 0 analyzed, 1 retried") {
		t.Errorf("expected the analysis retry, got: %s", out)
	}
	if got := respondentByUser(t, a, "user-2"); got.ParticipationCount != 1 {
		t.Errorf("participation = %d, want 1", got.ParticipationCount)
	}
}

func TestDigestCmd_PrintsWithoutNotifiers(t *testing.T) {
	cfgPath := initDB(t)

	out, err := runCmd(t, "digest", "-c", cfgPath)
	if err != nil {
		t.Fatalf("digest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Nothing pending.") {
		t.Errorf("expected empty digest, got: %s", out)
	}

	a := openApp(t, cfgPath)
	s := completeSession(t, a)
	if _, _, err := a.ledger.CreateForSession(t.Context(), s.ID, decimal.Zero); err != nil {
		t.Fatal(err)
	}

	out, err = runCmd(t, "digest", "-c", cfgPath)
	if err != nil {
		t.Fatalf("digest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 incentives awaiting payment (5.00)") {
		t.Errorf("expected pending incentive in digest, got: %s", out)
	}
}

func TestBuildNotifiers(t *testing.T) {
	a := openApp(t, initDB(t))
	if len(a.notifiers) != 0 {
		t.Errorf("notifiers = %d, want 0 without chat config", len(a.notifiers))
	}
}
