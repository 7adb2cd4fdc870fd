// Package worker runs the periodic background jobs: outbox delivery,
// transcript analysis retries, aggregate repair and the operator digest.
package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/config"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/notify"
	"github.com/zulandar/panelyard/internal/session"
	"github.com/zulandar/panelyard/internal/store"
)

// Deps are the components the jobs drive.
type Deps struct {
	Store      *store.Store
	Dispatcher *events.Dispatcher
	Sessions   *session.Manager
	Aggregator *aggregate.Aggregator
	Notifiers  []notify.Notifier
}

// Worker schedules the background jobs on a cron scheduler.
type Worker struct {
	cfg  config.WorkerConfig
	deps Deps
	out  io.Writer
	cron *cron.Cron
	ctx  context.Context
}

// Pass summarizes one drain pass.
type Pass struct {
	Outbox   events.DrainResult
	Analysis session.QueueResult
}

// New registers every job. Schedules are parsed with config.CronParser.
func New(cfg config.WorkerConfig, deps Deps, out io.Writer) (*Worker, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Sessions == nil || deps.Aggregator == nil {
		return nil, fmt.Errorf("worker: store, dispatcher, sessions and aggregator are required")
	}
	if out == nil {
		out = io.Discard
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	w := &Worker{cfg: cfg, deps: deps, out: out, ctx: context.Background()}
	w.cron = cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))),
	)

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"outbox", cfg.OutboxSchedule, w.outboxJob},
		{"analysis", cfg.AnalysisSchedule, w.analysisJob},
		{"repair", cfg.RepairSchedule, w.repairJob},
		{"digest", cfg.DigestSchedule, w.digestJob},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := w.cron.AddFunc(j.schedule, j.run); err != nil {
			return nil, fmt.Errorf("worker: schedule %s %q: %w", j.name, j.schedule, err)
		}
	}
	return w, nil
}

// Entries returns the number of scheduled jobs.
func (w *Worker) Entries() int {
	return len(w.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx
	fmt.Fprintf(w.out, "Worker starting (%d jobs)...\n", w.Entries())
	w.cron.Start()
	<-ctx.Done()
	stopped := w.cron.Stop()
	<-stopped.Done()
	fmt.Fprintf(w.out, "Worker stopped.\n")
	return nil
}

// DrainOnce delivers due outbox events and retries due analysis jobs.
func (w *Worker) DrainOnce(ctx context.Context) (Pass, error) {
	var p Pass
	var err error
	if p.Outbox, err = w.deps.Dispatcher.Drain(ctx, w.cfg.BatchSize); err != nil {
		return p, fmt.Errorf("worker: %w", err)
	}
	if p.Analysis, err = w.deps.Sessions.ProcessAnalysisQueue(ctx, w.cfg.BatchSize); err != nil {
		return p, fmt.Errorf("worker: %w", err)
	}
	// Corrections written by the analysis pass go out in the same run.
	if p.Analysis.Analyzed > 0 {
		more, err := w.deps.Dispatcher.Drain(ctx, w.cfg.BatchSize)
		if err != nil {
			return p, fmt.Errorf("worker: %w", err)
		}
		p.Outbox.Delivered += more.Delivered
		p.Outbox.Failed += more.Failed
	}
	return p, nil
}

// RepairOnce verifies every respondent and recomputes the ones that drifted.
func (w *Worker) RepairOnce(ctx context.Context) (aggregate.RepairReport, error) {
	report, err := w.deps.Aggregator.RepairAll(ctx)
	if err != nil {
		return report, fmt.Errorf("worker: %w", err)
	}
	for _, d := range report.Repaired {
		log.Printf("worker: repaired respondent %s (%v)", d.RespondentID, d.Fields)
	}
	return report, nil
}

// DigestOnce sends the operator digest when there is pending work.
func (w *Worker) DigestOnce(ctx context.Context) (bool, error) {
	if len(w.deps.Notifiers) == 0 {
		return false, nil
	}
	sent, err := notify.SendDigest(ctx, w.deps.Store, w.deps.Notifiers)
	if err != nil {
		return false, fmt.Errorf("worker: %w", err)
	}
	return sent, nil
}

func (w *Worker) outboxJob() {
	res, err := w.deps.Dispatcher.Drain(w.ctx, w.cfg.BatchSize)
	if err != nil {
		log.Printf("worker: outbox: %v", err)
		return
	}
	if res.Delivered > 0 || res.Failed > 0 {
		fmt.Fprintf(w.out, "%s outbox: %d delivered, %d failed\n", time.Now().Format(time.TimeOnly), res.Delivered, res.Failed)
	}
}

func (w *Worker) analysisJob() {
	res, err := w.deps.Sessions.ProcessAnalysisQueue(w.ctx, w.cfg.BatchSize)
	if err != nil {
		log.Printf("worker: analysis: %v", err)
		return
	}
	if res.Analyzed > 0 || res.Retried > 0 || res.Failed > 0 {
		fmt.Fprintf(w.out, "%s analysis: %d analyzed, %d retried, %d failed\n",
			time.Now().Format(time.TimeOnly), res.Analyzed, res.Retried, res.Failed)
	}
}

func (w *Worker) repairJob() {
	report, err := w.RepairOnce(w.ctx)
	if err != nil {
		log.Printf("worker: repair: %v", err)
		return
	}
	fmt.Fprintf(w.out, "%s repair: %d checked, %d repaired, %d errors\n",
		time.Now().Format(time.TimeOnly), report.Checked, len(report.Repaired), report.Errors)
}

func (w *Worker) digestJob() {
	if _, err := w.DigestOnce(w.ctx); err != nil {
		log.Printf("worker: digest: %v", err)
	}
}
