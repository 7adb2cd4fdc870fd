package main

import (
	"context"
	"fmt"
	"io"

	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/analyzer"
	"github.com/zulandar/panelyard/internal/api"
	"github.com/zulandar/panelyard/internal/config"
	"github.com/zulandar/panelyard/internal/db"
	"github.com/zulandar/panelyard/internal/events"
	"github.com/zulandar/panelyard/internal/incentive"
	"github.com/zulandar/panelyard/internal/insights"
	"github.com/zulandar/panelyard/internal/notify"
	"github.com/zulandar/panelyard/internal/notify/discord"
	"github.com/zulandar/panelyard/internal/notify/slack"
	"github.com/zulandar/panelyard/internal/session"
	"github.com/zulandar/panelyard/internal/store"
	"github.com/zulandar/panelyard/internal/worker"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg        *config.Config
	store      *store.Store
	aggregator *aggregate.Aggregator
	dispatcher *events.Dispatcher
	sessions   *session.Manager
	ledger     *incentive.Ledger
	notifiers  []notify.Notifier
	worker     *worker.Worker
}

// loadApp reads the config, connects to the database and wires every
// component.
func loadApp(ctx context.Context, configPath string, debugSQL bool, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database, db.Options{Debug: debugSQL})
	if err != nil {
		return nil, err
	}
	amount, err := cfg.Incentives.Amount()
	if err != nil {
		return nil, err
	}

	s := store.New(gormDB)
	agg := aggregate.New(s)
	d := events.NewDispatcher(s, agg, events.Options{
		BaseBackoff: cfg.Worker.BaseBackoff,
		MaxBackoff:  cfg.Worker.MaxBackoff,
	})
	a := &app{
		cfg:        cfg,
		store:      s,
		aggregator: agg,
		dispatcher: d,
		sessions: session.NewManager(s, analyzer.New(ctx, cfg.Analyzer), d, session.Options{
			AnalyzerTimeout: cfg.Analyzer.Timeout,
			MaxAttempts:     cfg.Worker.MaxAttempts,
			BaseBackoff:     cfg.Worker.BaseBackoff,
			MaxBackoff:      cfg.Worker.MaxBackoff,
		}),
		ledger: incentive.NewLedger(s, d, amount, cfg.Incentives.Currency),
	}
	if a.notifiers, err = buildNotifiers(cfg.Notify); err != nil {
		return nil, err
	}
	a.worker, err = worker.New(cfg.Worker, worker.Deps{
		Store:      s,
		Dispatcher: d,
		Sessions:   a.sessions,
		Aggregator: agg,
		Notifiers:  a.notifiers,
	}, out)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) apiDeps() api.Deps {
	return api.Deps{
		Store:      a.store,
		Sessions:   a.sessions,
		Ledger:     a.ledger,
		Aggregator: a.aggregator,
		Insights:   insights.New(a.store),
	}
}

// buildNotifiers returns a notifier for every fully configured destination.
func buildNotifiers(cfg config.NotifyConfig) ([]notify.Notifier, error) {
	var out []notify.Notifier
	if cfg.Slack.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
