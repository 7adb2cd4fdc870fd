package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/panelyard/internal/aggregate"
	"github.com/zulandar/panelyard/internal/models"
)

func newRepairCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "repair [respondent-id]",
		Short: "Recompute respondent stats from sessions and incentives",
		Long: "Compares each respondent's cached participation count, average sentiment\n" +
			"and incentive total against a full recomputation and rewrites the ones\n" +
			"that drifted. With an id, only that respondent is checked.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runRepair(cmd, configPath, id, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Panelyard config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without rewriting")
	return cmd
}

func runRepair(cmd *cobra.Command, configPath, respondentID string, dryRun bool) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := loadApp(ctx, configPath, false, out)
	if err != nil {
		return err
	}

	if respondentID == "" && !dryRun {
		report, err := a.aggregator.RepairAll(ctx)
		if err != nil {
			return err
		}
		for _, d := range report.Repaired {
			printDrift(out, &d)
		}
		fmt.Fprintf(out, "Checked %d respondents, repaired %d, %d errors\n", report.Checked, len(report.Repaired), report.Errors)
		if report.Errors > 0 {
			return fmt.Errorf("repair: %d respondents could not be checked", report.Errors)
		}
		return nil
	}

	ids := []string{respondentID}
	if respondentID == "" {
		if ids, err = a.store.Respondents().IDs(ctx); err != nil {
			return err
		}
	}
	drifted := 0
	for _, id := range ids {
		drift, err := a.aggregator.Verify(ctx, id)
		if err != nil {
			return err
		}
		if drift.OK() {
			fmt.Fprintf(out, "%s: ok\n", id)
			continue
		}
		drifted++
		printDrift(out, drift)
		if dryRun {
			continue
		}
		if _, err := a.aggregator.Recompute(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: repaired\n", id)
	}
	if dryRun {
		fmt.Fprintf(out, "Checked %d respondents, %d drifted (dry run)\n", len(ids), drifted)
	}
	return nil
}

func printDrift(out io.Writer, d *aggregate.Drift) {
	fmt.Fprintf(out, "%s: drift in %s\n", d.RespondentID, strings.Join(d.Fields, ", "))
	fmt.Fprintf(out, "  cached:   %s\n", formatStats(d.Cached))
	fmt.Fprintf(out, "  expected: %s\n", formatStats(d.Expected))
}

func formatStats(s models.RespondentStats) string {
	avg := "-"
	if s.AvgSentiment.Valid {
		avg = s.AvgSentiment.Decimal.StringFixed(4)
	}
	return fmt.Sprintf("participation=%d avg_sentiment=%s total_incentives=%s",
		s.ParticipationCount, avg, s.TotalIncentives.StringFixed(2))
}
