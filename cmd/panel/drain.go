package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDrainCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one outbox delivery and analysis retry pass",
		Long:  "Delivers due outbox events and retries due transcript analyses once, then exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := context.Background()
			a, err := loadApp(ctx, configPath, false, out)
			if err != nil {
				return err
			}
			p, err := a.worker.DrainOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Outbox: %d delivered, %d failed\n", p.Outbox.Delivered, p.Outbox.Failed)
			fmt.Fprintf(out, "Analysis: %d analyzed, %d retried, %d failed\n", p.Analysis.Analyzed, p.Analysis.Retried, p.Analysis.Failed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Panelyard config file")
	return cmd
}
