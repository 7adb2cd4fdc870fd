package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/panelyard/internal/notify"
)

func newDigestCmd() *cobra.Command {
	var (
		configPath string
		printOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Send the operator digest once",
		Long: "Summarizes unpaid incentives, the analysis backlog and undelivered events\n" +
			"and posts it to every configured chat destination.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := context.Background()
			a, err := loadApp(ctx, configPath, false, out)
			if err != nil {
				return err
			}

			if printOnly || len(a.notifiers) == 0 {
				d, err := notify.BuildDigest(ctx, a.store, time.Now())
				if err != nil {
					return err
				}
				if d == nil {
					fmt.Fprintln(out, "Nothing pending.")
					return nil
				}
				msg := notify.FormatDigest(*d)
				fmt.Fprintln(out, msg.Title)
				fmt.Fprintln(out, msg.Body)
				for _, f := range msg.Fields {
					fmt.Fprintf(out, "  %-22s %s\n", f.Name+":", f.Value)
				}
				return nil
			}

			sent, err := a.worker.DigestOnce(ctx)
			if err != nil {
				return err
			}
			if !sent {
				fmt.Fprintln(out, "Nothing pending.")
				return nil
			}
			fmt.Fprintf(out, "Digest sent to %d destinations.\n", len(a.notifiers))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Panelyard config file")
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the digest instead of sending it")
	return cmd
}
