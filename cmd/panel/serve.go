package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/panelyard/internal/api"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		debug      bool
		debugSQL   bool
		noWorker   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background worker",
		Long: "Serves the Panelyard HTTP API and runs the scheduled worker that delivers\n" +
			"outbox events, retries transcript analysis and repairs respondent stats.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, debug, debugSQL, noWorker)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Panelyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable gin debug mode and access logging")
	cmd.Flags().BoolVar(&debugSQL, "debug-sql", false, "log every SQL statement")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without the background worker")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, debug, debugSQL, noWorker bool) error {
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := loadApp(ctx, configPath, debugSQL, out)
	if err != nil {
		return err
	}
	if port == 0 {
		port = a.cfg.Server.Port
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	workerDone := make(chan error, 1)
	if noWorker {
		workerDone <- nil
	} else {
		go func() { workerDone <- a.worker.Run(ctx) }()
	}

	apiErr := api.Start(ctx, api.StartOpts{
		Deps:  a.apiDeps(),
		Port:  port,
		Debug: debug,
		Out:   out,
	})
	// A listener failure stops the worker too.
	cancel()
	if err := <-workerDone; err != nil && apiErr == nil {
		return err
	}
	return apiErr
}
