package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "billcal/internal/log"
	"billcal/internal/pipeline"
	"billcal/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve reports and exports over HTTP",
	Long: `Start the HTTP API and rebuild the report on the configured refresh schedule.

Endpoints:
  GET  /health
  GET  /api/report[?billable=ALPHA,-Z]
  POST /api/classify                 (ICS body)
  GET  /api/export/projects.xlsx     (POST with ICS body exports the upload)
  GET  /api/export/events.xlsx

Examples:
  billcal serve
  billcal serve --listen 0.0.0.0:8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveListen != "" {
		conf.Listen = serveListen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"backfill_days", conf.BackfillDays,
		"horizon_days", conf.HorizonDays,
		"include_all_day", conf.IncludeAllDay,
		"ics_count", len(conf.ICS),
		"late_cancellation_days", conf.Billing.LateCancellationDays,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	builder, err := newBuilder()
	if err != nil {
		return err
	}

	var latest web.LatestReporter
	if len(conf.ICS) > 0 {
		sched, err := pipeline.NewScheduler(builder, conf.RefreshCron, conf.Location())
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		latest = sched

		watcher, err := pipeline.NewWatcher(builder.Sources(), sched.Refresh)
		if err != nil {
			return fmt.Errorf("watch local sources: %w", err)
		}
		if watcher.Files() > 0 {
			appLog.Info("watching local sources", "files", watcher.Files())
			go func() { _ = watcher.Run(ctx) }()
		}
	} else {
		appLog.Warn("no ICS sources configured; only uploads will be classified")
	}

	srv := web.NewServer(conf, builder, latest)
	if err := web.ListenAndServe(ctx, conf.Listen, srv.Handler()); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	appLog.Info("billcal exiting")
	return nil
}
