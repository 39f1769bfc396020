package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amosWeiskopf/fileharvest/internal/metrics"
	"github.com/amosWeiskopf/fileharvest/pkg/crawler"
	"github.com/amosWeiskopf/fileharvest/pkg/scheduler"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Crawl the source list every day at the trigger time",
		Long: `Runs in the foreground and starts a crawl every day at
schedule.trigger_time (e.g. "8:00AM,UTC+08:00"). Runs never overlap.`,
		Args: cobra.NoArgs,
		RunE: runSchedule,
	}
	cmd.Flags().String("trigger", "", "Trigger time, overrides schedule.trigger_time")
	return cmd
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	raw := cfg.Schedule.TriggerTime
	if t, _ := cmd.Flags().GetString("trigger"); t != "" {
		raw = t
	}
	trigger, err := scheduler.ParseTriggerTime(raw)
	if err != nil {
		return err
	}

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	m := metrics.New()
	c, err := newCrawler(cfg, logger, m, history)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		shutdown := serveMetrics(cfg.Metrics.Addr, m, logger)
		defer shutdown()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("scheduler started", zap.Stringer("trigger", trigger))
	s := scheduler.New(trigger, scheduler.WithLogger(logger))
	err = s.Run(ctx, func(ctx context.Context) error {
		return crawlOnce(ctx, c, logger)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// crawlOnce runs one crawl, logs its summary and resets the controller
// for the next trigger.
func crawlOnce(ctx context.Context, ctrl crawler.Controller, logger *zap.Logger) error {
	ok, err := ctrl.StartCrawl(ctx)

	s := ctrl.Summary()
	logger.Info("crawl summary",
		zap.String("run_id", s.RunID),
		zap.Stringer("state", s.State),
		zap.Int("pages", s.PagesVisited),
		zap.Int("files", s.FilesDownloaded),
		zap.Strings("skipped_seeds", s.SkippedSeeds),
		zap.Duration("duration", s.Duration()),
	)

	if rerr := ctrl.Reset(); rerr != nil {
		logger.Warn("reset after crawl failed", zap.Error(rerr))
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("crawl %s did not complete", s.RunID)
	}
	return nil
}
