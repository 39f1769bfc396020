package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amosWeiskopf/fileharvest/internal/config"
	"github.com/amosWeiskopf/fileharvest/internal/metrics"
	"github.com/amosWeiskopf/fileharvest/internal/models"
	"github.com/amosWeiskopf/fileharvest/pkg/archiver"
	"github.com/amosWeiskopf/fileharvest/pkg/crawler"
	"github.com/amosWeiskopf/fileharvest/pkg/reporter"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the source list once and download matching files",
		Args:  cobra.NoArgs,
		RunE:  runCrawl,
	}
	cmd.Flags().StringSlice("seed", nil, "Seed URL, repeatable (overrides crawler.crawling_source_list)")
	cmd.Flags().String("format", "text", "Report format ("+strings.Join(reporter.Formats, ", ")+")")
	cmd.Flags().String("output", "", "Output file for the report")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while crawling")
	return cmd
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	if format, _ := cmd.Flags().GetString("format"); !reporter.Supported(format) {
		return fmt.Errorf("unsupported format: %s", format)
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if seeds, _ := cmd.Flags().GetStringSlice("seed"); len(seeds) > 0 {
		cfg.Crawler.SourceList = seeds
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

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		shutdown := serveMetrics(addr, m, logger)
		defer shutdown()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ok, crawlErr := c.StartCrawl(ctx)
	if err := writeReport(cmd, c.Summary()); err != nil {
		return err
	}
	if crawlErr != nil {
		return fmt.Errorf("crawl failed: %w", crawlErr)
	}
	if !ok {
		return errors.New("crawl did not complete")
	}
	return nil
}

func newCrawler(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, history *archiver.History) (*crawler.Crawler, error) {
	opts := []crawler.Option{crawler.WithLogger(logger), crawler.WithMetrics(m)}
	if history != nil {
		opts = append(opts, crawler.WithHistory(history))
	}
	c, err := crawler.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create crawler: %w", err)
	}
	return c, nil
}

// writeReport renders s to --output, or to stdout when unset.
func writeReport(cmd *cobra.Command, s models.RunSummary) error {
	format, _ := cmd.Flags().GetString("format")
	report, err := reporter.New().Generate(s, format)
	if err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		fmt.Fprint(cmd.OutOrStdout(), report)
		return nil
	}
	if err := os.WriteFile(output, []byte(report), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Report saved to %s\n", output)
	return nil
}

// serveMetrics exposes m on addr/metrics and returns a shutdown func.
func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
