package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// newRunCmd creates the 'run' subcommand, which performs exactly one crawl.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one full crawl and exit",
		Long: `Acquires the crawl lease, traverses every region and sub-region once,
records price changes, and sends the completion webhook. Exits non-zero when
the run ends failed or another run already holds the lease.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, closeApp, err := buildApp(ctx, rt)
	if err != nil {
		return err
	}
	defer closeApp()

	run, err := app.RunOnce(ctx)
	if errors.Is(err, crawler.ErrRunActive) {
		rt.logger.Warn("another crawl run is active, nothing to do")
		return fmt.Errorf("run crawl: %w", err)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	rt.logger.Info("crawl command finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int64("regions", run.Counters.RegionsProcessed),
		zap.Int64("subregions", run.Counters.SubRegionsProcessed),
		zap.Int64("stations", run.Counters.StationsFound),
		zap.Int64("changes", run.Counters.ChangesDetected),
		zap.Int("errors", len(run.Errors)),
	)
	if run.Status == crawler.RunStatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
