// Package cmd defines the CLI commands of the fuelcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/config"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/logging"
	"github.com/JakeFAU/fuel-price-crawler/internal/server"
)

// App is the part of server.App the commands use. Tests inject a fake.
type App interface {
	RunOnce(ctx context.Context) (crawler.CrawlRun, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory; replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

// migrateSchema applies the storage schema; replaced in tests.
var migrateSchema = server.Migrate

type runtimeKeyType struct{}

// cliState is what PersistentPreRunE hands to subcommands.
type cliState struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fuelcrawler",
		Short: "Crawls retail fuel prices and records every price change.",
		Long: `fuelcrawler walks the region and sub-region hierarchy of the fuel price
reporting API, compares each station's current prices with the last recorded
ones, and appends a history row only when a price actually changed.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKeyType{}, &cliState{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); env vars use the FUELCRAWLER_ prefix")

	cmd.AddCommand(newRunCmd(), newServeCmd(), newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*cliState, error) {
	rt, ok := ctx.Value(runtimeKeyType{}).(*cliState)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// buildApp constructs the App and returns a closer bounded by the shutdown timeout.
func buildApp(ctx context.Context, rt *cliState) (App, func(), error) {
	app, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(rt.cfg))
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			rt.logger.Warn("application close failed", zap.Error(err))
		}
	}
	return app, closeFn, nil
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if d := cfg.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "command failed:", err)
		os.Exit(1)
	}
}
