// Package scheduler triggers crawl runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// Runner executes one crawl to completion.
type Runner interface {
	RunOnce(ctx context.Context) (crawler.CrawlRun, error)
}

// Scheduler invokes Runner.RunOnce on every cron tick. Ticks that fire while
// a previous run is still executing in this process are skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger

	mu  sync.Mutex
	ctx context.Context
}

// New parses spec (standard five-field cron or a descriptor such as
// "@hourly") and binds it to runner.
func New(spec string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s := &Scheduler{runner: runner, logger: logger, ctx: context.Background()}
	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for an
// in-flight run to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Time("next", s.Next()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Next reports the next activation time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.Tick(ctx)
}

// Tick runs one crawl. A run already active elsewhere is logged and skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	run, err := s.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, crawler.ErrRunActive):
		s.logger.Info("scheduled run skipped, another run is active")
	case err != nil:
		s.logger.Warn("scheduled run failed", zap.String("run_id", run.ID), zap.Error(err))
	default:
		s.logger.Info("scheduled run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int64("changes", run.Counters.ChangesDetected),
		)
	}
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
