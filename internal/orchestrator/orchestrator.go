// Package orchestrator drives one crawl run across the region hierarchy and
// owns the run lifecycle: Idle, Running, then Completed or Failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/dispatcher"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
	"github.com/JakeFAU/fuel-price-crawler/internal/resilience"
	"github.com/JakeFAU/fuel-price-crawler/internal/telemetry"
	"github.com/JakeFAU/fuel-price-crawler/internal/worker"
)

// Config controls run execution.
type Config struct {
	// LeaseTTL bounds how long a crashed process can block new runs.
	LeaseTTL time.Duration
	// MaxRunErrors caps the stored error list; 0 keeps every entry.
	MaxRunErrors int
	// ShortCircuitThreshold is the consecutive sub-region failure count that
	// skips the rest of a region; 0 disables it.
	ShortCircuitThreshold int
	// FinalizeTimeout bounds persisting the final state and notifying.
	FinalizeTimeout time.Duration
	// FinalizeRetries is how many times a failed FinishRun is retried.
	FinalizeRetries int
	// FinalizeBackoff is the base delay between FinishRun attempts.
	FinalizeBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Hour
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = time.Minute
	}
	if c.FinalizeRetries < 0 {
		c.FinalizeRetries = 0
	}
	if c.FinalizeBackoff <= 0 {
		c.FinalizeBackoff = 200 * time.Millisecond
	}
	return c
}

// Orchestrator runs crawls. At most one run is active at a time across every
// process sharing the run store.
type Orchestrator struct {
	catalog    crawler.CatalogClient
	runs       crawler.RunStore
	dispatcher *dispatcher.Dispatcher
	notifier   crawler.Notifier
	ids        crawler.IDGenerator
	clock      crawler.Clock
	metrics    *metrics.Collectors
	tracer     trace.Tracer
	cfg        Config
	finishExec *resilience.Executor
	logger     *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an Orchestrator. A nil tracer uses the global provider.
func New(
	catalog crawler.CatalogClient,
	runs crawler.RunStore,
	dispatch *dispatcher.Dispatcher,
	notifier crawler.Notifier,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	m *metrics.Collectors,
	tracer trace.Tracer,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = telemetry.Tracer(nil)
	}
	cfg = cfg.withDefaults()
	finishExec := resilience.NewExecutor(resilience.Policy{
		MaxRetries:  cfg.FinalizeRetries,
		BaseDelay:   cfg.FinalizeBackoff,
		MaxDelay:    10 * cfg.FinalizeBackoff,
		CallTimeout: cfg.FinalizeTimeout,
	}, logger, resilience.WithClassifier(finishRunKind))
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		catalog:    catalog,
		runs:       runs,
		dispatcher: dispatch,
		notifier:   notifier,
		ids:        ids,
		clock:      clock,
		metrics:    m,
		tracer:     tracer,
		cfg:        cfg,
		finishExec: finishExec,
		logger:     logger,
		baseCtx:    baseCtx,
		stop:       stop,
	}
}

// RunOnce executes one full crawl and blocks until it is finalized. It
// returns crawler.ErrRunActive when another run holds the lease, and the
// run-fatal or abort cause when the run ends Failed.
func (o *Orchestrator) RunOnce(ctx context.Context) (crawler.CrawlRun, error) {
	run, err := o.begin(ctx)
	if err != nil {
		return crawler.CrawlRun{}, err
	}
	return o.execute(ctx, run)
}

// Trigger allocates a run and executes it in the background. The returned
// run is in the running state.
func (o *Orchestrator) Trigger(ctx context.Context) (crawler.CrawlRun, error) {
	if err := o.baseCtx.Err(); err != nil {
		return crawler.CrawlRun{}, fmt.Errorf("orchestrator stopped: %w", err)
	}
	run, err := o.begin(ctx)
	if err != nil {
		return crawler.CrawlRun{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.execute(o.baseCtx, run); err != nil {
			o.logger.Warn("background run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return run, nil
}

// Shutdown aborts background runs and waits for them to finalize or for ctx
// to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) begin(ctx context.Context) (crawler.CrawlRun, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return crawler.CrawlRun{}, fmt.Errorf("generate run id: %w", err)
	}
	run := crawler.CrawlRun{
		ID:        id,
		StartedAt: o.clock.Now(),
		Status:    crawler.RunStatusRunning,
		Errors:    []crawler.RunError{},
	}
	if err := o.runs.BeginRun(ctx, run, o.cfg.LeaseTTL); err != nil {
		if errors.Is(err, crawler.ErrRunActive) {
			o.logger.Info("run rejected, another run is active")
		}
		return crawler.CrawlRun{}, fmt.Errorf("begin run: %w", err)
	}
	o.metrics.RunStarted()
	o.logger.Info("run started", zap.String("run_id", run.ID))
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run crawler.CrawlRun) (crawler.CrawlRun, error) {
	ctx, span := o.tracer.Start(ctx, "crawl.run", trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()

	rec := newRecorder(o.clock, o.cfg.MaxRunErrors)
	runErr := o.traverse(ctx, run.ID, rec)
	final := o.finalize(ctx, run, rec, runErr)

	span.SetAttributes(
		attribute.String("run.status", string(final.Status)),
		attribute.Int64("run.changes", final.Counters.ChangesDetected),
		attribute.Int("run.errors", len(final.Errors)),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return final, runErr
}

// traverse visits every region in order. It returns a RunFatalError when the
// region list is unreachable and the context error when aborted.
func (o *Orchestrator) traverse(ctx context.Context, runID string, rec *recorder) error {
	logger := o.logger.With(zap.String("run_id", runID))
	regions, err := o.catalog.ListRegions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("run aborted: %w", ctx.Err())
		}
		return &crawler.RunFatalError{Reason: "list regions", Err: err}
	}
	logger.Info("regions listed", zap.Int("regions", len(regions)))

	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run aborted: %w", err)
		}
		o.crawlRegion(ctx, runID, region, rec)
		if ctx.Err() != nil {
			continue
		}
		if err := o.runs.ExtendLease(ctx, runID, o.cfg.LeaseTTL); err != nil {
			logger.Warn("extend lease failed", zap.String("region_id", region.ID), zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}
	return nil
}

func (o *Orchestrator) crawlRegion(ctx context.Context, runID string, region crawler.Region, rec *recorder) {
	ctx, span := o.tracer.Start(ctx, "crawl.region", trace.WithAttributes(attribute.String("region.id", region.ID)))
	defer span.End()
	logger := o.logger.With(zap.String("run_id", runID), zap.String("region_id", region.ID))

	subRegions, err := o.catalog.ListSubRegions(ctx, region.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("list sub-regions failed", zap.Error(err))
		span.RecordError(err)
		rec.addError(crawler.RunError{
			Scope:    crawler.ScopeRegion,
			RegionID: region.ID,
			Kind:     crawler.KindOf(err),
			Message:  err.Error(),
		})
		rec.regions.Add(1)
		return
	}

	sink := &regionSink{
		breaker: resilience.NewRegionBreaker(o.cfg.ShortCircuitThreshold),
		rec:     rec,
		logger:  logger,
	}
	if err := o.dispatcher.Dispatch(ctx, runID, region, subRegions, sink); err != nil {
		if ctx.Err() != nil {
			return
		}
		rec.addError(crawler.RunError{
			Scope:    crawler.ScopeRegion,
			RegionID: region.ID,
			Kind:     crawler.KindOf(err),
			Message:  err.Error(),
		})
	}
	if sink.breaker.Tripped() {
		msg := fmt.Sprintf("%d consecutive sub-region failures, skipped %d remaining sub-regions",
			o.cfg.ShortCircuitThreshold, sink.breaker.Skipped())
		logger.Warn("region short-circuited", zap.Int("skipped", sink.breaker.Skipped()))
		rec.addError(crawler.RunError{
			Scope:    crawler.ScopeRegion,
			RegionID: region.ID,
			Kind:     crawler.KindShortCircuit,
			Message:  msg,
		})
	}
	rec.regions.Add(1)
	span.SetAttributes(attribute.Int("region.subregions", len(subRegions)))
	logger.Info("region processed", zap.Int("subregions", len(subRegions)))
}

// finalize persists the terminal state exactly once on a context detached
// from cancellation, then notifies.
func (o *Orchestrator) finalize(ctx context.Context, run crawler.CrawlRun, rec *recorder, runErr error) crawler.CrawlRun {
	status := crawler.RunStatusCompleted
	var fatal *crawler.RunFatalError
	switch {
	case runErr == nil:
	case errors.As(runErr, &fatal):
		status = crawler.RunStatusFailed
		rec.addRunError(crawler.KindFatal, fatal.Error())
	default:
		status = crawler.RunStatusFailed
		rec.addRunError(crawler.KindAborted, runErr.Error())
	}

	completed := o.clock.Now()
	run.Status = status
	run.CompletedAt = &completed
	run.Counters = rec.counters()
	run.Errors = rec.errorList()

	logger := o.logger.With(zap.String("run_id", run.ID))
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()
	err := o.finishExec.Do(storeCtx, "finish_run", func(ctx context.Context) error {
		return o.runs.FinishRun(ctx, run)
	})
	if err != nil {
		logger.Error("finalize run failed, lease held until it expires", zap.Error(err))
		return run
	}
	o.metrics.RunFinished(string(status), completed.Sub(run.StartedAt))
	logger.Info("run finalized",
		zap.String("status", string(status)),
		zap.Int64("regions", run.Counters.RegionsProcessed),
		zap.Int64("subregions", run.Counters.SubRegionsProcessed),
		zap.Int64("stations", run.Counters.StationsFound),
		zap.Int64("changes", run.Counters.ChangesDetected),
		zap.Int("errors", len(run.Errors)),
	)

	if o.notifier == nil {
		return run
	}
	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancelNotify()
	if err := o.notifier.Notify(notifyCtx, run); err != nil {
		logger.Error("completion notification failed", zap.Error(err))
	}
	return run
}

// finishRunKind retries every store failure except a missing or already
// finalized run.
func finishRunKind(err error) crawler.UpstreamKind {
	if errors.Is(err, crawler.ErrNotFound) || errors.Is(err, crawler.ErrRunFinalized) {
		return crawler.UpstreamPermanent
	}
	return crawler.UpstreamTransient
}

// regionSink feeds worker outcomes into the run recorder and the region's
// short-circuit breaker.
type regionSink struct {
	breaker *resilience.RegionBreaker
	rec     *recorder
	logger  *zap.Logger
}

func (s *regionSink) Allow(crawler.SubRegionItem) bool {
	return s.breaker.Allow()
}

func (s *regionSink) Report(out worker.Outcome) {
	if out.Skipped {
		return
	}
	// Work committed before an abort still counts; the unit itself does not.
	s.rec.stations.Add(int64(out.Stations))
	s.rec.changes.Add(int64(out.Changes))
	s.rec.unmapped.Add(int64(out.Unmapped))
	s.rec.malformed.Add(int64(out.Malformed))
	if out.Err != nil && crawler.KindOf(out.Err) == crawler.KindAborted {
		return
	}
	s.rec.subRegions.Add(1)

	if out.Err == nil {
		s.breaker.Record(true)
		return
	}
	s.rec.addError(crawler.RunError{
		Scope:       crawler.ScopeSubRegion,
		RegionID:    out.Item.Region.ID,
		SubRegionID: out.Item.SubRegion.ID,
		Kind:        crawler.KindOf(out.Err),
		Message:     out.Err.Error(),
	})
	if s.breaker.Record(false) {
		s.logger.Warn("short-circuit tripped", zap.String("subregion_id", out.Item.SubRegion.ID))
	}
}
