// Package server builds the crawler's dependency graph from configuration
// and runs it either as a one-shot crawl or as a long-running ops service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fuel-price-crawler/internal/api"
	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/config"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/detector"
	"github.com/JakeFAU/fuel-price-crawler/internal/dispatcher"
	"github.com/JakeFAU/fuel-price-crawler/internal/id/uuid"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
	"github.com/JakeFAU/fuel-price-crawler/internal/notifier"
	"github.com/JakeFAU/fuel-price-crawler/internal/orchestrator"
	"github.com/JakeFAU/fuel-price-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/fuel-price-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/fuel-price-crawler/internal/resilience"
	"github.com/JakeFAU/fuel-price-crawler/internal/scheduler"
	"github.com/JakeFAU/fuel-price-crawler/internal/storage/cache"
	"github.com/JakeFAU/fuel-price-crawler/internal/telemetry"
	"github.com/JakeFAU/fuel-price-crawler/internal/upstream"
	"github.com/JakeFAU/fuel-price-crawler/internal/worker"
)

// Version is reported as the service.version resource attribute.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        crawler.Store
	metrics      *metrics.Collectors
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerProvider  *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	store     crawler.Store
	exporters []sdktrace.SpanExporter
	clock     crawler.Clock
}

// WithStore injects a ready store instead of opening storage.backend.
func WithStore(store crawler.Store) Option {
	return func(o *buildOptions) { o.store = store }
}

// WithSpanExporter attaches a span exporter to the tracer provider.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *buildOptions) { o.exporters = append(o.exporters, exp) }
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *buildOptions) { o.clock = clock }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}
	app.metrics = m

	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, o.exporters...)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.store = o.store
	if app.store == nil {
		app.store, err = OpenStore(ctx, cfg, o.clock)
		if err != nil {
			return nil, err
		}
	}

	publisher, topic, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	policy := resilience.Policy{
		MaxRetries:    cfg.HTTP.MaxRetries,
		BaseDelay:     cfg.BackoffInitial(),
		MaxDelay:      cfg.BackoffMax(),
		CallTimeout:   cfg.CallTimeout(),
		MaxRetryAfter: cfg.MaxRetryAfter(),
	}
	upstreamExec := resilience.NewExecutor(policy, logger.Named("resilience"), resilience.WithMetrics(m))
	client := upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		RegionsPath:    cfg.Upstream.RegionsPath,
		SubRegionsPath: cfg.Upstream.SubRegionsPath,
		PricesPath:     cfg.Upstream.PricesPath,
		UserAgent:      cfg.Upstream.UserAgent,
	}, upstreamExec, ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}, m), logger)

	stations := crawler.StationStore(app.store)
	if cfg.Crawler.StationCacheSize > 0 {
		stations = cache.NewStationCache(app.store, cfg.Crawler.StationCacheSize, cfg.Crawler.StationCacheTTL)
	}
	det := detector.New(app.store, o.clock)

	workers := make([]*worker.Worker, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(
			client,
			stations,
			det,
			publisher,
			m,
			worker.Config{Topic: topic},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(workers, cfg.Crawler.QueueDepth, logger.Named("dispatcher"))

	notifyExec := resilience.NewExecutor(policy, logger.Named("resilience"), resilience.WithMetrics(m))
	notify := notifier.New(notifier.Config{
		URL:       cfg.Webhook.URL,
		Secret:    cfg.Webhook.Secret,
		MaxErrors: cfg.Webhook.MaxErrors,
		UserAgent: cfg.Upstream.UserAgent,
	}, notifyExec, m, logger.Named("notifier"))

	app.orchestrator = orchestrator.New(
		client,
		app.store,
		dispatch,
		notify,
		uuid.New(),
		o.clock,
		m,
		telemetry.Tracer(app.tracerProvider),
		orchestrator.Config{
			LeaseTTL:              cfg.Crawler.LeaseTTL,
			MaxRunErrors:          cfg.Crawler.MaxRunErrors,
			ShortCircuitThreshold: cfg.Crawler.ShortCircuitThreshold,
			FinalizeTimeout:       cfg.Crawler.FinalizeTimeout,
			FinalizeRetries:       cfg.Crawler.FinalizeRetries,
		},
		logger.Named("orchestrator"),
	)

	deps := api.Deps{
		Trigger: app.orchestrator,
		Runs:    app.store,
		History: app.store,
		Metrics: m,
	}
	if p, isPinger := app.store.(api.Pinger); isPinger {
		deps.Ready = p
	}
	app.apiServer = api.NewServer(deps, cfg.CallTimeout(), logger.Named("api"))

	ok = true
	return app, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, string, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, change events are not published")
		return nil, "", nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.String("event", a.cfg.PubSub.Event),
	)
	return a.pubsubPublisher, a.cfg.PubSub.Event, nil
}

// Handler exposes the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce executes a single crawl and returns its final state.
func (a *App) RunOnce(ctx context.Context) (crawler.CrawlRun, error) {
	run, err := a.orchestrator.RunOnce(ctx)
	if err != nil {
		return run, fmt.Errorf("crawl run: %w", err)
	}
	return run, nil
}

// Serve runs the ops HTTP server and, when crawler.schedule is set, the cron
// scheduler. It blocks until ctx is canceled or a component fails.
func (a *App) Serve(ctx context.Context) error {
	var sched *scheduler.Scheduler
	if a.cfg.Crawler.Schedule != "" {
		var err error
		sched, err = scheduler.New(a.cfg.Crawler.Schedule, a.orchestrator, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	} else {
		a.logger.Info("no crawl schedule configured, runs start only via the API")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("orchestrator shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close releases infrastructure and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		a.logger.Warn("orchestrator shutdown failed", zap.Error(err))
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
