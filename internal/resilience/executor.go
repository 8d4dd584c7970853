package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs calls under a Policy. Upstream calls use Classify; other
// callers may supply their own classifier.
type Executor struct {
	policy   Policy
	sleep    SleepFunc
	classify func(error) crawler.UpstreamKind
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the real timer, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// WithClassifier replaces Classify for deciding which failures are retried.
func WithClassifier(fn func(error) crawler.UpstreamKind) Option {
	return func(e *Executor) {
		e.classify = fn
	}
}

// WithMetrics attaches retry and outcome counters.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// NewExecutor builds an Executor.
func NewExecutor(policy Policy, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		policy:   policy.withDefaults(),
		sleep:    sleepContext,
		classify: Classify,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn until it succeeds, fails permanently, the retry cap is reached,
// or ctx ends. Each attempt gets its own CallTimeout. The returned error is
// always classifiable with Classify; parent cancellation is returned as-is.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			e.metrics.ObserveUpstreamCall(op, "canceled")
			return fmt.Errorf("%s: %w", op, err)
		}
		err := e.attempt(ctx, fn)
		if err == nil {
			e.metrics.ObserveUpstreamCall(op, "ok")
			return nil
		}
		if ctx.Err() != nil {
			e.metrics.ObserveUpstreamCall(op, "canceled")
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		lastErr = err
		kind := e.classify(err)
		if kind == crawler.UpstreamPermanent || attempt >= e.policy.MaxRetries {
			e.metrics.ObserveUpstreamCall(op, string(kind))
			return wrapFinal(op, kind, attempt+1, lastErr)
		}
		wait := e.policy.Wait(err, attempt)
		e.metrics.ObserveRetry(op, string(kind))
		e.logger.Debug("retrying call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(kind)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			e.metrics.ObserveUpstreamCall(op, "canceled")
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// wrapFinal guarantees the caller sees an *crawler.UpstreamError carrying the
// final classification.
func wrapFinal(op string, kind crawler.UpstreamKind, attempts int, err error) error {
	var upstreamErr *crawler.UpstreamError
	if errors.As(err, &upstreamErr) {
		return fmt.Errorf("%s failed after %d attempt(s): %w", op, attempts, err)
	}
	return &crawler.UpstreamError{
		Kind: kind,
		Op:   op,
		Err:  fmt.Errorf("failed after %d attempt(s): %w", attempts, err),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
