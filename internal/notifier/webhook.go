// Package notifier delivers the signed completion summary of a finalized run.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/hash/hmacsha256"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
	"github.com/JakeFAU/fuel-price-crawler/internal/resilience"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Signature-256"
	HeaderRunID     = "X-Run-ID"
)

// OpWebhook names the delivery operation in logs and metrics.
const OpWebhook = "webhook"

// DefaultMaxErrors bounds the error entries copied into the payload.
const DefaultMaxErrors = 50

// Config controls webhook delivery.
type Config struct {
	URL       string
	Secret    string
	MaxErrors int
	UserAgent string
}

// Payload is the JSON body POSTed to the webhook.
type Payload struct {
	RunID           string              `json:"run_id"`
	Status          crawler.RunStatus   `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	Counts          crawler.RunCounters `json:"counts"`
	Errors          []crawler.RunError  `json:"errors"`
	ErrorsTruncated bool                `json:"errors_truncated"`
}

// BuildPayload summarizes run, keeping at most maxErrors error entries.
func BuildPayload(run crawler.CrawlRun, maxErrors int) Payload {
	errs := run.Errors
	truncated := false
	if maxErrors > 0 && len(errs) > maxErrors {
		errs = errs[:maxErrors]
		truncated = true
	}
	if errs == nil {
		errs = []crawler.RunError{}
	}
	return Payload{
		RunID:           run.ID,
		Status:          run.Status,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		Counts:          run.Counters,
		Errors:          errs,
		ErrorsTruncated: truncated,
	}
}

// Webhook POSTs signed run summaries. Each run id is delivered at most once
// per process.
type Webhook struct {
	cfg     Config
	http    *resty.Client
	exec    *resilience.Executor
	signer  *hmacsha256.Signer
	metrics *metrics.Collectors
	logger  *zap.Logger

	mu        sync.Mutex
	delivered map[string]struct{}
}

var _ crawler.Notifier = (*Webhook)(nil)

// New returns a crawler.Notifier: a Webhook when cfg.URL is set, otherwise a no-op.
func New(cfg Config, exec *resilience.Executor, m *metrics.Collectors, logger *zap.Logger) crawler.Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		logger.Info("webhook url not set, completion notifications disabled")
		return Noop{}
	}
	return NewWebhook(cfg, exec, m, logger)
}

// NewWebhook builds a Webhook.
func NewWebhook(cfg Config, exec *resilience.Executor, m *metrics.Collectors, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultPolicy(), logger)
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	client := resty.New().SetHeader("Content-Type", "application/json")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Webhook{
		cfg:       cfg,
		http:      client,
		exec:      exec,
		signer:    hmacsha256.New(cfg.Secret),
		metrics:   m,
		logger:    logger.Named("notifier"),
		delivered: make(map[string]struct{}),
	}
}

// Notify signs and delivers the summary of run. A run id that was already
// delivered is skipped.
func (w *Webhook) Notify(ctx context.Context, run crawler.CrawlRun) error {
	if !w.claim(run.ID) {
		w.metrics.ObserveWebhook("duplicate")
		w.logger.Debug("webhook already delivered", zap.String("run_id", run.ID))
		return nil
	}
	body, err := json.Marshal(BuildPayload(run, w.cfg.MaxErrors))
	if err != nil {
		w.release(run.ID)
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := w.signer.Sign(body)

	err = w.exec.Do(ctx, OpWebhook, func(ctx context.Context) error {
		resp, err := w.http.R().
			SetContext(ctx).
			SetHeader(HeaderSignature, signature).
			SetHeader(HeaderRunID, run.ID).
			SetBody(body).
			Post(w.cfg.URL)
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		return crawler.StatusError(OpWebhook, resp.StatusCode(),
			resilience.ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now()))
	})
	if err != nil {
		w.release(run.ID)
		w.metrics.ObserveWebhook("failed")
		w.logger.Error("webhook delivery failed", zap.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("deliver webhook: %w", err)
	}
	w.metrics.ObserveWebhook("delivered")
	w.logger.Info("webhook delivered", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
	return nil
}

func (w *Webhook) claim(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.delivered[runID]; ok {
		return false
	}
	w.delivered[runID] = struct{}{}
	return true
}

func (w *Webhook) release(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.delivered, runID)
}

// Noop discards notifications.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, crawler.CrawlRun) error {
	return nil
}
