// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors owns every crawler collector. A nil *Collectors is valid and
// records nothing, so components can be built without metrics in tests.
type Collectors struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	subRegions *prometheus.CounterVec
	changes    *prometheus.CounterVec
	unmapped   prometheus.Counter
	malformed  prometheus.Counter

	upstreamRequests *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	rateLimitDelay   *prometheus.HistogramVec

	webhookDeliveries *prometheus.CounterVec
	publishFailures   prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors against reg. When reg is nil a private
// registry is used.
func New(reg *prometheus.Registry) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collectors{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuelcrawler_runs_started_total",
			Help: "Total crawl runs that entered the running state.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuelcrawler_runs_finished_total",
			Help: "Total crawl runs finalized, partitioned by status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuelcrawler_runs_active",
			Help: "Crawl runs currently executing in this process.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fuelcrawler_run_duration_seconds",
			Help:    "Wall time per finalized run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		subRegions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuelcrawler_subregions_total",
			Help: "Sub-region units partitioned by outcome (processed, failed, skipped).",
		}, []string{"outcome"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuelcrawler_price_changes_total",
			Help: "Price change records appended, partitioned by fuel type.",
		}, []string{"fuel_type"}),
		unmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuelcrawler_unmapped_descriptors_total",
			Help: "Observations skipped because the product descriptor was not recognized.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuelcrawler_malformed_entries_total",
			Help: "Upstream price entries dropped as malformed.",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuelcrawler_upstream_calls_total",
			Help: "Upstream calls after retries, partitioned by operation and outcome.",
		}, []string{"op", "outcome"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuelcrawler_upstream_retries_total",
			Help: "Upstream retries, partitioned by operation and failure kind.",
		}, []string{"op", "kind"}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fuelcrawler_rate_limit_delay_seconds",
			Help:    "Histogram of client-side rate limit waits.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuelcrawler_webhook_deliveries_total",
			Help: "Completion webhook deliveries partitioned by result.",
		}, []string{"result"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuelcrawler_change_publish_failures_total",
			Help: "Change events that could not be published.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	for _, collector := range []prometheus.Collector{
		c.runsStarted,
		c.runsFinished,
		c.runsActive,
		c.runDuration,
		c.subRegions,
		c.changes,
		c.unmapped,
		c.malformed,
		c.upstreamRequests,
		c.upstreamRetries,
		c.rateLimitDelay,
		c.webhookDeliveries,
		c.publishFailures,
		c.httpRequests,
		c.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}

// Handler returns an http.Handler exposing the registry.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RunStarted records a run entering the running state.
func (c *Collectors) RunStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
	c.runsActive.Inc()
}

// RunFinished records a finalized run.
func (c *Collectors) RunFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsActive.Dec()
	c.runsFinished.WithLabelValues(status).Inc()
	if duration > 0 {
		c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// ObserveSubRegion counts one sub-region unit outcome.
func (c *Collectors) ObserveSubRegion(outcome string) {
	if c == nil {
		return
	}
	c.subRegions.WithLabelValues(outcome).Inc()
}

// ObserveChange counts one appended price change.
func (c *Collectors) ObserveChange(fuelType string) {
	if c == nil {
		return
	}
	c.changes.WithLabelValues(fuelType).Inc()
}

// ObserveUnmapped counts skipped observations.
func (c *Collectors) ObserveUnmapped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.unmapped.Add(float64(n))
}

// ObserveMalformed counts dropped upstream entries.
func (c *Collectors) ObserveMalformed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.malformed.Add(float64(n))
}

// ObserveUpstreamCall records the final outcome of a resilient call.
func (c *Collectors) ObserveUpstreamCall(op, outcome string) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(op, outcome).Inc()
}

// ObserveRetry records one retry attempt.
func (c *Collectors) ObserveRetry(op, kind string) {
	if c == nil {
		return
	}
	c.upstreamRetries.WithLabelValues(op, kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (c *Collectors) ObserveRateLimitDelay(host string, d time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveWebhook records a completion webhook delivery result.
func (c *Collectors) ObserveWebhook(result string) {
	if c == nil {
		return
	}
	c.webhookDeliveries.WithLabelValues(result).Inc()
}

// ObservePublishFailure counts a change event that failed to publish.
func (c *Collectors) ObservePublishFailure() {
	if c == nil {
		return
	}
	c.publishFailures.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
