// Package worker implements the per sub-region crawl pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/detector"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
)

// ChangeDetector decides and persists price changes for one observation.
type ChangeDetector interface {
	Detect(ctx context.Context, runID string, obs crawler.PriceObservation) (detector.Decision, error)
}

// Outcome summarizes one processed sub-region.
type Outcome struct {
	Item      crawler.SubRegionItem
	Stations  int
	Changes   int
	Unmapped  int
	Malformed int
	// Skipped is true when the unit never ran because its region was short-circuited.
	Skipped bool
	Err     error
}

// Sink receives worker outcomes. Allow is consulted before each unit runs.
type Sink interface {
	Allow(item crawler.SubRegionItem) bool
	Report(outcome Outcome)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives change events; empty disables publishing.
	Topic string
}

// Worker fetches one sub-region's prices and feeds them through detection.
type Worker struct {
	fetcher   crawler.PriceFetcher
	stations  crawler.StationStore
	detector  ChangeDetector
	publisher crawler.Publisher
	metrics   *metrics.Collectors
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	fetcher crawler.PriceFetcher,
	stations crawler.StationStore,
	det ChangeDetector,
	publisher crawler.Publisher,
	m *metrics.Collectors,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher:   fetcher,
		stations:  stations,
		detector:  det,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes queue items until the queue is closed and drained or the
// context finishes.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue, sink Sink) {
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, crawler.ErrQueueClosed) && ctx.Err() == nil {
				w.logger.Error("queue dequeue failed", zap.Error(err))
			}
			return
		}
		if !sink.Allow(item) {
			w.logger.Debug("sub-region skipped",
				zap.String("run_id", item.RunID),
				zap.String("region_id", item.Region.ID),
				zap.String("subregion_id", item.SubRegion.ID),
			)
			sink.Report(Outcome{Item: item, Skipped: true})
			continue
		}
		sink.Report(w.Process(ctx, item))
	}
}

// Process runs the fetch, upsert and detect pipeline for one sub-region.
func (w *Worker) Process(ctx context.Context, item crawler.SubRegionItem) Outcome {
	out := Outcome{Item: item}
	logger := w.logger.With(
		zap.String("run_id", item.RunID),
		zap.String("region_id", item.Region.ID),
		zap.String("subregion_id", item.SubRegion.ID),
	)

	res, err := w.fetcher.FetchPrices(ctx, item.Region, item.SubRegion)
	if err != nil {
		logger.Warn("fetch prices failed", zap.Error(err))
		out.Err = err
		w.metrics.ObserveSubRegion(outcomeLabel(out))
		return out
	}
	out.Malformed = res.Malformed
	out.Unmapped = res.Unmapped
	w.metrics.ObserveMalformed(res.Malformed)
	w.metrics.ObserveUnmapped(res.Unmapped)

	seen := make(map[string]struct{}, len(res.Observations))
	for _, obs := range res.Observations {
		if err := ctx.Err(); err != nil {
			out.Err = fmt.Errorf("process sub-region: %w", err)
			break
		}
		if _, ok := seen[obs.StationID()]; !ok {
			if err := w.stations.UpsertStation(ctx, obs.Station); err != nil {
				if ctx.Err() != nil {
					out.Err = fmt.Errorf("upsert station: %w", ctx.Err())
					break
				}
				out.Err = &crawler.StoreError{Op: "upsert station " + obs.StationID(), Err: err}
				break
			}
			seen[obs.StationID()] = struct{}{}
		}
		if !obs.FuelType.Valid() {
			logger.Debug("unmapped fuel descriptor",
				zap.String("station_id", obs.StationID()),
				zap.String("descriptor", obs.RawDescriptor),
			)
			continue
		}

		decision, err := w.detector.Detect(ctx, item.RunID, obs)
		if err != nil {
			if errors.Is(err, crawler.ErrMalformedRecord) {
				logger.Warn("malformed observation", zap.String("station_id", obs.StationID()), zap.Error(err))
				out.Malformed++
				w.metrics.ObserveMalformed(1)
				continue
			}
			if ctx.Err() != nil {
				out.Err = fmt.Errorf("detect: %w", ctx.Err())
				break
			}
			out.Err = &crawler.StoreError{Op: "detect " + obs.StationID(), Err: err}
			break
		}
		if !decision.Changed {
			continue
		}
		out.Changes++
		w.metrics.ObserveChange(string(obs.FuelType))
		w.publishChange(ctx, logger, decision)
	}
	out.Stations = len(seen)

	if out.Err != nil {
		logger.Warn("sub-region failed", zap.Error(out.Err), zap.Int("changes", out.Changes))
	} else {
		logger.Debug("sub-region processed",
			zap.Int("stations", out.Stations),
			zap.Int("changes", out.Changes),
			zap.Int("unmapped", out.Unmapped),
			zap.Int("malformed", out.Malformed),
		)
	}
	w.metrics.ObserveSubRegion(outcomeLabel(out))
	return out
}

func (w *Worker) publishChange(ctx context.Context, logger *zap.Logger, decision detector.Decision) {
	if w.cfg.Topic == "" || w.publisher == nil || decision.Record == nil {
		return
	}
	rec := decision.Record
	event := crawler.ChangeEvent{
		RunID:     rec.RunID,
		StationID: rec.StationID,
		FuelType:  rec.FuelType,
		Price:     rec.Price,
		ChangedAt: rec.ChangedAt,
		RecordID:  rec.ID,
	}
	if decision.Previous != nil {
		prev := decision.Previous.Price
		event.PreviousPrice = &prev
	}
	msgID, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		w.metrics.ObservePublishFailure()
		logger.Error("publish change event failed",
			zap.String("station_id", rec.StationID),
			zap.String("fuel_type", string(rec.FuelType)),
			zap.Error(err),
		)
		return
	}
	logger.Debug("change event published",
		zap.String("station_id", rec.StationID),
		zap.String("fuel_type", string(rec.FuelType)),
		zap.String("message_id", msgID),
	)
}

func outcomeLabel(out Outcome) string {
	switch {
	case out.Skipped:
		return "skipped"
	case out.Err != nil:
		return "failed"
	default:
		return "succeeded"
	}
}
