// Package dispatcher fans one region's sub-regions out to the worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/queue/memory"
	"github.com/JakeFAU/fuel-price-crawler/internal/worker"
)

// DefaultQueueDepth bounds the items buffered ahead of the workers.
const DefaultQueueDepth = 16

// Dispatcher fans out queue work to a fixed pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
	depth   int
	logger  *zap.Logger
}

// New creates a Dispatcher. queueDepth <= 0 selects DefaultQueueDepth.
func New(workers []*worker.Worker, queueDepth int, logger *zap.Logger) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, depth: queueDepth, logger: logger}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Dispatch feeds subRegions into a bounded queue drained by every worker and
// blocks until all of them have been reported to sink, or ctx is canceled.
// Items are produced lazily: the producer blocks while the queue is full.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	runID string,
	region crawler.Region,
	subRegions []crawler.SubRegion,
	sink worker.Sink,
) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatch region %s: no workers configured", region.ID)
	}
	queue := memory.NewQueue(d.depth)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, queue, sink)
		}(w)
	}

	var produceErr error
	for i, sr := range subRegions {
		item := crawler.SubRegionItem{RunID: runID, Region: region, SubRegion: sr, Index: i}
		if err := queue.Enqueue(ctx, item); err != nil {
			produceErr = fmt.Errorf("dispatch region %s: %w", region.ID, err)
			break
		}
	}
	queue.Close()
	wg.Wait()

	if produceErr != nil {
		d.logger.Warn("dispatch interrupted",
			zap.String("run_id", runID),
			zap.String("region_id", region.ID),
			zap.Error(produceErr),
		)
		return produceErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch region %s: %w", region.ID, err)
	}
	return nil
}
