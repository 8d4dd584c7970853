// Package memory provides the bounded in-process queue that feeds sub-region
// work to the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations. A full
// queue blocks the producer, which keeps sub-region production lazy.
type Queue struct {
	ch      chan crawler.SubRegionItem
	closeMu sync.Mutex
	closed  bool
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan crawler.SubRegionItem, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
// Enqueue after Close returns crawler.ErrQueueClosed.
func (q *Queue) Enqueue(ctx context.Context, item crawler.SubRegionItem) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return crawler.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. Once the queue is closed and drained it returns
// crawler.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.SubRegionItem, error) {
	select {
	case <-ctx.Done():
		return crawler.SubRegionItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.SubRegionItem{}, crawler.ErrQueueClosed
		}
		return item, nil
	}
}

// Close marks the end of production. Only the producer may call it.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
