package crawler

import (
	"context"
	"time"
)

// CatalogClient lists the administrative hierarchy.
type CatalogClient interface {
	ListRegions(ctx context.Context) ([]Region, error)
	ListSubRegions(ctx context.Context, regionID string) ([]SubRegion, error)
}

// FetchResult is the outcome of one price listing call.
type FetchResult struct {
	Observations []PriceObservation
	// Malformed counts entries dropped while mapping the payload.
	Malformed int
	// Unmapped counts entries whose descriptor normalized to FuelUnrecognized.
	Unmapped int
}

// PriceFetcher fetches raw prices for one (region, sub-region) pair.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, region Region, subRegion SubRegion) (FetchResult, error)
}

// Ledger is the view of one price series handed out under PriceStore.WithKey.
type Ledger interface {
	GetLatest(ctx context.Context) (*PriceChangeRecord, error)
	Append(ctx context.Context, record PriceChangeRecord) (PriceChangeRecord, error)
}

// PriceStore is the append-only price history. WithKey must serialize
// concurrent callers for the same key for the whole duration of fn.
type PriceStore interface {
	WithKey(ctx context.Context, key PriceKey, fn func(ctx context.Context, ledger Ledger) error) error
	GetLatest(ctx context.Context, key PriceKey) (*PriceChangeRecord, error)
	History(ctx context.Context, key PriceKey) ([]PriceChangeRecord, error)
}

// StationStore upserts station metadata keyed by permit number.
type StationStore interface {
	UpsertStation(ctx context.Context, station Station) error
}

// RunStore persists crawl runs and the single-active-run lease.
type RunStore interface {
	// BeginRun acquires the lease and inserts run; ErrRunActive if another
	// unexpired run holds it.
	BeginRun(ctx context.Context, run CrawlRun, leaseTTL time.Duration) error
	// ExtendLease pushes the lease expiry of a running run forward.
	ExtendLease(ctx context.Context, runID string, leaseTTL time.Duration) error
	// FinishRun writes the terminal state and releases the lease; ErrRunFinalized
	// if the run is not running.
	FinishRun(ctx context.Context, run CrawlRun) error
	GetRun(ctx context.Context, runID string) (CrawlRun, error)
	ListRuns(ctx context.Context, limit int) ([]CrawlRun, error)
}

// Store bundles every persistence concern behind one backend.
type Store interface {
	PriceStore
	StationStore
	RunStore
	Close() error
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier delivers the completion summary of a finalized run.
type Notifier interface {
	Notify(ctx context.Context, run CrawlRun) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// SubRegionItem wraps one unit of crawl work ready to run.
type SubRegionItem struct {
	RunID     string
	Region    Region
	SubRegion SubRegion
	Index     int
}

// Queue provides enqueue/dequeue semantics for sub-region work.
type Queue interface {
	Enqueue(ctx context.Context, item SubRegionItem) error
	Dequeue(ctx context.Context) (SubRegionItem, error)
}
