// Package memory provides an in-process crawler.Store for development and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/storage"
)

type lease struct {
	runID     string
	expiresAt time.Time
}

// Store keeps stations, price history and runs in maps. Price writes for one
// key are serialized by a per-key mutex.
type Store struct {
	mu       sync.RWMutex
	keyLocks sync.Map // map[crawler.PriceKey]*sync.Mutex
	clock    crawler.Clock

	nextID   int64
	stations map[string]crawler.Station
	prices   map[crawler.PriceKey][]crawler.PriceChangeRecord
	runs     map[string]crawler.CrawlRun
	lease    lease
}

var _ crawler.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for lease expiry.
func WithClock(clock crawler.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    system.New(),
		stations: make(map[string]crawler.Station),
		prices:   make(map[crawler.PriceKey][]crawler.PriceChangeRecord),
		runs:     make(map[string]crawler.CrawlRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// WithKey runs fn while holding the mutex for key.
func (s *Store) WithKey(ctx context.Context, key crawler.PriceKey, fn func(context.Context, crawler.Ledger) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("with key %s: %w", key, err)
	}
	lock, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx, ledger{store: s, key: key})
}

// GetLatest returns the newest record for key, or nil.
func (s *Store) GetLatest(_ context.Context, key crawler.PriceKey) (*crawler.PriceChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.prices[key]
	if len(series) == 0 {
		return nil, nil
	}
	rec := series[len(series)-1]
	return &rec, nil
}

// History returns the series for key ordered by changed-at ascending.
func (s *Store) History(_ context.Context, key crawler.PriceKey) ([]crawler.PriceChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.prices[key]
	out := make([]crawler.PriceChangeRecord, len(series))
	copy(out, series)
	return out, nil
}

func (s *Store) append(key crawler.PriceKey, rec crawler.PriceChangeRecord) crawler.PriceChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	rec.StationID = key.StationID
	rec.FuelType = key.FuelType
	s.prices[key] = append(s.prices[key], rec)
	return rec
}

// UpsertStation stores station, replacing descriptive fields.
func (s *Store) UpsertStation(_ context.Context, station crawler.Station) error {
	if station.PermitNumber == "" {
		return fmt.Errorf("upsert station: %w: missing permit number", crawler.ErrMalformedRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations[station.PermitNumber] = station
	return nil
}

// Station returns a stored station by permit number.
func (s *Store) Station(permitNumber string) (crawler.Station, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[permitNumber]
	return st, ok
}

// BeginRun acquires the lease and records run as running. Runs left running
// by an expired lease holder are marked failed.
func (s *Store) BeginRun(_ context.Context, run crawler.CrawlRun, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.lease.runID != "" && now.Before(s.lease.expiresAt) {
		return crawler.ErrRunActive
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("begin run %s: run already exists", run.ID)
	}
	for id, stale := range s.runs {
		if stale.Status == crawler.RunStatusRunning {
			stale.Status = crawler.RunStatusFailed
			stale.CompletedAt = pointerTime(now)
			stale.Errors = append(stale.Errors, storage.StaleRunError(now))
			s.runs[id] = stale
		}
	}
	s.lease = lease{runID: run.ID, expiresAt: now.Add(leaseTTL)}
	run.Status = crawler.RunStatusRunning
	run.Errors = cloneErrors(run.Errors)
	s.runs[run.ID] = run
	return nil
}

// ExtendLease refreshes the lease held by runID.
func (s *Store) ExtendLease(_ context.Context, runID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease.runID != runID {
		return fmt.Errorf("extend lease for %s: %w", runID, crawler.ErrRunFinalized)
	}
	s.lease.expiresAt = s.clock.Now().Add(leaseTTL)
	return nil
}

// FinishRun writes the terminal state of run and releases the lease.
func (s *Store) FinishRun(_ context.Context, run crawler.CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("finish run %s: %w", run.ID, crawler.ErrNotFound)
	}
	if existing.Status != crawler.RunStatusRunning {
		return fmt.Errorf("finish run %s: %w", run.ID, crawler.ErrRunFinalized)
	}
	run.Errors = cloneErrors(run.Errors)
	s.runs[run.ID] = run
	if s.lease.runID == run.ID {
		s.lease = lease{}
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, runID string) (crawler.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.CrawlRun{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrNotFound)
	}
	run.Errors = cloneErrors(run.Errors)
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]crawler.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlRun, 0, len(s.runs))
	for _, run := range s.runs {
		run.Errors = cloneErrors(run.Errors)
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit = storage.NormalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ledger struct {
	store *Store
	key   crawler.PriceKey
}

func (l ledger) GetLatest(ctx context.Context) (*crawler.PriceChangeRecord, error) {
	return l.store.GetLatest(ctx, l.key)
}

func (l ledger) Append(ctx context.Context, rec crawler.PriceChangeRecord) (crawler.PriceChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return crawler.PriceChangeRecord{}, fmt.Errorf("append: %w", err)
	}
	return l.store.append(l.key, rec), nil
}

func cloneErrors(errs []crawler.RunError) []crawler.RunError {
	if errs == nil {
		return nil
	}
	out := make([]crawler.RunError, len(errs))
	copy(out, errs)
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
