// Package detector decides whether an observed price is a genuine change and
// appends it to the price history when it is.
package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// Decision reports what Detect did with one observation.
type Decision struct {
	// Changed is true when a record was appended.
	Changed bool
	// Bootstrap is true when the series had no prior record.
	Bootstrap bool
	// Record is the appended record, nil when unchanged.
	Record *crawler.PriceChangeRecord
	// Previous is the latest record before this observation, nil on bootstrap.
	Previous *crawler.PriceChangeRecord
}

// Detector compares observations against the latest stored price.
type Detector struct {
	store crawler.PriceStore
	clock crawler.Clock
}

// New builds a Detector.
func New(store crawler.PriceStore, clock crawler.Clock) *Detector {
	return &Detector{store: store, clock: clock}
}

// Detect appends obs when its price differs from the latest record of the
// same (station, fuel type), or when no record exists yet. Prices compare by
// exact decimal equality. The read and the append run under the store's
// per-key serialization, so replaying an observation never appends twice.
func (d *Detector) Detect(ctx context.Context, runID string, obs crawler.PriceObservation) (Decision, error) {
	if !obs.FuelType.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", crawler.ErrUnmappedFuelType, obs.RawDescriptor)
	}
	if obs.StationID() == "" {
		return Decision{}, fmt.Errorf("%w: missing station id", crawler.ErrMalformedRecord)
	}
	if !obs.Price.IsPositive() {
		return Decision{}, fmt.Errorf("%w: price %s is not positive", crawler.ErrMalformedRecord, obs.Price)
	}

	key := crawler.PriceKey{StationID: obs.StationID(), FuelType: obs.FuelType}
	var decision Decision
	err := d.store.WithKey(ctx, key, func(ctx context.Context, ledger crawler.Ledger) error {
		latest, err := ledger.GetLatest(ctx)
		if err != nil {
			return fmt.Errorf("get latest: %w", err)
		}
		if latest != nil && latest.Price.Equal(obs.Price) {
			decision = Decision{Previous: latest}
			return nil
		}

		detectedAt := d.clock.Now()
		rec := crawler.PriceChangeRecord{
			StationID:     key.StationID,
			FuelType:      key.FuelType,
			RawDescriptor: obs.RawDescriptor,
			Price:         obs.Price,
			ChangedAt:     changedAt(obs, latest, detectedAt),
			DetectedAt:    detectedAt,
			RunID:         runID,
		}
		stored, err := ledger.Append(ctx, rec)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		decision = Decision{
			Changed:   true,
			Bootstrap: latest == nil,
			Record:    &stored,
			Previous:  latest,
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("detect %s: %w", key, err)
	}
	return decision, nil
}

// changedAt prefers the upstream timestamp but never lets the series go
// backwards in time; a stale source time falls back to detectedAt.
func changedAt(obs crawler.PriceObservation, latest *crawler.PriceChangeRecord, detectedAt time.Time) time.Time {
	at := detectedAt
	if !obs.SourceTime.IsZero() {
		at = obs.SourceTime.UTC().Truncate(time.Microsecond)
	}
	if latest != nil && !at.After(latest.ChangedAt) {
		at = detectedAt
		if !at.After(latest.ChangedAt) {
			at = latest.ChangedAt.Add(time.Microsecond)
		}
	}
	return at
}
