// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FuelType is the canonical product enum derived from free-text descriptors.
type FuelType string

// Canonical fuel types.
const (
	FuelRegular      FuelType = "regular"
	FuelPremium      FuelType = "premium"
	FuelDiesel       FuelType = "diesel"
	FuelUnrecognized FuelType = "unrecognized"
)

// Valid reports whether the fuel type takes part in change detection.
func (f FuelType) Valid() bool {
	switch f {
	case FuelRegular, FuelPremium, FuelDiesel:
		return true
	default:
		return false
	}
}

// ParseFuelType converts a persisted fuel type back into the enum.
func ParseFuelType(s string) (FuelType, error) {
	f := FuelType(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown fuel type %q", s)
	}
	return f, nil
}

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values persisted in scraper_runs.status.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Region is a first-level administrative unit.
type Region struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubRegion is a second-level administrative unit.
type SubRegion struct {
	ID       string `json:"id"`
	RegionID string `json:"region_id"`
	Name     string `json:"name"`
}

// Station is a permitted retail outlet. PermitNumber is its only identity;
// every other field is last-write-wins.
type Station struct {
	PermitNumber string `json:"permit_number"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	RegionID     string `json:"region_id"`
	SubRegionID  string `json:"subregion_id"`
	Brand        string `json:"brand,omitempty"`
	Active       bool   `json:"active"`
}

// PriceObservation is one fetched price. It is never persisted directly.
type PriceObservation struct {
	Station       Station
	FuelType      FuelType
	RawDescriptor string
	Price         decimal.Decimal
	// SourceTime is the upstream-reported change time, zero when absent.
	SourceTime time.Time
}

// StationID returns the identity of the observed station.
func (o PriceObservation) StationID() string {
	return o.Station.PermitNumber
}

// PriceKey identifies one price history series.
type PriceKey struct {
	StationID string
	FuelType  FuelType
}

// String renders the key for lock names and logs.
func (k PriceKey) String() string {
	return k.StationID + "/" + string(k.FuelType)
}

// PriceChangeRecord is a persisted price, effective from ChangedAt.
type PriceChangeRecord struct {
	ID            int64           `json:"id"`
	StationID     string          `json:"station_id"`
	FuelType      FuelType        `json:"fuel_type"`
	RawDescriptor string          `json:"raw_descriptor"`
	Price         decimal.Decimal `json:"price"`
	ChangedAt     time.Time       `json:"changed_at"`
	DetectedAt    time.Time       `json:"detected_at"`
	RunID         string          `json:"run_id,omitempty"`
}

// Key returns the series the record belongs to.
func (r PriceChangeRecord) Key() PriceKey {
	return PriceKey{StationID: r.StationID, FuelType: r.FuelType}
}

// RunCounters tracks per-run statistics.
type RunCounters struct {
	RegionsProcessed    int64 `json:"regions_processed"`
	SubRegionsProcessed int64 `json:"subregions_processed"`
	StationsFound       int64 `json:"stations_found"`
	ChangesDetected     int64 `json:"changes_detected"`
	UnmappedDescriptors int64 `json:"unmapped_descriptors"`
	MalformedEntries    int64 `json:"malformed_entries"`
}

// ErrorScope tells which unit of work a RunError belongs to.
type ErrorScope string

// Error scopes recorded in the run error list.
const (
	ScopeRun       ErrorScope = "run"
	ScopeRegion    ErrorScope = "region"
	ScopeSubRegion ErrorScope = "subregion"
)

// ErrorKind classifies RunError entries.
type ErrorKind string

// Error kinds recorded in the run error list.
const (
	KindTransient    ErrorKind = "transient"
	KindRateLimited  ErrorKind = "rate_limited"
	KindPermanent    ErrorKind = "permanent"
	KindFatal        ErrorKind = "fatal"
	KindAborted      ErrorKind = "aborted"
	KindShortCircuit ErrorKind = "short_circuit"
	KindStore        ErrorKind = "store"
	KindOverflow     ErrorKind = "overflow"
)

// RunError is one structured entry in a run's error list.
type RunError struct {
	Scope       ErrorScope `json:"scope"`
	RegionID    string     `json:"region_id,omitempty"`
	SubRegionID string     `json:"subregion_id,omitempty"`
	Kind        ErrorKind  `json:"kind"`
	Message     string     `json:"message"`
	At          time.Time  `json:"at"`
}

// CrawlRun is one full traversal of the hierarchy.
type CrawlRun struct {
	ID          string      `json:"id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Errors      []RunError  `json:"errors"`
}

// ChangeEvent is published for every appended PriceChangeRecord.
type ChangeEvent struct {
	RunID         string           `json:"run_id"`
	StationID     string           `json:"station_id"`
	FuelType      FuelType         `json:"fuel_type"`
	Price         decimal.Decimal  `json:"price"`
	PreviousPrice *decimal.Decimal `json:"previous_price,omitempty"`
	ChangedAt     time.Time        `json:"changed_at"`
	RecordID      int64            `json:"record_id"`
}
