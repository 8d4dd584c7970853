// Package storage holds helpers shared by the SQL-backed crawler.Store
// implementations.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// LeaseName is the key of the single-active-run lease row.
const LeaseName = "crawl"

// DefaultListLimit applies when ListRuns is called without a limit.
const DefaultListLimit = 50

// EncodeRun serializes the JSON columns of a run.
func EncodeRun(run crawler.CrawlRun) (counters, errs []byte, err error) {
	counters, err = json.Marshal(run.Counters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal counters: %w", err)
	}
	list := run.Errors
	if list == nil {
		list = []crawler.RunError{}
	}
	errs, err = json.Marshal(list)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal errors: %w", err)
	}
	return counters, errs, nil
}

// DecodeRun fills the JSON columns of run.
func DecodeRun(run *crawler.CrawlRun, counters, errs []byte) error {
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	return nil
}

// StaleRunError is appended to runs whose lease expired before finalizing.
func StaleRunError(at time.Time) crawler.RunError {
	return crawler.RunError{
		Scope:   crawler.ScopeRun,
		Kind:    crawler.KindAborted,
		Message: "lease expired before the run finalized",
		At:      at,
	}
}

// StaleRunErrorJSON is StaleRunError as a one-element JSON array.
func StaleRunErrorJSON(at time.Time) []byte {
	b, _ := json.Marshal([]crawler.RunError{StaleRunError(at)})
	return b
}

// NormalizeLimit clamps a ListRuns limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
