package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// recorder aggregates counters and scoped errors for one run. Counters are
// updated by every worker concurrently.
type recorder struct {
	clock     crawler.Clock
	maxErrors int

	regions    atomic.Int64
	subRegions atomic.Int64
	stations   atomic.Int64
	changes    atomic.Int64
	unmapped   atomic.Int64
	malformed  atomic.Int64

	mu      sync.Mutex
	errs    []crawler.RunError
	dropped int
}

func newRecorder(clock crawler.Clock, maxErrors int) *recorder {
	return &recorder{clock: clock, maxErrors: maxErrors}
}

// addError appends a scoped error, dropping it once the list is full.
func (r *recorder) addError(e crawler.RunError) {
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxErrors > 0 && len(r.errs) >= r.maxErrors {
		r.dropped++
		return
	}
	r.errs = append(r.errs, e)
}

// addRunError appends a run-scoped entry regardless of the cap.
func (r *recorder) addRunError(kind crawler.ErrorKind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, crawler.RunError{Scope: crawler.ScopeRun, Kind: kind, Message: msg, At: r.clock.Now()})
}

func (r *recorder) counters() crawler.RunCounters {
	return crawler.RunCounters{
		RegionsProcessed:    r.regions.Load(),
		SubRegionsProcessed: r.subRegions.Load(),
		StationsFound:       r.stations.Load(),
		ChangesDetected:     r.changes.Load(),
		UnmappedDescriptors: r.unmapped.Load(),
		MalformedEntries:    r.malformed.Load(),
	}
}

// errorList returns the recorded errors plus an overflow entry when the cap
// was hit.
func (r *recorder) errorList() []crawler.RunError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crawler.RunError, len(r.errs), len(r.errs)+1)
	copy(out, r.errs)
	if r.dropped > 0 {
		out = append(out, crawler.RunError{
			Scope:   crawler.ScopeRun,
			Kind:    crawler.KindOverflow,
			Message: fmt.Sprintf("%d additional errors omitted", r.dropped),
			At:      r.clock.Now(),
		})
	}
	return out
}
