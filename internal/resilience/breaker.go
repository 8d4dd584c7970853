package resilience

import "sync"

// RegionBreaker trips after Threshold consecutive sub-region failures within
// one region. A success resets the streak. Once tripped it stays open for the
// rest of the region. Safe for concurrent use by the worker pool.
type RegionBreaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	tripped     bool
	skipped     int
}

// NewRegionBreaker returns a breaker; threshold <= 0 disables tripping.
func NewRegionBreaker(threshold int) *RegionBreaker {
	return &RegionBreaker{threshold: threshold}
}

// Allow reports whether the next sub-region should be attempted. A refusal is
// counted as skipped.
func (b *RegionBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		b.skipped++
		return false
	}
	return true
}

// Record stores one outcome and reports whether this call tripped the breaker.
func (b *RegionBreaker) Record(success bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return false
	}
	if success {
		b.consecutive = 0
		return false
	}
	b.consecutive++
	if b.threshold > 0 && b.consecutive >= b.threshold {
		b.tripped = true
		return true
	}
	return false
}

// Tripped reports whether the breaker is open.
func (b *RegionBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Skipped returns how many sub-regions were refused after tripping.
func (b *RegionBreaker) Skipped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}
