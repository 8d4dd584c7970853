// Package cache skips redundant station writes during a crawl.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// StationCache wraps a StationStore and remembers what it last wrote per
// permit number. An upsert of identical metadata is answered from memory.
type StationCache struct {
	next  crawler.StationStore
	cache *expirable.LRU[string, crawler.Station]
}

var _ crawler.StationStore = (*StationCache)(nil)

// NewStationCache returns a cache holding up to size stations for ttl.
// size <= 0 returns next unchanged.
func NewStationCache(next crawler.StationStore, size int, ttl time.Duration) crawler.StationStore {
	if size <= 0 {
		return next
	}
	return &StationCache{
		next:  next,
		cache: expirable.NewLRU[string, crawler.Station](size, nil, ttl),
	}
}

// UpsertStation writes station unless the same metadata was written recently.
func (c *StationCache) UpsertStation(ctx context.Context, station crawler.Station) error {
	if cached, ok := c.cache.Get(station.PermitNumber); ok && cached == station {
		return nil
	}
	if err := c.next.UpsertStation(ctx, station); err != nil {
		return err //nolint:wrapcheck
	}
	c.cache.Add(station.PermitNumber, station)
	return nil
}

// Len reports how many stations are cached.
func (c *StationCache) Len() int {
	return c.cache.Len()
}
