package jwkskit

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultFreshTTL bounds how quickly key rotation propagates under
	// normal operation.
	DefaultFreshTTL = 5 * time.Minute
	// DefaultStaleTTL bounds how long keys from the last successful fetch
	// may be trusted once the endpoint becomes unreachable.
	DefaultStaleTTL = time.Hour
)

// Cache holds the key set from the most recent successful fetch. The map is
// only ever replaced wholesale; a fetch either fully swaps it or is discarded.
// Safe for unbounded concurrent callers; no operation performs I/O.
type Cache struct {
	mu        sync.RWMutex
	keys      map[string]KeyRecord
	fetchedAt time.Time

	freshTTL time.Duration
	staleTTL time.Duration
	now      func() time.Time
}

// NewCache constructs an empty cache. Zero TTLs take the defaults; now may be
// nil for the wall clock (tests inject their own). freshTTL must be shorter
// than staleTTL.
func NewCache(freshTTL, staleTTL time.Duration, now func() time.Time) (*Cache, error) {
	if freshTTL <= 0 {
		freshTTL = DefaultFreshTTL
	}
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	if freshTTL >= staleTTL {
		return nil, fmt.Errorf("jwks: freshTTL (%s) must be shorter than staleTTL (%s)", freshTTL, staleTTL)
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{freshTTL: freshTTL, staleTTL: staleTTL, now: now}, nil
}

// IsFresh reports whether the last fetch is within the freshness window.
func (c *Cache) IsFresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) > 0 && c.now().Sub(c.fetchedAt) < c.freshTTL
}

// IsUsableStale reports whether the cached keys, though no longer fresh, are
// still within the maximum tolerated staleness window.
func (c *Cache) IsUsableStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) > 0 && c.now().Sub(c.fetchedAt) < c.staleTTL
}

// Replace atomically swaps in the keys of a successful fetch and stamps the
// fetch time. There is no partial visibility: lookups see either the old set
// or the new one.
func (c *Cache) Replace(keys map[string]KeyRecord) {
	c.ReplaceAt(keys, c.now())
}

// ReplaceAt is Replace with an explicit fetch time. Used when restoring a
// snapshot taken by a sibling process, so the staleness window still counts
// from when the keys were actually fetched.
func (c *Cache) ReplaceAt(keys map[string]KeyRecord, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.fetchedAt = fetchedAt
}

// Lookup returns the record published under kid, if any.
func (c *Cache) Lookup(kid string) (KeyRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.keys[kid]
	return rec, ok
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// FetchedAt returns the time of the last successful fetch (zero if never).
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// WithinStaleWindow reports whether keys fetched at the given time would
// still be inside the staleness window.
func (c *Cache) WithinStaleWindow(fetchedAt time.Time) bool {
	return !fetchedAt.IsZero() && c.now().Sub(fetchedAt) < c.staleTTL
}
