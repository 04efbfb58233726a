package jwkskit

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrKeySetUnavailable means a fetch failed and no cached or snapshotted key
// set is within the staleness window. Beyond that window the system prefers
// total authentication failure over keys that may have been revoked an
// unbounded time ago.
var ErrKeySetUnavailable = errors.New("jwks: key set unavailable")

// RefreshPolicy decides, given cache state and wall-clock time, whether a
// refresh happens, is skipped, or whether stale keys are used instead.
// Concurrent refreshes collapse into a single in-flight fetch.
type RefreshPolicy struct {
	cache     *Cache
	fetcher   *Fetcher
	url       string
	snapshots SnapshotStore
	log       *logrus.Logger
	group     singleflight.Group
}

// PolicyOpt configures a refresh policy.
type PolicyOpt func(*RefreshPolicy)

// WithSnapshotStore enables cross-process snapshot fallback.
func WithSnapshotStore(s SnapshotStore) PolicyOpt {
	return func(p *RefreshPolicy) { p.snapshots = s }
}

// WithPolicyLogger overrides the logger.
func WithPolicyLogger(log *logrus.Logger) PolicyOpt {
	return func(p *RefreshPolicy) {
		if log != nil {
			p.log = log
		}
	}
}

// NewRefreshPolicy builds a policy over the given cache and fetcher. An empty
// url puts the policy in cache-only mode: RefreshIfNeeded never fetches and
// the cache must be populated by a snapshot store or by the caller.
func NewRefreshPolicy(cache *Cache, fetcher *Fetcher, url string, opts ...PolicyOpt) *RefreshPolicy {
	p := &RefreshPolicy{
		cache:   cache,
		fetcher: fetcher,
		url:     url,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RefreshIfNeeded refreshes the cache unless it is still fresh. On fetch
// failure it falls back to stale-but-usable cached keys, then to a snapshot,
// and only then reports ErrKeySetUnavailable.
func (p *RefreshPolicy) RefreshIfNeeded(ctx context.Context) error {
	if p.url == "" {
		return nil
	}
	if p.cache.IsFresh() {
		return nil
	}
	_, err, _ := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *RefreshPolicy) refresh(ctx context.Context) error {
	// A collapsed predecessor may have refreshed while we waited on the group.
	if p.cache.IsFresh() {
		return nil
	}

	// The fetch outlives the triggering request: an abandoned validation must
	// not abort a fetch other waiters share. The fetcher applies its own
	// timeout.
	fetchCtx := context.WithoutCancel(ctx)

	ks, err := p.fetcher.Fetch(fetchCtx, p.url)
	if err == nil {
		p.cache.Replace(ks.Keys)
		p.saveSnapshot(fetchCtx, ks.Raw)
		p.log.WithField("key_count", len(ks.Keys)).Info("jwks refreshed")
		return nil
	}

	if p.cache.IsUsableStale() {
		p.log.WithError(err).
			WithField("cache_age", p.cache.now().Sub(p.cache.FetchedAt()).String()).
			Warn("jwks refresh failed, proceeding with cached keys")
		return nil
	}

	if p.restoreSnapshot(fetchCtx) {
		p.log.WithError(err).Warn("jwks refresh failed, restored key set from snapshot")
		return nil
	}

	p.log.WithError(err).Error("jwks refresh failed and no usable key set is cached")
	// Both sentinels stay in the chain: callers branch on ErrKeySetUnavailable
	// and can still inspect the *FetchError for the specific failure.
	return fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
}

func (p *RefreshPolicy) saveSnapshot(ctx context.Context, raw []byte) {
	if p.snapshots == nil {
		return
	}
	s := Snapshot{Raw: raw, FetchedAt: p.cache.FetchedAt()}
	if err := p.snapshots.Save(ctx, s); err != nil {
		p.log.WithError(err).Warn("jwks snapshot save failed")
	}
}

// restoreSnapshot loads the last persisted fetch and installs it if it is
// still within the staleness window of its own fetch time.
func (p *RefreshPolicy) restoreSnapshot(ctx context.Context) bool {
	if p.snapshots == nil {
		return false
	}
	s, ok, err := p.snapshots.Load(ctx)
	if err != nil {
		p.log.WithError(err).Warn("jwks snapshot load failed")
		return false
	}
	if !ok || !p.cache.WithinStaleWindow(s.FetchedAt) {
		return false
	}
	keys, err := ParseKeySet(s.Raw)
	if err != nil {
		p.log.WithError(err).Warn("jwks snapshot is not parseable, discarding")
		return false
	}
	p.cache.ReplaceAt(keys, s.FetchedAt)
	return true
}
