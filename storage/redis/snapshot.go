package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	jwkskit "github.com/open-rails/trustkit/jwks"
)

// SnapshotStore persists the last successful key set fetch in Redis, so a
// freshly started replica can warm its cache from a sibling's fetch while
// the key endpoint is down. The entry expires with the staleness window:
// anything older must not be trusted anyway.
type SnapshotStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewSnapshotStore(rdb *redis.Client, keyPrefix string, ttl time.Duration) *SnapshotStore {
	if keyPrefix == "" {
		keyPrefix = "trust:jwks:"
	}
	if ttl <= 0 {
		ttl = jwkskit.DefaultStaleTTL
	}
	return &SnapshotStore{rdb: rdb, key: keyPrefix + "snapshot", ttl: ttl}
}

func (s *SnapshotStore) Save(ctx context.Context, snap jwkskit.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key, b, s.ttl).Err()
}

func (s *SnapshotStore) Load(ctx context.Context) (jwkskit.Snapshot, bool, error) {
	val, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return jwkskit.Snapshot{}, false, nil
	}
	if err != nil {
		return jwkskit.Snapshot{}, false, err
	}
	var snap jwkskit.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return jwkskit.Snapshot{}, false, err
	}
	return snap, true, nil
}
