package memorystore

import (
	"context"
	"sync"

	jwkskit "github.com/open-rails/trustkit/jwks"
)

// SnapshotStore is an in-memory implementation of jwkskit.SnapshotStore for
// tests and single-node deployments.
type SnapshotStore struct {
	mu   sync.Mutex
	snap jwkskit.Snapshot
	set  bool
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func (s *SnapshotStore) Save(ctx context.Context, snap jwkskit.Snapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := make([]byte, len(snap.Raw))
	copy(raw, snap.Raw)
	s.snap = jwkskit.Snapshot{Raw: raw, FetchedAt: snap.FetchedAt}
	s.set = true
	return nil
}

func (s *SnapshotStore) Load(ctx context.Context) (jwkskit.Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return jwkskit.Snapshot{}, false, nil
	}
	return s.snap, true, nil
}
