package jwkskit

import (
	"context"
	"time"
)

// Snapshot is one complete fetch response plus the time it was fetched.
// Restoring a snapshot is equivalent to having performed that fetch: it is
// never merged with other data, and staleness counts from FetchedAt.
type Snapshot struct {
	Raw       []byte    `json:"raw"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SnapshotStore persists the last successful fetch outside the process, so a
// freshly started replica can warm its cache from a sibling's fetch while the
// key endpoint is unreachable. Saves are best effort; loads happen only when
// a fetch failed and the in-process cache is unusable.
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
}
