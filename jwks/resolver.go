package jwkskit

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownKey means the token named a kid the endpoint does not publish,
// even after a refresh attempt. This is the correct outcome immediately after
// a successful fetch too: it indicates the signing key was rotated out or
// revoked.
var ErrUnknownKey = errors.New("jwks: unknown key id")

// Resolver maps a token's kid to a published key, refreshing the cache when
// allowed. Unknown kids can indicate key rotation, so a refresh is attempted
// (a cheap no-op while the cache is fresh) before giving up.
type Resolver struct {
	cache  *Cache
	policy *RefreshPolicy
}

func NewResolver(cache *Cache, policy *RefreshPolicy) *Resolver {
	return &Resolver{cache: cache, policy: policy}
}

// Resolve returns the key record published under kid.
func (r *Resolver) Resolve(ctx context.Context, kid string) (KeyRecord, error) {
	if err := r.policy.RefreshIfNeeded(ctx); err != nil {
		return KeyRecord{}, err
	}
	if rec, ok := r.cache.Lookup(kid); ok {
		return rec, nil
	}
	return KeyRecord{}, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}
