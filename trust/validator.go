package trustkit

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	jwkskit "github.com/open-rails/trustkit/jwks"
)

// defaultIssuerLabel is the observer label when no expected issuer is
// configured.
const defaultIssuerLabel = "default"

// Validator is the top-level entry point: header decode, key resolution with
// refresh, signature and claims verification, principal derivation. It is
// safe for unbounded concurrent callers; the key set cache is the only shared
// state and key refreshes collapse into a single in-flight fetch.
type Validator struct {
	cache    *jwkskit.Cache
	policy   *jwkskit.RefreshPolicy
	resolver *jwkskit.Resolver

	issuer      string
	audience    string
	issuerLabel string
	observer    Observer
	log         *logrus.Logger
	now         func() time.Time
}

type settings struct {
	issuer       string
	audience     string
	freshTTL     time.Duration
	staleTTL     time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	snapshots    jwkskit.SnapshotStore
	observer     Observer
	log          *logrus.Logger
	now          func() time.Time
}

// Option configures a Validator.
type Option func(*settings)

// WithIssuer requires the iss claim to match exactly. Without it the issuer
// check is skipped; that is the caller's choice, not the validator's.
func WithIssuer(issuer string) Option {
	return func(s *settings) { s.issuer = issuer }
}

// WithAudience requires the aud claim to contain the given audience. Without
// it the audience check is skipped.
func WithAudience(audience string) Option {
	return func(s *settings) { s.audience = audience }
}

// WithObserver sets the instrumentation collaborator called on every exit.
func WithObserver(o Observer) Option {
	return func(s *settings) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

// WithHTTPClient overrides the HTTP client used for key set fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithFreshTTL sets how long a fetched key set is considered fresh.
func WithFreshTTL(d time.Duration) Option {
	return func(s *settings) { s.freshTTL = d }
}

// WithStaleTTL sets the maximum tolerated staleness of cached keys.
func WithStaleTTL(d time.Duration) Option {
	return func(s *settings) { s.staleTTL = d }
}

// WithFetchTimeout bounds a single key set fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *settings) { s.fetchTimeout = d }
}

// WithSnapshotStore persists successful fetches outside the process and lets
// a cold replica warm its cache during an endpoint outage.
func WithSnapshotStore(store jwkskit.SnapshotStore) Option {
	return func(s *settings) { s.snapshots = store }
}

// WithClock injects the time source for freshness and claim checks. Tests
// use this for deterministic expiry and TTL behavior.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// NewValidator builds a validator for the given key-publishing endpoint.
// An empty jwksURL disables fetching; keys then come from a snapshot store.
func NewValidator(jwksURL string, opts ...Option) (*Validator, error) {
	s := settings{
		observer: NopObserver{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}

	cache, err := jwkskit.NewCache(s.freshTTL, s.staleTTL, s.now)
	if err != nil {
		return nil, err
	}
	fetcher := jwkskit.NewFetcher(s.client, s.fetchTimeout)
	policy := jwkskit.NewRefreshPolicy(cache, fetcher, jwksURL,
		jwkskit.WithSnapshotStore(s.snapshots),
		jwkskit.WithPolicyLogger(s.log),
	)

	label := s.issuer
	if label == "" {
		label = defaultIssuerLabel
	}

	return &Validator{
		cache:       cache,
		policy:      policy,
		resolver:    jwkskit.NewResolver(cache, policy),
		issuer:      s.issuer,
		audience:    s.audience,
		issuerLabel: label,
		observer:    s.observer,
		log:         s.log,
		now:         s.now,
	}, nil
}

// RefreshPolicy exposes the refresh policy, e.g. to attach a background
// Refresher.
func (v *Validator) RefreshPolicy() *jwkskit.RefreshPolicy { return v.policy }

// Warm eagerly fetches the key set so the first validation does not pay for
// it. Startup code can use it to fail fast on a broken endpoint: the returned
// error carries the specific fetch failure kind (jwks_timeout,
// jwks_http_error, jwks_malformed) rather than the keyset_unavailable kind a
// validation would report.
func (v *Validator) Warm(ctx context.Context) error {
	if err := v.policy.RefreshIfNeeded(ctx); err != nil {
		return mapFetchError(err)
	}
	return nil
}

// Validate checks the token end to end and derives a Principal. Every exit
// path (success, each failure kind, and unexpected internal errors) is
// reported to the Observer with the measured duration. Unexpected errors are
// logged in full server-side and collapsed to a generic unknown_error for the
// caller.
func (v *Validator) Validate(ctx context.Context, token string) (*Principal, error) {
	start := time.Now()

	p, err := v.validate(ctx, token)
	duration := time.Since(start)

	if err == nil {
		v.observer.ObserveValidation(v.issuerLabel, OutcomeValid, "", duration)
		v.log.WithFields(logrus.Fields{
			"user_id":     p.UserID.String(),
			"duration_ms": duration.Milliseconds(),
		}).Debug("token validated")
		return p, nil
	}

	var verr *Error
	if !errors.As(err, &verr) {
		v.log.WithError(err).Error("unexpected token validation failure")
		verr = wrapError(KindUnknown, "internal validation error", err)
	}
	v.observer.ObserveValidation(v.issuerLabel, string(verr.Kind), verr.Detail, duration)
	return nil, verr
}

func (v *Validator) validate(ctx context.Context, token string) (*Principal, error) {
	header, err := ParseHeader(token)
	if err != nil {
		return nil, err
	}

	// Checked before key resolution: a disallowed algorithm fails regardless
	// of whether a matching key exists, and without touching the network.
	if !AlgorithmAllowed(header.Alg) {
		return nil, newError(KindUnsupportedAlgorithm, "algorithm "+header.Alg+" is not allowed")
	}

	rec, err := v.resolver.Resolve(ctx, header.Kid)
	if err != nil {
		return nil, mapResolveError(err)
	}

	claims, err := verifyClaims(token, rec.Key, header, v.issuer, v.audience, v.now)
	if err != nil {
		return nil, err
	}

	return DerivePrincipal(claims)
}

// mapResolveError translates key resolution failures onto the taxonomy. A
// validation that exhausts every fallback reports keyset_unavailable whatever
// the underlying fetch failure was; the specific failure is named in the
// detail and kept in the error chain, so the observer reason and server-side
// logs still distinguish a timeout from an endpoint error.
func mapResolveError(err error) *Error {
	switch {
	case errors.Is(err, jwkskit.ErrUnknownKey):
		return wrapError(KindUnknownKeyID, "no published key matches the token's kid", err)
	case errors.Is(err, jwkskit.ErrKeySetUnavailable):
		return wrapError(KindKeySetUnavailable, unavailableDetail(err), err)
	}
	return wrapError(KindUnknown, "key resolution failed", err)
}

// mapFetchError translates a key set refresh failure onto the taxonomy,
// keeping the specific fetch failure kind. Used by Warm, where the caller
// asked for the fetch itself rather than a token verdict.
func mapFetchError(err error) *Error {
	var ferr *jwkskit.FetchError
	if errors.As(err, &ferr) {
		switch ferr.Reason {
		case jwkskit.FetchTimeout:
			return wrapError(KindFetchTimeout, "key set fetch timed out", err)
		case jwkskit.FetchHTTPError:
			return wrapError(KindFetchHTTPError, "key set endpoint returned an error", err)
		case jwkskit.FetchMalformed:
			return wrapError(KindFetchMalformed, "key set response was not usable", err)
		}
	}
	if errors.Is(err, jwkskit.ErrKeySetUnavailable) {
		return wrapError(KindKeySetUnavailable, "key set fetch failed with no usable cached keys", err)
	}
	return wrapError(KindUnknown, "key set refresh failed", err)
}

func unavailableDetail(err error) string {
	var ferr *jwkskit.FetchError
	if errors.As(err, &ferr) {
		switch ferr.Reason {
		case jwkskit.FetchTimeout:
			return "key set fetch timed out and no usable keys are cached"
		case jwkskit.FetchHTTPError:
			return "key set endpoint errored and no usable keys are cached"
		case jwkskit.FetchMalformed:
			return "key set response was unusable and no usable keys are cached"
		}
	}
	return "key set fetch failed with no usable cached keys"
}
