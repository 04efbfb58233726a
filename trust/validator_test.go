package trustkit_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	jwkskit "github.com/open-rails/trustkit/jwks"
	memorystore "github.com/open-rails/trustkit/storage/memory"
	authtest "github.com/open-rails/trustkit/testing"
	trustkit "github.com/open-rails/trustkit/trust"
)

type observation struct {
	issuer   string
	outcome  string
	reason   string
	duration time.Duration
}

type recordingObserver struct {
	mu      sync.Mutex
	records []observation
}

func (o *recordingObserver) ObserveValidation(issuer, outcome, reason string, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, observation{issuer, outcome, reason, duration})
}

func (o *recordingObserver) all() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.records...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestValidator builds a validator against the issuer with quiet logging.
// Later options override the issuer/audience defaults.
func newTestValidator(t *testing.T, issuer *authtest.TestIssuer, opts ...trustkit.Option) *trustkit.Validator {
	t.Helper()
	base := []trustkit.Option{
		trustkit.WithLogger(quietLog()),
		trustkit.WithIssuer(issuer.URL()),
		trustkit.WithAudience(issuer.Audience()),
	}
	v, err := trustkit.NewValidator(issuer.JWKSURL(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

// blockedServer serves an endpoint that never answers until the test ends.
func blockedServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func expectKind(t *testing.T, err error, kind trustkit.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %q failure, got success", kind)
	}
	if got := trustkit.KindOf(err); got != kind {
		t.Fatalf("expected kind %q, got %q (err: %v)", kind, got, err)
	}
}

func TestValidateRoundTrip(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	sub := uuid.NewString()
	token := issuer.CreateToken(sub, "user@example.com")

	p, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.UserID.String() != sub {
		t.Fatalf("expected subject %s, got %s", sub, p.UserID)
	}
	if p.Email != "user@example.com" {
		t.Fatalf("unexpected email %q", p.Email)
	}
	if p.Plan != trustkit.DefaultPlan {
		t.Fatalf("expected default plan, got %q", p.Plan)
	}
}

func TestValidateMalformedTokenNoNetwork(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	_, err := v.Validate(context.Background(), "definitely not a token")
	expectKind(t, err, trustkit.KindMalformedToken)

	if got := issuer.JWKSRequests(); got != 0 {
		t.Fatalf("malformed token must not reach the network, got %d fetches", got)
	}
}

func TestValidateUnsupportedAlgorithm(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	// A symmetric token with a plausible kid: the allow-list must reject it
	// before any key lookup, regardless of what keys exist.
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.NewString(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	hs.Header["kid"] = "test-key-1"
	token, err := hs.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign HS256 token: %v", err)
	}

	_, err = v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindUnsupportedAlgorithm)

	if got := issuer.JWKSRequests(); got != 0 {
		t.Fatalf("disallowed algorithm must not reach the network, got %d fetches", got)
	}
}

func TestValidateFreshCacheSkipsRefetch(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	sub := uuid.NewString()
	token := issuer.CreateToken(sub, "user@example.com")

	p1, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	p2, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("second Validate: %v", err)
	}

	if got := issuer.JWKSRequests(); got != 1 {
		t.Fatalf("expected exactly 1 fetch within freshTTL, got %d", got)
	}
	if p1.UserID != p2.UserID || p1.Email != p2.Email || p1.Plan != p2.Plan {
		t.Fatalf("expected equal principals, got %+v and %+v", p1, p2)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	token := issuer.CreateExpiredToken(uuid.NewString(), "user@example.com")
	_, err := v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindTokenExpired)
}

func TestValidateNotYetValidToken(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	token := issuer.CreateTokenWithClaims(uuid.NewString(), "user@example.com", map[string]any{
		"nbf": time.Now().Add(time.Hour).Unix(),
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	})
	_, err := v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindTokenNotYetValid)
}

func TestValidateUnknownKidAfterRotation(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()

	// Token signed with the original key, which is rotated out before the
	// validator ever fetches.
	token := issuer.CreateToken(uuid.NewString(), "user@example.com")
	issuer.RotateKey()

	v := newTestValidator(t, issuer)
	_, err := v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindUnknownKeyID)

	if got := issuer.JWKSRequests(); got != 1 {
		t.Fatalf("unknown kid should have attempted one refresh, got %d", got)
	}
}

func TestValidateUnknownKidFreshCache(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	// Warm the cache, then present a token naming a kid the endpoint never
	// published. The cache is fresh, so no further fetch happens.
	if _, err := v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "a@example.com")); err != nil {
		t.Fatalf("warmup Validate: %v", err)
	}

	orphan := issuer.CreateOrphanToken(uuid.NewString(), "b@example.com", "k1")
	_, err := v.Validate(context.Background(), orphan)
	expectKind(t, err, trustkit.KindUnknownKeyID)

	if got := issuer.JWKSRequests(); got != 1 {
		t.Fatalf("fresh cache should not refetch for an unknown kid, got %d", got)
	}
}

func TestValidateForgedSignature(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()

	// A different key pair signing under the published kid: the resolved key
	// will not verify the signature.
	kid := issuer.RotateKey()
	forger, err := authtest.NewRSASigner(kid)
	if err != nil {
		t.Fatalf("NewRSASigner: %v", err)
	}
	token, err := forger.Sign(jwt.MapClaims{
		"sub": uuid.NewString(),
		"iss": issuer.URL(),
		"aud": issuer.Audience(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	v := newTestValidator(t, issuer)
	_, err = v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindInvalidSignature)
}

func TestValidateIssuerMismatch(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer, trustkit.WithIssuer("https://someone-else.example.com"))

	_, err := v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "user@example.com"))
	expectKind(t, err, trustkit.KindInvalidIssuer)
}

func TestValidateAudienceMismatch(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer, trustkit.WithAudience("another-app"))

	_, err := v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "user@example.com"))
	expectKind(t, err, trustkit.KindInvalidAudience)
}

func TestValidateIssuerAudienceSkippedWhenUnset(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer, trustkit.WithIssuer(""), trustkit.WithAudience(""))

	if _, err := v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "user@example.com")); err != nil {
		t.Fatalf("checks should be skipped when no expectations are set: %v", err)
	}
}

func TestValidateMissingSubject(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	_, err := v.Validate(context.Background(), issuer.CreateToken("", "user@example.com"))
	expectKind(t, err, trustkit.KindMissingRequiredClaim)
}

func TestValidateMissingExpiration(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	// Signed by the published key but carrying no exp at all.
	token := issuer.SignClaims(jwt.MapClaims{
		"sub": uuid.NewString(),
		"iss": issuer.URL(),
		"aud": issuer.Audience(),
		"iat": time.Now().Unix(),
	})
	_, err := v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindMissingRequiredClaim)
}

func TestValidateUndecodableExpiration(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	for name, exp := range map[string]any{
		"null":   nil,
		"string": "tomorrow",
	} {
		t.Run(name, func(t *testing.T) {
			token := issuer.SignClaims(jwt.MapClaims{
				"sub": uuid.NewString(),
				"iss": issuer.URL(),
				"aud": issuer.Audience(),
				"exp": exp,
			})
			_, err := v.Validate(context.Background(), token)
			expectKind(t, err, trustkit.KindMalformedToken)
		})
	}
}

func TestValidateNonCanonicalSubject(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	_, err := v.Validate(context.Background(), issuer.CreateToken("user-123", "user@example.com"))
	expectKind(t, err, trustkit.KindInvalidSubject)
}

func TestValidatePlanPrecedence(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	token := issuer.CreateTokenWithClaims(uuid.NewString(), "user@example.com", map[string]any{
		"plan":         "BASIC",
		"app_metadata": map[string]any{"plan": "PRO", "stripe_customer_id": "cus_123"},
	})
	p, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Plan != "PRO" {
		t.Fatalf("expected app_metadata plan to win, got %q", p.Plan)
	}
	if p.StripeCustomerID == nil || *p.StripeCustomerID != "cus_123" {
		t.Fatalf("unexpected stripe customer id: %v", p.StripeCustomerID)
	}
}

func TestValidateStaleFallback(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	clock := newFakeClock()
	v := newTestValidator(t, issuer, trustkit.WithClock(clock.Now))

	sub := uuid.NewString()
	token := issuer.CreateTokenWithClaims(sub, "user@example.com", map[string]any{
		"exp": time.Now().Add(3 * time.Hour).Unix(),
	})

	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Fatalf("warmup Validate: %v", err)
	}

	// Endpoint goes down after the first fetch; within staleTTL validation
	// proceeds on the cached keys.
	issuer.Close()
	clock.Advance(10 * time.Minute)

	p, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("expected stale-but-usable fallback, got %v", err)
	}
	if p.UserID.String() != sub {
		t.Fatalf("unexpected principal %+v", p)
	}

	// Beyond staleTTL the keys may have been revoked arbitrarily long ago;
	// validation must fail outright.
	clock.Advance(time.Hour)
	_, err = v.Validate(context.Background(), token)
	expectKind(t, err, trustkit.KindKeySetUnavailable)
}

func TestValidateKeySetUnavailableColdStart(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	issuer.Close()
	v := newTestValidator(t, issuer)

	_, err := v.Validate(context.Background(), "a.b.c")
	expectKind(t, err, trustkit.KindMalformedToken)

	other := authtest.NewTestIssuer()
	defer other.Close()
	_, err = v.Validate(context.Background(), other.CreateToken(uuid.NewString(), "user@example.com"))
	expectKind(t, err, trustkit.KindKeySetUnavailable)
}

func TestValidateFetchTimeoutReportsUnavailable(t *testing.T) {
	srv := blockedServer(t)
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()

	obs := &recordingObserver{}
	v, err := trustkit.NewValidator(srv.URL,
		trustkit.WithLogger(quietLog()),
		trustkit.WithFetchTimeout(100*time.Millisecond),
		trustkit.WithObserver(obs),
	)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "user@example.com"))
	expectKind(t, err, trustkit.KindKeySetUnavailable)

	// The specific fetch failure stays inspectable in the chain and named in
	// the observer reason, so a timeout and an endpoint error remain
	// distinguishable.
	var ferr *jwkskit.FetchError
	if !errors.As(err, &ferr) || ferr.Reason != jwkskit.FetchTimeout {
		t.Fatalf("expected the timeout fetch failure in the chain, got %v", err)
	}
	records := obs.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(records))
	}
	if !strings.Contains(records[0].reason, "timed out") {
		t.Fatalf("observer reason should name the timeout, got %q", records[0].reason)
	}
}

func TestWarmPopulatesCache(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	if err := v.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if got := issuer.JWKSRequests(); got != 1 {
		t.Fatalf("expected 1 fetch from Warm, got %d", got)
	}

	if _, err := v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "user@example.com")); err != nil {
		t.Fatalf("Validate after Warm: %v", err)
	}
	if got := issuer.JWKSRequests(); got != 1 {
		t.Fatalf("validation after Warm should not refetch, got %d fetches", got)
	}
}

func TestWarmReportsSpecificFetchFailure(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		srv := blockedServer(t)
		v, err := trustkit.NewValidator(srv.URL,
			trustkit.WithLogger(quietLog()),
			trustkit.WithFetchTimeout(100*time.Millisecond),
		)
		if err != nil {
			t.Fatalf("NewValidator: %v", err)
		}
		expectKind(t, v.Warm(context.Background()), trustkit.KindFetchTimeout)
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		v, err := trustkit.NewValidator(srv.URL, trustkit.WithLogger(quietLog()))
		if err != nil {
			t.Fatalf("NewValidator: %v", err)
		}
		expectKind(t, v.Warm(context.Background()), trustkit.KindFetchHTTPError)
	})

	t.Run("malformed document", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not a key set"))
		}))
		defer srv.Close()
		v, err := trustkit.NewValidator(srv.URL, trustkit.WithLogger(quietLog()))
		if err != nil {
			t.Fatalf("NewValidator: %v", err)
		}
		expectKind(t, v.Warm(context.Background()), trustkit.KindFetchMalformed)
	})
}

func TestValidateSnapshotWarmsColdReplica(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	store := memorystore.NewSnapshotStore()

	first := newTestValidator(t, issuer, trustkit.WithSnapshotStore(store))
	sub := uuid.NewString()
	token := issuer.CreateToken(sub, "user@example.com")
	if _, err := first.Validate(context.Background(), token); err != nil {
		t.Fatalf("first replica Validate: %v", err)
	}

	// A second replica starts cold while the endpoint is down; the sibling's
	// snapshot carries it through.
	issuer.Close()
	second := newTestValidator(t, issuer, trustkit.WithSnapshotStore(store))
	p, err := second.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("cold replica should warm from snapshot, got %v", err)
	}
	if p.UserID.String() != sub {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestValidateObserverSeesEveryExit(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	obs := &recordingObserver{}
	v := newTestValidator(t, issuer, trustkit.WithObserver(obs))

	if _, err := v.Validate(context.Background(), issuer.CreateToken(uuid.NewString(), "user@example.com")); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := v.Validate(context.Background(), "garbage"); err == nil {
		t.Fatal("expected malformed token failure")
	}

	records := obs.all()
	if len(records) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(records))
	}
	if records[0].outcome != trustkit.OutcomeValid || records[0].reason != "" {
		t.Fatalf("unexpected success observation %+v", records[0])
	}
	if records[1].outcome != string(trustkit.KindMalformedToken) {
		t.Fatalf("unexpected failure observation %+v", records[1])
	}
	for _, r := range records {
		if r.issuer != issuer.URL() {
			t.Fatalf("expected issuer label %q, got %q", issuer.URL(), r.issuer)
		}
		if r.duration < 0 {
			t.Fatalf("negative duration in %+v", r)
		}
	}
}

func TestValidateConcurrentCallers(t *testing.T) {
	issuer := authtest.NewTestIssuer()
	defer issuer.Close()
	v := newTestValidator(t, issuer)

	token := issuer.CreateToken(uuid.NewString(), "user@example.com")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.Validate(context.Background(), token)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := issuer.JWKSRequests(); got != 1 {
		t.Fatalf("expected concurrent validations to share 1 fetch, got %d", got)
	}
}
