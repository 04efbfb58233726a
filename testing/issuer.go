// Package testing provides a mock identity provider for applications that
// validate tokens with trustkit. It runs an HTTP server publishing JWKS at
// /.well-known/jwks.json and signs tokens that verify against those keys.
//
// Example:
//
//	issuer := testing.NewTestIssuer()
//	defer issuer.Close()
//
//	v, _ := trustkit.NewValidator(issuer.JWKSURL(), trustkit.WithIssuer(issuer.URL()))
//	token := issuer.CreateToken(uuid.NewString(), "test@example.com")
package testing

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	jwkskit "github.com/open-rails/trustkit/jwks"
)

// TestIssuer is a complete mock identity provider: a JWKS endpoint plus token
// signing with the matching private key.
type TestIssuer struct {
	mu       sync.Mutex
	server   *httptest.Server
	signer   *RSASigner
	audience string
	keySeq   int
	requests int
}

// NewTestIssuer starts a test issuer with a generated RSA key.
func NewTestIssuer() *TestIssuer {
	return NewTestIssuerWithAudience("test-app")
}

// NewTestIssuerWithAudience starts a test issuer whose tokens carry the given
// audience claim.
func NewTestIssuerWithAudience(audience string) *TestIssuer {
	signer, err := NewRSASigner("test-key-1")
	if err != nil {
		panic("testing: failed to create RSA signer: " + err.Error())
	}

	ti := &TestIssuer{signer: signer, audience: audience, keySeq: 1}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", ti.handleJWKS)
	ti.server = httptest.NewServer(mux)
	return ti
}

// URL returns the issuer base URL (the iss claim of created tokens).
func (ti *TestIssuer) URL() string { return ti.server.URL }

// JWKSURL returns the key-publishing endpoint URL.
func (ti *TestIssuer) JWKSURL() string { return ti.server.URL + "/.well-known/jwks.json" }

// Audience returns the configured audience.
func (ti *TestIssuer) Audience() string { return ti.audience }

// Close shuts down the JWKS server.
func (ti *TestIssuer) Close() { ti.server.Close() }

// RotateKey replaces the signing key with a fresh one under a new kid. The
// JWKS endpoint publishes only the new key afterwards, so tokens signed with
// the old key hit the unknown-kid path.
func (ti *TestIssuer) RotateKey() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.keySeq++
	kid := "test-key-" + strconv.Itoa(ti.keySeq)
	signer, err := NewRSASigner(kid)
	if err != nil {
		panic("testing: failed to rotate RSA key: " + err.Error())
	}
	ti.signer = signer
	return kid
}

// JWKSRequests returns how many times the key endpoint has been fetched.
// Tests use it to assert which validations touch the network.
func (ti *TestIssuer) JWKSRequests() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.requests
}

func (ti *TestIssuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	ti.mu.Lock()
	ti.requests++
	signer := ti.signer
	ti.mu.Unlock()
	ks := jwkskit.JWKS{Keys: []jwkskit.JWK{
		jwkskit.RSAPublicToJWK(signer.PublicKey(), signer.KID(), jwt.SigningMethodRS256.Alg()),
	}}
	jwkskit.ServeKeySet(w, r, ks)
}

// CreateToken signs a token with the standard claims for the given user.
func (ti *TestIssuer) CreateToken(userID, email string) string {
	return ti.CreateTokenWithClaims(userID, email, nil)
}

// CreateTokenWithClaims signs a token, merging extra claims over the standard
// ones (sub, email, iss, aud, exp, iat).
func (ti *TestIssuer) CreateTokenWithClaims(userID, email string, extraClaims map[string]any) string {
	ti.mu.Lock()
	signer := ti.signer
	ti.mu.Unlock()
	token, err := signer.Sign(ti.baseClaims(userID, email, extraClaims))
	if err != nil {
		panic("testing: failed to sign token: " + err.Error())
	}
	return token
}

// SignClaims signs exactly the given claims with the current key, adding no
// standard claims. Lets tests build tokens that omit or corrupt claims the
// validator requires.
func (ti *TestIssuer) SignClaims(claims jwt.MapClaims) string {
	ti.mu.Lock()
	signer := ti.signer
	ti.mu.Unlock()
	token, err := signer.Sign(claims)
	if err != nil {
		panic("testing: failed to sign token: " + err.Error())
	}
	return token
}

// CreateTokenWithExpiry signs a token with a custom expiry.
func (ti *TestIssuer) CreateTokenWithExpiry(userID, email string, expiry time.Time) string {
	return ti.CreateTokenWithClaims(userID, email, map[string]any{"exp": expiry.Unix()})
}

// CreateExpiredToken signs a token that expired an hour ago.
func (ti *TestIssuer) CreateExpiredToken(userID, email string) string {
	return ti.CreateTokenWithExpiry(userID, email, time.Now().Add(-time.Hour))
}

// CreateOrphanToken signs a token with a key the JWKS endpoint never
// publishes, under the given kid. Validations hit the unknown-kid path.
func (ti *TestIssuer) CreateOrphanToken(userID, email, kid string) string {
	signer, err := NewRSASigner(kid)
	if err != nil {
		panic("testing: failed to create orphan key: " + err.Error())
	}
	token, err := signer.Sign(ti.baseClaims(userID, email, nil))
	if err != nil {
		panic("testing: failed to sign orphan token: " + err.Error())
	}
	return token
}

func (ti *TestIssuer) baseClaims(userID, email string, extra map[string]any) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"iss":   ti.URL(),
		"aud":   ti.audience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}
