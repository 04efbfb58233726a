// Package jwkskit maintains a process-wide cache of an identity provider's
// published signing keys (JWKS) and decides when the cache may be refreshed,
// when stale keys may still be trusted, and when validation must fail outright.
package jwkskit

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
)

// JWK is the published form of a single RSA signing key, restricted to the
// RFC 7517 members a verifier needs.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"` // base64url
	E   string `json:"e"` // base64url
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeyRecord is one published key, materialized for signature verification.
// Immutable once constructed.
type KeyRecord struct {
	Kid string
	Alg string
	Key crypto.PublicKey
}

// RSAPublicToJWK publishes an RSA public key under the given kid and alg.
// The in-repo test issuer uses it to serve keys in the same shape a real
// provider would.
func RSAPublicToJWK(pub *rsa.PublicKey, kid, alg string) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: alg,
		N:   b64uint(pub.N),
		E:   b64uint(big.NewInt(int64(pub.E))),
	}
}

// ServeKeySet writes a JWKS document, answering conditional GETs with 304 so
// pollers revalidate cheaply.
func ServeKeySet(w http.ResponseWriter, r *http.Request, ks JWKS) {
	body, _ := json.Marshal(ks)
	etag := etagFor(body)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300, must-revalidate")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(body)
}

func etagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// b64uint renders an unsigned big-endian integer as base64url. big.Int.Bytes
// already yields the minimal form RFC 7518 requires, with no leading zero
// octets.
func b64uint(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}
