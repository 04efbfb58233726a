// Package trustkit validates externally issued bearer tokens against a
// remotely published key set and derives an application-level principal from
// their claims. There is exactly one validation routine; every failure is a
// typed *Error with a stable Kind the caller can map to a protocol response.
package trustkit

import "errors"

// Kind identifies a validation failure. Kinds are stable strings safe for
// logs and metrics labels.
type Kind string

const (
	KindMalformedToken       Kind = "malformed_token"
	KindMissingKeyID         Kind = "missing_kid"
	KindUnsupportedAlgorithm Kind = "unsupported_algorithm"
	KindUnknownKeyID         Kind = "unknown_kid"
	KindInvalidSignature     Kind = "invalid_signature"
	KindMissingRequiredClaim Kind = "missing_required_claim"
	KindTokenExpired         Kind = "token_expired"
	KindTokenNotYetValid     Kind = "token_not_yet_valid"
	KindInvalidIssuer        Kind = "invalid_issuer"
	KindInvalidAudience      Kind = "invalid_audience"
	KindInvalidSubject       Kind = "invalid_subject"
	KindFetchTimeout         Kind = "jwks_timeout"
	KindFetchHTTPError       Kind = "jwks_http_error"
	KindFetchMalformed       Kind = "jwks_malformed"
	KindKeySetUnavailable    Kind = "keyset_unavailable"
	KindUnknown              Kind = "unknown_error"
)

// Error is a typed validation failure. Detail is diagnostic text that never
// contains token bytes, key material, or claim values.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the failure came from key set availability rather
// than the token itself. Token-content failures are deterministic and must
// not be retried; these may succeed on a later validation.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindFetchTimeout, KindFetchHTTPError, KindFetchMalformed, KindKeySetUnavailable:
		return true
	}
	return false
}

// KindOf extracts the failure kind from an error chain. Non-nil errors that
// carry no *Error report KindUnknown; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func wrapError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}
