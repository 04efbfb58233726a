package trustkit

import (
	"crypto"
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// allowedAlgorithms is the fixed allow-list of asymmetric signing schemes.
// Anything else is rejected before signature verification, whatever the
// header claims and whatever the key material could support. Closes
// algorithm-confusion downgrades to weaker or symmetric schemes.
var allowedAlgorithms = map[string]struct{}{
	jwt.SigningMethodRS256.Alg(): {},
	jwt.SigningMethodRS384.Alg(): {},
	jwt.SigningMethodRS512.Alg(): {},
}

// AlgorithmAllowed reports whether alg is on the allow-list.
func AlgorithmAllowed(alg string) bool {
	_, ok := allowedAlgorithms[alg]
	return ok
}

// verifyClaims checks the signature against the resolved key and validates
// the structural claims: exp and sub are required, nbf/iat are honored when
// present, and issuer/audience are enforced only when expected values were
// configured. Returns the full claim map on success.
func verifyClaims(token string, key crypto.PublicKey, header Header, issuer, audience string, now func() time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{header.Alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, mapJWTError(err)
	}

	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, newError(KindMissingRequiredClaim, "token missing 'sub' claim")
	}
	return Claims(claims), nil
}

// mapJWTError translates golang-jwt sentinel errors onto the failure
// taxonomy. Anything unrecognized is an unknown internal error, not a new
// caller-visible kind.
func mapJWTError(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return wrapError(KindInvalidSignature, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return wrapError(KindTokenExpired, "token has expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return wrapError(KindTokenNotYetValid, "token is not valid yet", err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return wrapError(KindTokenNotYetValid, "token used before issued", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return wrapError(KindInvalidIssuer, "token issuer is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return wrapError(KindInvalidAudience, "token audience is invalid", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return wrapError(KindMissingRequiredClaim, "token missing a required claim", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return wrapError(KindMalformedToken, "token could not be decoded", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return wrapError(KindInvalidSignature, "token could not be verified with the resolved key", err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		// Checked after the specific claim failures, which the parser joins
		// under this sentinel. Reaching it means a claim could not even be
		// decoded, e.g. a non-numeric exp.
		return wrapError(KindMalformedToken, "token claims could not be decoded", err)
	default:
		return wrapError(KindUnknown, "token validation failed", err)
	}
}
