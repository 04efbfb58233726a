package trustkit

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Header carries the structural fields of a token header. Both values are
// attacker-controlled: they are used only for key lookup and the algorithm
// allow-list, never trusted for anything cryptographic.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// ParseHeader splits the token into its structural segments and decodes the
// header without any cryptographic work. A kid is mandatory: multiple signing
// keys are concurrently valid during rotation, and the key must be addressed
// by id.
func ParseHeader(token string) (Header, error) {
	var h Header
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return h, newError(KindMalformedToken, "token is not a three-segment JWS")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return h, wrapError(KindMalformedToken, "token header is not base64url", err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, wrapError(KindMalformedToken, "token header is not a JSON object", err)
	}
	if h.Alg == "" {
		return h, newError(KindMalformedToken, "token header missing 'alg'")
	}
	if h.Kid == "" {
		return h, newError(KindMissingKeyID, "token header missing 'kid'")
	}
	return h, nil
}
