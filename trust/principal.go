package trustkit

import (
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the validated claim set of a token.
type Claims = jwt.MapClaims

// DefaultPlan is the baseline tier assumed when the token carries no plan
// claim at any location.
const DefaultPlan = "FREE"

// attributeSubMaps lists the claim sub-maps searched for account attributes,
// highest precedence first. Providers write authoritative attributes into
// app_metadata; user_metadata is user-editable and trusted less; a bare
// top-level claim comes last.
var attributeSubMaps = []string{"app_metadata", "user_metadata"}

// Principal is the application-level identity derived from a validated
// token. RawClaims retains the full claim set for caller extension.
type Principal struct {
	UserID           uuid.UUID
	Email            string
	Plan             string
	StripeCustomerID *string
	RawClaims        Claims
}

// DerivePrincipal maps validated claims onto a Principal. The subject claim
// must be present and parse as the provider's canonical UUID form; a missing
// email is not an error.
func DerivePrincipal(claims Claims) (*Principal, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, newError(KindInvalidSubject, "token missing 'sub' claim")
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, wrapError(KindInvalidSubject, "'sub' claim is not a canonical user id", err)
	}

	email, _ := claims["email"].(string)

	plan := LookupAttribute(claims, "plan")
	if plan == "" {
		plan = DefaultPlan
	}

	p := &Principal{
		UserID:    id,
		Email:     email,
		Plan:      plan,
		RawClaims: claims,
	}
	if ref := LookupAttribute(claims, "stripe_customer_id"); ref != "" {
		p.StripeCustomerID = &ref
	}
	return p, nil
}

// LookupAttribute resolves a string attribute by the fixed precedence order:
// app_metadata, then user_metadata, then the top-level claim. Empty strings
// do not shadow lower-precedence values.
func LookupAttribute(claims Claims, name string) string {
	for _, loc := range attributeSubMaps {
		sub, ok := claims[loc].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := sub[name].(string); ok && v != "" {
			return v
		}
	}
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
