// Package trustgin adapts token validation to gin handlers: it extracts the
// bearer token, validates it, and maps failure kinds to protocol responses.
package trustgin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	trustkit "github.com/open-rails/trustkit/trust"
)

// principalKey is the gin context key holding the validated principal.
const principalKey = "trustkit.principal"

// RequireAuth validates the request's bearer token and stores the resulting
// principal in the context. Token failures abort with 401 carrying only the
// failure kind, never claim contents. Key set availability failures abort
// with 503: the auth infrastructure is down, not the caller's token.
func RequireAuth(v *trustkit.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
			return
		}

		p, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			var verr *trustkit.Error
			if errors.As(err, &verr) && verr.Temporary() {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{"error": string(trustkit.KindOf(err))})
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// CurrentPrincipal returns the principal stored by RequireAuth.
func CurrentPrincipal(c *gin.Context) (*trustkit.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*trustkit.Principal)
	return p, ok
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}
