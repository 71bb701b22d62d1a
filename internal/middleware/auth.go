// Package middleware provides Gin HTTP middleware for bearer authentication,
// rate limiting, security headers, request ids, metrics and request logging.
//
// Ordering is enforced in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → [RateLimit] → [Auth] → Handler
//
// Rate limiting runs before auth on the login route so brute-force attempts are
// rejected before any bcrypt work.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/auth"
	"github.com/org-partitions/org-service/internal/errs"
)

const (
	// ClaimsKey is the gin.Context key holding the validated *auth.Claims.
	ClaimsKey = "claims"

	// OrgNameKey is the gin.Context key holding the token's org_name claim.
	OrgNameKey = "org_name"
)

// TokenValidator validates a raw bearer token.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AuthMiddleware requires a valid bearer token and stores its claims in the
// context. Every failure is answered with the same 401 so callers cannot tell
// an expired token from a forged one.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abortUnauthenticated(c)
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			abortUnauthenticated(c)
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(OrgNameKey, claims.OrgName)
		c.Next()
	}
}

// GetClaims returns the claims stored by AuthMiddleware.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok && claims != nil
}

func abortUnauthenticated(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": errs.ErrUnauthenticated.Error(),
		"code":  errs.Kind(errs.ErrUnauthenticated),
	})
}
