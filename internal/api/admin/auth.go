// auth.go implements the administrator login endpoint, which exchanges an admin
// email and password for a bearer token bound to the organization they administer.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/api/respond"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/middleware"
)

// Authenticator exchanges admin credentials for a token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// LoginRequest is the body of POST /admin/login
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is returned by a successful login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// AuthHandlers handles administrator authentication endpoints
type AuthHandlers struct {
	authenticator Authenticator
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(authenticator Authenticator) *AuthHandlers {
	return &AuthHandlers{authenticator: authenticator}
}

// LoginHandler authenticates an administrator
// POST /admin/login
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Validation(c, err)
			return
		}
		c.Set(middleware.AuditActorKey, req.Email)

		token, err := h.authenticator.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
	}
}

// MeHandler echoes the identity carried by the caller's token
// GET /admin/me
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		if !ok {
			respond.Error(c, errs.ErrUnauthenticated)
			return
		}
		resp := gin.H{
			"organization_name": claims.OrgName,
			"email":             claims.Subject,
		}
		if claims.ExpiresAt != nil {
			resp["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, resp)
	}
}
