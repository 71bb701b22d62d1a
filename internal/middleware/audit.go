// audit.go records organization lifecycle requests and admin logins to the
// audit trail, including failed attempts.

package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/audit"
	"github.com/org-partitions/org-service/internal/safego"
)

const (
	// AuditOrganizationKey names the organization a request targets when it
	// differs from, or is absent in, the caller's token.
	AuditOrganizationKey = "audit_organization"
	// AuditActorKey names the actor of an unauthenticated request such as a login.
	AuditActorKey = "audit_actor"
)

var auditActions = map[string]string{
	"POST /org/create":   "organization.created",
	"PUT /org/update":    "organization.updated",
	"DELETE /org/delete": "organization.deleted",
	"POST /admin/login":  "admin.login",
}

// auditAction names the event for a matched route. Read-only and unmatched
// requests are not audited.
func auditAction(method, route string) (string, bool) {
	if route == "" || method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return "", false
	}
	for suffix, action := range auditActions {
		m, path, _ := strings.Cut(suffix, " ")
		if m == method && strings.HasSuffix(route, path) {
			return action, true
		}
	}
	return method + " " + route, true
}

// AuditMiddleware ships one audit record per state-changing request after the
// handler has run. Shipping happens off the request path.
func AuditMiddleware(shipper audit.Shipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		action, ok := auditAction(c.Request.Method, c.FullPath())
		if !ok {
			return
		}

		entry := &audit.LogEntry{
			Timestamp:  time.Now().UTC(),
			Action:     action,
			IPAddress:  c.ClientIP(),
			RequestID:  c.GetString(RequestIDKey),
			StatusCode: c.Writer.Status(),
		}
		metadata := map[string]any{}
		if claims, ok := GetClaims(c); ok {
			entry.Actor = claims.Subject
			entry.Organization = claims.OrgName
		} else {
			entry.Actor = c.GetString(AuditActorKey)
		}
		if target := c.GetString(AuditOrganizationKey); target != "" {
			if entry.Organization != "" && entry.Organization != target {
				metadata["previous_organization"] = entry.Organization
			}
			entry.Organization = target
		}
		if entry.Organization == "" {
			entry.Organization = c.Query("organization_name")
		}
		if len(c.Errors) > 0 {
			metadata["error"] = c.Errors.Last().Error()
		}
		if len(metadata) > 0 {
			entry.Metadata = metadata
		}

		safego.Go("audit-ship", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shipper.Ship(ctx, entry)
		})
	}
}
