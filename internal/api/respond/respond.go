// Package respond maps errors from the lifecycle manager and the credential
// issuer onto HTTP responses. Every error body has the shape
//
//	{"error": "<message>", "code": "<kind>"}
//
// where kind is errs.Kind of the error.
package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/errs"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errs.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as a JSON error response and aborts the chain.
func Error(c *gin.Context, err error) {
	status := Status(err)
	kind := errs.Kind(err)
	message := err.Error()

	switch {
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrUnauthenticated):
		c.Header("WWW-Authenticate", "Bearer")
		if errors.Is(err, errs.ErrUnauthorized) {
			message = errs.ErrUnauthorized.Error()
		} else {
			message = errs.ErrUnauthenticated.Error()
		}
	case errors.Is(err, errs.ErrBusy):
		c.Header("Retry-After", "1")
	case status == http.StatusServiceUnavailable:
		kind = errs.Kind(errs.ErrStoreUnavailable)
		message = errs.ErrStoreUnavailable.Error()
		slog.Warn("store unavailable", "path", c.FullPath(), "request_id", c.GetString("request_id"), "error", err)
	case status == http.StatusInternalServerError:
		kind = "internal"
		message = "internal server error"
		slog.Error("request failed", "path", c.FullPath(), "request_id", c.GetString("request_id"), "error", err)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error": message,
		"code":  kind,
	})
}

// Validation writes a 400 for a request that failed binding or field checks.
func Validation(c *gin.Context, err error) {
	if !errors.Is(err, errs.ErrValidation) {
		err = fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"code":  errs.Kind(errs.ErrValidation),
	})
}
