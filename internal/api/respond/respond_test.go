package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/errs"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serveError(err error) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Error(c, err)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: bad", errs.ErrValidation), http.StatusBadRequest, "validation"},
		{"unauthorized", errs.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"unauthenticated", fmt.Errorf("token: %w", errs.ErrUnauthenticated), http.StatusUnauthorized, "unauthenticated"},
		{"forbidden", errs.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"not found", fmt.Errorf("org %q: %w", "acme", errs.ErrNotFound), http.StatusNotFound, "not_found"},
		{"conflict", fmt.Errorf("create: %w", errs.ErrConflict), http.StatusConflict, "conflict"},
		{"busy", fmt.Errorf("lease: %w", errs.ErrBusy), http.StatusConflict, "busy"},
		{"store", fmt.Errorf("copy: %w", errs.ErrStoreUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
		{"deadline", fmt.Errorf("rename: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, "store_unavailable"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
		{"missing claim", errs.ErrMissingClaim, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveError(tt.err)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := decode(t, w)["code"]; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestError_Headers(t *testing.T) {
	if got := serveError(errs.ErrBusy).Header().Get("Retry-After"); got != "1" {
		t.Errorf("busy Retry-After = %q, want 1", got)
	}
	if got := serveError(errs.ErrUnauthenticated).Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate = %q, want Bearer", got)
	}
}

func TestError_InternalDetailsHidden(t *testing.T) {
	body := decode(t, serveError(errors.New("pq: password authentication failed")))
	if body["error"] != "internal server error" {
		t.Errorf("error = %q, want generic message", body["error"])
	}
	body = decode(t, serveError(fmt.Errorf("%w: dial tcp 10.0.0.5:27017", errs.ErrStoreUnavailable)))
	if body["error"] != errs.ErrStoreUnavailable.Error() {
		t.Errorf("error = %q, want %q", body["error"], errs.ErrStoreUnavailable.Error())
	}
}

func TestValidation(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Validation(c, errors.New("email: invalid"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := decode(t, w)["code"]; got != "validation" {
		t.Errorf("code = %q, want validation", got)
	}
}
