// Package errs defines the error taxonomy shared by the registry, the partition
// store, the lifecycle manager and the credential issuer. Callers wrap these
// sentinels with fmt.Errorf("...: %w", errs.ErrX) and the HTTP layer maps them to
// status codes with errors.Is.
package errs

import "errors"

var (
	// ErrConflict reports a duplicate organization name or partition id collision.
	ErrConflict = errors.New("conflict")

	// ErrNotFound reports an unknown organization.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized reports bad credentials at login.
	ErrUnauthorized = errors.New("incorrect email or password")

	// ErrUnauthenticated reports a missing, invalid or expired token.
	ErrUnauthenticated = errors.New("could not validate credentials")

	// ErrForbidden reports a token bound to a different organization than the target.
	ErrForbidden = errors.New("not authorized for this organization")

	// ErrBusy reports that another lifecycle operation holds the organization lease.
	ErrBusy = errors.New("organization is busy with another operation")

	// ErrStoreUnavailable reports a transient store failure that outlived its retries.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrValidation reports malformed input rejected before any state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrMissingClaim reports an attempt to issue a token without a required claim.
	// It is a programming fault, never a user-facing condition.
	ErrMissingClaim = errors.New("token payload is missing a required claim")
)

// Kind returns a short machine-readable name for the taxonomy member err wraps,
// or "internal" when it wraps none of them.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
