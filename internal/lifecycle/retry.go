package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/org-partitions/org-service/internal/errs"
)

// retry runs fn until it succeeds, fails permanently or the retry policy is
// exhausted, and returns the number of attempts made. Each attempt gets its own
// OpTimeout. Only errors wrapping errs.ErrStoreUnavailable are retried, and
// cancellation of ctx stops the loop with ctx.Err().
func (m *Manager) retry(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
		defer cancel()

		err := fn(opCtx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			// The per-attempt deadline fired inside a backend that did not
			// classify it.
			return struct{}{}, fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, err)
		case !errors.Is(err, errs.ErrStoreUnavailable):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Retry.InitialInterval
	b.MaxInterval = m.opts.Retry.MaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.opts.Retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("store call failed, retrying", "op", op, "attempt", attempts, "next", next, "error", err)
		}),
	)
	if err == nil {
		return attempts, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = ctxErr
	}
	return attempts, err
}
