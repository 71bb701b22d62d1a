// Package lease provides mutual exclusion for lifecycle operations. A lease
// covers a set of keys (organization names and partition ids) and is acquired
// all-or-nothing, so two operations touching the same organization or the
// same partition never interleave while operations on unrelated organizations
// proceed in parallel.
package lease

import (
	"context"
	"sort"
	"time"
)

// Lease is a held set of keys. Release is idempotent.
type Lease interface {
	Release()
}

// Leaser acquires leases. Acquire waits at most the leaser's configured wait
// timeout (or until ctx ends) and then fails with an error wrapping
// errs.ErrBusy. A zero wait timeout fails immediately when any key is held.
type Leaser interface {
	Acquire(ctx context.Context, keys ...string) (Lease, error)

	// TryAcquire never waits. Background sweeps use it to skip organizations
	// that are in the middle of an operation.
	TryAcquire(ctx context.Context, keys ...string) (Lease, error)
}

// OrgKey is the lease key of an organization name.
func OrgKey(name string) string {
	return "org:" + name
}

// PartitionKey is the lease key of a partition id.
func PartitionKey(id string) string {
	return "partition:" + id
}

// normalize sorts and deduplicates keys so every caller acquires in the same order.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// deadline returns the instant after which Acquire gives up.
func deadline(ctx context.Context, wait time.Duration) time.Time {
	d := time.Now().Add(wait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
