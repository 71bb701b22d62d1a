package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/org-partitions/org-service/internal/errs"
)

// Memory is an in-process Leaser. It is only correct when a single server
// instance mutates the registry.
type Memory struct {
	wait time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemory returns a Memory leaser that waits up to wait for held keys.
func NewMemory(wait time.Duration) *Memory {
	return &Memory{wait: wait, held: make(map[string]chan struct{})}
}

// Acquire takes every key or none of them.
func (m *Memory) Acquire(ctx context.Context, keys ...string) (Lease, error) {
	return m.acquire(ctx, m.wait, keys)
}

// TryAcquire is Acquire without waiting.
func (m *Memory) TryAcquire(ctx context.Context, keys ...string) (Lease, error) {
	return m.acquire(ctx, 0, keys)
}

func (m *Memory) acquire(ctx context.Context, wait time.Duration, keys []string) (Lease, error) {
	keys = normalize(keys)
	until := deadline(ctx, wait)

	for {
		m.mu.Lock()
		blocker := m.firstHeld(keys)
		if blocker == nil {
			released := make(chan struct{})
			for _, k := range keys {
				m.held[k] = released
			}
			m.mu.Unlock()
			return &memoryLease{owner: m, keys: keys, released: released}, nil
		}
		m.mu.Unlock()

		remaining := time.Until(until)
		if remaining <= 0 {
			return nil, busy(keys)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-blocker:
			timer.Stop()
		case <-timer.C:
			return nil, busy(keys)
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting for lease on %s: %w", strings.Join(keys, ","), ctx.Err())
		}
	}
}

// firstHeld returns the release channel of the first held key, or nil. Callers hold m.mu.
func (m *Memory) firstHeld(keys []string) chan struct{} {
	for _, k := range keys {
		if ch, ok := m.held[k]; ok {
			return ch
		}
	}
	return nil
}

type memoryLease struct {
	owner    *Memory
	keys     []string
	released chan struct{}
	once     sync.Once
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.owner.mu.Lock()
		for _, k := range l.keys {
			if l.owner.held[k] == l.released {
				delete(l.owner.held, k)
			}
		}
		l.owner.mu.Unlock()
		close(l.released)
	})
}

func busy(keys []string) error {
	return fmt.Errorf("lease on %s: %w", strings.Join(keys, ","), errs.ErrBusy)
}
