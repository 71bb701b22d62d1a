package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/safego"
)

// Namespace prefixes every redis lease key.
const Namespace = "orgsvc:lease:"

const pollInterval = 50 * time.Millisecond

// releaseScript deletes a key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes out the expiry of a key only while the caller owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Leaser shared by every server instance using the same redis.
// Keys expire after ttl unless the holder's keep-alive renews them, so a
// crashed holder cannot block an organization forever.
type Redis struct {
	client redis.UniversalClient
	wait   time.Duration
	ttl    time.Duration
}

// NewRedis returns a Redis leaser.
func NewRedis(client redis.UniversalClient, wait, ttl time.Duration) *Redis {
	return &Redis{client: client, wait: wait, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (Lease, error) {
	return r.acquire(ctx, r.wait, keys)
}

func (r *Redis) TryAcquire(ctx context.Context, keys ...string) (Lease, error) {
	return r.acquire(ctx, 0, keys)
}

func (r *Redis) acquire(ctx context.Context, wait time.Duration, keys []string) (Lease, error) {
	keys = normalize(keys)
	token := uuid.NewString()
	until := deadline(ctx, wait)

	for {
		got, err := r.trySetAll(ctx, keys, token)
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w: %w", errs.ErrStoreUnavailable, err)
		}
		if got {
			l := &redisLease{owner: r, keys: keys, token: token, stop: make(chan struct{})}
			l.wg.Add(1)
			safego.Go("lease-keepalive", l.keepAlive)
			return l, nil
		}

		remaining := time.Until(until)
		if remaining <= 0 {
			return nil, busy(keys)
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting for lease: %w", ctx.Err())
		}
	}
}

// trySetAll sets every key or, on the first key already held, undoes the ones
// it set and reports false.
func (r *Redis) trySetAll(ctx context.Context, keys []string, token string) (bool, error) {
	for i, k := range keys {
		ok, err := r.client.SetNX(ctx, Namespace+k, token, r.ttl).Result()
		if err != nil || !ok {
			r.releaseKeys(context.WithoutCancel(ctx), keys[:i], token)
			return false, err
		}
	}
	return true, nil
}

func (r *Redis) releaseKeys(ctx context.Context, keys []string, token string) {
	for _, k := range keys {
		if err := releaseScript.Run(ctx, r.client, []string{Namespace + k}, token).Err(); err != nil {
			slog.Warn("failed to release lease key", "key", k, "error", err)
		}
	}
}

type redisLease struct {
	owner *Redis
	keys  []string
	token string
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func (l *redisLease) keepAlive() {
	defer l.wg.Done()
	interval := l.owner.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			for _, k := range l.keys {
				n, err := extendScript.Run(ctx, l.owner.client, []string{Namespace + k}, l.token, l.owner.ttl.Milliseconds()).Int()
				if err != nil || n == 0 {
					slog.Warn("lease keep-alive failed", "key", k, "error", err)
				}
			}
			cancel()
		}
	}
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.owner.releaseKeys(ctx, l.keys, l.token)
	})
}
