package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/lock"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
)

// compareAndDelete removes KEYS[1] only while it still holds the owner token.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire resets the TTL of KEYS[1] only while it holds the owner token.
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out SET NX PX locks under a key prefix.
type Locker struct {
	client *Client
	prefix string
}

var _ lock.Locker = (*Locker)(nil)

func NewLocker(client *Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "reconciler:lock:"
	}
	return &Locker{client: client, prefix: prefix}
}

type heldLock struct {
	client *Client
	key    string
	token  string
}

// lockKind is the label recorded for key, e.g. "pair" for "pair:t1:a:b".
func lockKind(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}
	return &heldLock{client: l.client, key: l.prefix + key, token: token}, nil
}

// TryAcquire polls with jittered exponential backoff until timeout.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (lock.Lock, error) {
	if timeout <= 0 {
		return l.Acquire(ctx, key, ttl)
	}
	started := time.Now()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond

	held, err := backoff.Retry(ctx, func() (lock.Lock, error) {
		held, err := l.Acquire(ctx, key, ttl)
		if err != nil && !errors.Is(err, lock.ErrNotAcquired) {
			return nil, backoff.Permanent(err)
		}
		return held, err
	}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(timeout))

	outcome := "acquired"
	if err != nil {
		outcome = "timeout"
		if errors.Is(err, lock.ErrNotAcquired) {
			l.client.logger.WithContext(ctx).WithField("lock", key).
				Warnf("Gave up waiting for lock after %s", time.Since(started).Round(time.Millisecond))
		}
	}
	metrics.RecordLockWait(lockKind(key), outcome, time.Since(started).Seconds())
	return held, err
}

func (h *heldLock) Release(ctx context.Context) error {
	n, err := compareAndDelete.Run(ctx, h.client.rdb, []string{h.key}, h.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}

func (h *heldLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := compareAndExpire.Run(ctx, h.client.rdb, []string{h.key}, h.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}
