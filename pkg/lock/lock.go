// Package lock declares the mutual exclusion used around merges and member
// recalculation. pkg/redis provides the distributed implementation; Local
// serves single-process deployments and tests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held")
)

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
	// Extend resets the TTL; ErrNotHeld once the lock expired and was taken.
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out named locks.
type Locker interface {
	// Acquire takes key immediately or fails with ErrNotAcquired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// TryAcquire waits up to timeout for key.
	TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error)
}

// WithLock runs fn while holding key, waiting up to timeout for it.
func WithLock(ctx context.Context, l Locker, key string, ttl, timeout time.Duration, fn func() error) error {
	held, err := l.TryAcquire(ctx, key, ttl, timeout)
	if err != nil {
		return err
	}
	defer held.Release(context.WithoutCancel(ctx))
	return fn()
}

// KeepAlive extends held every ttl/3 until the returned stop func is called.
// A failed extension is reported to onLost and ends the refresh.
func KeepAlive(ctx context.Context, held Lock, ttl time.Duration, onLost func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := held.Extend(ctx, ttl); err != nil {
					if ctx.Err() == nil && onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Local is an in-process Locker. TTLs are honoured lazily on the next acquire.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	seq   uint64
	clock func() time.Time
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localEntry{}, clock: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, ErrNotAcquired
	}
	l.seq++
	entry := localEntry{token: l.seq}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	l.held[key] = entry
	return &localLock{owner: l, key: key, token: l.seq}, nil
}

func (l *Local) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	deadline := time.Now().Add(timeout)
	wait := time.Millisecond
	for {
		held, err := l.Acquire(ctx, key, ttl)
		if !errors.Is(err, ErrNotAcquired) {
			return held, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
			wait *= 2
			if wait > 50*time.Millisecond {
				wait = 50 * time.Millisecond
			}
		}
	}
}

type localLock struct {
	owner *Local
	key   string
	token uint64
}

func (h *localLock) Extend(_ context.Context, ttl time.Duration) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	e, ok := h.owner.held[h.key]
	if !ok || e.token != h.token {
		return ErrNotHeld
	}
	now := h.owner.clock()
	if !e.expires.IsZero() && !now.Before(e.expires) {
		delete(h.owner.held, h.key)
		return ErrNotHeld
	}
	e.expires = time.Time{}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	h.owner.held[h.key] = e
	return nil
}

func (h *localLock) Release(context.Context) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if e, ok := h.owner.held[h.key]; !ok || e.token != h.token {
		return ErrNotHeld
	}
	delete(h.owner.held, h.key)
	return nil
}
