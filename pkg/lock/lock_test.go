package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	held, err := l.Acquire(ctx, "pair", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "pair", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	require.ErrorIs(t, held.Release(ctx), ErrNotHeld)

	again, err := l.Acquire(ctx, "pair", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocal_ExpiredLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.clock = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "member", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "member", time.Second)
	require.NoError(t, err)

	require.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestLocal_ExtendKeepsLockPastItsTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.clock = func() time.Time { return now }

	held, err := l.Acquire(ctx, "action", time.Second)
	require.NoError(t, err)

	now = now.Add(900 * time.Millisecond)
	require.NoError(t, held.Extend(ctx, time.Second))

	now = now.Add(900 * time.Millisecond)
	_, err = l.Acquire(ctx, "action", time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	now = now.Add(2 * time.Second)
	require.ErrorIs(t, held.Extend(ctx, time.Second), ErrNotHeld)
	taken, err := l.Acquire(ctx, "action", time.Second)
	require.NoError(t, err)
	require.NoError(t, taken.Release(ctx))
}

func TestKeepAlive_RefreshesUntilStopped(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	held, err := l.Acquire(ctx, "action", 60*time.Millisecond)
	require.NoError(t, err)
	stop := KeepAlive(ctx, held, 60*time.Millisecond, func(err error) { t.Errorf("lock lost: %v", err) })

	time.Sleep(200 * time.Millisecond)
	_, err = l.Acquire(ctx, "action", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	stop()
	require.NoError(t, held.Release(ctx))
}

func TestKeepAlive_ReportsLostLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	held, err := l.Acquire(ctx, "action", 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))

	lost := make(chan error, 1)
	stop := KeepAlive(ctx, held, 30*time.Millisecond, func(err error) { lost <- err })
	defer stop()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrNotHeld)
	case <-time.After(time.Second):
		t.Fatal("lost lock was not reported")
	}
}

func TestWithLock_WaitsForHolder(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	held, err := l.Acquire(ctx, "member", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	ran := false
	require.NoError(t, WithLock(ctx, l, "member", time.Minute, time.Second, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	boom := errors.New("boom")
	require.ErrorIs(t, WithLock(ctx, l, "member", time.Minute, time.Second, func() error { return boom }), boom)
}

func TestTryAcquire_TimesOut(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	_, err := l.Acquire(ctx, "member", time.Minute)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "member", time.Minute, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)
}
