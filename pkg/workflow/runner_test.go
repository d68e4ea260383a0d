package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
}

type echoArgs struct {
	Value string `json:"value"`
}

func TestRunner_StartAndResult(t *testing.T) {
	registry := NewRegistry()
	registry.Register("echo", func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
		args, err := Decode[echoArgs](raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(args.Value + "!")
	})
	runner := NewRunner(registry, 2, testLogger())

	handle, err := runner.Start(context.Background(), "echo", StartOptions{ID: "run-1", Args: echoArgs{Value: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1", handle.ID())

	raw, err := runner.GetHandle("run-1").Result(context.Background())
	require.NoError(t, err)
	out, err := Decode[string](raw)
	require.NoError(t, err)
	assert.Equal(t, "hi!", out)
}

func TestRunner_RejectsDuplicateRunningID(t *testing.T) {
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register("block", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	runner := NewRunner(registry, 2, testLogger())

	_, err := runner.Start(context.Background(), "block", StartOptions{ID: "dup"})
	require.NoError(t, err)
	_, err = runner.Start(context.Background(), "block", StartOptions{ID: "dup"})
	require.ErrorIs(t, err, ErrAlreadyStarted)

	close(release)
	require.NoError(t, runner.Wait(context.Background()))

	_, err = runner.Start(context.Background(), "block", StartOptions{ID: "dup"})
	require.NoError(t, err)
	require.NoError(t, runner.Wait(context.Background()))
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	registry := NewRegistry()
	registry.Register("work", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	runner := NewRunner(registry, 3, testLogger())

	for i := 0; i < 20; i++ {
		_, err := runner.Start(context.Background(), "work", StartOptions{ID: string(rune('a' + i))})
		require.NoError(t, err)
	}
	require.NoError(t, runner.Wait(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunner_DetachesFromCallerCancellation(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	})
	runner := NewRunner(registry, 1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := runner.Start(ctx, "slow", StartOptions{ID: "detached"})
	require.NoError(t, err)
	cancel()

	_, err = handle.Result(context.Background())
	require.NoError(t, err)
}

func TestRunner_PropagatesFailureAndUnknowns(t *testing.T) {
	registry := NewRegistry()
	registry.Register("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("nope")
	})
	runner := NewRunner(registry, 1, testLogger())

	handle, err := runner.Start(context.Background(), "fail", StartOptions{ID: "f"})
	require.NoError(t, err)
	_, err = handle.Result(context.Background())
	require.EqualError(t, err, "nope")

	_, err = runner.Start(context.Background(), "missing", StartOptions{ID: "m"})
	require.ErrorIs(t, err, ErrUnknownWorkflow)

	_, err = runner.GetHandle("never").Result(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunner_ForgetsSettledRunsAfterRetention(t *testing.T) {
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register("echo", func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
		return raw, nil
	})
	registry.Register("block", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	runner := NewRunner(registry, 4, testLogger(), WithRetention(time.Minute))
	var clock atomic.Int64
	clock.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	runner.now = func() time.Time { return time.Unix(0, clock.Load()) }
	ctx := context.Background()

	_, err := runner.Start(ctx, "echo", StartOptions{ID: "old"})
	require.NoError(t, err)
	_, err = runner.GetHandle("old").Result(ctx)
	require.NoError(t, err)
	_, err = runner.Start(ctx, "block", StartOptions{ID: "running"})
	require.NoError(t, err)

	clock.Add(int64(2 * time.Minute))
	_, err = runner.Start(ctx, "echo", StartOptions{ID: "fresh"})
	require.NoError(t, err)
	_, err = runner.GetHandle("fresh").Result(ctx)
	require.NoError(t, err)

	_, err = runner.GetHandle("old").Result(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = runner.Start(ctx, "block", StartOptions{ID: "running"})
	require.ErrorIs(t, err, ErrAlreadyStarted)

	close(release)
	_, err = runner.GetHandle("running").Result(ctx)
	require.NoError(t, err)
	_, err = runner.GetHandle("fresh").Result(ctx)
	require.NoError(t, err)
}
