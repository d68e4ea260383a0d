package redis

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/lock"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
}

func TestLockKind(t *testing.T) {
	assert.Equal(t, "pair", lockKind("pair:t1:a:b"))
	assert.Equal(t, "scheduler", lockKind("scheduler"))
}

func TestConfigAddr(t *testing.T) {
	assert.Equal(t, "localhost:6379", Config{Host: "localhost", Port: 6379}.Addr())
	assert.Equal(t, "[::1]:6380", Config{Host: "::1", Port: 6380}.Addr())
}

// getTestClient connects to REDIS_HOST or starts a redis container.
func getTestClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	cfg := Config{Host: os.Getenv("REDIS_HOST"), Port: 6379}
	if cfg.Host == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("Skipping integration test, no redis available: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		host, err := container.Host(ctx)
		require.NoError(t, err)
		port, err := container.MappedPort(ctx, "6379")
		require.NoError(t, err)
		cfg.Host = host
		cfg.Port, err = strconv.Atoi(port.Port())
		require.NoError(t, err)
	}

	client, err := NewClient(ctx, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIntegrationLocker(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "test:"+strconv.FormatInt(time.Now().UnixNano(), 10)+":")

	held, err := locker.Acquire(ctx, "pair:t1:a:b", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "pair:t1:a:b", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	_, err = locker.TryAcquire(ctx, "pair:t1:a:b", time.Minute, 50*time.Millisecond)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, held.Extend(ctx, 2*time.Minute))
	ttl, err := client.rdb.PTTL(ctx, held.(*heldLock).key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	require.NoError(t, held.Release(ctx))
	require.ErrorIs(t, held.Release(ctx), lock.ErrNotHeld)
	require.ErrorIs(t, held.Extend(ctx, time.Minute), lock.ErrNotHeld)

	again, err := locker.TryAcquire(ctx, "pair:t1:a:b", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestIntegrationStreams_PublishConsumeAck(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	streams := NewStreams(client)
	stream := "test:units:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))
	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))

	args, _ := json.Marshal(map[string]string{"action_id": "a1"})
	_, err := streams.Publish(ctx, stream, &UnitMessage{Name: "merge", Args: args})
	require.NoError(t, err)

	msgs, err := streams.Consume(ctx, stream, "workers", "w1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "merge", msgs[0].Unit.Name)
	assert.JSONEq(t, `{"action_id":"a1"}`, string(msgs[0].Unit.Args))

	pending, err := streams.Pending(ctx, stream, "workers", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, streams.Ack(ctx, stream, "workers", msgs[0].ID))
	pending, err = streams.Pending(ctx, stream, "workers", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	claimed, err := streams.Claimed(ctx, stream+":claim", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = streams.Claimed(ctx, stream+":claim", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, ok, err := streams.GetResult(ctx, stream+":result")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, streams.SetResult(ctx, stream+":result", []byte("done"), time.Minute))
	value, ok, err := streams.GetResult(ctx, stream+":result")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "done", string(value))
}

func TestIntegrationStreams_TouchKeepsUnitFromBeingClaimed(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	streams := NewStreams(client)
	stream := "test:units:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))
	_, err := streams.Publish(ctx, stream, &UnitMessage{Name: "merge"})
	require.NoError(t, err)
	msgs, err := streams.Consume(ctx, stream, "workers", "w1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, streams.Touch(ctx, stream, "workers", "w1", msgs[0].ID))

	claimed, err := streams.Claim(ctx, stream, "workers", "w2", 250*time.Millisecond, msgs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	pending, err := streams.Pending(ctx, stream, "workers", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w1", pending[0].Consumer)
}
