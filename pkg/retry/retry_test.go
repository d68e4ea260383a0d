package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
)

func fastPolicy(attempts uint) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
}

func TestValue_RetriesTransientFailures(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), fastPolicy(5), testLogger(), "list", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errs.Transient(errors.New("reset"), "list")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), testLogger(), "update", func(context.Context) error {
		calls++
		return errs.Validation("bad row")
	})
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, "update", func(context.Context) error {
		calls++
		return errs.Transient(nil, "still down")
	})
	require.ErrorIs(t, err, errs.ErrTransientStore)
	assert.Equal(t, 3, calls)
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 5 * time.Millisecond
	calls := 0
	err := Do(context.Background(), p, nil, "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, errs.ErrTransientStore)
	assert.Equal(t, 2, calls)
}
