package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{
		Base:        time.Millisecond,
		Cap:         10 * time.Millisecond,
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return errors.Is(err, errTransient) },
	}, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{
		Base:        time.Millisecond,
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return errors.Is(err, errTransient) },
	}, func(ctx context.Context) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{
		Base:        time.Millisecond,
		MaxAttempts: 5,
	}, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 5, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, Config{
		Base:        time.Hour, // never elapses; cancellation must win
		MaxAttempts: 5,
	}, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelaySchedule(t *testing.T) {
	cfg := Config{Base: 100 * time.Millisecond, Cap: 10 * time.Second}

	// The documented schedule: 100, 200, 400, 800...
	assert.Equal(t, 100*time.Millisecond, Delay(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Delay(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, Delay(cfg, 3))
	assert.Equal(t, 800*time.Millisecond, Delay(cfg, 4))

	// Capped far out.
	assert.Equal(t, 10*time.Second, Delay(cfg, 20))
	// No delay before the first attempt.
	assert.Equal(t, time.Duration(0), Delay(cfg, 0))
}
