package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
)

var fastRetry = &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline.After(time.Now().Add(DefaultTimeout-time.Minute)))

	ctx, cancel = WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deadline, ok = ctx.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline.Before(time.Now().Add(10*time.Second)))
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), fastRetry, func() error {
			attempts++
			if attempts < 3 {
				return fault.Transientf(errors.New("503"), "create")
			}
			return nil
		}, IsTransientError)

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), fastRetry, func() error {
			attempts++
			return fault.Terminalf(errors.New("rejected"), "create")
		}, IsTransientError)

		assert.True(t, fault.Is(err, fault.Terminal))
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), fastRetry, func() error {
			attempts++
			return fault.Transientf(errors.New("timeout"), "read")
		}, IsTransientError)

		assert.Contains(t, err.Error(), "max retries")
		assert.True(t, fault.Is(err, fault.Transient), "class survives wrapping")
		assert.Equal(t, 3, attempts)
	})

	t.Run("retry-after hint is capped by max delay", func(t *testing.T) {
		policy := &RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}
		attempts := 0
		start := time.Now()
		err := RetryWithBackoff(context.Background(), policy, func() error {
			attempts++
			if attempts == 1 {
				return &fault.Error{Class: fault.Transient, Cause: errors.New("429"), RetryAfter: time.Hour}
			}
			return nil
		}, IsTransientError)

		require.NoError(t, err)
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := RetryWithBackoff(ctx, &RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, func() error {
			return fmt.Errorf("would retry")
		}, func(error) bool { return true })

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"classified transient", fault.Transientf(errors.New("boom"), "read"), true},
		{"not ready is left to polling", fault.NotReadyf("creating"), false},
		{"conflict", fault.Conflictf(errors.New("exists"), "create"), false},
		{"classified wins over message", fault.Terminalf(errors.New("throttled"), "create"), false},
		{"throttling message", fmt.Errorf("Throttling: Rate exceeded"), true},
		{"too many requests", fmt.Errorf("Too Many Requests"), true},
		{"connection reset", fmt.Errorf("read tcp: connection reset by peer"), true},
		{"i/o timeout", fmt.Errorf("dial tcp: i/o timeout"), true},
		{"access denied", fmt.Errorf("access denied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}
