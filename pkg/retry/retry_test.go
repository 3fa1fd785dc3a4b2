package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"retryable provider", &subscription.ProviderError{Provider: "stripe", Op: "create", Retryable: true, Err: errors.New("503")}, true},
		{"permanent provider", &subscription.ProviderError{Provider: "stripe", Op: "create", Err: errors.New("card_declined")}, false},
		{"validation", subscription.NewValidationError("plan", "unknown"), false},
		{"not found", subscription.SubscriptionNotFound("id", "x"), false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestDo(t *testing.T) {
	t.Run("success - after transient failures", func(t *testing.T) {
		calls := 0
		var waits []time.Duration
		err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("temporary")
			}
			return nil
		}, func(err error, wait time.Duration) {
			waits = append(waits, wait)
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, waits, 2)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
			calls++
			return errors.New("still down")
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		permanent := &subscription.ProviderError{Provider: "stripe", Op: "create", Err: errors.New("invalid price")}
		err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
			calls++
			return permanent
		}, nil)

		assert.Equal(t, 1, calls)
		var pe *subscription.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Same(t, permanent, pe)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond}, func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("temporary")
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastConfig(2), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("temporary")
		}
		return "cus_123", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_123", v)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), c)
}
