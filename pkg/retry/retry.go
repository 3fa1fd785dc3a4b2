// Package retry wraps cenkalti/backoff with the retry settings used for
// user-initiated billing provider writes.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 1.0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// BackOff builds the backoff policy for cfg, bound to ctx
func (c Config) BackOff(ctx context.Context) backoff.BackOff {
	c = c.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.BackoffMultiplier
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// Retryable reports whether err is worth another attempt. Provider errors
// carry their own verdict; validation, lookup and context errors never retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *subscription.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if subscription.IsValidation(err) || subscription.IsNotFound(err) {
		return false
	}
	return true
}

// Do runs op until it succeeds, returns a non-retryable error, or the attempts
// are used up. notify, if set, is called before each wait.
func Do(ctx context.Context, cfg Config, op func(context.Context) error, notify func(err error, wait time.Duration)) error {
	operation := func() error {
		err := op(ctx)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if notify == nil {
		return backoff.Retry(operation, cfg.BackOff(ctx))
	}
	return backoff.RetryNotify(operation, cfg.BackOff(ctx), notify)
}

// Value is Do for operations that return a result
func Value[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, nil)
	return result, err
}
