package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrPeerUnreachable = errors.New("registry: peer unreachable")

const (
	DefaultMaxDialAttempts = 5
	DefaultBaseDelay       = 200 * time.Millisecond
	DefaultMaxDelay        = 10 * time.Second
)

// RetryConfig controls dial retries.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // cap on a single delay
	// Jitter is the randomization factor applied to every delay (0..1).
	Jitter float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxDialAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      backoff.DefaultRandomizationFactor,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxDialAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.BaseDelay),
		backoff.WithMaxInterval(c.MaxDelay),
		backoff.WithRandomizationFactor(c.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// Retry calls attempt until it succeeds, returns a terminal error or the
// attempts run out. Terminal errors come back unchanged; exhaustion is
// reported as ErrPeerUnreachable wrapping the last failure.
func Retry(ctx context.Context, cfg RetryConfig, terminal func(error) bool, attempt func(ctx context.Context, n int) error, notify func(err error, next time.Duration)) error {
	n := 0
	op := func() error {
		n++
		err := attempt(ctx, n)
		if err != nil && terminal != nil && terminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, cfg.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if terminal != nil && terminal(err) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %d attempts: %w", ErrPeerUnreachable, n, err)
}
