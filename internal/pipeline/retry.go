package pipeline

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds board reconnection attempts
type RetryPolicy struct {
	MaxAttempts int           // total attempts, 0 retries until cancelled
	Interval    time.Duration // delay after the first failure
	Multiplier  float64       // growth per failure, 1 keeps the delay fixed
	MaxInterval time.Duration // delay cap, 0 disables the cap
}

// DefaultRetryPolicy retries forever every 2 seconds
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    2 * time.Second,
		Multiplier:  1,
		MaxInterval: 30 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based)
//
// Formula: delay = interval * multiplier^(attempt-1), capped at MaxInterval
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.Interval)
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			delay *= p.Multiplier
			if p.MaxInterval > 0 && delay >= float64(p.MaxInterval) {
				break
			}
		}
	}
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

// RetryFunc is notified before each backoff wait
type RetryFunc func(attempt int, err error, delay time.Duration)

// Do runs op until it succeeds, the attempts are used up or ctx is done.
// It returns the number of attempts made. Exhaustion wraps ErrConnection;
// cancellation returns ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, clock Clock, op func(ctx context.Context) error, onRetry RetryFunc) (int, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}

		if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
			return attempts, fmt.Errorf("%w: max attempts exceeded (%d): %v", ErrConnection, attempts, err)
		}

		delay := p.Backoff(attempts)
		if onRetry != nil {
			onRetry(attempts, err, delay)
		}
		if err := clock.Sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
}
