package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attentionspan-backend/internal/pipeline"
)

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name   string
		policy pipeline.RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "fixed",
			policy: pipeline.DefaultRetryPolicy(),
			want:   []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second},
		},
		{
			name:   "exponential capped",
			policy: pipeline.RetryPolicy{Interval: time.Second, Multiplier: 2, MaxInterval: 5 * time.Second},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "uncapped",
			policy: pipeline.RetryPolicy{Interval: 100 * time.Millisecond, Multiplier: 3},
			want:   []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.policy.Backoff(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestRetryDo(t *testing.T) {
	clock := pipeline.NewVirtualClock(time.Now())
	policy := pipeline.RetryPolicy{MaxAttempts: 5, Interval: time.Second, Multiplier: 2, MaxInterval: 10 * time.Second}

	calls := 0
	var retried []int
	attempts, err := policy.Do(context.Background(), clock, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestRetryDoExhausted(t *testing.T) {
	clock := pipeline.NewVirtualClock(time.Now())
	policy := pipeline.RetryPolicy{MaxAttempts: 2, Interval: time.Second, Multiplier: 1}

	cause := errors.New("refused")
	attempts, err := policy.Do(context.Background(), clock, func(context.Context) error { return cause }, nil)
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, pipeline.ErrConnection)
	assert.Contains(t, err.Error(), "refused")
	assert.Len(t, clock.Sleeps(), 1)
}

func TestRetryDoCancelled(t *testing.T) {
	clock := pipeline.NewVirtualClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	clock.OnSleep(func(time.Duration) { cancel() })
	attempts, err := pipeline.DefaultRetryPolicy().Do(ctx, clock, func(context.Context) error {
		return errors.New("down")
	}, nil)

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVirtualClock(t *testing.T) {
	start := time.Unix(0, 0)
	clock := pipeline.NewVirtualClock(start)

	require.NoError(t, clock.Sleep(context.Background(), time.Second))
	clock.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute+time.Second), clock.Now())
	assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, clock.Sleep(ctx, time.Hour), context.Canceled)
	assert.Len(t, clock.Sleeps(), 1)
}

func TestSystemClockSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := pipeline.SystemClock().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", pipeline.Idle.String())
	assert.Equal(t, "draining", pipeline.Draining.String())
	assert.Equal(t, "stopped", pipeline.Stopped.String())
	assert.Equal(t, "unknown", pipeline.State(42).String())
}
