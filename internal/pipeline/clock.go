package pipeline

import (
	"context"
	"sync"
	"time"
)

// Clock is the loop's source of time and its only way to wait
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() then
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the wall clock
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VirtualClock advances instantly by the requested amount on every Sleep.
// It drives recording replays faster than real time and keeps tests from
// sleeping.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep []func(d time.Duration)
}

// NewVirtualClock starts a virtual clock at start
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	hooks := append([]func(time.Duration){}, c.onSleep...)
	c.mu.Unlock()

	for _, h := range hooks {
		h(d)
	}
	return ctx.Err()
}

// Advance moves the clock forward without recording a sleep
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// OnSleep registers a hook run after every Sleep, outside the clock's lock
func (c *VirtualClock) OnSleep(h func(d time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSleep = append(c.onSleep, h)
}

// Sleeps returns every duration slept so far
func (c *VirtualClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}
