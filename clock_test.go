package main

import (
	"context"
	"sync"
	"time"
)

// fakeClock only moves when Sleep or Advance is called. Each Sleep advances by
// the requested duration plus the next scripted jitter, which may be negative
// to simulate the clock stepping backwards.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	jitter []time.Duration
	sleeps []time.Duration
}

func newFakeClock(start time.Time, jitter ...time.Duration) *fakeClock {
	return &fakeClock{now: start, jitter: jitter}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	step := d
	if len(c.jitter) > 0 {
		step += c.jitter[0]
		c.jitter = c.jitter[1:]
	}
	c.now = c.now.Add(step)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// at builds an instant on a fixed test day in IST.
func at(hour, min, sec int) time.Time {
	return time.Date(2025, 1, 15, hour, min, sec, 0, istZone)
}

var istZone = time.FixedZone("IST", 5*3600+1800)
