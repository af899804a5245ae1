package engine

import (
	"context"
	"sync"
	"time"
)

// Clock supplies time to waits and retry delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error { return sleepContext(ctx, d) }

// WallClock returns the real-time clock.
func WallClock() Clock { return wallClock{} }

// VirtualClock is a Clock whose Sleep advances time without blocking. It lets
// simulated runs finish immediately while keeping timeouts meaningful.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	elapsed time.Duration
}

// NewVirtualClock creates a virtual clock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the virtual time by d.
func (c *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.elapsed += d
	return nil
}

// Elapsed returns the total time slept.
func (c *VirtualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}
