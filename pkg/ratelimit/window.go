// Package ratelimit implements the sliding-window counters behind
// per-sender, per-domain, per-IP and per-relay throttling. A fixed
// token bucket cannot express "N events per trailing window" with
// per-call limits, so hits are kept as timestamp slices and pruned on
// every check.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter is a sliding-window rate limiter keyed by string. A hit is
// recorded only when the call is allowed, so rejected traffic never
// consumes quota.
type Counter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// New returns a counter allowing limit hits per key per window.
func New(limit int, window time.Duration) *Counter {
	return &Counter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a hit for key if it is under the default limit.
func (c *Counter) Allow(key string) bool {
	return c.AllowLimit(key, c.limit)
}

// AllowLimit is Allow with a per-call limit, for paths where the
// effective limit depends on the caller's reputation tier. A limit of
// zero or less refuses everything.
func (c *Counter) AllowLimit(key string, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	live := c.prune(key, now)
	if len(live) >= limit {
		return false
	}
	c.hits[key] = append(live, now)
	return true
}

// Remaining reports how many hits key has left in the current window.
func (c *Counter) Remaining(key string) int {
	return c.RemainingLimit(key, c.limit)
}

// RemainingLimit is Remaining against a per-call limit.
func (c *Counter) RemainingLimit(key string, limit int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := limit - len(c.prune(key, c.now()))
	if left < 0 {
		return 0
	}
	return left
}

// RetryAfter reports how long until key frees a slot. Zero means the
// key is not currently limited.
func (c *Counter) RetryAfter(key string) time.Duration {
	return c.RetryAfterLimit(key, c.limit)
}

// RetryAfterLimit is RetryAfter against a per-call limit.
func (c *Counter) RetryAfterLimit(key string, limit int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	live := c.prune(key, now)
	if len(live) < limit {
		return 0
	}
	if len(live) == 0 {
		// limit <= 0: the key never frees up; report a full window.
		return c.window
	}
	wait := live[0].Add(c.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// prune drops hits older than the window and returns the live slice.
// Caller holds the lock.
func (c *Counter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	hits := c.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	live := hits[i:]
	if len(live) == 0 {
		delete(c.hits, key)
		return nil
	}
	// Reslice into a fresh array so old windows do not pin memory.
	live = append([]time.Time(nil), live...)
	c.hits[key] = live
	return live
}

// Cleanup drops keys whose hits have all aged out.
func (c *Counter) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key := range c.hits {
		c.prune(key, now)
	}
}

// Keys reports how many keys are currently tracked.
func (c *Counter) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hits)
}

// Run sweeps idle keys on the given interval until ctx is done.
func (c *Counter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}
