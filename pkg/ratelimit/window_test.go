package ratelimit

import (
	"testing"
	"time"
)

func fixedClock(c *Counter) *time.Time {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return &now
}

func TestAllow_WindowSlides(t *testing.T) {
	c := New(3, time.Minute)
	now := fixedClock(c)

	for i := 0; i < 3; i++ {
		if !c.Allow("alice::example.com") {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}
	if c.Allow("alice::example.com") {
		t.Fatal("fourth hit inside the window should be refused")
	}

	// 30s later the window still holds all three hits.
	*now = now.Add(30 * time.Second)
	if c.Allow("alice::example.com") {
		t.Fatal("window has not slid yet")
	}

	// 31s more and the first hits age out.
	*now = now.Add(31 * time.Second)
	if !c.Allow("alice::example.com") {
		t.Fatal("hits older than the window must not count")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	c := New(1, time.Minute)
	fixedClock(c)

	if !c.Allow("alice::example.com") {
		t.Fatal("first key should be allowed")
	}
	if !c.Allow("bob::example.com") {
		t.Fatal("second key has its own window")
	}
	if c.Allow("alice::example.com") {
		t.Fatal("first key is now at its limit")
	}
}

func TestAllowLimit_PerCallOverride(t *testing.T) {
	c := New(60, time.Minute)
	fixedClock(c)

	// A throttled sender gets a tighter limit on the same counter.
	for i := 0; i < 10; i++ {
		if !c.AllowLimit("throttled::example.com", 10) {
			t.Fatalf("hit %d under the tier limit should be allowed", i+1)
		}
	}
	if c.AllowLimit("throttled::example.com", 10) {
		t.Fatal("tier limit reached")
	}
	// The default limit would still admit it; the override wins.
	if !c.Allow("other::example.com") {
		t.Fatal("default limit unaffected")
	}
}

func TestAllowLimit_ZeroBlocksEverything(t *testing.T) {
	c := New(60, time.Minute)
	fixedClock(c)

	if c.AllowLimit("blocked::example.com", 0) {
		t.Fatal("limit 0 must refuse the first hit")
	}
	if got := c.RetryAfterLimit("blocked::example.com", 0); got != time.Minute {
		t.Fatalf("RetryAfter for a zero limit = %v, want full window", got)
	}
}

func TestRejectedHitsDoNotConsumeQuota(t *testing.T) {
	c := New(2, time.Minute)
	now := fixedClock(c)

	c.Allow("k")
	c.Allow("k")
	for i := 0; i < 50; i++ {
		c.Allow("k")
	}
	*now = now.Add(61 * time.Second)
	// Only the two recorded hits aged out; the 50 rejections left no
	// trace, so the full quota is back.
	if !c.Allow("k") || !c.Allow("k") {
		t.Fatal("rejected hits must not extend the window")
	}
}

func TestRemainingAndRetryAfter(t *testing.T) {
	c := New(3, time.Minute)
	now := fixedClock(c)

	if got := c.Remaining("k"); got != 3 {
		t.Fatalf("Remaining on fresh key = %d, want 3", got)
	}
	c.Allow("k")
	*now = now.Add(10 * time.Second)
	c.Allow("k")
	if got := c.Remaining("k"); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
	if got := c.RetryAfter("k"); got != 0 {
		t.Fatalf("RetryAfter under the limit = %v, want 0", got)
	}

	c.Allow("k")
	// Oldest hit was 10s ago; it leaves the window in 50s.
	if got := c.RetryAfter("k"); got != 50*time.Second {
		t.Fatalf("RetryAfter = %v, want 50s", got)
	}
}

func TestCleanup_DropsIdleKeys(t *testing.T) {
	c := New(5, time.Minute)
	now := fixedClock(c)

	c.Allow("a")
	c.Allow("b")
	if got := c.Keys(); got != 2 {
		t.Fatalf("Keys = %d, want 2", got)
	}

	*now = now.Add(2 * time.Minute)
	c.Cleanup()
	if got := c.Keys(); got != 0 {
		t.Fatalf("Keys after cleanup = %d, want 0", got)
	}
}
