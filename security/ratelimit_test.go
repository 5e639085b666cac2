package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authbridge/internal/testutil"
)

func newTestLimiter(t *testing.T, rps float64, burst, max int, clock *testutil.MockTime) *RateLimiter {
	t.Helper()
	rl := NewRateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: rps,
		Burst:             burst,
		MaxLimiters:       max,
		IdleTimeout:       time.Minute,
		SweepInterval:     -1,
		Clock:             clock.Now,
	}, testutil.DiscardLogger())
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_Allow(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	rl := newTestLimiter(t, 1, 3, 0, clock)

	for i := 0; i < 3; i++ {
		if !rl.Allow("203.0.113.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Error("request beyond burst should be rejected")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("other identifiers must have their own bucket")
	}

	clock.Advance(time.Second)
	if !rl.Allow("203.0.113.1") {
		t.Error("bucket should refill after one second")
	}
}

func TestRateLimiter_EvictsLeastRecentlySeen(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	rl := newTestLimiter(t, 1, 1, 2, clock)

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // b is now the oldest
	rl.Allow("c")

	stats := rl.Stats()
	if stats.Tracked != 2 {
		t.Errorf("Tracked = %d, want 2", stats.Tracked)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
	// b starts over with a full bucket.
	if !rl.Allow("b") {
		t.Error("evicted identifier should get a fresh bucket")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	rl := newTestLimiter(t, 10, 10, 0, clock)

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("old-%d", i))
	}
	clock.Advance(2 * time.Minute)
	rl.Allow("fresh")

	if got := rl.Sweep(); got != 5 {
		t.Errorf("Sweep() = %d, want 5", got)
	}
	if got := rl.Stats().Tracked; got != 1 {
		t.Errorf("Tracked = %d, want 1", got)
	}
	if got := rl.Sweep(); got != 0 {
		t.Errorf("second Sweep() = %d, want 0", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	rl.Stop()
	rl.Stop()
}
