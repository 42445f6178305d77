package channels

import (
	"testing"
	"time"
)

func TestRateLimiter_PerKeyBudget(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRateLimiter(time.Minute, 3)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !r.Allow("10.0.0.1") {
			t.Fatalf("hit %d rejected inside budget", i+1)
		}
	}
	if r.Allow("10.0.0.1") {
		t.Error("fourth hit allowed, want rejection")
	}
	if !r.Allow("10.0.0.2") {
		t.Error("other key rejected, want its own budget")
	}

	// One token refills every window/maxHits.
	now = now.Add(20 * time.Second)
	if !r.Allow("10.0.0.1") {
		t.Error("hit after refill rejected")
	}
	if r.Allow("10.0.0.1") {
		t.Error("second hit after a single refill allowed")
	}
}

func TestRateLimiter_CapsTrackedKeys(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRateLimiter(time.Minute, 1)
	r.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys+10; i++ {
		r.Allow(time.Duration(i).String())
	}
	if got := len(r.entries); got > maxTrackedKeys {
		t.Errorf("tracked keys = %d, want at most %d", got, maxTrackedKeys)
	}
}
