package coord

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func at(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		same bool
	}{
		{"same bucket", at(100.0), at(100.2), true},
		{"bucket edge", at(104.9), at(105.0), false},
		{"far apart", at(100), at(200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := Fingerprint("u1", "hi", tt.a, 5*time.Second)
			fb := Fingerprint("u1", "hi", tt.b, 5*time.Second)
			if (fa == fb) != tt.same {
				t.Errorf("Fingerprint(%v) == Fingerprint(%v) is %v, want %v", tt.a, tt.b, fa == fb, tt.same)
			}
		})
	}
	if Fingerprint("u1", "hi", at(100), 0) == Fingerprint("u2", "hi", at(100), 0) {
		t.Error("different users share a fingerprint")
	}
}

func TestTryClaim_MutualExclusionConcurrent(t *testing.T) {
	for _, mode := range []Mode{ModeFirstAvailable, ModeRoundRobin, ModePriority, ModeRandom} {
		t.Run(string(mode), func(t *testing.T) {
			m := NewLockManager(LockConfig{Mode: mode})
			const n = 16
			for i := 0; i < n; i++ {
				m.RegisterAgent(fmt.Sprintf("a%02d", i), i%3)
			}

			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					<-start
					for k := 0; k < 4; k++ {
						if m.TryClaim("u1", "hi", id, at(100.0+float64(k)*0.1)) {
							wins.Add(1)
						}
					}
				}(fmt.Sprintf("a%02d", i))
			}
			close(start)
			wg.Wait()

			if got := wins.Load(); got != 1 {
				t.Errorf("%s: %d successful claims, want 1", mode, got)
			}
			if s := m.Stats(); s.Contentions != 4*n-1 {
				t.Errorf("%s: contentions = %d, want %d", mode, s.Contentions, 4*n-1)
			}
		})
	}
}

func TestTryClaim_RoundRobinTwoAgents(t *testing.T) {
	m := NewLockManager(LockConfig{Mode: ModeRoundRobin, TimeWindow: 5 * time.Second})
	m.RegisterAgent("A", 0)
	m.RegisterAgent("B", 0)

	calls := []struct {
		agent string
		ts    float64
	}{
		{"A", 100.0}, {"B", 100.0}, {"A", 100.2}, {"B", 100.2},
	}
	wins := 0
	for _, c := range calls {
		if m.TryClaim("u1", "hi", c.agent, at(c.ts)) {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	// Rotation advanced past A, so B is due for the next fresh line.
	if !m.TryClaim("u1", "next", "B", at(101)) {
		t.Error("B should claim a fresh fingerprint")
	}
}

func TestTryClaim_AllowMultiple(t *testing.T) {
	m := NewLockManager(LockConfig{AllowMultiple: true})
	for _, id := range []string{"A", "B", "C"} {
		if !m.TryClaim("u", "x", id, at(1)) {
			t.Errorf("TryClaim(%s) = false in allow-multiple mode", id)
		}
	}
	if s := m.Stats(); s.Active != 0 || s.Claims != 0 {
		t.Errorf("allow-multiple kept bookkeeping: %+v", s)
	}

	m.SetAllowMultiple(false)
	m.TryClaim("u", "x", "A", at(1))
	if m.TryClaim("u", "x", "B", at(1)) {
		t.Error("locking not restored after SetAllowMultiple(false)")
	}
}

func TestTryClaim_ExpiryAndRelease(t *testing.T) {
	m := NewLockManager(LockConfig{Mode: ModeFirstAvailable, TimeWindow: time.Hour, LockTimeout: time.Second})
	m.RegisterAgent("A", 0)
	m.RegisterAgent("B", 0)

	if !m.TryClaim("u", "x", "A", at(10)) {
		t.Fatal("first claim failed")
	}
	if m.TryClaim("u", "x", "B", at(10.5)) {
		t.Fatal("B claimed a live entry")
	}
	if !m.TryClaim("u", "x", "B", at(12)) {
		t.Fatal("B could not claim after expiry")
	}

	m.Release("u", "x", at(12))
	m.Release("u", "x", at(12)) // idempotent
	if !m.TryClaim("u", "x", "A", at(12.1)) {
		t.Fatal("A could not claim after release")
	}
}

func TestUnregisterAgent_ReleasesHeld(t *testing.T) {
	m := NewLockManager(LockConfig{Mode: ModePriority})
	m.RegisterAgent("A", 5)
	m.RegisterAgent("B", 1)
	m.TryClaim("u", "1", "A", at(1))
	m.TryClaim("u", "2", "A", at(1))
	m.TryClaim("u", "3", "B", at(1))

	m.UnregisterAgent("A")
	s := m.Stats()
	if s.Active != 1 || s.Agents != 1 {
		t.Errorf("after unregister: active=%d agents=%d, want 1/1", s.Active, s.Agents)
	}
	if !m.TryClaim("u", "1", "B", at(2)) {
		t.Error("B could not claim a fingerprint A released on shutdown")
	}
}

func TestTryClaim_ForceReclaimDeadHolder(t *testing.T) {
	tests := []struct {
		mode    Mode
		winner  string
		blocked string
	}{
		{ModeRoundRobin, "A", "B"}, // A is first in rotation
		{ModePriority, "B", "A"},   // B has the higher priority
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			m := NewLockManager(LockConfig{Mode: tt.mode})
			m.RegisterAgent("A", 1)
			m.RegisterAgent("B", 2)
			// A holder that never registered stands in for one that died.
			if !m.TryClaim("u", "x", "ghost", at(1)) {
				t.Fatal("ghost claim failed")
			}
			if m.TryClaim("u", "x", tt.blocked, at(1.1)) {
				t.Errorf("%s reclaimed although not eligible", tt.blocked)
			}
			if !m.TryClaim("u", "x", tt.winner, at(1.2)) {
				t.Errorf("%s could not reclaim a dead holder's entry", tt.winner)
			}
			if h, _ := m.Holder("u", "x", at(1.3)); h != tt.winner {
				t.Errorf("Holder = %q, want %q", h, tt.winner)
			}
			if s := m.Stats(); s.Reclaims != 1 {
				t.Errorf("reclaims = %d, want 1", s.Reclaims)
			}
		})
	}
}

func TestTryClaim_FirstAvailableNeverReclaims(t *testing.T) {
	m := NewLockManager(LockConfig{Mode: ModeFirstAvailable})
	m.RegisterAgent("A", 0)
	m.TryClaim("u", "x", "ghost", at(1))
	if m.TryClaim("u", "x", "A", at(1)) {
		t.Error("first_available reclaimed a live entry")
	}
}

func TestEviction_KeepsNewestHalf(t *testing.T) {
	m := NewLockManager(LockConfig{Mode: ModeFirstAvailable, MaxLockHistory: 4})
	for i := 0; i < 5; i++ {
		m.TryClaim("u", fmt.Sprintf("m%d", i), "A", at(1+float64(i)*0.01))
	}
	if got := m.Stats().Active; got != 5 {
		t.Fatalf("active = %d before eviction pass, want 5", got)
	}
	m.TryClaim("u", "m5", "A", at(1.06))
	if got := m.Stats().Active; got != 3 {
		t.Fatalf("active = %d after eviction pass, want 3", got)
	}
	if _, ok := m.Holder("u", "m4", at(1.07)); !ok {
		t.Error("newest entry m4 was evicted")
	}
	if _, ok := m.Holder("u", "m0", at(1.07)); ok {
		t.Error("oldest entry m0 survived eviction")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"", ModeRoundRobin, false},
		{"Priority", ModePriority, false},
		{" random ", ModeRandom, false},
		{"first", ModeFirstAvailable, false},
		{"lottery", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.err)
		}
	}
}
