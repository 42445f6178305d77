package coord

import (
	"testing"
	"time"
)

func TestEchoGuard_RoundTrip(t *testing.T) {
	g := NewEchoGuard(EchoConfig{})
	t0 := time.Unix(1000, 0)
	g.Record("hello world", t0)

	tests := []struct {
		text string
		want bool
	}{
		{"hello   world", true},
		{"hello　world", true},
		{"  he llo wor ld ", true},
		{"say hello world again", true}, // candidate contains record
		{"hello", true},                 // record contains candidate, 5 runes
		{"hell", false},                 // below min match
		{"goodbye", false},
	}
	for _, tt := range tests {
		if got := g.IsRecentEcho(tt.text, t0.Add(time.Second)); got != tt.want {
			t.Errorf("IsRecentEcho(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	if g.IsRecentEcho("hello   world", t0.Add(DefaultEchoTTL)) {
		t.Error("echo still detected after TTL")
	}
	if g.Len() != 0 {
		t.Errorf("Len() = %d after TTL prune, want 0", g.Len())
	}
}

func TestEchoGuard_ShortExactMatch(t *testing.T) {
	g := NewEchoGuard(EchoConfig{})
	now := time.Unix(1, 0)
	g.Record("hi", now)
	if !g.IsRecentEcho("h i", now) {
		t.Error("short exact match after whitespace strip not detected")
	}
	if g.IsRecentEcho("hi there", now) {
		t.Error("short record matched by containment")
	}
}

func TestEchoGuard_Cap(t *testing.T) {
	g := NewEchoGuard(EchoConfig{MaxRecords: 3})
	now := time.Unix(1, 0)
	for _, s := range []string{"alpha one", "bravo two", "charlie three", "delta four"} {
		g.Record(s, now)
	}
	if g.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", g.Len())
	}
	if g.IsRecentEcho("alpha one", now) {
		t.Error("oldest record survived overflow")
	}
	if !g.IsRecentEcho("delta four", now) {
		t.Error("newest record missing")
	}
}
