package rules

import (
	"sort"
	"sync"
	"time"
)

// CooldownBook holds the last-fired time of every rule. One book is shared by
// reference across all agents using the same configuration, so a rule's
// cooldown applies no matter which agent triggers it.
type CooldownBook struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldownBook() *CooldownBook {
	return &CooldownBook{last: make(map[string]time.Time)}
}

// Ready reports whether key may fire at now. A key never fired is ready.
func (b *CooldownBook) Ready(key string, cooldown time.Duration, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyLocked(key, cooldown, now)
}

// TryFire marks key as fired at now if it is ready, in one step.
func (b *CooldownBook) TryFire(key string, cooldown time.Duration, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.readyLocked(key, cooldown, now) {
		return false
	}
	b.last[key] = now
	return true
}

func (b *CooldownBook) Mark(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[key] = now
}

// Remaining returns how long until key is ready again; zero when ready.
func (b *CooldownBook) Remaining(key string, cooldown time.Duration, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.last[key]
	if !ok {
		return 0
	}
	if left := cooldown - now.Sub(t); left > 0 {
		return left
	}
	return 0
}

func (b *CooldownBook) readyLocked(key string, cooldown time.Duration, now time.Time) bool {
	t, ok := b.last[key]
	return !ok || now.Sub(t) >= cooldown
}

// LastFired is one entry of a CooldownBook snapshot.
type LastFired struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

// Snapshot returns every fired key, sorted by key.
func (b *CooldownBook) Snapshot() []LastFired {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LastFired, 0, len(b.last))
	for k, t := range b.last {
		out = append(out, LastFired{Key: k, At: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset forgets every last-fired time.
func (b *CooldownBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = make(map[string]time.Time)
}
