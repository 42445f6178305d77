package coord

import (
	"fmt"
	"sort"
	"strings"
)

// Mode selects how contention over a live lock entry is resolved.
type Mode string

const (
	ModeFirstAvailable Mode = "first_available"
	ModeRoundRobin     Mode = "round_robin"
	ModePriority       Mode = "priority"
	ModeRandom         Mode = "random"
)

// ParseMode maps a configuration string onto a Mode. Empty means round robin.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRoundRobin:
		return ModeRoundRobin, nil
	case ModeFirstAvailable, "first":
		return ModeFirstAvailable, nil
	case ModePriority:
		return ModePriority, nil
	case ModeRandom:
		return ModeRandom, nil
	}
	return "", fmt.Errorf("unknown lock mode %q", s)
}

// Roster is the registered agent set with per-agent priority and the
// round-robin rotation index. Callers hold the LockManager mutex.
type Roster struct {
	priority map[string]int
	ids      []string // sorted
	next     int
}

func newRoster() *Roster {
	return &Roster{priority: make(map[string]int)}
}

func (r *Roster) add(id string, priority int) {
	if _, ok := r.priority[id]; !ok {
		r.ids = append(r.ids, id)
		sort.Strings(r.ids)
	}
	r.priority[id] = priority
}

func (r *Roster) remove(id string) {
	if _, ok := r.priority[id]; !ok {
		return
	}
	delete(r.priority, id)
	for i, v := range r.ids {
		if v == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			break
		}
	}
	if len(r.ids) > 0 {
		r.next %= len(r.ids)
	} else {
		r.next = 0
	}
}

// Has reports whether id is registered.
func (r *Roster) Has(id string) bool {
	_, ok := r.priority[id]
	return ok
}

// Len returns the number of registered agents.
func (r *Roster) Len() int { return len(r.ids) }

func (r *Roster) index(id string) int {
	for i, v := range r.ids {
		if v == id {
			return i
		}
	}
	return -1
}

// Due reports whether it is id's turn in the rotation.
func (r *Roster) Due(id string) bool {
	if len(r.ids) == 0 {
		return false
	}
	return r.index(id) == r.next%len(r.ids)
}

// TopPriority reports whether id is tied for the maximum priority among the
// currently registered agents.
func (r *Roster) TopPriority(id string) bool {
	p, ok := r.priority[id]
	if !ok {
		return false
	}
	for _, other := range r.priority {
		if other > p {
			return false
		}
	}
	return true
}

// ClaimStrategy decides contention for one mode. A free fingerprint is always
// claimable; strategies only arbitrate entries that are already held.
type ClaimStrategy interface {
	Mode() Mode
	// ForceReclaim reports whether agentID may overwrite the live entry held.
	// Only consulted when the holder has left the roster.
	ForceReclaim(r *Roster, held LockEntry, agentID string) bool
	// OnClaim runs after agentID takes an entry.
	OnClaim(r *Roster, agentID string)
}

// NewStrategy returns the ClaimStrategy for mode.
func NewStrategy(mode Mode) ClaimStrategy {
	switch mode {
	case ModeRoundRobin:
		return roundRobin{}
	case ModePriority:
		return priority{}
	case ModeRandom:
		return random{}
	default:
		return firstAvailable{}
	}
}

type firstAvailable struct{}

func (firstAvailable) Mode() Mode                                 { return ModeFirstAvailable }
func (firstAvailable) ForceReclaim(*Roster, LockEntry, string) bool { return false }
func (firstAvailable) OnClaim(*Roster, string)                    {}

// random races agents against each other; call-order jitter upstream picks the winner.
type random struct{}

func (random) Mode() Mode                                 { return ModeRandom }
func (random) ForceReclaim(*Roster, LockEntry, string) bool { return false }
func (random) OnClaim(*Roster, string)                    {}

type roundRobin struct{}

func (roundRobin) Mode() Mode { return ModeRoundRobin }

func (roundRobin) ForceReclaim(r *Roster, _ LockEntry, agentID string) bool {
	return r.Due(agentID)
}

func (roundRobin) OnClaim(r *Roster, agentID string) {
	if i := r.index(agentID); i >= 0 {
		r.next = (i + 1) % len(r.ids)
	}
}

type priority struct{}

func (priority) Mode() Mode { return ModePriority }

// Ceiling is recomputed from the live roster on every call.
func (priority) ForceReclaim(r *Roster, _ LockEntry, agentID string) bool {
	return r.TopPriority(agentID)
}

func (priority) OnClaim(*Roster, string) {}
