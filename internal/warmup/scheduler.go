// Package warmup injects filler messages into a quiet chat: idle rules fire
// after sustained silence, timed rules on a fixed period or cron schedule.
// Nothing fires until the first chat line has been seen.
package warmup

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

type Trigger string

const (
	TriggerIdle  Trigger = "idle"
	TriggerTimed Trigger = "timed"
)

const (
	DefaultMinIdle  = 120 * time.Second
	DefaultCooldown = 60 * time.Second

	// cronDebounce keeps a cron rule from firing twice within one due minute.
	cronDebounce = time.Minute
)

// State of the scheduler.
type State string

const (
	StateDisabled State = "disabled"
	StateDormant  State = "dormant" // enabled, no chat line seen yet
	StateArmed    State = "armed"
)

// Rule is one warmup rule. For timed rules Cooldown is the period.
type Rule struct {
	ID       string             `json:"id,omitempty"`
	Name     string             `json:"name,omitempty"`
	Trigger  Trigger            `json:"trigger"`
	Messages []string           `json:"messages"`
	Mode     rules.DispatchMode `json:"mode,omitempty"`
	MinIdle  time.Duration      `json:"min_idle"`
	MaxIdle  time.Duration      `json:"max_idle"` // 0 = unbounded
	Cooldown time.Duration      `json:"cooldown"`
	Cron     string             `json:"cron,omitempty"` // timed rules only; replaces the period
	Active   bool               `json:"active"`
}

func (r Rule) key(i int) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("warmup:%d", i)
}

// ValidateCron reports whether expr is a cron expression gronx accepts.
func ValidateCron(expr string) error {
	g := gronx.New()
	if !g.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// Scheduler is one agent's warmup state machine. Safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	enabled   bool
	armed     bool
	lastChat  time.Time
	lastFired map[string]time.Time
	rules     []Rule

	intn func(int) int
}

// NewScheduler creates a Scheduler.
func NewScheduler(enabled bool, rs []Rule) *Scheduler {
	return &Scheduler{
		enabled:   enabled,
		lastFired: make(map[string]time.Time),
		rules:     append([]Rule(nil), rs...),
		intn:      rand.IntN,
	}
}

// SetEnabled toggles the scheduler. Any transition discards armed state and
// every per-rule timer, so the cycle restarts from Dormant.
func (s *Scheduler) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == on {
		return
	}
	s.enabled = on
	s.resetLocked()
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Reset returns an enabled scheduler to Dormant.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Scheduler) resetLocked() {
	s.armed = false
	s.lastChat = time.Time{}
	s.lastFired = make(map[string]time.Time)
}

// SetRules replaces the rule list. Timers of rules whose key survives are kept.
func (s *Scheduler) SetRules(rs []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]Rule(nil), rs...)
	keep := make(map[string]time.Time, len(s.lastFired))
	for i, r := range s.rules {
		if t, ok := s.lastFired[r.key(i)]; ok {
			keep[r.key(i)] = t
		}
	}
	s.lastFired = keep
}

// Observe records a chat line seen at `at`, arming the scheduler.
func (s *Scheduler) Observe(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.armed = true
	if at.After(s.lastChat) {
		s.lastChat = at
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	switch {
	case !s.enabled:
		return StateDisabled
	case !s.armed:
		return StateDormant
	}
	return StateArmed
}

// Evaluate returns filler messages to enqueue at now, or nil. While Dormant,
// or with messages already queued, it never fires.
func (s *Scheduler) Evaluate(now time.Time, queueEmpty bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || !s.armed || !queueEmpty {
		return nil
	}

	var due []int
	for i, r := range s.rules {
		if r.Active && s.qualifiesLocked(i, r, now) {
			due = append(due, i)
		}
	}
	if len(due) == 0 {
		return nil
	}

	i := due[s.intn(len(due))]
	r := s.rules[i]
	msgs := render(r, s.intn)
	if len(msgs) == 0 {
		return nil
	}
	s.lastFired[r.key(i)] = now
	slog.Debug("warmup fired", "rule", r.key(i), "name", r.Name, "trigger", r.Trigger,
		"idle", now.Sub(s.lastChat).Round(time.Second), "messages", len(msgs))
	return msgs
}

func (s *Scheduler) qualifiesLocked(i int, r Rule, now time.Time) bool {
	last, fired := s.lastFired[r.key(i)]
	sinceFired := now.Sub(last)

	if r.Trigger == TriggerTimed {
		if r.Cron != "" {
			g := gronx.New()
			ok, err := g.IsDue(r.Cron, now)
			if err != nil || !ok {
				return false
			}
			return !fired || sinceFired >= cronDebounce
		}
		return !fired || sinceFired >= r.Cooldown
	}

	idle := now.Sub(s.lastChat)
	if idle < r.MinIdle {
		return false
	}
	if r.MaxIdle > 0 && idle > r.MaxIdle {
		return false
	}
	return !fired || sinceFired >= r.Cooldown
}

func render(r Rule, intn func(int) int) []string {
	var pool []string
	for _, m := range r.Messages {
		if m = strings.TrimSpace(m); m != "" {
			pool = append(pool, m)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	if r.Mode == rules.SendAll {
		return pool
	}
	return []string{pool[intn(len(pool))]}
}

// RuleState is the presentation view of one warmup rule.
type RuleState struct {
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	Trigger   Trigger   `json:"trigger"`
	Active    bool      `json:"active"`
	LastFired time.Time `json:"last_fired,omitempty"`
}

// Snapshot is a read-only view of the scheduler.
type Snapshot struct {
	State    State       `json:"state"`
	LastChat time.Time   `json:"last_chat,omitempty"`
	Rules    []RuleState `json:"rules"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.stateLocked(), LastChat: s.lastChat}
	for i, r := range s.rules {
		snap.Rules = append(snap.Rules, RuleState{
			Key:       r.key(i),
			Name:      r.Name,
			Trigger:   r.Trigger,
			Active:    r.Active,
			LastFired: s.lastFired[r.key(i)],
		})
	}
	return snap
}
