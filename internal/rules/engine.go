package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// FallbackResponder produces a generative reply when no rule matched.
type FallbackResponder interface {
	Reply(ctx context.Context, user, content string) (string, error)
}

// Options configures an Engine.
type Options struct {
	Exact    []Rule
	Pattern  []Rule
	Keyword  []Rule
	Fallback FallbackResponder
	Filter   FilterConfig
	// Cooldowns is shared across engines built from the same configuration.
	// Nil allocates a fresh book (or keeps the current one on Replace).
	Cooldowns *CooldownBook
	Disabled  map[Tier]bool
}

// Result describes the outcome of evaluating one chat line.
type Result struct {
	Messages        []string `json:"messages,omitempty"`
	Tier            Tier     `json:"tier,omitempty"`
	RuleID          string   `json:"rule_id,omitempty"`
	Matched         string   `json:"matched,omitempty"` // literal, description or pattern that hit
	CooldownBlocked bool     `json:"cooldown_blocked,omitempty"`
	// Fallback is set when no tier matched and the line may be sent to the
	// generative fallback; the caller runs Engine.Fallback off its tick path.
	Fallback bool `json:"fallback,omitempty"`
}

// Replied reports whether the result carries outbound messages.
func (r Result) Replied() bool { return len(r.Messages) > 0 }

// Engine evaluates chat lines against the configured tiers. Safe for
// concurrent use by every agent in the swarm.
type Engine struct {
	mu       sync.RWMutex
	tiers    map[Tier][]*compiled
	specs    map[Tier][]Rule
	enabled  map[Tier]bool
	fallback FallbackResponder
	filter   *ContentFilter
	warnings []string

	cooldowns *CooldownBook
}

// NewEngine compiles opts. Invalid pattern rules are skipped and reported
// through Warnings.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		enabled: map[Tier]bool{TierExact: true, TierPattern: true, TierKeyword: true, TierFallback: true},
	}
	for t, off := range opts.Disabled {
		if off {
			e.enabled[t] = false
		}
	}
	e.install(opts)
	return e
}

// Replace swaps the rule set and fallback wiring, keeping cooldown state
// unless opts carries its own book. Tier switches are left untouched.
func (e *Engine) Replace(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installLocked(opts)
}

func (e *Engine) install(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installLocked(opts)
}

func (e *Engine) installLocked(opts Options) {
	if opts.Cooldowns != nil {
		e.cooldowns = opts.Cooldowns
	} else if e.cooldowns == nil {
		e.cooldowns = NewCooldownBook()
	}
	e.fallback = opts.Fallback
	e.filter = NewContentFilter(opts.Filter)
	e.specs = map[Tier][]Rule{
		TierExact:   cloneRules(opts.Exact, TierExact),
		TierPattern: cloneRules(opts.Pattern, TierPattern),
		TierKeyword: cloneRules(opts.Keyword, TierKeyword),
	}
	e.rebuildLocked()
}

func (e *Engine) rebuildLocked() {
	e.warnings = nil
	e.tiers = make(map[Tier][]*compiled, len(Tiers))
	for _, t := range Tiers {
		var list []*compiled
		for i, r := range e.specs[t] {
			c, err := compileRule(r)
			if err != nil {
				msg := fmt.Sprintf("%s rule %d skipped: %v", t, i, err)
				e.warnings = append(e.warnings, msg)
				slog.Warn("rule skipped", "tier", t, "index", i, "trigger", r.Trigger, "error", err)
				continue
			}
			if c == nil {
				continue
			}
			list = append(list, c)
		}
		if t != TierPattern {
			sortLongestFirst(list)
		}
		e.tiers[t] = list
	}
}

// CooldownKey names the cooldown slot of r: its ID, or tier and trigger when
// unnamed. The key survives rules being added, removed or reordered.
func CooldownKey(r Rule) string {
	if r.ID != "" {
		return r.ID
	}
	return string(r.Tier) + ":" + strings.TrimSpace(r.Trigger)
}

func cloneRules(in []Rule, t Tier) []Rule {
	out := make([]Rule, len(in))
	copy(out, in)
	for i := range out {
		out[i].Tier = t
	}
	return out
}

// compileRule returns nil, nil for an inactive rule.
func compileRule(r Rule) (*compiled, error) {
	if !r.Active {
		return nil, nil
	}
	c := &compiled{Rule: r, key: CooldownKey(r)}
	if len(SplitPool(strings.Join(r.Responses, "|"))) == 0 {
		return nil, fmt.Errorf("empty response pool")
	}
	if r.Tier == TierPattern {
		if strings.TrimSpace(r.Trigger) == "" {
			return nil, fmt.Errorf("empty pattern")
		}
		re, err := regexp.Compile(r.Trigger)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		c.re = re
		return c, nil
	}
	c.literals = SplitPool(r.Trigger)
	if len(c.literals) == 0 {
		return nil, fmt.Errorf("empty trigger")
	}
	c.longest = longestLiteral(c.literals)
	return c, nil
}

// Evaluate runs the rule tiers for one chat line. The first tier with a
// matching rule decides the result; a match under cooldown suppresses the
// reply without letting a lower tier fire.
func (e *Engine) Evaluate(user, content string, now time.Time) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, t := range Tiers {
		if !e.enabled[t] {
			continue
		}
		for _, c := range e.tiers[t] {
			hit, ok := c.match(content)
			if !ok {
				continue
			}
			res := Result{Tier: t, RuleID: c.key, Matched: hit}
			if !e.cooldowns.TryFire(c.key, c.Cooldown, now) {
				res.CooldownBlocked = true
				slog.Debug("rule cooling down", "rule", c.key,
					"remaining", e.cooldowns.Remaining(c.key, c.Cooldown, now))
				return res
			}
			res.Messages = SelectResponses(c.Rule, user)
			return res
		}
	}

	if e.enabled[TierFallback] && e.fallback != nil {
		if reason := e.filter.Check(content); reason != "" {
			slog.Debug("fallback filtered", "user", user, "reason", reason)
			return Result{}
		}
		return Result{Tier: TierFallback, Fallback: true}
	}
	return Result{}
}

// Fallback asks the generative responder for a reply. Failures are logged
// and yield no messages.
func (e *Engine) Fallback(ctx context.Context, user, content string) []string {
	e.mu.RLock()
	fb := e.fallback
	e.mu.RUnlock()
	if fb == nil {
		return nil
	}
	reply, err := fb.Reply(ctx, user, content)
	if err != nil {
		slog.Warn("fallback reply failed", "user", user, "error", err)
		return nil
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return nil
	}
	return []string{reply}
}

func (e *Engine) SetTierEnabled(t Tier, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled[t] = on
}

func (e *Engine) TierEnabled(t Tier) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled[t]
}

// SetAllEnabled flips every tier including the fallback.
func (e *Engine) SetAllEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range []Tier{TierExact, TierPattern, TierKeyword, TierFallback} {
		e.enabled[t] = on
	}
}

// AddRule appends r to its tier. Returns an error, leaving the engine
// unchanged, when the rule does not compile.
func (e *Engine) AddRule(r Rule) error {
	switch r.Tier {
	case TierExact, TierPattern, TierKeyword:
	default:
		return fmt.Errorf("cannot add rule to tier %q", r.Tier)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := compileRule(r); err != nil {
		return err
	}
	e.specs[r.Tier] = append(e.specs[r.Tier], r)
	e.rebuildLocked()
	return nil
}

// RemoveRules deletes every rule in tier whose trigger equals trigger after
// trimming, returning how many were removed.
func (e *Engine) RemoveRules(t Tier, trigger string) int {
	trigger = strings.TrimSpace(trigger)
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.specs[t][:0:0]
	for _, r := range e.specs[t] {
		if strings.TrimSpace(r.Trigger) != trigger {
			kept = append(kept, r)
		}
	}
	n := len(e.specs[t]) - len(kept)
	if n > 0 {
		e.specs[t] = kept
		e.rebuildLocked()
	}
	return n
}

func (e *Engine) specsTier(t Tier) ([]Rule, bool) {
	switch t {
	case TierExact, TierPattern, TierKeyword:
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.specs[t], true
	}
	return nil, false
}

// Rules returns a copy of the configured (uncompiled) rules of tier t.
func (e *Engine) Rules(t Tier) []Rule {
	rs, _ := e.specsTier(t)
	return append([]Rule(nil), rs...)
}

// Warnings lists configuration problems found at the last compile.
func (e *Engine) Warnings() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.warnings...)
}

// Cooldowns exposes the shared cooldown book.
func (e *Engine) Cooldowns() *CooldownBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cooldowns
}

// CooldownView is the presentation view of one compiled rule.
type CooldownView struct {
	Key       string        `json:"key"`
	Tier      Tier          `json:"tier"`
	Trigger   string        `json:"trigger"`
	Cooldown  time.Duration `json:"cooldown"`
	Remaining time.Duration `json:"remaining"`
}

// CooldownSnapshot returns the remaining cooldown of every active rule.
func (e *Engine) CooldownSnapshot(now time.Time) []CooldownView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []CooldownView
	for _, t := range Tiers {
		for _, c := range e.tiers[t] {
			out = append(out, CooldownView{
				Key:       c.key,
				Tier:      t,
				Trigger:   c.Trigger,
				Cooldown:  c.Cooldown,
				Remaining: e.cooldowns.Remaining(c.key, c.Cooldown, now),
			})
		}
	}
	return out
}

// Counts returns the number of active compiled rules per tier.
func (e *Engine) Counts() map[Tier]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		out[t] = len(e.tiers[t])
	}
	return out
}
