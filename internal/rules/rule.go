// Package rules decides what, if anything, an agent says in response to a
// chat line: exact-mention, pattern and keyword tiers evaluated in fixed
// precedence with shared per-rule cooldowns, then an optional generative
// fallback.
package rules

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Tier is a precedence class of reply rule.
type Tier string

const (
	TierExact    Tier = "exact"
	TierPattern  Tier = "pattern"
	TierKeyword  Tier = "keyword"
	TierFallback Tier = "fallback"
)

// Tiers lists the rule tiers in evaluation order.
var Tiers = []Tier{TierExact, TierPattern, TierKeyword}

// ParseTier accepts a tier name, case-insensitive.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierExact, TierPattern, TierKeyword, TierFallback:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// DispatchMode selects how a response pool becomes outbound messages.
type DispatchMode string

const (
	PickOne DispatchMode = "pick_one" // one entry chosen at random
	SendAll DispatchMode = "send_all" // every entry, in order
)

// ParseDispatchMode maps a mode name onto a DispatchMode. Empty means PickOne.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pick_one", "pick", "random", "one":
		return PickOne, nil
	case "send_all", "all", "sequence":
		return SendAll, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

const DefaultCooldown = 15 * time.Second

// NicknamePlaceholders are replaced with the triggering user's name.
var NicknamePlaceholders = []string{"[nickname]", "[昵称]"}

// Rule is one configured reply rule.
type Rule struct {
	ID                string        `json:"id,omitempty"` // cooldown key; defaults to "tier:index"
	Tier              Tier          `json:"tier"`
	Trigger           string        `json:"trigger"` // |-delimited literals, or a regular expression for TierPattern
	Responses         []string      `json:"responses"`
	Mode              DispatchMode  `json:"mode,omitempty"`
	Cooldown          time.Duration `json:"cooldown"`
	Active            bool          `json:"active"`
	Directed          bool          `json:"directed,omitempty"` // prefix replies with "@user "; always on for TierExact
	IgnorePunctuation bool          `json:"ignore_punctuation,omitempty"`
	Description       string        `json:"description,omitempty"`
}

// SplitPool splits a |-delimited string, trimming and dropping empty parts.
func SplitPool(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SelectResponses renders the outbound messages for a rule match.
func SelectResponses(r Rule, user string) []string {
	pool := make([]string, 0, len(r.Responses))
	for _, resp := range r.Responses {
		if resp = strings.TrimSpace(resp); resp != "" {
			pool = append(pool, substituteNickname(resp, user))
		}
	}
	if len(pool) == 0 {
		return nil
	}
	if r.Mode != SendAll {
		pool = []string{pool[rand.IntN(len(pool))]}
	}
	if r.Directed || r.Tier == TierExact {
		prefix := "@" + user + " "
		for i := range pool {
			pool[i] = prefix + pool[i]
		}
	}
	return pool
}

func substituteNickname(s, user string) string {
	for _, p := range NicknamePlaceholders {
		s = strings.ReplaceAll(s, p, user)
	}
	return s
}
