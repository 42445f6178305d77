package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/command"
	"github.com/nextlevelbuilder/chatswarm/internal/coord"
	"github.com/nextlevelbuilder/chatswarm/internal/dispatch"
	"github.com/nextlevelbuilder/chatswarm/internal/providers"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
	"github.com/nextlevelbuilder/chatswarm/internal/warmup"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for a chatswarm process.
type Config struct {
	Agents       []AgentConfig      `json:"agents"`
	Coordination CoordinationConfig `json:"coordination"`
	Rules        RulesConfig        `json:"rules"`
	Fallback     FallbackConfig     `json:"fallback"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Warmup       WarmupConfig       `json:"warmup"`
	Commands     CommandsConfig     `json:"commands"`
	Gateway      GatewayConfig      `json:"gateway"`
	Store        StoreConfig        `json:"store"`
	mu           sync.RWMutex
}

// AgentConfig is one participant identity.
type AgentConfig struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"` // chat display name; lines from it are never answered
	Priority int    `json:"priority,omitempty"`
	Channel  string `json:"channel,omitempty"` // "console" (default) or "bridge"
}

// CoordinationConfig configures the shared lock manager and echo guard.
// Durations are seconds.
type CoordinationConfig struct {
	Mode           string  `json:"mode"` // first_available, round_robin, priority, random
	TimeWindow     float64 `json:"time_window"`
	LockTimeout    float64 `json:"lock_timeout"`
	MaxLockHistory int     `json:"max_lock_history"`
	AllowMultiple  bool    `json:"allow_multiple"`
	EchoTTL        float64 `json:"echo_ttl"`
	EchoMaxRecords int     `json:"echo_max_records"`
	EchoMinMatch   int     `json:"echo_min_match"`
}

// RuleSpec is one rule as written in the config file. Keyword and exact
// rules use kw (|-delimited literals); pattern rules use pattern.
type RuleSpec struct {
	ID                string   `json:"id,omitempty"`
	Keyword           string   `json:"kw,omitempty"`
	Pattern           string   `json:"pattern,omitempty"`
	Response          string   `json:"resp"` // |-delimited pool
	Mode              string   `json:"mode,omitempty"`
	Cooldown          *float64 `json:"cooldown,omitempty"` // seconds; nil = default
	Active            *bool    `json:"active,omitempty"`   // nil = true
	AtReply           bool     `json:"at_reply,omitempty"`
	IgnorePunctuation *bool    `json:"ignore_punctuation,omitempty"` // nil = true
	Description       string   `json:"description,omitempty"`
}

// RulesConfig holds the tiered reply rules and their switches.
type RulesConfig struct {
	AutoReply      bool       `json:"auto_reply"`
	ExactEnabled   bool       `json:"exact_enabled"`
	PatternEnabled bool       `json:"pattern_enabled"`
	KeywordEnabled bool       `json:"keyword_enabled"`
	Exact          []RuleSpec `json:"exact,omitempty"`
	Pattern        []RuleSpec `json:"pattern,omitempty"`
	Keyword        []RuleSpec `json:"keyword,omitempty"`
}

// FallbackConfig configures the generative fallback. The API key comes from
// CHATSWARM_FALLBACK_API_KEY and is never written back to disk.
type FallbackConfig struct {
	Enabled        bool               `json:"enabled"`
	APIKey         string             `json:"-"`
	APIBase        string             `json:"api_base,omitempty"`
	Model          string             `json:"model,omitempty"`
	SystemPrompt   string             `json:"system_prompt,omitempty"`
	MaxHistory     int                `json:"max_history"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	MaxReplyRunes  int                `json:"max_reply_chars,omitempty"`
	Timeout        float64            `json:"timeout"`
	CallsPerMinute float64            `json:"calls_per_minute,omitempty"`
	Directed       bool               `json:"at_reply,omitempty"`
	Filter         rules.FilterConfig `json:"filter"`
}

// DispatchConfig configures each agent's outbound queue. Durations are seconds.
type DispatchConfig struct {
	Interval       float64 `json:"interval"`
	Jitter         float64 `json:"jitter"`
	Perturb        bool    `json:"perturb"`
	RequireSendBox bool    `json:"require_send_box"` // hold dispatch until the adapter reports a send box
	TickMillis     int     `json:"tick_ms"`
}

// WarmupRuleSpec is one warmup rule as written in the config file.
type WarmupRuleSpec struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name,omitempty"`
	Trigger  string   `json:"trigger"` // idle or timed
	Messages []string `json:"messages"`
	Mode     string   `json:"mode,omitempty"`
	MinIdle  *float64 `json:"min_idle,omitempty"`
	MaxIdle  float64  `json:"max_idle,omitempty"`
	Cooldown *float64 `json:"cooldown,omitempty"`
	Cron     string   `json:"cron,omitempty"`
	Active   *bool    `json:"active,omitempty"`
}

type WarmupConfig struct {
	Enabled bool             `json:"enabled"`
	Rules   []WarmupRuleSpec `json:"rules,omitempty"`
}

// CommandsConfig configures remote chat commands.
type CommandsConfig struct {
	Enabled        bool                `json:"enabled"`
	Senders        FlexibleStringSlice `json:"senders,omitempty"`
	Silent         bool                `json:"silent"`
	ConfirmTimeout float64             `json:"confirm_timeout"`
}

// GatewayConfig configures the read-only presentation server.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string { return fmt.Sprintf("%s:%d", g.Host, g.Port) }

type StoreConfig struct {
	Path string `json:"path,omitempty"` // empty = no history
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ToLockConfig converts coordination settings with defaults applied.
func (c *CoordinationConfig) ToLockConfig() (coord.LockConfig, error) {
	mode, err := coord.ParseMode(c.Mode)
	if err != nil {
		return coord.LockConfig{}, err
	}
	return coord.LockConfig{
		Mode:           mode,
		TimeWindow:     seconds(c.TimeWindow),
		LockTimeout:    seconds(c.LockTimeout),
		MaxLockHistory: c.MaxLockHistory,
		AllowMultiple:  c.AllowMultiple,
	}, nil
}

func (c *CoordinationConfig) ToEchoConfig() coord.EchoConfig {
	return coord.EchoConfig{
		TTL:        seconds(c.EchoTTL),
		MaxRecords: c.EchoMaxRecords,
		MinMatch:   c.EchoMinMatch,
	}
}

// ToRule converts a spec for tier t.
func (s RuleSpec) ToRule(t rules.Tier) (rules.Rule, error) {
	mode, err := rules.ParseDispatchMode(s.Mode)
	if err != nil {
		return rules.Rule{}, err
	}
	trigger := s.Keyword
	if t == rules.TierPattern {
		trigger = s.Pattern
	}
	r := rules.Rule{
		ID:                s.ID,
		Tier:              t,
		Trigger:           trigger,
		Responses:         rules.SplitPool(s.Response),
		Mode:              mode,
		Cooldown:          rules.DefaultCooldown,
		Active:            s.Active == nil || *s.Active,
		Directed:          s.AtReply,
		IgnorePunctuation: s.IgnorePunctuation == nil || *s.IgnorePunctuation,
		Description:       s.Description,
	}
	if s.Cooldown != nil {
		r.Cooldown = seconds(*s.Cooldown)
	}
	return r, nil
}

// SpecFromRule is the inverse of ToRule, used when persisting rules added
// by remote commands.
func SpecFromRule(r rules.Rule) RuleSpec {
	cd := r.Cooldown.Seconds()
	active := r.Active
	ignorePunct := r.IgnorePunctuation
	s := RuleSpec{
		ID:                r.ID,
		Response:          strings.Join(r.Responses, "|"),
		Mode:              string(r.Mode),
		Cooldown:          &cd,
		Active:            &active,
		AtReply:           r.Directed,
		IgnorePunctuation: &ignorePunct,
		Description:       r.Description,
	}
	if r.Tier == rules.TierPattern {
		s.Pattern = r.Trigger
	} else {
		s.Keyword = r.Trigger
	}
	return s
}

func toRules(specs []RuleSpec, t rules.Tier) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(specs))
	for i, s := range specs {
		r, err := s.ToRule(t)
		if err != nil {
			return nil, fmt.Errorf("%s rule %d: %w", t, i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ToEngineOptions builds rule engine options. fallback may be nil.
func (c *Config) ToEngineOptions(fallback rules.FallbackResponder) (rules.Options, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	exact, err := toRules(c.Rules.Exact, rules.TierExact)
	if err != nil {
		return rules.Options{}, err
	}
	pattern, err := toRules(c.Rules.Pattern, rules.TierPattern)
	if err != nil {
		return rules.Options{}, err
	}
	keyword, err := toRules(c.Rules.Keyword, rules.TierKeyword)
	if err != nil {
		return rules.Options{}, err
	}
	opts := rules.Options{
		Exact:   exact,
		Pattern: pattern,
		Keyword: keyword,
		Filter:  c.Fallback.Filter,
		Disabled: map[rules.Tier]bool{
			rules.TierExact:    !c.Rules.ExactEnabled,
			rules.TierPattern:  !c.Rules.PatternEnabled,
			rules.TierKeyword:  !c.Rules.KeywordEnabled,
			rules.TierFallback: !c.Fallback.Enabled,
		},
	}
	if fallback != nil {
		opts.Fallback = fallback
	}
	return opts, nil
}

// ToResponderConfig converts fallback settings.
func (f *FallbackConfig) ToResponderConfig() providers.ResponderConfig {
	return providers.ResponderConfig{
		SystemPrompt:   f.SystemPrompt,
		Model:          f.Model,
		MaxHistory:     f.MaxHistory,
		Timeout:        seconds(f.Timeout),
		CallsPerMinute: f.CallsPerMinute,
		MaxTokens:      f.MaxTokens,
		MaxReplyRunes:  f.MaxReplyRunes,
	}
}

func (d *DispatchConfig) ToQueueConfig() dispatch.QueueConfig {
	return dispatch.QueueConfig{
		Interval: seconds(d.Interval),
		Jitter:   seconds(d.Jitter),
		Perturb:  d.Perturb,
	}
}

// TickInterval is how often each agent drives its queue and warmup.
func (d *DispatchConfig) TickInterval() time.Duration {
	if d.TickMillis <= 0 {
		return time.Second
	}
	return time.Duration(d.TickMillis) * time.Millisecond
}

// ToRules converts warmup specs, validating triggers and cron expressions.
func (w *WarmupConfig) ToRules() ([]warmup.Rule, error) {
	out := make([]warmup.Rule, 0, len(w.Rules))
	for i, s := range w.Rules {
		trig := warmup.Trigger(strings.ToLower(strings.TrimSpace(s.Trigger)))
		if trig == "" {
			trig = warmup.TriggerIdle
		}
		if trig != warmup.TriggerIdle && trig != warmup.TriggerTimed {
			return nil, fmt.Errorf("warmup rule %d: unknown trigger %q", i, s.Trigger)
		}
		mode, err := rules.ParseDispatchMode(s.Mode)
		if err != nil {
			return nil, fmt.Errorf("warmup rule %d: %w", i, err)
		}
		if s.Cron != "" {
			if err := warmup.ValidateCron(s.Cron); err != nil {
				return nil, fmt.Errorf("warmup rule %d: %w", i, err)
			}
		}
		r := warmup.Rule{
			ID:       s.ID,
			Name:     s.Name,
			Trigger:  trig,
			Messages: s.Messages,
			Mode:     mode,
			MinIdle:  warmup.DefaultMinIdle,
			MaxIdle:  seconds(s.MaxIdle),
			Cooldown: warmup.DefaultCooldown,
			Cron:     s.Cron,
			Active:   s.Active == nil || *s.Active,
		}
		if s.MinIdle != nil {
			r.MinIdle = seconds(*s.MinIdle)
		}
		if s.Cooldown != nil {
			r.Cooldown = seconds(*s.Cooldown)
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *CommandsConfig) ToMachineConfig() command.Config {
	return command.Config{
		Enabled:        c.Enabled,
		Senders:        c.Senders,
		Silent:         c.Silent,
		ConfirmTimeout: seconds(c.ConfirmTimeout),
	}
}

// AddKeywordRule appends r to the keyword tier for persistence.
func (c *Config) AddKeywordRule(r rules.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rules.Keyword = append(c.Rules.Keyword, SpecFromRule(r))
}

// DeleteKeywordRules removes keyword specs whose kw equals trigger and
// returns how many were removed.
func (c *Config) DeleteKeywordRules(trigger string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.Rules.Keyword[:0]
	n := 0
	for _, s := range c.Rules.Keyword {
		if strings.TrimSpace(s.Keyword) == strings.TrimSpace(trigger) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	c.Rules.Keyword = kept
	return n
}

// ReplaceFrom copies reloadable sections from src.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	rulesCfg, fb, disp, wu, cmds := src.Rules, src.Fallback, src.Dispatch, src.Warmup, src.Commands
	src.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rules = rulesCfg
	apiKey := c.Fallback.APIKey
	c.Fallback = fb
	if c.Fallback.APIKey == "" {
		c.Fallback.APIKey = apiKey
	}
	c.Dispatch = disp
	c.Warmup = wu
	c.Commands = cmds
}
