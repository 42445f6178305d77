package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/command"
	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/coord"
	"github.com/nextlevelbuilder/chatswarm/internal/dispatch"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
	"github.com/nextlevelbuilder/chatswarm/internal/stats"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

// resetTimeout bounds clearing the history sink from the resetStats command.
const resetTimeout = 5 * time.Second

// ChannelSender delivers text through the channel bound to an agent.
type ChannelSender interface {
	Send(ctx context.Context, agentID, text string) error
}

// PoolDeps are the collaborators a Pool is built from.
type PoolDeps struct {
	Router   bus.InboundRouter
	Events   bus.EventPublisher // optional
	Sender   ChannelSender
	Stats    *stats.Collector
	Fallback rules.FallbackResponder // nil disables the generative tier
	// Persist saves the config after a remote rule change. Nil skips saving.
	Persist func(*config.Config) error
}

// Pool owns the state shared by every agent and routes the inbound stream
// to them. It implements command.Controller for swarm-wide actions.
type Pool struct {
	cfg *config.Config
	d   PoolDeps

	locks  *coord.LockManager
	echo   *coord.EchoGuard
	engine *rules.Engine

	agents    []*Agent
	byID      map[string]*Agent
	nicknames map[string]bool

	autoReply atomic.Bool
	ruleMu    sync.Mutex // serializes rule edits and their persistence
	started   time.Time
}

var _ command.Controller = (*Pool)(nil)

// NewPool builds the shared coordination state and one Agent per configured
// agent.
func NewPool(cfg *config.Config, d PoolDeps) (*Pool, error) {
	lockCfg, err := cfg.Coordination.ToLockConfig()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.ToEngineOptions(d.Fallback)
	if err != nil {
		return nil, err
	}
	warmRules, err := cfg.Warmup.ToRules()
	if err != nil {
		return nil, err
	}
	if d.Stats == nil {
		d.Stats = stats.New(nil)
	}

	p := &Pool{
		cfg:       cfg,
		d:         d,
		locks:     coord.NewLockManager(lockCfg),
		echo:      coord.NewEchoGuard(cfg.Coordination.ToEchoConfig()),
		engine:    rules.NewEngine(opts),
		byID:      make(map[string]*Agent, len(cfg.Agents)),
		nicknames: make(map[string]bool),
		started:   time.Now(),
	}
	p.autoReply.Store(cfg.Rules.AutoReply)
	for _, w := range p.engine.Warnings() {
		slog.Warn("rule skipped", "warning", w)
	}

	nicknames := cfg.Nicknames()
	for _, n := range nicknames {
		p.nicknames[n] = true
	}
	for _, ac := range cfg.Agents {
		agentID := ac.ID
		a := New(Config{
			ID:               ac.ID,
			Nickname:         ac.Nickname,
			Priority:         ac.Priority,
			TickInterval:     cfg.Dispatch.TickInterval(),
			RequireSendBox:   cfg.Dispatch.RequireSendBox,
			DirectedFallback: cfg.Fallback.Directed,
			Queue:            cfg.Dispatch.ToQueueConfig(),
			WarmupEnabled:    cfg.Warmup.Enabled,
			Warmup:           warmRules,
			Commands:         cfg.Commands.ToMachineConfig(),
		}, Deps{
			Locks:  p.locks,
			Echo:   p.echo,
			Engine: p.engine,
			Stats:  d.Stats,
			Sender: dispatch.SenderFunc(func(ctx context.Context, text string) error {
				return d.Sender.Send(ctx, agentID, text)
			}),
			Events:     d.Events,
			Controller: p,
			Nicknames:  nicknames,
			AutoReply:  p.autoReply.Load,
		})
		p.agents = append(p.agents, a)
		p.byID[a.ID()] = a
	}
	return p, nil
}

func (p *Pool) Engine() *rules.Engine     { return p.engine }
func (p *Pool) Locks() *coord.LockManager { return p.locks }
func (p *Pool) Stats() *stats.Collector   { return p.d.Stats }

// Agent returns the agent registered under id.
func (p *Pool) Agent(id string) (*Agent, bool) {
	a, ok := p.byID[id]
	return a, ok
}

// Run starts every agent loop and the inbound router, returning when ctx is
// cancelled and all agents have shut down.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range p.agents {
		g.Go(func() error { return a.Run(gctx) })
	}
	g.Go(func() error {
		p.route(gctx)
		return nil
	})
	slog.Info("agent pool running", "agents", len(p.agents), "mode", p.locks.Stats().Mode)
	return g.Wait()
}

func (p *Pool) route(ctx context.Context) {
	for {
		in, ok := p.d.Router.ConsumeInbound(ctx)
		if !ok {
			return
		}
		switch {
		case in.Chat != nil:
			p.routeChat(ctx, *in.Chat)
		case in.Signal != nil:
			p.routeSignal(ctx, *in.Signal)
		}
	}
}

func (p *Pool) routeChat(ctx context.Context, ev bus.ChatEvent) {
	user := strings.TrimSpace(ev.User)
	if user == "" || strings.TrimSpace(ev.Content) == "" {
		return
	}
	if !p.nicknames[user] {
		p.d.Stats.RecordChat(user)
		p.broadcast(protocol.EventChat, ev)
	}

	if ev.ObservedBy != "" {
		a, ok := p.byID[ev.ObservedBy]
		if !ok {
			slog.Warn("chat for unknown agent dropped", "agent", ev.ObservedBy, "user", user)
			return
		}
		a.Deliver(ctx, ev)
		return
	}
	for _, a := range p.agents {
		if !a.Deliver(ctx, ev.For(a.ID())) {
			return
		}
	}
}

func (p *Pool) routeSignal(ctx context.Context, sig bus.Signal) {
	if sig.AgentID != "" {
		a, ok := p.byID[sig.AgentID]
		if !ok {
			slog.Warn("signal for unknown agent dropped", "agent", sig.AgentID, "kind", sig.Kind)
			return
		}
		a.Signal(ctx, sig)
		return
	}
	for _, a := range p.agents {
		s := sig
		s.AgentID = a.ID()
		if !a.Signal(ctx, s) {
			return
		}
	}
}

func (p *Pool) broadcast(name string, payload any) {
	if p.d.Events == nil {
		return
	}
	p.d.Events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// Reload applies a freshly loaded config: rules, fallback wiring, pacing,
// warmup and command settings. Agents and coordination settings are fixed
// for the life of the process.
func (p *Pool) Reload(next *config.Config) error {
	opts, err := next.ToEngineOptions(p.d.Fallback)
	if err != nil {
		return err
	}
	warmRules, err := next.Warmup.ToRules()
	if err != nil {
		return err
	}

	p.ruleMu.Lock()
	defer p.ruleMu.Unlock()
	p.engine.Replace(opts)
	for _, w := range p.engine.Warnings() {
		slog.Warn("rule skipped", "warning", w)
	}
	for _, a := range p.agents {
		a.Reconfigure(next.Dispatch.ToQueueConfig(), next.Warmup.Enabled, warmRules,
			next.Commands.ToMachineConfig(), next.Fallback.Directed)
	}
	if next.Rules.AutoReply != p.cfg.Rules.AutoReply {
		p.autoReply.Store(next.Rules.AutoReply)
	}
	p.cfg.ReplaceFrom(next)

	counts := p.engine.Counts()
	slog.Info("rules reloaded", "exact", counts[rules.TierExact], "pattern", counts[rules.TierPattern],
		"keyword", counts[rules.TierKeyword], "warmup", len(warmRules))
	p.broadcast(protocol.EventRulesLoad, counts)
	return nil
}

// SetAutoReply is the master switch for replies and warmup.
func (p *Pool) SetAutoReply(on bool) {
	p.autoReply.Store(on)
	slog.Info("auto reply switched", "on", on)
}

func (p *Pool) AutoReply() bool { return p.autoReply.Load() }

func (p *Pool) SetTierEnabled(t rules.Tier, on bool) {
	p.engine.SetTierEnabled(t, on)
	slog.Info("rule tier switched", "tier", t, "on", on)
}

func (p *Pool) SetWarmup(on bool) {
	for _, a := range p.agents {
		a.warm.SetEnabled(on)
	}
	slog.Info("warmup switched", "on", on)
}

// SetInterval changes the base pacing interval of every queue, keeping each
// queue's jitter.
func (p *Pool) SetInterval(d time.Duration) {
	for _, a := range p.agents {
		a.queue.SetIntervals(d, a.queue.Snapshot().Jitter)
	}
	slog.Info("reply interval changed", "interval", d)
}

func (p *Pool) ClearQueues() int {
	n := 0
	for _, a := range p.agents {
		n += a.queue.Clear()
		p.d.Stats.SetQueueDepth(a.ID(), 0)
	}
	slog.Info("queues cleared", "dropped", n)
	return n
}

func (p *Pool) ResetStats() {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := p.d.Stats.Reset(ctx); err != nil {
		slog.Warn("history reset failed", "error", err)
	}
	p.locks.ResetCounters()
}

// AddRule installs a keyword rule on the shared engine and persists it.
func (p *Pool) AddRule(r rules.Rule) error {
	p.ruleMu.Lock()
	defer p.ruleMu.Unlock()
	if err := p.engine.AddRule(r); err != nil {
		return err
	}
	p.cfg.AddKeywordRule(r)
	return p.persist()
}

// DeleteRules removes keyword rules by trigger and persists the result.
func (p *Pool) DeleteRules(trigger string) (int, error) {
	p.ruleMu.Lock()
	defer p.ruleMu.Unlock()
	n := p.engine.RemoveRules(rules.TierKeyword, trigger)
	if n == 0 {
		return 0, nil
	}
	p.cfg.DeleteKeywordRules(trigger)
	return n, p.persist()
}

func (p *Pool) persist() error {
	if p.d.Persist == nil {
		return nil
	}
	if err := p.d.Persist(p.cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// StatsReport renders the counters for the stats command.
func (p *Pool) StatsReport() string {
	ls := p.locks.Stats()
	return fmt.Sprintf("%s\nlocks: mode %s, active %d, claims %d, contentions %d, reclaims %d",
		p.d.Stats.Report(), ls.Mode, ls.Active, ls.Claims, ls.Contentions, ls.Reclaims)
}

// PoolSnapshot is the read-only swarm view served to presentation clients.
type PoolSnapshot struct {
	Uptime      string              `json:"uptime"`
	AutoReply   bool                `json:"auto_reply"`
	Tiers       map[rules.Tier]bool `json:"tiers"`
	Agents      []Snapshot          `json:"agents"`
	Locks       coord.LockStats     `json:"locks"`
	EchoRecords int                 `json:"echo_records"`
	Stats       stats.Snapshot      `json:"stats"`
}

func (p *Pool) Snapshot() PoolSnapshot {
	snap := PoolSnapshot{
		Uptime:      time.Since(p.started).Round(time.Second).String(),
		AutoReply:   p.autoReply.Load(),
		Tiers:       make(map[rules.Tier]bool),
		Locks:       p.locks.Stats(),
		EchoRecords: p.echo.Len(),
		Stats:       p.d.Stats.Snapshot(),
	}
	for _, t := range append(append([]rules.Tier(nil), rules.Tiers...), rules.TierFallback) {
		snap.Tiers[t] = p.engine.TierEnabled(t)
	}
	for _, a := range p.agents {
		snap.Agents = append(snap.Agents, a.Snapshot())
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })
	return snap
}

// Cooldowns lists remaining cooldown per rule at now.
func (p *Pool) Cooldowns(now time.Time) []rules.CooldownView {
	return p.engine.CooldownSnapshot(now)
}
