// Package agent runs the per-agent event loop and the pool that routes the
// shared chat stream to every agent.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/command"
	"github.com/nextlevelbuilder/chatswarm/internal/coord"
	"github.com/nextlevelbuilder/chatswarm/internal/dispatch"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
	"github.com/nextlevelbuilder/chatswarm/internal/stats"
	"github.com/nextlevelbuilder/chatswarm/internal/store"
	"github.com/nextlevelbuilder/chatswarm/internal/warmup"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

const (
	DefaultTickInterval = time.Second

	inboxSize = 64

	// commandNamespace prefixes the user of command fingerprints so a command
	// line never shares a lock with an ordinary reply to the same text.
	commandNamespace = "cmd:"
)

var errNoFallbackReply = errors.New("fallback produced no reply")

// Config configures one Agent.
type Config struct {
	ID             string
	Nickname       string
	Priority       int
	TickInterval   time.Duration
	RequireSendBox bool
	// DirectedFallback prefixes generative replies with "@user ".
	DirectedFallback bool
	Queue            dispatch.QueueConfig
	WarmupEnabled    bool
	Warmup           []warmup.Rule
	Commands         command.Config
}

// Deps are the swarm-wide collaborators an Agent shares with its siblings.
type Deps struct {
	Locks      *coord.LockManager
	Echo       *coord.EchoGuard
	Engine     *rules.Engine
	Stats      *stats.Collector
	Sender     dispatch.Sender
	Events     bus.EventPublisher // optional
	Controller command.Controller
	Nicknames  []string
	AutoReply  func() bool // nil = always on
}

type fallbackResult struct {
	user     string
	content  string
	at       time.Time
	messages []string
}

// Agent is one chat participant: it evaluates every line it observes, claims
// the ones it answers and paces its replies through its own queue.
type Agent struct {
	cfg Config
	d   Deps

	queue   *dispatch.Queue
	warm    *warmup.Scheduler
	machine *command.Machine

	inbox   chan bus.ChatEvent
	signals chan bus.Signal
	results chan fallbackResult

	sendBox   atomic.Bool
	directed  atomic.Bool
	nicknames map[string]bool

	wg  sync.WaitGroup // in-flight fallback calls
	now func() time.Time
}

// New creates an Agent and registers it with the lock manager.
func New(cfg Config, d Deps) *Agent {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	a := &Agent{
		cfg:       cfg,
		d:         d,
		warm:      warmup.NewScheduler(cfg.WarmupEnabled, cfg.Warmup),
		machine:   command.NewMachine(cfg.Commands, d.Controller),
		inbox:     make(chan bus.ChatEvent, inboxSize),
		signals:   make(chan bus.Signal, inboxSize),
		results:   make(chan fallbackResult, inboxSize),
		nicknames: make(map[string]bool, len(d.Nicknames)),
		now:       time.Now,
	}
	for _, n := range d.Nicknames {
		if n = strings.TrimSpace(n); n != "" {
			a.nicknames[n] = true
		}
	}
	a.directed.Store(cfg.DirectedFallback)
	a.queue = dispatch.NewQueue(cfg.Queue, dispatch.SenderFunc(a.send), d.Echo)
	d.Locks.RegisterAgent(cfg.ID, cfg.Priority)
	return a
}

func (a *Agent) ID() string { return a.cfg.ID }

// Deliver hands a chat line to the agent, blocking while its inbox is full.
func (a *Agent) Deliver(ctx context.Context, ev bus.ChatEvent) bool {
	select {
	case a.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Signal hands an adapter signal to the agent.
func (a *Agent) Signal(ctx context.Context, sig bus.Signal) bool {
	select {
	case a.signals <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run processes events until ctx is cancelled, then discards all agent-local
// state and releases the agent's locks.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	defer a.shutdown()

	slog.Info("agent started", "agent", a.cfg.ID, "nickname", a.cfg.Nickname)
	a.broadcast(protocol.EventAgent, map[string]any{"type": protocol.AgentEventStarted, "agent": a.cfg.ID})

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.inbox:
			a.handleChat(ctx, ev)
		case sig := <-a.signals:
			a.handleSignal(sig)
		case r := <-a.results:
			a.handleFallback(r)
		case <-ticker.C:
			a.tick(ctx, a.now())
		}
	}
}

func (a *Agent) shutdown() {
	a.wg.Wait()
	a.d.Locks.UnregisterAgent(a.cfg.ID)
	dropped := a.queue.Clear()
	a.machine.Reset()
	a.warm.Reset()
	a.d.Stats.SetQueueDepth(a.cfg.ID, 0)
	slog.Info("agent stopped", "agent", a.cfg.ID, "dropped", dropped)
	a.broadcast(protocol.EventAgent, map[string]any{"type": protocol.AgentEventStopped, "agent": a.cfg.ID})
}

func (a *Agent) autoReply() bool {
	return a.d.AutoReply == nil || a.d.AutoReply()
}

func (a *Agent) handleChat(ctx context.Context, ev bus.ChatEvent) {
	user := strings.TrimSpace(ev.User)
	content := strings.TrimSpace(ev.Content)
	if user == "" || content == "" {
		return
	}
	if a.nicknames[user] {
		slog.Debug("skipping swarm line", "agent", a.cfg.ID, "user", user)
		return
	}
	now := a.now()
	at := ev.ObservedAt
	if at.IsZero() {
		at = now
	}

	a.warm.Observe(at)

	// Allow-listed senders are never echoes; a confirm word may well appear
	// inside the prompt we just sent them.
	if a.machine.Recognizes(user, content, now) {
		a.handleCommand(user, content, at, now)
		return
	}

	if a.d.Echo.IsRecentEcho(content, now) {
		a.d.Stats.RecordEcho(a.cfg.ID)
		slog.Debug("echo suppressed", "agent", a.cfg.ID, "content", content)
		return
	}

	if !a.autoReply() {
		return
	}
	if !a.d.Locks.TryClaim(user, content, a.cfg.ID, at) {
		a.d.Stats.RecordContention(a.cfg.ID)
		return
	}

	res := a.d.Engine.Evaluate(user, content, now)
	switch {
	case res.Replied():
		a.reply(user, content, res.Tier, res.RuleID, res.Messages, at)
	case res.Fallback:
		a.d.Stats.RecordUnmatched(content)
		a.spawnFallback(ctx, user, content, at)
	default:
		if res.Tier == "" {
			a.d.Stats.RecordUnmatched(content)
		}
		a.d.Locks.Release(user, content, at)
	}
}

func (a *Agent) handleCommand(user, content string, at, now time.Time) {
	if !a.d.Locks.TryClaim(commandNamespace+user, content, a.cfg.ID, at) {
		a.d.Stats.RecordContention(a.cfg.ID)
		return
	}
	out := a.machine.Handle(user, content, now)
	if !out.Handled {
		a.d.Locks.Release(commandNamespace+user, content, at)
		return
	}
	if out.Err != nil {
		slog.Warn("command failed", "agent", a.cfg.ID, "user", user, "command", content, "error", out.Err)
	}
	a.broadcast(protocol.EventCommand, map[string]any{
		"agent":    a.cfg.ID,
		"user":     user,
		"action":   out.Action,
		"executed": out.Executed,
		"awaiting": out.Awaiting,
		"reply":    out.Reply,
	})
	if out.Announce(a.machine.Silent()) {
		a.enqueue("@" + user + " " + out.Reply)
	}
}

func (a *Agent) reply(user, content string, tier rules.Tier, ruleID string, msgs []string, at time.Time) {
	depth := a.enqueue(msgs...)
	a.d.Stats.RecordReply(a.cfg.ID, store.ReplyRecord{
		Rule:      ruleID,
		Tier:      string(tier),
		User:      user,
		Content:   strings.Join(msgs, "\n"),
		CreatedAt: a.now(),
	}, a.now().Sub(at))
	slog.Info("reply queued", "agent", a.cfg.ID, "user", user, "tier", tier, "rule", ruleID, "messages", len(msgs), "depth", depth)
	a.broadcast(protocol.EventReply, map[string]any{
		"agent":    a.cfg.ID,
		"user":     user,
		"content":  content,
		"tier":     tier,
		"rule":     ruleID,
		"messages": msgs,
	})
}

// spawnFallback runs the generative call off the event loop. The claim is
// kept while the call is in flight and released when it yields nothing.
func (a *Agent) spawnFallback(ctx context.Context, user, content string, at time.Time) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		msgs := a.d.Engine.Fallback(ctx, user, content)
		if len(msgs) == 0 {
			a.d.Stats.RecordFallback(a.cfg.ID, errNoFallbackReply)
			a.d.Locks.Release(user, content, at)
			return
		}
		a.d.Stats.RecordFallback(a.cfg.ID, nil)
		if a.directed.Load() {
			for i := range msgs {
				msgs[i] = "@" + user + " " + msgs[i]
			}
		}
		select {
		case a.results <- fallbackResult{user: user, content: content, at: at, messages: msgs}:
		case <-ctx.Done():
		}
	}()
}

func (a *Agent) handleFallback(r fallbackResult) {
	if !a.autoReply() {
		a.d.Locks.Release(r.user, r.content, r.at)
		return
	}
	a.reply(r.user, r.content, rules.TierFallback, "", r.messages, r.at)
}

func (a *Agent) handleSignal(sig bus.Signal) {
	switch sig.Kind {
	case bus.SignalSendBox:
		if prev := a.sendBox.Swap(sig.Detected); prev != sig.Detected {
			slog.Info("send box changed", "agent", a.cfg.ID, "detected", sig.Detected)
			if sig.Detected {
				a.broadcast(protocol.EventAgent, map[string]any{"type": protocol.AgentEventSendReady, "agent": a.cfg.ID})
			}
		}
	}
	a.broadcast(protocol.EventSignal, sig)
}

// tick drains at most one queued message and lets warmup fill an idle queue.
func (a *Agent) tick(ctx context.Context, now time.Time) {
	if a.cfg.RequireSendBox && !a.sendBox.Load() {
		return
	}
	if _, ok := a.queue.Tick(ctx, now); ok {
		a.d.Stats.SetQueueDepth(a.cfg.ID, a.queue.Len())
	}
	if !a.autoReply() {
		return
	}
	if msgs := a.warm.Evaluate(now, a.queue.Len() == 0); len(msgs) > 0 {
		depth := a.enqueue(msgs...)
		slog.Info("warmup queued", "agent", a.cfg.ID, "messages", len(msgs), "depth", depth)
		a.broadcast(protocol.EventWarmup, map[string]any{"agent": a.cfg.ID, "messages": msgs})
	}
}

func (a *Agent) enqueue(msgs ...string) int {
	depth := a.queue.Enqueue(msgs...)
	a.d.Stats.SetQueueDepth(a.cfg.ID, depth)
	return depth
}

func (a *Agent) send(ctx context.Context, text string) error {
	err := a.d.Sender.Send(ctx, text)
	a.d.Stats.RecordSend(a.cfg.ID, text, err)
	if err != nil {
		a.broadcast(protocol.EventAgent, map[string]any{
			"type":  protocol.AgentEventSendFailed,
			"agent": a.cfg.ID,
			"error": err.Error(),
		})
		return err
	}
	a.broadcast(protocol.EventSent, map[string]any{"agent": a.cfg.ID, "text": text})
	return nil
}

func (a *Agent) broadcast(name string, payload any) {
	if a.d.Events == nil {
		return
	}
	a.d.Events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// Snapshot is a read-only view of one agent.
type Snapshot struct {
	ID       string            `json:"id"`
	Nickname string            `json:"nickname,omitempty"`
	SendBox  bool              `json:"send_box"`
	Queue    dispatch.Snapshot `json:"queue"`
	Warmup   warmup.Snapshot   `json:"warmup"`
}

func (a *Agent) Snapshot() Snapshot {
	return Snapshot{
		ID:       a.cfg.ID,
		Nickname: a.cfg.Nickname,
		SendBox:  a.sendBox.Load(),
		Queue:    a.queue.Snapshot(),
		Warmup:   a.warm.Snapshot(),
	}
}

// Reconfigure applies reloadable settings without discarding queued messages.
func (a *Agent) Reconfigure(q dispatch.QueueConfig, warmupEnabled bool, wr []warmup.Rule, cmds command.Config, directed bool) {
	a.queue.SetIntervals(q.Interval, q.Jitter)
	a.queue.SetPerturb(q.Perturb)
	a.warm.SetRules(wr)
	a.warm.SetEnabled(warmupEnabled)
	a.machine.SetConfig(cmds)
	a.directed.Store(directed)
}
