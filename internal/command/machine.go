// Package command recognizes privileged chat commands from allow-listed
// senders. Low-risk commands run immediately; destructive ones wait for an
// explicit confirm or cancel from the same sender.
package command

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

const DefaultConfirmTimeout = 60 * time.Second

// Controller applies command actions to the swarm.
type Controller interface {
	SetAutoReply(on bool)
	SetTierEnabled(t rules.Tier, on bool)
	SetWarmup(on bool)
	SetInterval(d time.Duration)
	ClearQueues() int
	ResetStats()
	AddRule(r rules.Rule) error
	DeleteRules(trigger string) (int, error)
	StatsReport() string
}

// Config configures a Machine.
type Config struct {
	Enabled        bool
	Senders        []string
	Silent         bool // execute without announcing results in chat
	ConfirmTimeout time.Duration
}

// PendingCommand is a destructive command awaiting confirmation.
type PendingCommand struct {
	ID        string            `json:"id"`
	User      string            `json:"user"`
	Raw       string            `json:"raw"`
	Action    Action            `json:"action"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Outcome of handling one line.
type Outcome struct {
	Handled  bool   // the line was consumed as a command or confirmation reply
	Action   Action // executed or pending action, if any
	Executed bool
	Awaiting bool // a confirmation is pending after this line
	Reply    string
	Err      error
}

// Announce reports whether Reply should be sent to chat.
func (o Outcome) Announce(silent bool) bool {
	return o.Handled && o.Reply != "" && !silent
}

// Machine is the per-agent command state machine. Safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	cfg     Config
	senders map[string]bool
	pending map[string]*PendingCommand
	ctrl    Controller
}

func NewMachine(cfg Config, ctrl Controller) *Machine {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	m := &Machine{cfg: cfg, pending: make(map[string]*PendingCommand), ctrl: ctrl}
	m.senders = senderSet(cfg.Senders)
	return m
}

func senderSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, s := range list {
		for _, part := range strings.Split(s, "|") {
			if part = strings.TrimSpace(part); part != "" {
				out[part] = true
			}
		}
	}
	return out
}

// SetConfig replaces enablement, senders and silent mode. Pending
// confirmations of senders no longer allowed are dropped.
func (m *Machine) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	m.cfg = cfg
	m.senders = senderSet(cfg.Senders)
	for u := range m.pending {
		if !m.senders[u] {
			delete(m.pending, u)
		}
	}
}

func (m *Machine) Silent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Silent
}

// Recognizes reports whether Handle would consume the line. It has no side
// effects beyond dropping expired confirmations.
func (m *Machine) Recognizes(user, content string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allowedLocked(user) {
		return false
	}
	if m.pendingLocked(user, now) != nil {
		return true
	}
	_, ok := parse(content)
	return ok
}

func (m *Machine) allowedLocked(user string) bool {
	return m.cfg.Enabled && m.senders[user]
}

func (m *Machine) pendingLocked(user string, now time.Time) *PendingCommand {
	p, ok := m.pending[user]
	if !ok {
		return nil
	}
	if now.Sub(p.CreatedAt) > m.cfg.ConfirmTimeout {
		delete(m.pending, user)
		slog.Info("command confirmation expired", "user", user, "command", p.Raw)
		return nil
	}
	return p
}

// Handle runs one line through the state machine.
func (m *Machine) Handle(user, content string, now time.Time) Outcome {
	m.mu.Lock()
	if !m.allowedLocked(user) {
		m.mu.Unlock()
		return Outcome{}
	}
	content = strings.TrimSpace(content)

	if p := m.pendingLocked(user, now); p != nil {
		switch {
		case matchesAny(content, confirmWords):
			delete(m.pending, user)
			m.mu.Unlock()
			out := m.execute(p.Action, p.Payload)
			if out.Err == nil {
				out.Reply = "confirmed: " + out.Reply
			}
			return out
		case matchesAny(content, cancelWords):
			delete(m.pending, user)
			m.mu.Unlock()
			return Outcome{Handled: true, Action: p.Action, Reply: "cancelled: " + p.Raw}
		default:
			m.mu.Unlock()
			return Outcome{
				Handled:  true,
				Action:   p.Action,
				Awaiting: true,
				Reply:    fmt.Sprintf("please confirm %q (reply confirm or cancel)", p.Raw),
			}
		}
	}

	c, ok := parse(content)
	if !ok {
		m.mu.Unlock()
		return Outcome{}
	}
	if c.err != nil {
		m.mu.Unlock()
		return Outcome{Handled: true, Action: c.action, Reply: c.err.Error(), Err: c.err}
	}
	if c.action.Destructive() {
		p := &PendingCommand{
			ID:        uuid.NewString(),
			User:      user,
			Raw:       content,
			Action:    c.action,
			Payload:   c.payload,
			CreatedAt: now,
		}
		m.pending[user] = p
		m.mu.Unlock()
		slog.Info("command awaiting confirmation", "user", user, "command", content, "id", p.ID)
		return Outcome{
			Handled:  true,
			Action:   c.action,
			Awaiting: true,
			Reply:    fmt.Sprintf("destructive command %q, reply confirm to run or cancel to discard", content),
		}
	}
	m.mu.Unlock()
	return m.execute(c.action, c.payload)
}

// execute runs an action against the controller without holding m.mu.
func (m *Machine) execute(a Action, payload map[string]string) Outcome {
	out := Outcome{Handled: true, Action: a, Executed: true}
	switch a {
	case ActionStop:
		m.ctrl.SetAutoReply(false)
		out.Reply = "auto reply and warmup stopped"
	case ActionStart:
		m.ctrl.SetAutoReply(true)
		out.Reply = "auto reply and warmup started"
	case ActionEnableDirected:
		m.ctrl.SetTierEnabled(rules.TierExact, true)
		out.Reply = "directed replies enabled"
	case ActionDisableDirected:
		m.ctrl.SetTierEnabled(rules.TierExact, false)
		out.Reply = "directed replies disabled"
	case ActionEnableWarmup:
		m.ctrl.SetWarmup(true)
		out.Reply = "warmup enabled"
	case ActionDisableWarmup:
		m.ctrl.SetWarmup(false)
		out.Reply = "warmup disabled"
	case ActionStats:
		out.Reply = m.ctrl.StatsReport()
	case ActionClearQueue:
		n := m.ctrl.ClearQueues()
		out.Reply = fmt.Sprintf("queue cleared (%d dropped)", n)
	case ActionSetInterval:
		secs, _ := strconv.ParseFloat(payload["interval"], 64)
		m.ctrl.SetInterval(time.Duration(secs * float64(time.Second)))
		out.Reply = fmt.Sprintf("reply interval set to %ss", payload["interval"])
	case ActionAddRule:
		if err := m.ctrl.AddRule(RuleFromPayload(payload)); err != nil {
			return Outcome{Handled: true, Action: a, Reply: "add rule failed: " + err.Error(), Err: err}
		}
		out.Reply = fmt.Sprintf("rule added: %s", payload["keyword"])
	case ActionDeleteRule:
		n, err := m.ctrl.DeleteRules(payload["keyword"])
		if err != nil {
			return Outcome{Handled: true, Action: a, Reply: "delete rule failed: " + err.Error(), Err: err}
		}
		if n == 0 {
			out.Executed = false
			out.Reply = fmt.Sprintf("no rule with keyword %q", payload["keyword"])
			break
		}
		out.Reply = fmt.Sprintf("deleted %d rule(s) with keyword %q", n, payload["keyword"])
	case ActionResetStats:
		m.ctrl.ResetStats()
		out.Reply = "statistics reset"
	default:
		return Outcome{}
	}
	slog.Info("command executed", "action", a)
	return out
}

// Pending returns a copy of user's pending confirmation, if any.
func (m *Machine) Pending(user string, now time.Time) (PendingCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pendingLocked(user, now)
	if p == nil {
		return PendingCommand{}, false
	}
	return *p, true
}

// Clear drops user's pending confirmation.
func (m *Machine) Clear(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, user)
}

// Reset drops every pending confirmation, as when the session ends.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]*PendingCommand)
}
