// Package channels connects agents to the chat room. Inbound adapters turn
// observed chat lines and page signals into bus events; each agent owns one
// outbound Channel its dispatch queue sends through.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "console", "bridge").
	Name() string

	// AgentID returns the agent whose messages this channel sends.
	AgentID() string

	// Start begins listening. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound chat message.
	Send(ctx context.Context, text string) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	agentID string // empty for shared-stream sources
	bus     bus.InboundRouter
	running atomic.Bool
	now     func() time.Time
}

// NewBaseChannel creates a new BaseChannel. agentID may be empty for a
// source that observes the room on behalf of every agent.
func NewBaseChannel(name, agentID string, router bus.InboundRouter) *BaseChannel {
	return &BaseChannel{name: name, agentID: agentID, bus: router, now: time.Now}
}

func (c *BaseChannel) Name() string    { return c.name }
func (c *BaseChannel) AgentID() string { return c.agentID }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the inbound router reference.
func (c *BaseChannel) Bus() bus.InboundRouter { return c.bus }

// HandleChat publishes one observed chat line. A zero at means now. Blank
// lines and lines without a user are dropped.
func (c *BaseChannel) HandleChat(user, content string, at time.Time) {
	user = strings.TrimSpace(user)
	content = strings.TrimSpace(content)
	if user == "" || content == "" {
		return
	}
	if at.IsZero() {
		at = c.now()
	}
	c.bus.PublishChat(bus.ChatEvent{
		User:       user,
		Content:    content,
		ObservedBy: c.agentID,
		ObservedAt: at,
	})
}

// HandleSignal publishes a page signal for agentID, defaulting to the
// channel's own agent.
func (c *BaseChannel) HandleSignal(kind bus.SignalKind, agentID string, detected bool, payload map[string]string) {
	if agentID == "" {
		agentID = c.agentID
	}
	c.bus.PublishSignal(bus.Signal{
		Kind:     kind,
		AgentID:  agentID,
		Detected: detected,
		Payload:  payload,
	})
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
