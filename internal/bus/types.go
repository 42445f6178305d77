package bus

import (
	"context"
	"time"
)

// ChatEvent is one chat line observed on the shared stream.
// Produced by an ingestion adapter; never mutated after creation.
type ChatEvent struct {
	User       string    `json:"user"`
	Content    string    `json:"content"`
	ObservedBy string    `json:"observed_by,omitempty"` // empty = shared line, delivered to every agent
	ObservedAt time.Time `json:"observed_at"`
}

// For returns a copy of the event stamped with the observing agent.
func (e ChatEvent) For(agentID string) ChatEvent {
	e.ObservedBy = agentID
	return e
}

// SignalKind identifies an out-of-band adapter signal.
type SignalKind string

const (
	SignalSendBox SignalKind = "send_box" // send box detected / lost; gates dispatch and warmup
	SignalGift    SignalKind = "gift"     // passed through untouched
	SignalViewers SignalKind = "viewers"  // passed through untouched
)

// Signal is an out-of-band notification from an ingestion adapter.
type Signal struct {
	Kind     SignalKind        `json:"kind"`
	AgentID  string            `json:"agent_id,omitempty"` // empty = all agents
	Detected bool              `json:"detected,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// Inbound is one item taken off the inbound queue: exactly one field is set.
type Inbound struct {
	Chat   *ChatEvent
	Signal *Signal
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "reply", "sent", "signal")
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and agents to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// InboundRouter abstracts the path from ingestion adapters to the agent pool.
type InboundRouter interface {
	PublishChat(ev ChatEvent)
	PublishSignal(sig Signal)
	ConsumeInbound(ctx context.Context) (Inbound, bool)
}
