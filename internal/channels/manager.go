package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Source is an inbound-only adapter that observes the room for every agent,
// such as a shared console reader.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager owns every agent channel and shared source, handling their
// lifecycle and routing each agent's outbound messages to its channel.
type Manager struct {
	channels map[string]Channel // agent ID → channel
	sources  []Source
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// RegisterChannel adds an agent's channel, replacing any previous one.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.AgentID()] = ch
}

// RegisterSource adds a shared inbound source.
func (m *Manager) RegisterSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
}

// StartAll starts every source and channel. A channel that fails to start
// is logged and left stopped; its agent keeps running without output.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 && len(m.sources) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")
	for _, src := range m.sources {
		slog.Info("starting source", "source", src.Name())
		if err := src.Start(ctx); err != nil {
			return fmt.Errorf("start source %s: %w", src.Name(), err)
		}
	}
	for id, ch := range m.channels {
		slog.Info("starting channel", "channel", ch.Name(), "agent", id)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", ch.Name(), "agent", id, "error", err)
		}
	}
	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops every source and channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")
	for _, src := range m.sources {
		if err := src.Stop(ctx); err != nil {
			slog.Error("error stopping source", "source", src.Name(), "error", err)
		}
	}
	for id, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", ch.Name(), "agent", id, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// GetChannel returns an agent's channel.
func (m *Manager) GetChannel(agentID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[agentID]
	return ch, ok
}

// Send delivers text through agentID's channel.
func (m *Manager) Send(ctx context.Context, agentID, text string) error {
	ch, ok := m.GetChannel(agentID)
	if !ok {
		return fmt.Errorf("no channel for agent %s", agentID)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("channel %s for agent %s is not running", ch.Name(), agentID)
	}
	return ch.Send(ctx, text)
}

// ChannelStatus is one row of GetStatus.
type ChannelStatus struct {
	Agent   string `json:"agent"`
	Channel string `json:"channel"`
	Running bool   `json:"running"`
}

// GetStatus returns the running status of all channels, sorted by agent.
func (m *Manager) GetStatus() []ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(m.channels))
	for id, ch := range m.channels {
		out = append(out, ChannelStatus{Agent: id, Channel: ch.Name(), Running: ch.IsRunning()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
