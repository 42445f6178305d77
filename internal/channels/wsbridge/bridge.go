// Package wsbridge carries a browser adapter's view of the room over a
// WebSocket. Each agent's page connects to /bridge/{agent}, pushes chat,
// send_box, gift and viewers frames, and receives send frames to type.
package wsbridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/channels"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

const (
	writeWait   = 10 * time.Second
	maxFrame    = 64 << 10
	dialsPerMin = 30
)

// ErrNotConnected is returned by Send while the agent's page is offline.
var ErrNotConnected = errors.New("wsbridge: agent not connected")

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(f)
}

// Bridge serves /bridge/{agent} and owns one Channel per agent.
type Bridge struct {
	token    string
	upgrader websocket.Upgrader
	limiter  *channels.RateLimiter
	channels map[string]*Channel

	mu    sync.Mutex
	peers map[string]*peer
}

// New creates a Bridge for agents. An empty token disables auth.
func New(router bus.InboundRouter, token string, agents []string) *Bridge {
	b := &Bridge{
		token: token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser adapters run inside the chat site's origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:  channels.NewRateLimiter(time.Minute, dialsPerMin),
		channels: make(map[string]*Channel, len(agents)),
		peers:    make(map[string]*peer),
	}
	for _, id := range agents {
		b.channels[id] = &Channel{BaseChannel: channels.NewBaseChannel("bridge", id, router), bridge: b}
	}
	return b
}

// Channel returns agentID's channel, or nil when the agent is not bridged.
func (b *Bridge) Channel(agentID string) *Channel { return b.channels[agentID] }

// Connected reports whether agentID's page is online.
func (b *Bridge) Connected(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[agentID] != nil
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(b.token)) == 1
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	if agentID == "" {
		agentID = strings.Trim(strings.TrimPrefix(r.URL.Path, "/bridge/"), "/")
	}
	ch := b.channels[agentID]
	if ch == nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	if !b.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !b.limiter.Allow(host) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("bridge upgrade failed", "agent", agentID, "error", err)
		return
	}
	conn.SetReadLimit(maxFrame)
	p := &peer{conn: conn}
	b.attach(agentID, p)
	defer b.detach(agentID, p)

	slog.Info("bridge connected", "agent", agentID, "remote", r.RemoteAddr)
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("bridge read ended", "agent", agentID, "error", err)
			}
			return
		}
		if err := ch.handleFrame(f); err != nil {
			p.write(protocol.Frame{Type: protocol.FrameError, Text: err.Error()})
		}
	}
}

// attach replaces any previous connection for the agent.
func (b *Bridge) attach(agentID string, p *peer) {
	b.mu.Lock()
	old := b.peers[agentID]
	b.peers[agentID] = p
	b.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

// detach drops p if it is still current and withdraws the send box.
func (b *Bridge) detach(agentID string, p *peer) {
	p.conn.Close()
	b.mu.Lock()
	current := b.peers[agentID] == p
	if current {
		delete(b.peers, agentID)
	}
	b.mu.Unlock()
	if current {
		b.channels[agentID].HandleSignal(bus.SignalSendBox, "", false, nil)
		slog.Info("bridge disconnected", "agent", agentID)
	}
}

func (b *Bridge) send(agentID, text string) error {
	b.mu.Lock()
	p := b.peers[agentID]
	b.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	if err := p.write(protocol.Frame{Type: protocol.FrameSend, Text: text}); err != nil {
		return fmt.Errorf("wsbridge: send to %s: %w", agentID, err)
	}
	return nil
}

// Channel is one agent's bridged send adapter.
type Channel struct {
	*channels.BaseChannel
	bridge *Bridge
}

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped and drops its page connection.
func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	c.bridge.mu.Lock()
	p := c.bridge.peers[c.AgentID()]
	c.bridge.mu.Unlock()
	if p != nil {
		p.conn.Close()
	}
	return nil
}

func (c *Channel) Send(_ context.Context, text string) error {
	return c.bridge.send(c.AgentID(), text)
}

func (c *Channel) handleFrame(f protocol.Frame) error {
	switch f.Type {
	case protocol.FrameChat:
		c.HandleChat(f.User, f.Content, f.Time(time.Now()))
	case protocol.FrameSendBox:
		c.HandleSignal(bus.SignalSendBox, "", f.Detected, f.Payload)
	case protocol.FrameGift:
		c.HandleSignal(bus.SignalGift, "", true, f.Payload)
	case protocol.FrameViewers:
		c.HandleSignal(bus.SignalViewers, "", true, f.Payload)
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}
