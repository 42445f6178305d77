package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 128
)

// Client is one presentation WebSocket connection. Clients only listen;
// anything they send is read and discarded.
type Client struct {
	id   string
	conn *websocket.Conn

	send      chan protocol.EventFrame
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Int64
	dropped   atomic.Int64
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.EventFrame, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// SendEvent queues an event. Events for a client that cannot keep up are
// dropped.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	select {
	case <-c.done:
		return
	default:
	}
	ev.Seq = c.seq.Add(1)
	select {
	case c.send <- ev:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("ws client too slow, dropping events", "id", c.id)
		}
	}
}

// Run pumps queued events to the peer until the connection fails, ctx is
// cancelled or Close is called.
func (c *Client) Run(ctx context.Context) {
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		c.writePump()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws client read failed", "id", c.id, "error", err)
			}
			break
		}
	}
	c.Close()
	<-pumped
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then a close frame.
func (c *Client) flush() {
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// Close stops the client. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
