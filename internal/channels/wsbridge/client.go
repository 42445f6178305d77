package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

// Client is the adapter side of a bridge connection. The inject command
// and tests use it in place of a browser page.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to a bridge endpoint such as ws://host:port/bridge/a1.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrame)
	return &Client{conn: conn}, nil
}

// Send writes one frame. Thread-safe.
func (c *Client) Send(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, f)
}

// Chat reports one observed chat line.
func (c *Client) Chat(ctx context.Context, user, content string) error {
	return c.Send(ctx, protocol.Frame{Type: protocol.FrameChat, User: user, Content: content})
}

// SendBox reports whether the page's send box is present.
func (c *Client) SendBox(ctx context.Context, detected bool) error {
	return c.Send(ctx, protocol.Frame{Type: protocol.FrameSendBox, Detected: detected})
}

// Read blocks for the next frame from the bridge.
func (c *Client) Read(ctx context.Context) (protocol.Frame, error) {
	var f protocol.Frame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

// Close sends a normal close frame.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
