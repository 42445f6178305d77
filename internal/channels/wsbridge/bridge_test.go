package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

func newBridgeServer(t *testing.T, token string) (*Bridge, *bus.MessageBus, string) {
	t.Helper()
	b := bus.New()
	br := New(b, token, []string{"a1", "a2"})
	mux := http.NewServeMux()
	mux.Handle("GET /bridge/{agent}", br)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return br, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func next(t *testing.T, b *bus.MessageBus) bus.Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound event within 2s")
	}
	return in
}

func TestBridgeRoundTrip(t *testing.T) {
	br, b, base := newBridgeServer(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, base+"/bridge/a1", "secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Chat(ctx, "alice", "hello"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	in := next(t, b)
	if in.Chat == nil || in.Chat.User != "alice" || in.Chat.Content != "hello" || in.Chat.ObservedBy != "a1" {
		t.Fatalf("inbound = %+v, want chat from alice observed by a1", in)
	}

	if err := c.SendBox(ctx, true); err != nil {
		t.Fatalf("SendBox: %v", err)
	}
	if in := next(t, b); in.Signal == nil || in.Signal.Kind != bus.SignalSendBox || !in.Signal.Detected || in.Signal.AgentID != "a1" {
		t.Fatalf("inbound = %+v, want send box signal for a1", in)
	}

	ch := br.Channel("a1")
	ch.Start(ctx)
	if err := ch.Send(ctx, "hi alice"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Type != protocol.FrameSend || f.Text != "hi alice" {
		t.Errorf("frame = %+v, want send %q", f, "hi alice")
	}

	if err := c.Send(ctx, protocol.Frame{Type: "bogus"}); err != nil {
		t.Fatalf("Send bogus: %v", err)
	}
	if f, err := c.Read(ctx); err != nil || f.Type != protocol.FrameError {
		t.Errorf("after bogus frame got %+v, %v; want error frame", f, err)
	}

	c.Close()
	if in := next(t, b); in.Signal == nil || in.Signal.Detected {
		t.Errorf("after close = %+v, want send box withdrawn", in)
	}
	if err := ch.Send(ctx, "gone"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestBridgeRejects(t *testing.T) {
	_, _, base := newBridgeServer(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name, path, token string
	}{
		{"unknown agent", "/bridge/zz", "secret"},
		{"bad token", "/bridge/a1", "wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if c, err := Dial(ctx, base+tt.path, tt.token); err == nil {
				c.Close()
				t.Errorf("Dial(%s) succeeded, want error", tt.path)
			}
		})
	}
}
