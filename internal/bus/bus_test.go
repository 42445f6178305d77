package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_InboundPreservesOrder(t *testing.T) {
	b := NewWithBuffer(8)
	now := time.Unix(100, 0)
	b.PublishChat(ChatEvent{User: "u1", Content: "first", ObservedAt: now})
	b.PublishSignal(Signal{Kind: SignalSendBox, AgentID: "a1", Detected: true})
	b.PublishChat(ChatEvent{User: "u1", Content: "second", ObservedAt: now})

	ctx := context.Background()
	in, ok := b.ConsumeInbound(ctx)
	if !ok || in.Chat == nil || in.Chat.Content != "first" {
		t.Fatalf("first inbound = %+v, want chat 'first'", in)
	}
	in, ok = b.ConsumeInbound(ctx)
	if !ok || in.Signal == nil || in.Signal.Kind != SignalSendBox {
		t.Fatalf("second inbound = %+v, want send_box signal", in)
	}
	in, ok = b.ConsumeInbound(ctx)
	if !ok || in.Chat == nil || in.Chat.Content != "second" {
		t.Fatalf("third inbound = %+v, want chat 'second'", in)
	}
}

func TestMessageBus_ConsumeInboundCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("ConsumeInbound on cancelled context should return false")
	}
}

func TestMessageBus_Broadcast(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	b.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })
	b.Broadcast(Event{Name: "reply"})
	if len(got) != 2 {
		t.Fatalf("got %d deliveries, want 2: %v", len(got), got)
	}

	b.Unsubscribe("a")
	got = nil
	b.Broadcast(Event{Name: "sent"})
	if len(got) != 1 || got[0] != "b:sent" {
		t.Fatalf("after unsubscribe got %v, want [b:sent]", got)
	}
}

func TestChatEvent_For(t *testing.T) {
	ev := ChatEvent{User: "u", Content: "hi"}
	stamped := ev.For("a2")
	if stamped.ObservedBy != "a2" {
		t.Errorf("For(a2).ObservedBy = %q, want a2", stamped.ObservedBy)
	}
	if ev.ObservedBy != "" {
		t.Errorf("original event mutated: ObservedBy = %q", ev.ObservedBy)
	}
}
