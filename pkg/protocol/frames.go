// Package protocol defines the wire frames exchanged with the browser bridge
// and the presentation event stream.
package protocol

import "time"

// ProtocolVersion is bumped on any incompatible change to Frame.
const ProtocolVersion = 1

// Bridge frame types. The browser adapter sends chat/send_box/gift/viewers;
// the gateway sends send.
const (
	FrameChat    = "chat"
	FrameSendBox = "send_box"
	FrameGift    = "gift"
	FrameViewers = "viewers"
	FrameSend    = "send"
	FrameError   = "error"
)

// Frame is one JSON message on a bridge connection.
type Frame struct {
	Type     string            `json:"type"`
	User     string            `json:"user,omitempty"`
	Content  string            `json:"content,omitempty"`
	Text     string            `json:"text,omitempty"`
	Detected bool              `json:"detected,omitempty"`
	TS       float64           `json:"ts,omitempty"` // unix seconds; 0 = receive time
	Payload  map[string]string `json:"payload,omitempty"`
}

// Time returns the frame timestamp, falling back to fallback when unset.
func (f Frame) Time(fallback time.Time) time.Time {
	if f.TS <= 0 {
		return fallback
	}
	sec := int64(f.TS)
	nsec := int64((f.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// EventFrame is pushed to presentation WebSocket clients.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
}

// NewEvent builds an EventFrame for the given event name.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}
