// Package console is a terminal adapter: one shared reader feeds chat lines
// from stdin to every agent and each agent prints its output to stdout.
//
// Input lines:
//
//	user: content            chat line (a full-width colon also works)
//	!sendbox <agent|*> on    send-box detection signal
//	!gift <user> <name> [n]  gift signal
//	!viewers <n>             viewer count signal
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/channels"
)

// Source reads the shared room from r.
type Source struct {
	*channels.BaseChannel
	r      io.Reader
	agents []string
	done   chan struct{}
}

// NewSource creates a Source. agents receives "*" signals.
func NewSource(r io.Reader, router bus.InboundRouter, agents []string) *Source {
	return &Source{
		BaseChannel: channels.NewBaseChannel("console", "", router),
		r:           r,
		agents:      agents,
		done:        make(chan struct{}),
	}
}

// Start begins reading in the background. The reader goroutine exits at EOF.
func (s *Source) Start(ctx context.Context) error {
	s.SetRunning(true)
	go s.read(ctx)
	return nil
}

func (s *Source) Stop(context.Context) error {
	s.SetRunning(false)
	return nil
}

// Done is closed when the reader reaches EOF or fails.
func (s *Source) Done() <-chan struct{} { return s.done }

func (s *Source) read(ctx context.Context) {
	defer close(s.done)
	sc := bufio.NewScanner(s.r)
	for sc.Scan() {
		if ctx.Err() != nil || !s.IsRunning() {
			return
		}
		s.handleLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		slog.Warn("console read failed", "error", err)
	}
}

func (s *Source) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "!") {
		s.handleDirective(line[1:])
		return
	}
	user, content, ok := splitChat(line)
	if !ok {
		slog.Debug("console: ignoring line without user", "line", line)
		return
	}
	s.HandleChat(user, content, time.Time{})
}

func splitChat(line string) (user, content string, ok bool) {
	i := strings.IndexAny(line, ":：")
	if i <= 0 {
		return "", "", false
	}
	sep := ":"
	if strings.HasPrefix(line[i:], "：") {
		sep = "："
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+len(sep):]), true
}

func (s *Source) handleDirective(d string) {
	f := strings.Fields(d)
	if len(f) == 0 {
		return
	}
	switch strings.ToLower(f[0]) {
	case "sendbox":
		target, on := "*", true
		if len(f) > 1 {
			target = f[1]
		}
		if len(f) > 2 {
			on = parseOn(f[2])
		}
		for _, id := range s.targets(target) {
			s.HandleSignal(bus.SignalSendBox, id, on, nil)
		}
	case "gift":
		if len(f) < 3 {
			return
		}
		payload := map[string]string{"user": f[1], "gift": f[2], "count": "1"}
		if len(f) > 3 {
			payload["count"] = f[3]
		}
		for _, id := range s.agents {
			s.HandleSignal(bus.SignalGift, id, true, payload)
		}
	case "viewers":
		if len(f) < 2 {
			return
		}
		for _, id := range s.agents {
			s.HandleSignal(bus.SignalViewers, id, true, map[string]string{"count": f[1]})
		}
	default:
		slog.Debug("console: unknown directive", "directive", f[0])
	}
}

func (s *Source) targets(t string) []string {
	if t == "*" || t == "all" {
		return s.agents
	}
	return []string{t}
}

func parseOn(v string) bool {
	switch strings.ToLower(v) {
	case "off", "false", "0", "no":
		return false
	}
	return true
}

// Channel prints one agent's output. Channels sharing w should share mu.
type Channel struct {
	*channels.BaseChannel
	w     io.Writer
	mu    *sync.Mutex
	label string
}

// NewChannel creates an agent's console sender. label prefixes each line;
// it defaults to the agent ID.
func NewChannel(agentID, label string, w io.Writer, mu *sync.Mutex, router bus.InboundRouter) *Channel {
	if label == "" {
		label = agentID
	}
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("console", agentID, router),
		w:           w,
		mu:          mu,
		label:       label,
	}
}

// Start marks the channel running and reports a send box: a terminal can
// always type.
func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	c.HandleSignal(bus.SignalSendBox, "", true, nil)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

func (c *Channel) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[%s] %s\n", c.label, text)
	return err
}
