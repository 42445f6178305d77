// Package dispatch paces an agent's outbound messages: a FIFO released one
// message at a time on a base interval plus random jitter, with optional
// whitespace perturbation and echo recording.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval = 4 * time.Second
	DefaultJitter   = 2 * time.Second
)

// Sender delivers one outbound message. Delivery is fire-and-forget; the
// queue logs errors and never retries.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// EchoRecorder remembers dispatched text for loop suppression.
type EchoRecorder interface {
	Record(text string, now time.Time)
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Interval time.Duration
	Jitter   time.Duration
	Perturb  bool
}

// Snapshot is a read-only view of a queue for presentation.
type Snapshot struct {
	Depth      int           `json:"depth"`
	Pending    []string      `json:"pending,omitempty"`
	LastSentAt time.Time     `json:"last_sent_at"`
	NextWait   time.Duration `json:"next_wait"`
	Interval   time.Duration `json:"interval"`
	Jitter     time.Duration `json:"jitter"`
	Perturb    bool          `json:"perturb"`
	Sent       uint64        `json:"sent"`
	Failed     uint64        `json:"failed"`
}

// Queue is one agent's outbound FIFO. Safe for concurrent use by the
// agent's event path and tick path.
type Queue struct {
	mu       sync.Mutex
	cfg      QueueConfig
	pending  []string
	lastSent time.Time
	nextWait time.Duration
	sent     uint64
	failed   uint64

	sender Sender
	echo   EchoRecorder
	jitter func(max time.Duration) time.Duration
}

// NewQueue creates a Queue. echo may be nil.
func NewQueue(cfg QueueConfig, sender Sender, echo EchoRecorder) *Queue {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Queue{
		cfg:    cfg,
		sender: sender,
		echo:   echo,
		jitter: uniformJitter,
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Enqueue appends messages and returns the resulting depth.
func (q *Queue) Enqueue(msgs ...string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		if strings.TrimSpace(m) != "" {
			q.pending = append(q.pending, m)
		}
	}
	return len(q.pending)
}

// Tick sends the head of the queue when the pacing window has elapsed and
// returns the unperturbed text that was sent.
func (q *Queue) Tick(ctx context.Context, now time.Time) (string, bool) {
	q.mu.Lock()
	if len(q.pending) == 0 || now.Sub(q.lastSent) < q.nextWait {
		q.mu.Unlock()
		return "", false
	}
	original := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	q.lastSent = now
	q.nextWait = q.cfg.Interval + q.jitter(q.cfg.Jitter)
	perturb := q.cfg.Perturb
	nextWait, depth := q.nextWait, len(q.pending)
	q.mu.Unlock()

	out := original
	if perturb && !strings.HasPrefix(strings.TrimSpace(original), "@") {
		out = Perturb(original)
	}

	if q.echo != nil {
		q.echo.Record(original, now)
	}

	if err := q.sender.Send(ctx, out); err != nil {
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		slog.Warn("dispatch send failed", "error", err)
	} else {
		q.mu.Lock()
		q.sent++
		q.mu.Unlock()
	}
	slog.Debug("dispatch sent", "text", out, "next_wait", nextWait, "remaining", depth)
	return original, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every pending message and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}

// SetIntervals changes pacing; applies from the next send.
func (q *Queue) SetIntervals(base, jitter time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if base > 0 {
		q.cfg.Interval = base
	}
	if jitter >= 0 {
		q.cfg.Jitter = jitter
	}
}

func (q *Queue) SetPerturb(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.Perturb = on
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Depth:      len(q.pending),
		Pending:    append([]string(nil), q.pending...),
		LastSentAt: q.lastSent,
		NextWait:   q.nextWait,
		Interval:   q.cfg.Interval,
		Jitter:     q.cfg.Jitter,
		Perturb:    q.cfg.Perturb,
		Sent:       q.sent,
		Failed:     q.failed,
	}
}
