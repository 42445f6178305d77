package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return s.err
}

type echoLog struct{ texts []string }

func (e *echoLog) Record(text string, _ time.Time) { e.texts = append(e.texts, text) }

func TestQueue_PacingAndOrder(t *testing.T) {
	s := &recordingSender{}
	echo := &echoLog{}
	q := NewQueue(QueueConfig{Interval: 4 * time.Second, Jitter: 2 * time.Second}, s, echo)
	q.jitter = func(time.Duration) time.Duration { return time.Second }

	if depth := q.Enqueue("one", " ", "two", "three"); depth != 3 {
		t.Fatalf("Enqueue depth = %d, want 3", depth)
	}

	t0 := time.Unix(100, 0)
	steps := []struct {
		at   time.Duration
		want string
		ok   bool
	}{
		{0, "one", true},
		{4 * time.Second, "", false}, // needs 4s + 1s jitter
		{5 * time.Second, "two", true},
		{9 * time.Second, "", false},
		{10 * time.Second, "three", true},
		{20 * time.Second, "", false}, // empty
	}
	for _, st := range steps {
		got, ok := q.Tick(context.Background(), t0.Add(st.at))
		if got != st.want || ok != st.ok {
			t.Errorf("Tick(+%v) = %q, %v; want %q, %v", st.at, got, ok, st.want, st.ok)
		}
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, s.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, echo.texts); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_PerturbSkipsDirectedAndRecordsOriginal(t *testing.T) {
	s := &recordingSender{}
	echo := &echoLog{}
	q := NewQueue(QueueConfig{Interval: time.Second, Perturb: true}, s, echo)
	q.jitter = func(time.Duration) time.Duration { return 0 }
	q.Enqueue("@bob thanks for the follow", "welcome to the stream everyone")

	t0 := time.Unix(0, 0)
	first, _ := q.Tick(context.Background(), t0)
	second, _ := q.Tick(context.Background(), t0.Add(time.Second))

	if s.sent[0] != first {
		t.Errorf("directed reply perturbed: sent %q, want %q", s.sent[0], first)
	}
	if s.sent[1] == second {
		t.Errorf("plain reply not perturbed: %q", s.sent[1])
	}
	if second != "welcome to the stream everyone" {
		t.Errorf("Tick returned %q, want original text", second)
	}
	if diff := cmp.Diff([]string{first, second}, echo.texts); diff != "" {
		t.Errorf("echo must see pre-perturbation text (-want +got):\n%s", diff)
	}
}

func TestQueue_SendErrorNotRetried(t *testing.T) {
	s := &recordingSender{err: errors.New("send box gone")}
	q := NewQueue(QueueConfig{Interval: time.Second}, s, nil)
	q.jitter = func(time.Duration) time.Duration { return 0 }
	q.Enqueue("a", "b")

	t0 := time.Unix(0, 0)
	if got, ok := q.Tick(context.Background(), t0); !ok || got != "a" {
		t.Fatalf("Tick = %q, %v; want a, true", got, ok)
	}
	if got, _ := q.Tick(context.Background(), t0.Add(time.Second)); got != "b" {
		t.Fatalf("failed message was retried; got %q, want b", got)
	}
	snap := q.Snapshot()
	if snap.Failed != 2 || snap.Sent != 0 || snap.Depth != 0 {
		t.Errorf("Snapshot = %+v, want 2 failed, 0 sent, empty", snap)
	}
}

func TestQueue_ClearAndSetIntervals(t *testing.T) {
	q := NewQueue(QueueConfig{}, &recordingSender{}, nil)
	q.Enqueue("a", "b", "c")
	if n := q.Clear(); n != 3 || q.Len() != 0 {
		t.Errorf("Clear = %d, Len = %d; want 3, 0", n, q.Len())
	}
	q.SetIntervals(7*time.Second, -1)
	snap := q.Snapshot()
	if snap.Interval != 7*time.Second || snap.Jitter != 0 {
		t.Errorf("intervals = %v/%v, want 7s/0s", snap.Interval, snap.Jitter)
	}
}

func TestUniformJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		if j := uniformJitter(2 * time.Second); j < 0 || j > 2*time.Second {
			t.Fatalf("uniformJitter = %v, out of [0, 2s]", j)
		}
	}
	if j := uniformJitter(0); j != 0 {
		t.Errorf("uniformJitter(0) = %v, want 0", j)
	}
}
