package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentMsg struct {
	Agent string
	Text  string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (s *recordingSender) Send(_ context.Context, agentID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMsg{Agent: agentID, Text: text})
	return s.err
}

func (s *recordingSender) messages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

type stubResponder struct {
	reply string
	err   error
}

func (r stubResponder) Reply(context.Context, string, string) (string, error) {
	return r.reply, r.err
}

func testConfig(ids ...string) *config.Config {
	cfg := config.Default()
	cfg.Agents = nil
	for _, id := range ids {
		cfg.Agents = append(cfg.Agents, config.AgentConfig{ID: id, Nickname: id + "-nick"})
	}
	cfg.Dispatch = config.DispatchConfig{Interval: 0.01, TickMillis: 5}
	cfg.Rules.Keyword = []config.RuleSpec{{ID: "price", Keyword: "price|价格", Response: "59 yuan"}}
	return cfg
}

type harness struct {
	pool *Pool
	bus  *bus.MessageBus
	snd  *recordingSender
	stop func()
}

func startPool(t *testing.T, cfg *config.Config, d PoolDeps) *harness {
	t.Helper()
	mb := bus.New()
	snd := &recordingSender{}
	d.Router, d.Events, d.Sender = mb, mb, snd
	p, err := NewPool(cfg, d)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("pool did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return &harness{pool: p, bus: mb, snd: snd, stop: stop}
}

func (h *harness) chat(user, content string) {
	h.bus.PublishChat(bus.ChatEvent{User: user, Content: content, ObservedAt: time.Now()})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func totalContentions(p *Pool) int64 {
	var n int64
	for _, a := range p.Stats().Snapshot().Agents {
		n += a.Contentions
	}
	return n
}

func TestTwoAgentsReplyOnce(t *testing.T) {
	h := startPool(t, testConfig("a", "b"), PoolDeps{})

	h.chat("alice", "what's the price?")

	waitFor(t, "one send", func() bool { return len(h.snd.messages()) == 1 })
	waitFor(t, "contention", func() bool { return totalContentions(h.pool) == 1 })
	time.Sleep(50 * time.Millisecond)

	got := h.snd.messages()
	if len(got) != 1 {
		t.Fatalf("sends = %v, want exactly one", got)
	}
	if got[0].Text != "59 yuan" {
		t.Errorf("text = %q, want %q", got[0].Text, "59 yuan")
	}
	snap := h.pool.Stats().Snapshot()
	if snap.ChatLines != 1 {
		t.Errorf("ChatLines = %d, want 1", snap.ChatLines)
	}
	if snap.TotalReplies() != 1 {
		t.Errorf("TotalReplies = %d, want 1", snap.TotalReplies())
	}
}

func TestEchoOfOwnReplySuppressed(t *testing.T) {
	h := startPool(t, testConfig("a"), PoolDeps{})

	h.chat("alice", "price?")
	waitFor(t, "reply sent", func() bool { return len(h.snd.messages()) == 1 })

	h.chat("someone", "59 yuan")
	waitFor(t, "echo counted", func() bool { return h.pool.Stats().Snapshot().Agents["a"].Echoes == 1 })
	if n := h.pool.Stats().Snapshot().Unmatched; n != 0 {
		t.Errorf("Unmatched = %d, want 0", n)
	}
}

func TestNicknameLinesIgnored(t *testing.T) {
	h := startPool(t, testConfig("a", "b"), PoolDeps{})

	h.chat("b-nick", "price?")
	h.chat("a", "price?")
	h.chat("alice", "hello")

	waitFor(t, "unmatched line", func() bool { return h.pool.Stats().Snapshot().Unmatched >= 1 })
	time.Sleep(30 * time.Millisecond)

	if got := h.snd.messages(); len(got) != 0 {
		t.Errorf("sends = %v, want none", got)
	}
	if n := h.pool.Stats().Snapshot().ChatLines; n != 1 {
		t.Errorf("ChatLines = %d, want 1", n)
	}
}

func TestSendBoxGatesDispatch(t *testing.T) {
	cfg := testConfig("a")
	cfg.Dispatch.RequireSendBox = true
	h := startPool(t, cfg, PoolDeps{})

	h.chat("alice", "价格多少")
	agentA, _ := h.pool.Agent("a")
	waitFor(t, "queued reply", func() bool { return agentA.Snapshot().Queue.Depth == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := h.snd.messages(); len(got) != 0 {
		t.Fatalf("sent before send box: %v", got)
	}

	h.bus.PublishSignal(bus.Signal{Kind: bus.SignalSendBox, Detected: true})
	waitFor(t, "send after send box", func() bool { return len(h.snd.messages()) == 1 })
	if !agentA.Snapshot().SendBox {
		t.Error("SendBox = false after signal")
	}
}

func TestFallbackDirectedReply(t *testing.T) {
	cfg := testConfig("a")
	cfg.Fallback.Enabled = true
	cfg.Fallback.Directed = true
	h := startPool(t, cfg, PoolDeps{Fallback: stubResponder{reply: "hi there"}})

	h.chat("carol", "anyone around tonight")

	waitFor(t, "fallback send", func() bool { return len(h.snd.messages()) == 1 })
	if got, want := h.snd.messages()[0].Text, "@carol hi there"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	a := h.pool.Stats().Snapshot().Agents["a"]
	if a.Fallbacks != 1 || a.FallbackErrs != 0 {
		t.Errorf("fallbacks = %d errors = %d, want 1 and 0", a.Fallbacks, a.FallbackErrs)
	}
	if n := h.pool.Stats().Snapshot().ByTier[string(rules.TierFallback)]; n != 1 {
		t.Errorf("fallback replies = %d, want 1", n)
	}
}

func TestFallbackFailureReleasesLock(t *testing.T) {
	cfg := testConfig("a")
	cfg.Fallback.Enabled = true
	h := startPool(t, cfg, PoolDeps{Fallback: stubResponder{err: errors.New("boom")}})

	h.chat("carol", "anyone around tonight")

	waitFor(t, "fallback error", func() bool { return h.pool.Stats().Snapshot().Agents["a"].FallbackErrs == 1 })
	if n := h.pool.Locks().Stats().Active; n != 0 {
		t.Errorf("active locks = %d, want 0", n)
	}
	if got := h.snd.messages(); len(got) != 0 {
		t.Errorf("sends = %v, want none", got)
	}
}

func TestCommandConfirmAcrossAgents(t *testing.T) {
	cfg := testConfig("a", "b")
	cfg.Commands.Enabled = true
	cfg.Commands.Senders = config.FlexibleStringSlice{"boss"}
	h := startPool(t, cfg, PoolDeps{})

	h.chat("alice", "price?")
	waitFor(t, "reply", func() bool { return h.pool.Stats().Snapshot().TotalReplies() == 1 })

	h.chat("boss", "reset stats")
	waitFor(t, "confirmation prompt", func() bool {
		for _, m := range h.snd.messages() {
			if strings.Contains(m.Text, "reply confirm") {
				return true
			}
		}
		return false
	})
	if n := h.pool.Stats().Snapshot().TotalReplies(); n != 1 {
		t.Fatalf("stats reset before confirmation: replies = %d", n)
	}

	h.chat("boss", "confirm")
	waitFor(t, "confirmed", func() bool {
		for _, m := range h.snd.messages() {
			if m.Text == "@boss confirmed: statistics reset" {
				return true
			}
		}
		return false
	})
	if n := h.pool.Stats().Snapshot().TotalReplies(); n != 0 {
		t.Errorf("replies after reset = %d, want 0", n)
	}

	var prompts int
	for _, m := range h.snd.messages() {
		if strings.Contains(m.Text, "reply confirm") {
			prompts++
		}
	}
	if prompts != 1 {
		t.Errorf("confirmation prompts = %d, want 1", prompts)
	}
}

func TestStopCommandSilencesSwarm(t *testing.T) {
	cfg := testConfig("a", "b")
	cfg.Commands.Enabled = true
	cfg.Commands.Senders = config.FlexibleStringSlice{"boss"}
	cfg.Commands.Silent = true
	h := startPool(t, cfg, PoolDeps{})

	h.chat("boss", "stop")
	waitFor(t, "auto reply off", func() bool { return !h.pool.AutoReply() })

	h.chat("alice", "price?")
	time.Sleep(50 * time.Millisecond)
	if got := h.snd.messages(); len(got) != 0 {
		t.Errorf("sends = %v, want none", got)
	}
}

func TestAddRulePersists(t *testing.T) {
	var saved int
	var mu sync.Mutex
	persist := func(*config.Config) error {
		mu.Lock()
		saved++
		mu.Unlock()
		return nil
	}
	cfg := testConfig("a")
	h := startPool(t, cfg, PoolDeps{Persist: persist})

	if err := h.pool.AddRule(rules.Rule{Tier: rules.TierKeyword, Trigger: "ship", Responses: []string{"tomorrow"}, Active: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	h.chat("dave", "when do you ship")
	waitFor(t, "new rule reply", func() bool { return len(h.snd.messages()) == 1 })

	n, err := h.pool.DeleteRules("ship")
	if err != nil || n != 1 {
		t.Fatalf("DeleteRules = %d, %v; want 1, nil", n, err)
	}
	if n, _ := h.pool.DeleteRules("ship"); n != 0 {
		t.Errorf("second DeleteRules = %d, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if saved != 2 {
		t.Errorf("persisted %d times, want 2", saved)
	}
	if len(cfg.Rules.Keyword) != 1 {
		t.Errorf("config keyword rules = %d, want 1", len(cfg.Rules.Keyword))
	}
}

func TestShutdownUnregistersAgents(t *testing.T) {
	h := startPool(t, testConfig("a", "b"), PoolDeps{})
	if n := h.pool.Locks().Stats().Agents; n != 2 {
		t.Fatalf("registered agents = %d, want 2", n)
	}
	h.stop()
	if n := h.pool.Locks().Stats().Agents; n != 0 {
		t.Errorf("registered agents after stop = %d, want 0", n)
	}
}

func TestReloadSwapsRules(t *testing.T) {
	h := startPool(t, testConfig("a"), PoolDeps{})

	next := testConfig("a")
	next.Rules.Keyword = []config.RuleSpec{{Keyword: "refund", Response: "contact support"}}
	if err := h.pool.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	h.chat("erin", "price?")
	h.chat("erin", "I want a refund")
	waitFor(t, "reply", func() bool { return len(h.snd.messages()) == 1 })
	time.Sleep(30 * time.Millisecond)
	got := h.snd.messages()
	if len(got) != 1 || got[0].Text != "contact support" {
		t.Errorf("sends = %v, want only the reloaded rule", got)
	}
}
