package command

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

type fakeController struct {
	autoReply  *bool
	tiers      map[rules.Tier]bool
	warmup     *bool
	interval   time.Duration
	cleared    int
	resets     int
	added      []rules.Rule
	addErr     error
	deleted    []string
	deleteHits int
}

func newFake() *fakeController { return &fakeController{tiers: map[rules.Tier]bool{}} }

func (f *fakeController) SetAutoReply(on bool)                 { f.autoReply = &on }
func (f *fakeController) SetTierEnabled(t rules.Tier, on bool) { f.tiers[t] = on }
func (f *fakeController) SetWarmup(on bool)                    { f.warmup = &on }
func (f *fakeController) SetInterval(d time.Duration)          { f.interval = d }
func (f *fakeController) ClearQueues() int                     { f.cleared++; return 3 }
func (f *fakeController) ResetStats()                          { f.resets++ }
func (f *fakeController) StatsReport() string                  { return "replies: 7" }

func (f *fakeController) AddRule(r rules.Rule) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, r)
	return nil
}

func (f *fakeController) DeleteRules(trigger string) (int, error) {
	f.deleted = append(f.deleted, trigger)
	return f.deleteHits, nil
}

func newTestMachine(ctrl Controller) *Machine {
	return NewMachine(Config{Enabled: true, Senders: []string{"boss|ops"}}, ctrl)
}

func TestHandle_ConfirmWorkflow(t *testing.T) {
	ctrl := newFake()
	m := newTestMachine(ctrl)
	now := time.Unix(100, 0)

	out := m.Handle("boss", "  Reset Stats ", now)
	if !out.Handled || !out.Awaiting || out.Executed {
		t.Fatalf("destructive command outcome = %+v, want awaiting confirmation", out)
	}
	if ctrl.resets != 0 {
		t.Fatal("state mutated before confirmation")
	}

	out = m.Handle("boss", "what?", now.Add(time.Second))
	if !out.Awaiting || !strings.Contains(out.Reply, "confirm") {
		t.Errorf("unrelated text outcome = %+v, want re-prompt", out)
	}
	if _, ok := m.Pending("boss", now.Add(time.Second)); !ok {
		t.Fatal("pending entry dropped by unrelated text")
	}

	out = m.Handle("boss", "CONFIRM", now.Add(2*time.Second))
	if !out.Executed || ctrl.resets != 1 || !strings.HasPrefix(out.Reply, "confirmed") {
		t.Fatalf("confirm outcome = %+v resets=%d, want executed once", out, ctrl.resets)
	}
	if _, ok := m.Pending("boss", now.Add(2*time.Second)); ok {
		t.Error("pending entry survived confirmation")
	}
}

func TestHandle_Cancel(t *testing.T) {
	ctrl := newFake()
	m := newTestMachine(ctrl)
	now := time.Unix(0, 0)
	m.Handle("ops", "reset stats", now)

	out := m.Handle("ops", "n", now)
	if !out.Handled || out.Executed || out.Awaiting {
		t.Errorf("cancel outcome = %+v", out)
	}
	if ctrl.resets != 0 {
		t.Error("cancel executed the action")
	}
	if _, ok := m.Pending("ops", now); ok {
		t.Error("cancel left the pending entry")
	}
}

func TestHandle_PendingIsPerUserAndExpires(t *testing.T) {
	ctrl := newFake()
	m := NewMachine(Config{Enabled: true, Senders: []string{"boss", "ops"}, ConfirmTimeout: 10 * time.Second}, ctrl)
	now := time.Unix(0, 0)
	m.Handle("boss", "reset stats", now)

	if out := m.Handle("ops", "yes", now); out.Handled {
		t.Errorf("another sender confirmed boss's command: %+v", out)
	}
	if m.Recognizes("boss", "yes", now.Add(11*time.Second)) {
		t.Error("expired confirmation still recognized")
	}
	if out := m.Handle("boss", "yes", now.Add(11*time.Second)); out.Handled || ctrl.resets != 0 {
		t.Errorf("expired confirmation executed: %+v", out)
	}
}

func TestHandle_ImmediateCommands(t *testing.T) {
	tests := []struct {
		in    string
		check func(*fakeController) bool
		reply string
	}{
		{"stop", func(f *fakeController) bool { return f.autoReply != nil && !*f.autoReply }, "stopped"},
		{"START", func(f *fakeController) bool { return f.autoReply != nil && *f.autoReply }, "started"},
		{"disable directed", func(f *fakeController) bool { v, ok := f.tiers[rules.TierExact]; return ok && !v }, "disabled"},
		{"enable warmup", func(f *fakeController) bool { return f.warmup != nil && *f.warmup }, "warmup enabled"},
		{"clear queue", func(f *fakeController) bool { return f.cleared == 1 }, "3 dropped"},
		{"stats", func(f *fakeController) bool { return true }, "replies: 7"},
		{"setInterval:5", func(f *fakeController) bool { return f.interval == 5*time.Second }, "5s"},
		{"interval：2.5", func(f *fakeController) bool { return f.interval == 2500*time.Millisecond }, "2.5s"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ctrl := newFake()
			m := newTestMachine(ctrl)
			out := m.Handle("boss", tt.in, time.Unix(0, 0))
			if !out.Executed {
				t.Fatalf("Handle(%q) = %+v, want executed", tt.in, out)
			}
			if !tt.check(ctrl) {
				t.Errorf("Handle(%q) did not apply its action: %+v", tt.in, ctrl)
			}
			if !strings.Contains(out.Reply, tt.reply) {
				t.Errorf("Handle(%q).Reply = %q, want it to contain %q", tt.in, out.Reply, tt.reply)
			}
		})
	}
}

func TestHandle_MalformedArgumentsDoNotMutate(t *testing.T) {
	for _, in := range []string{"setInterval:0", "setInterval:31", "setInterval:fast", "addRule:onlykeyword", "addRule:kw|reply|shuffle", "addRule:kw|reply|all|abc", "addRule:kw|reply|all|-5", "deleteRule:"} {
		ctrl := newFake()
		m := newTestMachine(ctrl)
		out := m.Handle("boss", in, time.Unix(0, 0))
		if !out.Handled || out.Executed || out.Err == nil || out.Reply == "" {
			t.Errorf("Handle(%q) = %+v, want handled error message", in, out)
		}
		if ctrl.interval != 0 || len(ctrl.added) != 0 || len(ctrl.deleted) != 0 {
			t.Errorf("Handle(%q) mutated state: %+v", in, ctrl)
		}
	}
}

func TestHandle_AddAndDeleteRule(t *testing.T) {
	ctrl := newFake()
	m := newTestMachine(ctrl)
	now := time.Unix(0, 0)

	out := m.Handle("boss", "addRule:ship|ships tomorrow|all|30", now)
	if !out.Executed || len(ctrl.added) != 1 {
		t.Fatalf("addRule outcome = %+v", out)
	}
	r := ctrl.added[0]
	if r.Trigger != "ship" || r.Mode != rules.SendAll || r.Cooldown != 30*time.Second || r.Tier != rules.TierKeyword {
		t.Errorf("added rule = %+v", r)
	}

	ctrl.addErr = errors.New("disk full")
	if out := m.Handle("boss", "addRule:a|b", now); out.Err == nil || out.Executed {
		t.Errorf("failed add outcome = %+v", out)
	}

	if out := m.Handle("boss", "deleteRule:ship", now); out.Executed {
		t.Errorf("delete with no hits reported executed: %+v", out)
	}
	ctrl.deleteHits = 2
	if out := m.Handle("boss", "deleteRule: ship ", now); !out.Executed || !strings.Contains(out.Reply, "deleted 2") {
		t.Errorf("delete outcome = %+v", out)
	}
}

func TestRecognizes(t *testing.T) {
	m := newTestMachine(newFake())
	now := time.Unix(0, 0)
	tests := []struct {
		user, content string
		want          bool
	}{
		{"boss", "stats", true},
		{"boss", "stats please", false}, // exact match only
		{"stranger", "stats", false},
		{"ops", "addRule:x|y", true},
		{"boss", "hello", false},
	}
	for _, tt := range tests {
		if got := m.Recognizes(tt.user, tt.content, now); got != tt.want {
			t.Errorf("Recognizes(%q, %q) = %v, want %v", tt.user, tt.content, got, tt.want)
		}
	}

	disabled := NewMachine(Config{Senders: []string{"boss"}}, newFake())
	if disabled.Recognizes("boss", "stats", now) {
		t.Error("disabled machine recognized a command")
	}
}

func TestReset_ClearsPending(t *testing.T) {
	m := newTestMachine(newFake())
	now := time.Unix(0, 0)
	m.Handle("boss", "reset stats", now)
	m.Handle("ops", "reset stats", now)
	m.Clear("boss")
	if _, ok := m.Pending("boss", now); ok {
		t.Error("Clear left boss's pending entry")
	}
	m.Reset()
	if _, ok := m.Pending("ops", now); ok {
		t.Error("Reset left ops's pending entry")
	}
}
