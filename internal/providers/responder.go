package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSystemPrompt is used when the configuration leaves the prompt empty.
const DefaultSystemPrompt = "You are a friendly assistant in a live-stream chat room replying to viewers. " +
	"Keep replies short, warm and useful, usually under 20 words. " +
	"Answer questions helpfully, keep casual chat lively and never repeat yourself."

const (
	DefaultMaxHistory = 5
	// maxTrackedUsers caps per-user conversation memory.
	maxTrackedUsers = 2048
)

// ErrBudgetExceeded is returned when the call budget is spent.
var ErrBudgetExceeded = errors.New("fallback call budget exceeded")

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	SystemPrompt   string
	Model          string
	MaxHistory     int           // conversation turns remembered per user
	Timeout        time.Duration // per reply, including retries
	CallsPerMinute float64       // 0 = unlimited
	Burst          int
	MaxTokens      int
	MaxReplyRunes  int // 0 = no limit
}

// Responder turns a Provider into a fallback replier with per-user history
// and a call budget. Safe for concurrent use.
type Responder struct {
	provider Provider
	cfg      ResponderConfig
	limiter  *rate.Limiter

	mu      sync.Mutex
	history map[string][]Message
}

func NewResponder(p Provider, cfg ResponderConfig) *Responder {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Responder{provider: p, cfg: cfg, history: make(map[string][]Message)}
	if cfg.CallsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerMinute/60), burst)
	}
	return r
}

// Reply asks the provider for a reply to content from user.
func (r *Responder) Reply(ctx context.Context, user, content string) (string, error) {
	if r.limiter != nil && !r.limiter.Allow() {
		return "", ErrBudgetExceeded
	}

	msgs := []Message{{Role: "system", Content: r.cfg.SystemPrompt}}
	msgs = append(msgs, r.History(user)...)
	msgs = append(msgs, Message{Role: "user", Content: content})

	req := ChatRequest{Messages: msgs, Model: r.cfg.Model}
	if r.cfg.MaxTokens > 0 {
		req.Options = map[string]interface{}{OptMaxTokens: r.cfg.MaxTokens}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	resp, err := r.provider.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	reply := SanitizeReply(resp.Content, r.cfg.MaxReplyRunes)
	if reply == "" {
		return "", nil
	}
	r.remember(user, content, reply)
	return reply, nil
}

func (r *Responder) remember(user, content, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.history[user]; !ok && len(r.history) >= maxTrackedUsers {
		for k := range r.history {
			delete(r.history, k)
			break
		}
	}
	h := append(r.history[user],
		Message{Role: "user", Content: content},
		Message{Role: "assistant", Content: reply},
	)
	if limit := r.cfg.MaxHistory * 2; len(h) > limit {
		h = append([]Message(nil), h[len(h)-limit:]...)
	}
	r.history[user] = h
}

// History returns a copy of the remembered conversation with user.
func (r *Responder) History(user string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.history[user]...)
}

// ClearHistory forgets user's conversation, or every conversation when user is empty.
func (r *Responder) ClearHistory(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user == "" {
		r.history = make(map[string][]Message)
		return
	}
	delete(r.history, user)
}
