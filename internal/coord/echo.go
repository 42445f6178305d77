package coord

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultEchoTTL        = 30 * time.Second
	DefaultMaxEchoRecords = 100
	DefaultEchoMinMatch   = 5
)

// EchoConfig configures an EchoGuard. Zero values take the defaults.
type EchoConfig struct {
	TTL        time.Duration
	MaxRecords int
	MinMatch   int // min rune length of the shorter string for containment matches
}

// EchoRecord is one recently dispatched message.
type EchoRecord struct {
	Text   string
	SentAt time.Time
	norm   string
}

// EchoGuard remembers recently sent text across all agents so no agent
// reacts to its own or a sibling's output. Safe for concurrent use.
type EchoGuard struct {
	mu      sync.Mutex
	cfg     EchoConfig
	records []EchoRecord
}

func NewEchoGuard(cfg EchoConfig) *EchoGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultEchoTTL
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxEchoRecords
	}
	if cfg.MinMatch <= 0 {
		cfg.MinMatch = DefaultEchoMinMatch
	}
	return &EchoGuard{cfg: cfg}
}

// Record remembers text as sent at now.
func (g *EchoGuard) Record(text string, now time.Time) {
	if text == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	g.records = append(g.records, EchoRecord{Text: text, SentAt: now, norm: stripSpace(text)})
	if over := len(g.records) - g.cfg.MaxRecords; over > 0 {
		g.records = append(g.records[:0:0], g.records[over:]...)
	}
}

// IsRecentEcho reports whether text matches a live record, ignoring
// whitespace: exactly, or by containment when the shorter side is at least
// MinMatch runes long.
func (g *EchoGuard) IsRecentEcho(text string, now time.Time) bool {
	cand := stripSpace(text)
	if cand == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)

	candLen := utf8.RuneCountInString(cand)
	for _, r := range g.records {
		if r.norm == cand {
			return true
		}
		short := min(candLen, utf8.RuneCountInString(r.norm))
		if short < g.cfg.MinMatch {
			continue
		}
		if strings.Contains(cand, r.norm) || strings.Contains(r.norm, cand) {
			return true
		}
	}
	return false
}

// Len returns the number of records held, including any not yet pruned.
func (g *EchoGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

func (g *EchoGuard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = nil
}

func (g *EchoGuard) pruneLocked(now time.Time) {
	kept := g.records[:0]
	for _, r := range g.records {
		if now.Sub(r.SentAt) < g.cfg.TTL {
			kept = append(kept, r)
		}
	}
	g.records = kept
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
