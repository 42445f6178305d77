package coord

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultTimeWindow     = 5 * time.Second
	DefaultLockTimeout    = 30 * time.Second
	DefaultMaxLockHistory = 1000
)

// LockConfig configures a LockManager. Zero values take the defaults.
type LockConfig struct {
	Mode           Mode
	TimeWindow     time.Duration
	LockTimeout    time.Duration
	MaxLockHistory int
	AllowMultiple  bool // bypass locking entirely: every claim succeeds
}

// LockEntry is one held fingerprint.
type LockEntry struct {
	Fingerprint string
	Holder      string
	AcquiredAt  time.Time
}

// LockStats is a read-only snapshot for telemetry.
type LockStats struct {
	Mode          Mode   `json:"mode"`
	AllowMultiple bool   `json:"allow_multiple"`
	Active        int    `json:"active"`
	Agents        int    `json:"agents"`
	Claims        uint64 `json:"claims"`
	Contentions   uint64 `json:"contentions"`
	Reclaims      uint64 `json:"reclaims"`
}

// LockManager performs mutual exclusion over chat-line fingerprints across
// agents in one process. Safe for concurrent use; one mutex covers eviction
// and the read-evaluate-write of an entry.
type LockManager struct {
	mu       sync.Mutex
	cfg      LockConfig
	strategy ClaimStrategy
	roster   *Roster
	entries  map[string]LockEntry

	claims      uint64
	contentions uint64
	reclaims    uint64
}

// NewLockManager creates a LockManager.
func NewLockManager(cfg LockConfig) *LockManager {
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxLockHistory <= 0 {
		cfg.MaxLockHistory = DefaultMaxLockHistory
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRoundRobin
	}
	return &LockManager{
		cfg:      cfg,
		strategy: NewStrategy(cfg.Mode),
		roster:   newRoster(),
		entries:  make(map[string]LockEntry),
	}
}

// TryClaim attempts to take exclusivity over the chat line (user, content)
// observed at `at`. It never blocks on anything but the internal mutex.
func (m *LockManager) TryClaim(user, content, agentID string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.AllowMultiple {
		return true
	}

	fp := Fingerprint(user, content, at, m.cfg.TimeWindow)
	m.evictLocked(at)

	held, ok := m.entries[fp]
	if ok && at.Sub(held.AcquiredAt) > m.cfg.LockTimeout {
		delete(m.entries, fp)
		ok = false
	}

	if ok {
		if held.Holder == agentID || m.roster.Has(held.Holder) || !m.strategy.ForceReclaim(m.roster, held, agentID) {
			m.contentions++
			slog.Debug("fingerprint contention", "fingerprint", fp, "holder", held.Holder, "agent", agentID)
			return false
		}
		m.reclaims++
		slog.Debug("fingerprint reclaimed", "fingerprint", fp, "from", held.Holder, "agent", agentID)
	}

	m.entries[fp] = LockEntry{Fingerprint: fp, Holder: agentID, AcquiredAt: at}
	m.strategy.OnClaim(m.roster, agentID)
	m.claims++
	return true
}

// Release drops the entry for (user, content) at `at`. No-op if absent.
func (m *LockManager) Release(user, content string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, Fingerprint(user, content, at, m.cfg.TimeWindow))
}

// RegisterAgent adds id to the roster or updates its priority.
func (m *LockManager) RegisterAgent(id string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster.add(id, priority)
}

// UnregisterAgent removes id from the roster and releases every entry it holds.
func (m *LockManager) UnregisterAgent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster.remove(id)
	for fp, e := range m.entries {
		if e.Holder == id {
			delete(m.entries, fp)
		}
	}
}

// SetMode switches the contention strategy. Held entries are kept.
func (m *LockManager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Mode = mode
	m.strategy = NewStrategy(mode)
}

func (m *LockManager) SetAllowMultiple(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.AllowMultiple = v
}

// Holder returns the live holder of (user, content) at `at`, if any.
func (m *LockManager) Holder(user, content string, at time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Fingerprint(user, content, at, m.cfg.TimeWindow)]
	if !ok || at.Sub(e.AcquiredAt) > m.cfg.LockTimeout {
		return "", false
	}
	return e.Holder, true
}

func (m *LockManager) Stats() LockStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LockStats{
		Mode:          m.strategy.Mode(),
		AllowMultiple: m.cfg.AllowMultiple,
		Active:        len(m.entries),
		Agents:        m.roster.Len(),
		Claims:        m.claims,
		Contentions:   m.contentions,
		Reclaims:      m.reclaims,
	}
}

// ResetCounters zeroes the claim/contention/reclaim counters.
func (m *LockManager) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims, m.contentions, m.reclaims = 0, 0, 0
}

// evictLocked drops expired entries, then keeps only the newest half of the
// history when the table is over its cap.
func (m *LockManager) evictLocked(now time.Time) {
	for fp, e := range m.entries {
		if now.Sub(e.AcquiredAt) > m.cfg.LockTimeout {
			delete(m.entries, fp)
		}
	}
	if len(m.entries) <= m.cfg.MaxLockHistory {
		return
	}

	all := make([]LockEntry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AcquiredAt.Before(all[j].AcquiredAt) })
	drop := len(all) - m.cfg.MaxLockHistory/2
	for _, e := range all[:drop] {
		delete(m.entries, e.Fingerprint)
	}
	slog.Debug("lock history trimmed", "dropped", drop, "kept", len(m.entries))
}
