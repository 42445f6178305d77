package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
// source addresses cannot grow the table without bound.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	limit   rate.Limit
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

// NewRateLimiter allows maxHits per key within each window, refilling
// evenly across the window.
func NewRateLimiter(window time.Duration, maxHits int) *RateLimiter {
	if maxHits < 1 {
		maxHits = 1
	}
	return &RateLimiter{
		window:  window,
		maxHits: maxHits,
		limit:   rate.Every(window / time.Duration(maxHits)),
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Allow reports whether key may proceed now, spending one token if so.
// Keys idle for a full window are pruned once the table reaches its cap.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &rateLimitEntry{limiter: rate.NewLimiter(r.limit, r.maxHits)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
