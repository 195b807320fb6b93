package reconcile

import (
	"sync"
	"time"

	"github.com/nickmisasi/nexuscore/internal/clock"
)

// RetryGuard suppresses launch storms: it returns false once attempts for
// a key exceed a bound within a sliding window. Adapted from the teacher's
// windowed in-memory rate limiter (there keyed by user ID for HTTP
// middleware), here keyed by issue ID for orphan-recovery launches.
type RetryGuard struct {
	mu          sync.Mutex
	entries     map[string]retryEntry
	maxAttempts int
	window      time.Duration
	clock       clock.Clock
}

type retryEntry struct {
	windowStart time.Time
	count       int
}

// NewRetryGuard returns a guard permitting maxAttempts per key within window.
func NewRetryGuard(maxAttempts int, window time.Duration, clk clock.Clock) *RetryGuard {
	return &RetryGuard{
		entries:     make(map[string]retryEntry),
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clk,
	}
}

// Allow reports whether another attempt for key is permitted, and records
// the attempt if so.
func (g *RetryGuard) Allow(key string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.entries[key]
	if !exists || now.Sub(entry.windowStart) >= g.window {
		g.entries[key] = retryEntry{windowStart: now, count: 1}
		return true
	}

	if entry.count >= g.maxAttempts {
		return false
	}

	entry.count++
	g.entries[key] = entry
	return true
}
