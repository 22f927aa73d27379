package ipc

import (
	"sync"
	"time"
)

// RateLimiter provides per-identity connection rate limiting over a
// sliding window. In-memory only; IPC is local.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
	attempts    map[string][]time.Time
}

func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow checks whether identity may connect. If allowed, it records the
// attempt.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	existing := r.attempts[identity]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[identity] = pruned
		return false
	}

	r.attempts[identity] = append(pruned, now)
	return true
}

// Reset clears all rate limit state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string][]time.Time)
}
