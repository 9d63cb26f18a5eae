package ws

import (
	"sync"
	"time"
)

// ConnRateLimiter bounds connection attempts per declared identity over a
// sliding window. Keyed by the raw path identity because it runs before
// verification; a flood of bad credentials must not cost a token check each.
type ConnRateLimiter struct {
	mu        sync.Mutex
	history   map[string][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time
}

func NewConnRateLimiter(limit int, interval time.Duration) *ConnRateLimiter {
	return &ConnRateLimiter{
		history:   make(map[string][]time.Time),
		limit:     limit,
		interval:  interval,
		lastSweep: time.Now(),
	}
}

func (rl *ConnRateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) >= rl.interval {
		rl.sweep(now)
	}
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}

// sweep drops identities whose entire window has expired. Attempts arrive
// with attacker-chosen path identities, so without this the history would
// grow one entry per identity ever seen. Runs at most once per interval,
// with the lock already held.
func (rl *ConnRateLimiter) sweep(now time.Time) {
	rl.lastSweep = now
	windowStart := now.Add(-rl.interval)
	for id, attempts := range rl.history {
		if len(attempts) == 0 || attempts[len(attempts)-1].Before(windowStart) {
			delete(rl.history, id)
		}
	}
}
