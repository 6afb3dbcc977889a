package slm

import (
	"sync"
	"time"
)

// RateLimiter is a sliding 1-second window over broker RPC calls (§4.7),
// deliberately hand-rolled rather than built on golang.org/x/time/rate: the
// emergency-bypass corridor and saturation backoff below have no clean
// token-bucket equivalent. All state lives behind its own mutex, never
// shared with the lock manager's tracking mutex.
type RateLimiter struct {
	mu              sync.Mutex
	maxPerSecond    int
	window          []time.Time
	emergencyBypass bool
	backoffOnSaturate time.Duration
}

func NewRateLimiter(maxPerSecond int, emergencyBypass bool, backoffOnSaturate time.Duration) *RateLimiter {
	return &RateLimiter{
		maxPerSecond:      maxPerSecond,
		emergencyBypass:   emergencyBypass,
		backoffOnSaturate: backoffOnSaturate,
	}
}

// Allow reports whether a call may proceed right now, recording it in the
// window if so. emergency calls bypass the window entirely when
// emergencyBypass is configured, matching §4.8a's lock-free strict-loss path
// needing to act even while the window is saturated.
func (r *RateLimiter) Allow(emergency bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if emergency && r.emergencyBypass {
		return true
	}

	now := time.Now()
	r.prune(now)

	if len(r.window) >= r.maxPerSecond {
		return false
	}
	r.window = append(r.window, now)
	return true
}

// BackoffDuration returns how long a caller that was denied should wait
// before retrying.
func (r *RateLimiter) BackoffDuration() time.Duration {
	return r.backoffOnSaturate
}

// InFlight returns the number of calls currently counted in the sliding
// window, for saturation metrics.
func (r *RateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	return len(r.window)
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-1 * time.Second)
	i := 0
	for ; i < len(r.window); i++ {
		if r.window[i].After(cutoff) {
			break
		}
	}
	r.window = r.window[i:]
}
