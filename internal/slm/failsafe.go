package slm

import (
	"log"
	"strings"
	"sync"
	"time"
	"unicode"
)

// FailSafeAuditor is the SLM's last line of defense (§4.11): it logs
// unexpected errors surfaced anywhere in the pipeline, but debounces by
// error signature so a broker that is down doesn't produce one log line
// per ticket per worker iteration. Signature extraction strips digits and
// punctuation so "broker busy (attempt 3)" and "broker busy (attempt 7)"
// collapse to the same signature, per the debouncing behavior confirmed by
// the original implementation's tests.
type FailSafeAuditor struct {
	mu             sync.Mutex
	lastLoggedAt   map[string]time.Time
	debounceWindow time.Duration
	signatureTTL   time.Duration
}

func NewFailSafeAuditor(debounceWindow, signatureTTL time.Duration) *FailSafeAuditor {
	return &FailSafeAuditor{
		lastLoggedAt:   make(map[string]time.Time),
		debounceWindow: debounceWindow,
		signatureTTL:   signatureTTL,
	}
}

// Report logs err under a debounced signature, returning true if it was
// actually written (false if suppressed as a duplicate within the window).
func (a *FailSafeAuditor) Report(ticket uint64, context string, err error) bool {
	if err == nil {
		return false
	}
	sig := signature(err.Error())

	a.mu.Lock()
	now := time.Now()
	a.evictExpired(now)
	last, seen := a.lastLoggedAt[sig]
	suppressed := seen && now.Sub(last) < a.debounceWindow
	if !suppressed {
		a.lastLoggedAt[sig] = now
	}
	a.mu.Unlock()

	if suppressed {
		return false
	}
	log.Printf("[CRITICAL] fail-safe ticket=%d context=%s err=%v", ticket, context, err)
	return true
}

func (a *FailSafeAuditor) evictExpired(now time.Time) {
	for sig, t := range a.lastLoggedAt {
		if now.Sub(t) > a.signatureTTL {
			delete(a.lastLoggedAt, sig)
		}
	}
}

// signature strips digits and punctuation from msg so errors that differ
// only by a retry count, ticket number, or timestamp collapse together.
func signature(msg string) string {
	var b strings.Builder
	for _, r := range msg {
		if unicode.IsDigit(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
