package slm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// ticketLock is a reentrant, single-owner lock for one ticket. Reentrancy
// lets the same logical thread name acquire a ticket's lock again while it
// already holds it, so nested calls on one thread do not deadlock. The
// Emergency Lock-Free Strict-Loss path (§4.8a) does not take this lock.
type ticketLock struct {
	mu          sync.Mutex
	owner       string // logical thread name, empty when unlocked
	depth       int
	acquiredAt  time.Time
}

// LockManager owns the per-ticket reentrant locks and the tracking map
// described in spec.md §3/§4.6. The tracking-mutex is always released
// before a ticket lock is acquired, per the lock-ordering discipline in §5.
type LockManager struct {
	tracking sync.Mutex
	locks    map[uint64]*ticketLock
	track    map[uint64]*Tracking
	staleAfter time.Duration
	diagW      io.Writer
	diagMu     sync.Mutex
}

func NewLockManager(staleAfter time.Duration, diagnosticsWriter io.Writer) *LockManager {
	return &LockManager{
		locks:      make(map[uint64]*ticketLock),
		track:      make(map[uint64]*Tracking),
		staleAfter: staleAfter,
		diagW:      diagnosticsWriter,
	}
}

func (m *LockManager) getOrCreateLock(ticket uint64) *ticketLock {
	m.tracking.Lock()
	l, ok := m.locks[ticket]
	if !ok {
		l = &ticketLock{}
		m.locks[ticket] = l
	}
	m.tracking.Unlock()
	return l
}

// Acquire blocks until the ticket's lock is held by threadName (reentrant:
// the same threadName may call Acquire again without deadlocking), or ctx
// is done, or acquireTimeout elapses.
func (m *LockManager) Acquire(ctx context.Context, ticket uint64, threadName string, acquireTimeout time.Duration) (func(), error) {
	l := m.getOrCreateLock(ticket)

	l.mu.Lock()
	if l.owner == threadName && l.depth > 0 {
		l.depth++
		owner := l.owner
		l.mu.Unlock()
		m.logLockEvent(ticket, owner, "reenter")
		return func() { m.release(ticket, l, threadName) }, nil
	}
	l.mu.Unlock()

	deadline := time.Now().Add(acquireTimeout)
	for {
		l.mu.Lock()
		if l.owner == "" {
			l.owner = threadName
			l.depth = 1
			l.acquiredAt = time.Now()
			l.mu.Unlock()
			m.logLockEvent(ticket, threadName, "acquire")
			return func() { m.release(ticket, l, threadName) }, nil
		}
		stale := m.staleAfter > 0 && time.Since(l.acquiredAt) > m.staleAfter
		prevOwner := l.owner
		l.mu.Unlock()

		if stale {
			m.logLockEvent(ticket, threadName, fmt.Sprintf("steal-from-stale prev_owner=%s", prevOwner))
			l.mu.Lock()
			l.owner = threadName
			l.depth = 1
			l.acquiredAt = time.Now()
			l.mu.Unlock()
			return func() { m.release(ticket, l, threadName) }, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lockmanager: acquire ticket=%d timed out, held by %s", ticket, prevOwner)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (m *LockManager) release(ticket uint64, l *ticketLock, threadName string) {
	l.mu.Lock()
	if l.owner != threadName {
		l.mu.Unlock()
		return
	}
	l.depth--
	if l.depth <= 0 {
		l.owner = ""
		l.depth = 0
	}
	l.mu.Unlock()
	m.logLockEvent(ticket, threadName, "release")
}

// GetTracking returns a copy of the per-ticket tracking state, creating a
// zero-value entry if none exists yet.
func (m *LockManager) GetTracking(ticket uint64) Tracking {
	m.tracking.Lock()
	defer m.tracking.Unlock()
	t, ok := m.track[ticket]
	if !ok {
		t = &Tracking{Ticket: ticket}
		m.track[ticket] = t
	}
	return *t
}

// PutTracking persists tracking state for ticket. Callers must hold the
// ticket's lock while calling this.
func (m *LockManager) PutTracking(t Tracking) {
	m.tracking.Lock()
	defer m.tracking.Unlock()
	cp := t
	m.track[t.Ticket] = &cp
}

// Forget removes all state for a closed ticket (§4.6 cleanup), mirroring
// the MetaRPC GoMT5 demos' cleanupClosedPositions.
func (m *LockManager) Forget(ticket uint64) {
	m.tracking.Lock()
	defer m.tracking.Unlock()
	delete(m.track, ticket)
	delete(m.locks, ticket)
}

// SweepStaleLocks reclaims any ticket lock that has been held longer than
// staleAfter, logging a diagnostic event for each. It is invoked
// periodically from the worker loop's bounded auxiliary queue (worker.go)
// rather than inline in Acquire, so a thread that died without releasing
// its lock does not wait for the next contending Acquire call to notice.
func (m *LockManager) SweepStaleLocks() {
	if m.staleAfter <= 0 {
		return
	}
	m.tracking.Lock()
	tickets := make([]uint64, 0, len(m.locks))
	for t := range m.locks {
		tickets = append(tickets, t)
	}
	m.tracking.Unlock()

	for _, ticket := range tickets {
		l := m.getOrCreateLock(ticket)
		l.mu.Lock()
		stale := l.owner != "" && time.Since(l.acquiredAt) > m.staleAfter
		owner := l.owner
		if stale {
			l.owner = ""
			l.depth = 0
		}
		l.mu.Unlock()
		if stale {
			m.logLockEvent(ticket, owner, "stale-sweep-reclaimed")
		}
	}
}

type lockDiagEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Ticket    uint64    `json:"ticket"`
	Thread    string    `json:"thread"`
	Event     string    `json:"event"`
}

func (m *LockManager) logLockEvent(ticket uint64, thread, event string) {
	if m.diagW == nil {
		return
	}
	rec := lockDiagEvent{Timestamp: time.Now(), Ticket: ticket, Thread: thread, Event: event}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	m.diagMu.Lock()
	defer m.diagMu.Unlock()
	m.diagW.Write(append(b, '\n'))
}
