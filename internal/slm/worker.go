package slm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// auxTaskKind enumerates the background-queue work the worker loop offloads
// (§4.10): only auxiliary housekeeping, never a ticket's own UpdateSLAtomic
// call — that must always run synchronously in the scan so a slow ticket
// is reported, not silently deferred to an unbounded goroutine.
type auxTaskKind int

const (
	auxFailSafeSweep auxTaskKind = iota
	auxStaleLockSweep
)

type auxTask struct {
	kind auxTaskKind
}

// auxQueueCapacity bounds the auxiliary work channel; once full, further
// enqueues are dropped rather than blocking the scan loop (§4.10).
const auxQueueCapacity = 64

// auxSweepEvery schedules a fail-safe/stale-lock sweep once every this many
// worker iterations, rather than every iteration, since both are
// O(known tickets) passes that don't need scan-loop frequency.
const auxSweepEvery = 10

// workerLifecycle is the idempotent start/stop/status bookkeeping adapted
// from BaseOrchestrator in the MetaRPC GoMT5 demos' orchestrators package:
// a guarded running flag, a cancelable context, and a status snapshot kept
// under one mutex.
type workerLifecycle struct {
	mu             sync.RWMutex
	running        bool
	status         WorkerStatus
	cancel         context.CancelFunc
	done           chan struct{}
	iterationCount int64
}

func (w *workerLifecycle) isRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *workerLifecycle) markStarted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.status.Running = true
	w.status.StartedAt = time.Now()
}

func (w *workerLifecycle) markStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.status.Running = false
}

func (w *workerLifecycle) recordIteration(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastIteration = time.Now()
	w.status.Iterations++
	if err != nil {
		w.status.Errors++
	}
}

func (w *workerLifecycle) snapshot() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// StartWorker launches the background scan loop if it is not already
// running. It is idempotent: calling it twice while running is a no-op.
func (mgr *Manager) StartWorker() error {
	if mgr.worker.isRunning() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr.worker.cancel = cancel
	mgr.worker.done = make(chan struct{})
	mgr.worker.markStarted()

	go mgr.runAuxWorker(ctx)
	go mgr.runWorkerLoop(ctx)
	return nil
}

// runAuxWorker drains the bounded auxiliary-task queue, running each
// housekeeping task one at a time. It is the only consumer of auxQueue, so
// a slow fail-safe sweep never competes with the scan loop for CPU beyond
// this one goroutine.
func (mgr *Manager) runAuxWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-mgr.auxQueue:
			switch task.kind {
			case auxFailSafeSweep:
				mgr.RunFailSafeSweep(ctx)
			case auxStaleLockSweep:
				mgr.locks.SweepStaleLocks()
			}
		}
	}
}

// enqueueAux offers task to the bounded auxiliary queue without blocking;
// if the queue is full the task is simply dropped — it will be offered
// again on the next scheduled iteration (§4.10's drop-on-full semantics).
func (mgr *Manager) enqueueAux(task auxTask) {
	select {
	case mgr.auxQueue <- task:
	default:
	}
}

// StopWorker signals the scan loop to exit and waits up to ShutdownTimeout
// for it to finish joining, matching the 2s guaranteed-shutdown budget in
// spec.md §5.
func (mgr *Manager) StopWorker() error {
	if !mgr.worker.isRunning() {
		return nil
	}
	mgr.worker.cancel()

	select {
	case <-mgr.worker.done:
	case <-time.After(mgr.cfg.WorkerShutdownTimeout):
		return fmt.Errorf("worker: shutdown join timed out after %s", mgr.cfg.WorkerShutdownTimeout)
	}
	mgr.worker.markStopped()
	return nil
}

// GetWorkerStatus implements the exposed get_worker_status API.
func (mgr *Manager) GetWorkerStatus() WorkerStatus {
	return mgr.worker.snapshot()
}

// runWorkerLoop is the Worker Loop (§4.10): a periodic scan over every open
// ticket. Every ticket's own protection always runs inline; only the
// periodic housekeeping sweeps go through the background queue.
func (mgr *Manager) runWorkerLoop(ctx context.Context) {
	defer close(mgr.worker.done)

	ticker := time.NewTicker(mgr.cfg.WorkerScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.runIteration(ctx)
		}
	}
}

// runIteration processes every open position's UpdateSLAtomic synchronously
// — the core per-ticket work is never deferred to a background goroutine,
// since that would mean the very position the SLM exists to protect misses
// this cycle's protection. An UpdateSLAtomic call that exceeds
// defaultGuaranteedBudget is reported as a timing overrun
// (recordIterationTiming, called from inside UpdateSLAtomic) rather than
// used to skip work. Only the periodic housekeeping sweeps
// (§4.10: fail-safe hard-cap enforcement, stale-lock reclamation) go through
// the bounded background queue, since they are O(known tickets) passes that
// tolerate being dropped on an overloaded cycle far better than a single
// ticket's own protection does.
func (mgr *Manager) runIteration(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			mgr.worker.recordIteration(fmt.Errorf("worker: panic: %v", r))
			mgr.events.Publish(Event{Name: EventThreadDied, Payload: r})
		}
	}()

	positions, err := mgr.broker.GetOpenPositions(ctx)
	if err != nil {
		mgr.worker.recordIteration(err)
		mgr.failsafe.Report(0, "worker-scan", err)
		return
	}

	seen := make(map[uint64]struct{}, len(positions))
	for _, p := range positions {
		seen[p.Ticket] = struct{}{}
		if _, err := mgr.UpdateSLAtomic(ctx, p.Ticket, "worker"); err != nil {
			mgr.worker.recordIteration(err)
			continue
		}
	}

	mgr.cleanupClosed(seen)
	mgr.worker.recordIteration(nil)

	mgr.worker.mu.Lock()
	mgr.worker.iterationCount++
	due := mgr.worker.iterationCount%auxSweepEvery == 0
	mgr.worker.mu.Unlock()
	if due {
		mgr.enqueueAux(auxTask{kind: auxFailSafeSweep})
		mgr.enqueueAux(auxTask{kind: auxStaleLockSweep})
	}
}

// cleanupClosed forgets tracking state for any ticket the SLM previously
// knew about that no longer appears in the broker's open-position list,
// mirroring cleanupClosedPositions in the MetaRPC GoMT5 demos' trailing
// stop orchestrator.
func (mgr *Manager) cleanupClosed(stillOpen map[uint64]struct{}) {
	mgr.mu.Lock()
	known := make([]uint64, 0, len(mgr.knownTickets))
	for t := range mgr.knownTickets {
		known = append(known, t)
	}
	for t := range stillOpen {
		mgr.knownTickets[t] = struct{}{}
	}
	mgr.mu.Unlock()

	for _, t := range known {
		if _, ok := stillOpen[t]; !ok {
			mgr.CleanupClosedPosition(t)
		}
	}
}
