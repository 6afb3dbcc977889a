// Package slm implements the Unified Stop-Loss Manager: a concurrent risk
// controller that keeps every open position's broker-side stop-loss at the
// most protective level its current state allows, independent of whatever
// strategy opened the position. It owns no entry/exit logic.
package slm

import (
	"time"

	"github.com/quantrail/slm/internal/broker"
)

// Reason is the class of protection an Authoritative-SL Decision enforces.
// The zero value, ReasonNone, means "no update is warranted".
type Reason int

const (
	ReasonNone Reason = iota
	ReasonStrictLossEnforcement
	ReasonBreakEven
	ReasonSweetSpot
	ReasonTrailingStop
)

func (r Reason) String() string {
	switch r {
	case ReasonStrictLossEnforcement:
		return "Strict loss enforcement"
	case ReasonBreakEven:
		return "Break-even"
	case ReasonSweetSpot:
		return "Sweet-spot"
	case ReasonTrailingStop:
		return "Trailing stop"
	default:
		return "none"
	}
}

// priority ranks reasons so the Arbiter can pick the single most protective
// decision when more than one branch would fire: TRAILING > SWEET_SPOT >
// BREAK_EVEN > STRICT_LOSS > NONE, matching spec.md §4.5's ladder
// (TRAILING > PROFIT_LOCK > HARD), with PROFIT_LOCK split into the
// break-even and sweet-spot sub-tiers supplemented from original_source/.
func (r Reason) priority() int {
	switch r {
	case ReasonTrailingStop:
		return 4
	case ReasonSweetSpot:
		return 3
	case ReasonBreakEven:
		return 2
	case ReasonStrictLossEnforcement:
		return 1
	default:
		return 0
	}
}

// Decision is the pure-function output of the Authoritative-SL Arbiter
// (§4.5): the single SL price the SLM wants enforced right now, and why.
type Decision struct {
	Ticket       uint64
	Reason       Reason
	TargetSL     float64
	EffectiveUSD float64
}

// IsActionable reports whether the decision calls for any broker call at all.
func (d Decision) IsActionable() bool {
	return d.Reason != ReasonNone
}

// Tracking is the per-ticket state the SLM keeps between iterations (§3 Per-
// Ticket Tracking), stored by the LockManager (see lockmanager.go). The
// locked update path writes it while holding the ticket's lock; the
// lock-free emergency path (EmergencyStrictLoss) reads and writes it
// without the lock.
type Tracking struct {
	Ticket                    uint64
	LastEffectiveSLUSD        float64
	HighestEffectiveSLUSD     float64
	ProfitZoneEnteredAt       time.Time
	BreakEvenEligible         bool
	FirstUpdateApplied        bool
	EmergencyEnforcementCount int
	LastUpdateAt              time.Time
	LastDecisionReason        Reason

	// Executor gating state (§4.4/§7): when the last SL attempt/success
	// happened, what price was last actually applied, and whether a
	// cooldown window is currently in force.
	LastSLAttemptAt    time.Time
	LastSLSuccessAt    time.Time
	LastAppliedSLPrice float64
	CooldownUntil      time.Time
	ManualReviewFlag   bool
}

// VerificationMetrics accumulates the Apply-and-Verify Executor's outcome
// counts for the get_verification_metrics API.
type VerificationMetrics struct {
	Attempts            int64
	Successes           int64
	PriceMismatches     int64
	RelaxedAcceptances  int64
	Failures            int64
	EmergencyApplied    int64
}

// TimingStats accumulates the timing of every UpdateSLAtomic call (one
// entry per call, whether from the Worker Loop or an external caller) for
// get_timing_stats.
type TimingStats struct {
	Iterations      int64
	TotalDuration    time.Duration
	MaxDuration      time.Duration
	BudgetOverruns   int64
}

// WorkerStatus reports the Worker Loop's lifecycle state, mirroring the
// OrchestratorStatus shape from the MetaRPC GoMT5 demos' BaseOrchestrator.
type WorkerStatus struct {
	Running      bool
	StartedAt    time.Time
	LastIteration time.Time
	Iterations   int64
	Errors       int64
}

// UpdateOutcome is the result of one UpdateSLAtomic call, used both as the
// method's return value and as the payload logged to the JSONL update log.
type UpdateOutcome struct {
	Ticket    uint64
	Symbol    string
	Reason    Reason
	OldSL     float64
	NewSL     float64
	Applied   bool
	Verified  bool
	Err       error
	Timestamp time.Time
}

// snapshot bundles everything a single orchestration pass needs about a
// position: the raw broker snapshot, corrected instrument metadata, and the
// latest tick, so calculator/adjuster/arbiter all operate on one consistent
// view.
type snapshot struct {
	Position      broker.Position
	Meta          broker.InstrumentMetadata
	Tick          broker.Tick
	CorrectedSize float64
}
