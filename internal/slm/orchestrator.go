package slm

import (
	"context"
	"fmt"
	"time"

	"github.com/quantrail/slm/internal/broker"
)

// maxEmergencyEnforcements bounds how many times the lock-free emergency
// path (§4.8a) may fire for one ticket before the regular locked path must
// take over, preventing an unbounded loop across worker iterations — a
// behavior the original implementation's emergency-enforcement tests
// require.
const maxEmergencyEnforcements = 5

// defaultGuaranteedBudget is the time an UpdateSLAtomic call is allowed
// before it is considered to have breached its execution budget (§4.4/§5);
// breaching it does not abort the call, it only counts as a timing-stats
// overrun (TimingStats.BudgetOverruns).
const defaultGuaranteedBudget = 250 * time.Millisecond

// buildSnapshot gathers the consistent Position/InstrumentMetadata/Tick
// view one orchestration pass needs, running the Instrument Metadata
// Corrector (§4.1) against the position's own target loss so a misreported
// contract size is caught before the Arbiter ever sees it.
func (mgr *Manager) buildSnapshot(ctx context.Context, ticket uint64) (snapshot, error) {
	pos, ok, err := mgr.broker.GetPositionByTicket(ctx, ticket)
	if err != nil {
		return snapshot{}, fmt.Errorf("orchestrator: GetPositionByTicket: %w", err)
	}
	if !ok {
		return snapshot{}, fmt.Errorf("orchestrator: ticket=%d not found (closed)", ticket)
	}

	meta, err := mgr.broker.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return snapshot{}, fmt.Errorf("orchestrator: GetSymbolInfo: %w", err)
	}

	risk := mgr.riskFor(pos.Symbol)
	corrected, err := mgr.corrector.CorrectedContractSize(ctx, mgr.broker, pos.Symbol, pos.EntryPrice, pos.Volume, -risk.MaxRiskUSD, pos)
	if err != nil {
		return snapshot{}, fmt.Errorf("orchestrator: corrector: %w", err)
	}

	tick, err := mgr.broker.GetSymbolInfoTick(ctx, pos.Symbol)
	if err != nil {
		return snapshot{}, fmt.Errorf("orchestrator: GetSymbolInfoTick: %w", err)
	}

	return snapshot{Position: *pos, Meta: *meta, Tick: *tick, CorrectedSize: corrected}, nil
}

// UpdateSLAtomic is the top-level operation spec.md §4.8 names
// update_sl_atomic. It arbitrates a decision lock-free first, against a
// throwaway snapshot/tracking read, so it can (a) honor the disabled-symbol
// set for loss-protecting decisions without ever touching the lock, and (b)
// fall back to the Emergency Lock-Free Strict-Loss path when the regular
// lock cannot be acquired promptly for a position that needs strict-loss
// protection right now. The authoritative decision is still made again
// under the ticket's lock in updateLocked, which is the only place state is
// actually applied or persisted.
func (mgr *Manager) UpdateSLAtomic(ctx context.Context, ticket uint64, threadName string) (UpdateOutcome, error) {
	start := time.Now()
	defer mgr.recordIterationTiming(start)

	snap, err := mgr.buildSnapshot(ctx, ticket)
	if err != nil {
		mgr.locks.Forget(ticket)
		return UpdateOutcome{}, err
	}

	if snap.Position.ProfitUSD <= 0 && mgr.isDisabled(snap.Position.Symbol) {
		// Disabled-set exit is loss-protection only (§7): a profitable
		// position on a disabled symbol still proceeds to lock in gains.
		return UpdateOutcome{Ticket: ticket, Symbol: snap.Position.Symbol, Reason: ReasonNone}, nil
	}

	preTrack := mgr.locks.GetTracking(ticket)
	risk := mgr.riskFor(snap.Position.Symbol)
	preview, err := ComputeAuthoritativeSL(snap, preTrack, risk, time.Now())
	if err != nil {
		mgr.handleInvalidSL(ticket, snap.Position.Symbol, err)
		return UpdateOutcome{}, err
	}

	release, err := mgr.locks.Acquire(ctx, ticket, threadName, mgr.cfg.LockAcquireTimeout)
	if err != nil {
		mgr.failsafe.Report(ticket, "lock-acquire", err)
		if preview.IsActionable() && preview.Reason == ReasonStrictLossEnforcement {
			return mgr.EmergencyStrictLoss(ctx, ticket)
		}
		return UpdateOutcome{}, err
	}
	defer release()

	return mgr.updateLocked(ctx, ticket, false)
}

// updateLocked performs the decide/adjust/apply/verify sequence assuming
// the caller already holds the ticket's lock (or is the lock-free emergency
// path, which is exempt by construction — see EmergencyStrictLoss below).
func (mgr *Manager) updateLocked(ctx context.Context, ticket uint64, emergency bool) (UpdateOutcome, error) {
	snap, err := mgr.buildSnapshot(ctx, ticket)
	if err != nil {
		mgr.locks.Forget(ticket)
		return UpdateOutcome{}, err
	}

	track := mgr.locks.GetTracking(ticket)
	mgr.updateProfitZoneTracking(&track, snap.Position, time.Now())

	risk := mgr.riskFor(snap.Position.Symbol)
	decision, err := ComputeAuthoritativeSL(snap, track, risk, time.Now())
	if err != nil {
		mgr.locks.PutTracking(track)
		mgr.handleInvalidSL(ticket, snap.Position.Symbol, err)
		return UpdateOutcome{}, err
	}

	for _, v := range DetectViolations(snap, track, risk) {
		mgr.events.Publish(Event{Name: EventViolationDetected, Ticket: ticket, Payload: v})
	}

	if !decision.IsActionable() {
		mgr.locks.PutTracking(track)
		return UpdateOutcome{Ticket: ticket, Symbol: snap.Position.Symbol, Reason: ReasonNone}, nil
	}

	adjustedSL := AdjustForBrokerConstraints(snap.Position, snap.Meta, snap.Tick, decision.TargetSL)
	decision.TargetSL = adjustedSL

	applied, verified, applyErr := mgr.executor.ApplyAndVerify(ctx, snap, decision, &track, emergency)

	outcome := UpdateOutcome{
		Ticket:    ticket,
		Symbol:    snap.Position.Symbol,
		Reason:    decision.Reason,
		OldSL:     snap.Position.CurrentSL,
		NewSL:     decision.TargetSL,
		Applied:   applied,
		Verified:  verified,
		Err:       applyErr,
		Timestamp: time.Now(),
	}
	mgr.updateLogger.Log(outcome)

	if applyErr != nil {
		mgr.locks.PutTracking(track)
		mgr.failsafe.Report(ticket, "apply-and-verify", applyErr)
		mgr.events.Publish(Event{Name: EventSLUpdateFailed, Ticket: ticket, Payload: applyErr})
		return outcome, applyErr
	}

	track.FirstUpdateApplied = true
	track.LastEffectiveSLUSD = decision.EffectiveUSD
	if decision.EffectiveUSD > track.HighestEffectiveSLUSD {
		track.HighestEffectiveSLUSD = decision.EffectiveUSD
	}
	track.LastUpdateAt = time.Now()
	track.LastDecisionReason = decision.Reason
	if decision.Reason == ReasonStrictLossEnforcement {
		track.EmergencyEnforcementCount = 0
	}
	mgr.locks.PutTracking(track)

	mgr.publishReasonEvent(ticket, decision.Reason)

	return outcome, nil
}

// handleInvalidSL reacts to the SL Price Calculator's sanity gate rejecting
// a candidate (§4.2/§7): the symbol is added to the disabled-set so no
// further loss-protecting decisions are attempted against it until an
// operator investigates and clears it.
func (mgr *Manager) handleInvalidSL(ticket uint64, symbol string, err error) {
	mgr.disableSymbol(symbol)
	mgr.failsafe.Report(ticket, "invalid-sl", err)
	mgr.events.Publish(Event{Name: EventViolationDetected, Ticket: ticket, Payload: err})
}

func (mgr *Manager) publishReasonEvent(ticket uint64, reason Reason) {
	switch reason {
	case ReasonTrailingStop:
		mgr.events.Publish(Event{Name: EventTrailingExecuted, Ticket: ticket})
	case ReasonSweetSpot:
		mgr.events.Publish(Event{Name: EventSweetSpotLocked, Ticket: ticket})
	case ReasonBreakEven:
		mgr.events.Publish(Event{Name: EventBreakEvenApplied, Ticket: ticket})
	case ReasonStrictLossEnforcement:
		mgr.events.Publish(Event{Name: EventHardCapEnforced, Ticket: ticket})
	}
}

// updateProfitZoneTracking maintains ProfitZoneEnteredAt across calls so
// the break-even dwell-time gate (supplemented from original_source/) can
// measure how long a position has stayed profitable.
func (mgr *Manager) updateProfitZoneTracking(track *Tracking, pos broker.Position, now time.Time) {
	if pos.ProfitUSD > 0 {
		if track.ProfitZoneEnteredAt.IsZero() {
			track.ProfitZoneEnteredAt = now
		}
	} else {
		track.ProfitZoneEnteredAt = time.Time{}
	}
}

// EmergencyStrictLoss is the Emergency Lock-Free Strict-Loss path (§4.8a):
// when a position has breached the hard loss cap and the regular locked
// path cannot acquire the ticket's lock promptly (e.g. it is held by a
// stuck worker iteration), this path applies the strict-loss SL directly,
// bypassing the lock and all gating except the hard cap itself, bounded by
// maxEmergencyEnforcements per ticket.
func (mgr *Manager) EmergencyStrictLoss(ctx context.Context, ticket uint64) (UpdateOutcome, error) {
	track := mgr.locks.GetTracking(ticket)
	if track.EmergencyEnforcementCount >= maxEmergencyEnforcements {
		return UpdateOutcome{}, fmt.Errorf("orchestrator: emergency enforcement cap reached for ticket=%d", ticket)
	}

	snap, err := mgr.buildSnapshot(ctx, ticket)
	if err != nil {
		return UpdateOutcome{}, err
	}

	risk := mgr.riskFor(snap.Position.Symbol)

	// Priority exclusivity (§3 Invariant 5 / §4.8a): re-run the Arbiter on
	// this fresh snapshot before touching the broker. If a higher-priority
	// authority is live, the emergency path must not override it, even
	// though the reason we are here at all is that the regular locked path
	// could not get the lock.
	fresh, err := ComputeAuthoritativeSL(snap, track, risk, time.Now())
	if err != nil {
		mgr.handleInvalidSL(ticket, snap.Position.Symbol, err)
		return UpdateOutcome{}, err
	}
	if fresh.Reason == ReasonTrailingStop || fresh.Reason == ReasonSweetSpot || fresh.Reason == ReasonBreakEven {
		return UpdateOutcome{}, fmt.Errorf("orchestrator: emergency path aborted for ticket=%d: higher-priority authority %s is live", ticket, fresh.Reason)
	}

	candidate, ok, err := strictLossCandidate(snap, risk)
	if err != nil {
		mgr.handleInvalidSL(ticket, snap.Position.Symbol, err)
		return UpdateOutcome{}, err
	}
	if !ok {
		return UpdateOutcome{}, nil
	}
	candidate.TargetSL = AdjustForBrokerConstraints(snap.Position, snap.Meta, snap.Tick, candidate.TargetSL)

	applied, verified, applyErr := mgr.executor.ApplyAndVerify(ctx, snap, candidate, &track, true)

	outcome := UpdateOutcome{
		Ticket:    ticket,
		Symbol:    snap.Position.Symbol,
		Reason:    candidate.Reason,
		OldSL:     snap.Position.CurrentSL,
		NewSL:     candidate.TargetSL,
		Applied:   applied,
		Verified:  verified,
		Err:       applyErr,
		Timestamp: time.Now(),
	}
	mgr.updateLogger.Log(outcome)

	track.EmergencyEnforcementCount++
	if applyErr == nil {
		track.LastEffectiveSLUSD = candidate.EffectiveUSD
		track.FirstUpdateApplied = true
	}
	mgr.locks.PutTracking(track)

	if applyErr != nil {
		mgr.failsafe.Report(ticket, "emergency-strict-loss", applyErr)
	}
	return outcome, applyErr
}
