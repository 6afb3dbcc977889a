package slm

import (
	"math"
	"time"

	"github.com/quantrail/slm/internal/broker"
)

// epsilon is the tolerance used for "strictly more profit than currently
// locked" comparisons throughout the Arbiter, resolving Open Question 3
// from spec.md §9: sweet-spot/trailing candidates apply whenever they
// strictly improve on the currently locked effective USD by more than this.
const epsilon = 1e-9

// RiskParams is the resolved, per-symbol set of risk knobs the Arbiter
// needs. Manager builds this from config.Config.RiskFor plus the dynamic
// break-even settings.
type RiskParams struct {
	MaxRiskUSD        float64
	SweetSpotMinUSD   float64
	SweetSpotMaxUSD   float64
	TrailIncrementUSD float64
	BreakEvenEnabled  bool
	BreakEvenDwell    time.Duration
}

// ComputeAuthoritativeSL is the Authoritative-SL Arbiter (§4.5): a pure
// function from the current position/metadata/tick/tracking state to the
// single SL decision the SLM should enforce right now. It never calls the
// broker and never mutates tracking; callers (orchestrator.go) are
// responsible for persisting any Tracking changes the decision implies. It
// returns *InvalidSLError when the SL Price Calculator's sanity gate rejects
// a candidate (§4.2/§7); callers must disable the symbol on that error.
func ComputeAuthoritativeSL(snap snapshot, track Tracking, risk RiskParams, now time.Time) (Decision, error) {
	pos, meta := snap.Position, snap.Meta

	currentEffective := 0.0
	hasSL := pos.CurrentSL > 0
	if hasSL {
		currentEffective = effectiveUSD(pos, meta, pos.CurrentSL)
	}

	firstUpdate := !hasSL && !track.FirstUpdateApplied

	candidates := make([]Decision, 0, 3)

	if pos.ProfitUSD <= 0 {
		c, ok, err := strictLossCandidate(snap, risk)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			candidates = append(candidates, c)
		}
	} else {
		enteredAt := track.ProfitZoneEnteredAt
		if enteredAt.IsZero() {
			enteredAt = now
		}
		dwelled := now.Sub(enteredAt) >= risk.BreakEvenDwell

		// Order mirrors spec.md §4.5's pseudocode exactly: TRAILING is
		// checked first and fires whenever profit has passed the trailing
		// increment, even if that profit also falls inside the sweet-spot
		// band — the two knobs are independently configurable per symbol
		// (config.go's SymbolOverride), so a symbol can set
		// TrailIncrementUSD below SweetSpotMaxUSD and expect TRAILING to
		// win at that lower threshold.
		switch {
		case risk.TrailIncrementUSD > 0 && pos.ProfitUSD > risk.TrailIncrementUSD:
			c, err := trailingCandidate(snap, risk, track)
			if err != nil {
				return Decision{}, err
			}
			candidates = append(candidates, c)
		case pos.ProfitUSD >= risk.SweetSpotMinUSD && pos.ProfitUSD <= risk.SweetSpotMaxUSD:
			c, err := sweetSpotCandidate(snap, pos.ProfitUSD)
			if err != nil {
				return Decision{}, err
			}
			candidates = append(candidates, c)
		case risk.BreakEvenEnabled && dwelled:
			candidates = append(candidates, breakEvenCandidate(pos))
		}
	}

	best := pickBest(candidates)
	if !best.IsActionable() {
		return Decision{Ticket: pos.Ticket, Reason: ReasonNone}, nil
	}

	if firstUpdate {
		return best, nil
	}

	// Monotonicity (Invariant: BUY SL never decreases, SELL SL never
	// increases), relaxed only for the loss-zone -> profit-zone jump, which
	// is exactly the case where best.EffectiveUSD > currentEffective by
	// construction of the candidates above (a profit-zone candidate is
	// always >= 0 > any loss-zone current SL).
	if best.EffectiveUSD <= currentEffective+epsilon {
		return Decision{Ticket: pos.Ticket, Reason: ReasonNone}, nil
	}

	return best, nil
}

func strictLossCandidate(snap snapshot, risk RiskParams) (Decision, bool, error) {
	pos, meta := snap.Position, snap.Meta
	if risk.MaxRiskUSD <= 0 {
		return Decision{}, false, nil
	}
	if pos.ProfitUSD >= 0 {
		return Decision{}, false, nil
	}
	lossCapUSD := -risk.MaxRiskUSD
	sl, err := ComputeSLPrice(pos.EntryPrice, lossCapUSD, pos.Side, pos.Volume, meta, snap.CorrectedSize, &pos, true)
	if err != nil {
		return Decision{}, false, err
	}
	return Decision{
		Ticket:       pos.Ticket,
		Reason:       ReasonStrictLossEnforcement,
		TargetSL:     sl,
		EffectiveUSD: lossCapUSD,
	}, true, nil
}

func breakEvenCandidate(pos broker.Position) Decision {
	return Decision{
		Ticket:       pos.Ticket,
		Reason:       ReasonBreakEven,
		TargetSL:     pos.EntryPrice,
		EffectiveUSD: 0,
	}
}

func sweetSpotCandidate(snap snapshot, lockUSD float64) (Decision, error) {
	pos, meta := snap.Position, snap.Meta
	sl, err := ComputeSLPrice(pos.EntryPrice, lockUSD, pos.Side, pos.Volume, meta, snap.CorrectedSize, &pos, false)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Ticket:       pos.Ticket,
		Reason:       ReasonSweetSpot,
		TargetSL:     sl,
		EffectiveUSD: lockUSD,
	}, nil
}

// trailingCandidate locks profit in discrete steps of TrailIncrementUSD
// behind the current profit, never locking less than the highest effective
// USD already locked for the ticket, mirroring the "only ratchet, never reverse" rule used by the
// MetaRPC GoMT5 demos' trailing-stop orchestrator.
func trailingCandidate(snap snapshot, risk RiskParams, track Tracking) (Decision, error) {
	pos, meta := snap.Position, snap.Meta
	step := risk.TrailIncrementUSD
	if step <= 0 {
		step = 0.10
	}
	steps := math.Floor(pos.ProfitUSD / step)
	lockUSD := steps * step
	if lockUSD < risk.SweetSpotMaxUSD {
		lockUSD = risk.SweetSpotMaxUSD
	}
	if lockUSD < track.HighestEffectiveSLUSD {
		lockUSD = track.HighestEffectiveSLUSD
	}
	sl, err := ComputeSLPrice(pos.EntryPrice, lockUSD, pos.Side, pos.Volume, meta, snap.CorrectedSize, &pos, false)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Ticket:       pos.Ticket,
		Reason:       ReasonTrailingStop,
		TargetSL:     sl,
		EffectiveUSD: lockUSD,
	}, nil
}

func pickBest(candidates []Decision) Decision {
	best := Decision{Reason: ReasonNone}
	for _, c := range candidates {
		if c.Reason.priority() > best.Reason.priority() {
			best = c
		}
	}
	return best
}
