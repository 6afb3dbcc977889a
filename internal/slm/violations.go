package slm

import (
	"fmt"
)

// ViolationKind classifies what the Violation Detector (§4.9) found wrong
// with a position's broker-side stop-loss.
type ViolationKind int

const (
	NoViolation ViolationKind = iota
	ViolationMissingSL
	ViolationBeyondHardCap
	ViolationRegressed
)

// Violation describes a single detected problem for a ticket.
type Violation struct {
	Ticket uint64
	Kind   ViolationKind
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("ticket=%d kind=%d detail=%s", v.Ticket, v.Kind, v.Detail)
}

// DetectViolations compares a position's live broker SL against what the
// SLM last believed it enforced, surfacing any external interference (a
// human or another system moving the SL) or a breach of the hard loss cap
// that the next worker iteration must correct.
func DetectViolations(snap snapshot, track Tracking, risk RiskParams) []Violation {
	pos, meta := snap.Position, snap.Meta
	var out []Violation

	if pos.CurrentSL <= 0 {
		if track.FirstUpdateApplied {
			out = append(out, Violation{Ticket: pos.Ticket, Kind: ViolationMissingSL, Detail: "stop-loss missing after having been set"})
		}
		return out
	}

	eff := effectiveUSD(pos, meta, pos.CurrentSL)

	if risk.MaxRiskUSD > 0 && eff < -risk.MaxRiskUSD-epsilon {
		out = append(out, Violation{
			Ticket: pos.Ticket,
			Kind:   ViolationBeyondHardCap,
			Detail: fmt.Sprintf("effective_usd=%.4f exceeds hard cap=-%.4f", eff, risk.MaxRiskUSD),
		})
	}

	if track.FirstUpdateApplied && eff < track.LastEffectiveSLUSD-epsilon {
		out = append(out, Violation{
			Ticket: pos.Ticket,
			Kind:   ViolationRegressed,
			Detail: fmt.Sprintf("effective_usd=%.4f regressed below last known locked=%.4f", eff, track.LastEffectiveSLUSD),
		})
	}

	return out
}
