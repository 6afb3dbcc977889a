package slm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantrail/slm/internal/broker"
)

func TestDetectViolations_BeyondHardCap(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.10000}
	meta := eurusdMeta()
	farSL := slForEffectiveUSD(pos, meta, -5.00) // well past a 2.00 cap
	pos.CurrentSL = farSL

	snap := snapshot{Position: pos, Meta: meta}
	vs := DetectViolations(snap, Tracking{Ticket: 1, FirstUpdateApplied: true}, defaultRisk())

	found := false
	for _, v := range vs {
		if v.Kind == ViolationBeyondHardCap {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectViolations_NoViolationWhenWithinCap(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.10000}
	meta := eurusdMeta()
	pos.CurrentSL = slForEffectiveUSD(pos, meta, -1.00)

	snap := snapshot{Position: pos, Meta: meta}
	vs := DetectViolations(snap, Tracking{Ticket: 1, FirstUpdateApplied: true, LastEffectiveSLUSD: -1.00}, defaultRisk())
	assert.Empty(t, vs)
}

func TestDetectViolations_MissingSLAfterFirstUpdate(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.10000}
	snap := snapshot{Position: pos, Meta: eurusdMeta()}
	vs := DetectViolations(snap, Tracking{Ticket: 1, FirstUpdateApplied: true}, defaultRisk())

	assert.Len(t, vs, 1)
	assert.Equal(t, ViolationMissingSL, vs[0].Kind)
}

func TestDetectViolations_RegressedBelowLastKnown(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.10000}
	meta := eurusdMeta()
	pos.CurrentSL = slForEffectiveUSD(pos, meta, 0.02)

	snap := snapshot{Position: pos, Meta: meta}
	vs := DetectViolations(snap, Tracking{Ticket: 1, FirstUpdateApplied: true, LastEffectiveSLUSD: 0.08}, defaultRisk())

	found := false
	for _, v := range vs {
		if v.Kind == ViolationRegressed {
			found = true
		}
	}
	assert.True(t, found)
}
