package slm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/slm/internal/broker"
)

func defaultRisk() RiskParams {
	return RiskParams{
		MaxRiskUSD:        2.00,
		SweetSpotMinUSD:   0.03,
		SweetSpotMaxUSD:   0.10,
		TrailIncrementUSD: 0.10,
		BreakEvenEnabled:  true,
		BreakEvenDwell:    2 * time.Second,
	}
}

func buySnapshot(profitUSD, currentSL float64) snapshot {
	pos := broker.Position{
		Ticket:     1,
		Symbol:     "EURUSD",
		Side:       broker.Buy,
		Volume:     1,
		EntryPrice: 1.10000,
		CurrentSL:  currentSL,
		ProfitUSD:  profitUSD,
	}
	return snapshot{Position: pos, Meta: eurusdMeta()}
}

func TestArbiter_FirstUpdateBypassesGating(t *testing.T) {
	snap := buySnapshot(-0.01, 0) // tiny loss, no SL yet, below hard cap
	track := Tracking{Ticket: 1}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.True(t, d.IsActionable())
	assert.Equal(t, ReasonStrictLossEnforcement, d.Reason)
}

func TestArbiter_NoActionWhenWithinBandAndNotFirst(t *testing.T) {
	snap := buySnapshot(-0.5, 1.09999) // losing but not past cap, already has an SL
	track := Tracking{Ticket: 1, FirstUpdateApplied: true, LastEffectiveSLUSD: effectiveUSD(snap.Position, snap.Meta, 1.09999)}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.False(t, d.IsActionable())
}

func TestArbiter_StrictLossEnforcementAtHardCap(t *testing.T) {
	snap := buySnapshot(-2.5, 1.09000)
	track := Tracking{Ticket: 1, FirstUpdateApplied: true, LastEffectiveSLUSD: effectiveUSD(snap.Position, snap.Meta, 1.09000)}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.True(t, d.IsActionable())
	assert.Equal(t, ReasonStrictLossEnforcement, d.Reason)
	assert.InDelta(t, -2.00, d.EffectiveUSD, 0.0001)
}

func TestArbiter_BreakEvenRequiresDwell(t *testing.T) {
	snap := buySnapshot(0.02, 1.09000) // profitable but below sweet-min
	track := Tracking{Ticket: 1, FirstUpdateApplied: true, ProfitZoneEnteredAt: time.Now()}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.False(t, d.IsActionable(), "break-even should not fire before the dwell window elapses")
}

func TestArbiter_BreakEvenAfterDwell(t *testing.T) {
	snap := buySnapshot(0.02, 0)
	track := Tracking{Ticket: 1, ProfitZoneEnteredAt: time.Now().Add(-3 * time.Second)}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.True(t, d.IsActionable())
	assert.Equal(t, ReasonBreakEven, d.Reason)
	assert.InDelta(t, snap.Position.EntryPrice, d.TargetSL, 1e-9)
}

func TestArbiter_SweetSpotLocksWithinBand(t *testing.T) {
	snap := buySnapshot(0.07, 1.10000) // entry==currentSL -> effective 0
	track := Tracking{Ticket: 1, FirstUpdateApplied: true}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.True(t, d.IsActionable())
	assert.Equal(t, ReasonSweetSpot, d.Reason)
	assert.InDelta(t, 0.07, d.EffectiveUSD, 0.0001)
}

func TestArbiter_TrailingRatchetsInSteps(t *testing.T) {
	snap := buySnapshot(0.35, 1.10000)
	track := Tracking{Ticket: 1, FirstUpdateApplied: true, HighestEffectiveSLUSD: 0.10}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonTrailingStop, d.Reason)
	assert.InDelta(t, 0.30, d.EffectiveUSD, 0.0001)
}

// TestArbiter_TrailingFiresBelowSweetSpotMax pins down a symbol whose
// trailing-stop increment is configured below its sweet-spot ceiling (a
// config.go SymbolOverride can do this): spec.md §4.5's pseudocode checks
// TRAILING before the sweet-spot band, so a profit that falls inside both
// ranges must still trail, not sweet-spot-lock.
func TestArbiter_TrailingFiresBelowSweetSpotMax(t *testing.T) {
	snap := buySnapshot(0.07, 1.10000)
	risk := RiskParams{
		MaxRiskUSD:        2.00,
		SweetSpotMinUSD:   0.03,
		SweetSpotMaxUSD:   0.10,
		TrailIncrementUSD: 0.05,
	}
	track := Tracking{Ticket: 1, FirstUpdateApplied: true}
	d, err := ComputeAuthoritativeSL(snap, track, risk, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonTrailingStop, d.Reason)
}

func TestArbiter_MonotonicityBlocksRegression(t *testing.T) {
	snap := buySnapshot(0.05, 0)
	lockedSL := slForEffectiveUSD(snap.Position, snap.Meta, 0.09)
	snap.Position.CurrentSL = lockedSL
	track := Tracking{Ticket: 1, FirstUpdateApplied: true, LastEffectiveSLUSD: 0.09}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.False(t, d.IsActionable(), "sweet-spot candidate below already-locked profit must not regress the stop")
}

func TestArbiter_SellSideMirrorsBuy(t *testing.T) {
	pos := broker.Position{Ticket: 2, Symbol: "EURUSD", Side: broker.Sell, Volume: 0.01, EntryPrice: 1.10000, ProfitUSD: 0.07}
	snap := snapshot{Position: pos, Meta: eurusdMeta()}
	track := Tracking{Ticket: 2, FirstUpdateApplied: true}
	d, err := ComputeAuthoritativeSL(snap, track, defaultRisk(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonSweetSpot, d.Reason)
	assert.Less(t, d.TargetSL, pos.EntryPrice, "a SELL's protective stop must sit below entry when locking profit")
}
