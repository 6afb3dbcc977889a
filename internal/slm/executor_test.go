package slm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/slm/internal/backtestbroker"
	"github.com/quantrail/slm/internal/broker"
	"github.com/quantrail/slm/internal/slm"
)

func TestManager_RetriesTransientModifyFailure(t *testing.T) {
	mgr, bb := newTestManager(t)
	bb.SeedPosition(broker.Position{
		Ticket: 200, Symbol: "EURUSD", Side: broker.Buy, Volume: 1,
		EntryPrice: 1.10100, ProfitUSD: -2.50,
	})
	bb.InjectModifyError(errors.New("transient broker hiccup"))

	outcome, err := mgr.UpdateSLAtomic(context.Background(), 200, "test")
	require.NoError(t, err, "a single transient failure should be absorbed by the retry loop")
	assert.True(t, outcome.Applied)
}

func TestManager_VerificationMetricsAccumulate(t *testing.T) {
	mgr, bb := newTestManager(t)
	bb.SeedPosition(broker.Position{
		Ticket: 201, Symbol: "EURUSD", Side: broker.Buy, Volume: 1,
		EntryPrice: 1.10100, ProfitUSD: -2.50,
	})

	before := mgr.GetVerificationMetrics()
	_, err := mgr.UpdateSLAtomic(context.Background(), 201, "test")
	require.NoError(t, err)
	after := mgr.GetVerificationMetrics()

	assert.Greater(t, after.Attempts, before.Attempts)
	assert.Greater(t, after.Successes, before.Successes)

	mgr.ResetVerificationMetrics()
	assert.Equal(t, slm.VerificationMetrics{}, mgr.GetVerificationMetrics())
}

func TestManager_TimingStatsRecordIterations(t *testing.T) {
	mgr, bb := newTestManager(t)
	bb.SeedPosition(broker.Position{Ticket: 202, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.1, ProfitUSD: -2.5})

	_, err := mgr.UpdateSLAtomic(context.Background(), 202, "test")
	require.NoError(t, err)

	stats := mgr.GetTimingStats()
	assert.Equal(t, int64(1), stats.Iterations)
}

func TestManager_EmergencyStrictLossBoundedByCount(t *testing.T) {
	mgr, bb := newTestManager(t)
	bb.SeedPosition(broker.Position{Ticket: 203, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.1, ProfitUSD: -2.5})

	for i := 0; i < 5; i++ {
		_, err := mgr.EmergencyStrictLoss(context.Background(), 203)
		require.NoError(t, err)
	}
	_, err := mgr.EmergencyStrictLoss(context.Background(), 203)
	assert.Error(t, err, "emergency enforcement must be bounded per ticket")
}
