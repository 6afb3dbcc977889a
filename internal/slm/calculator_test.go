package slm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/slm/internal/broker"
)

func eurusdMeta() broker.InstrumentMetadata {
	return broker.InstrumentMetadata{
		Symbol:       "EURUSD",
		Digits:       5,
		Point:        0.00001,
		ContractSize: 100000,
		TickValue:    1.0,
		TickSize:     0.00001,
		StopsLevel:   10,
	}
}

func TestEffectiveUSD_BuyInProfit(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.10000}
	got := effectiveUSD(pos, eurusdMeta(), 1.10010)
	assert.InDelta(t, 10.0, got, 0.01)
}

func TestEffectiveUSD_SellInProfit(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Sell, Volume: 1, EntryPrice: 1.10000}
	got := effectiveUSD(pos, eurusdMeta(), 1.09990)
	assert.InDelta(t, 10.0, got, 0.01)
}

func TestSLForEffectiveUSD_RoundTrip(t *testing.T) {
	pos := broker.Position{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.10000}
	meta := eurusdMeta()
	sl := slForEffectiveUSD(pos, meta, 5.0)
	got := effectiveUSD(pos, meta, sl)
	assert.InDelta(t, 5.0, got, 0.001)
}

func TestRoundToDigits(t *testing.T) {
	assert.Equal(t, 1.10035, roundToDigits(1.100347, 5))
	assert.Equal(t, 1.1, roundToDigits(1.1, 0))
}

func TestComputeSLPrice_PreferredTickValuePath(t *testing.T) {
	sl, err := ComputeSLPrice(1.10000, 10.0, broker.Buy, 1, eurusdMeta(), 0, nil, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.10010, sl, 0.00001)
}

func TestComputeSLPrice_FallsBackToCorrectedContractSize(t *testing.T) {
	meta := eurusdMeta()
	meta.TickValue = 0
	meta.TickSize = 0
	sl, err := ComputeSLPrice(1.10000, 10.0, broker.Buy, 1, meta, 100000, nil, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.10010, sl, 0.00001)
}

func TestComputeSLPrice_RejectsNonPositivePrice(t *testing.T) {
	_, err := ComputeSLPrice(1.10000, -200000.0, broker.Buy, 1, eurusdMeta(), 0, nil, true)
	require.Error(t, err)
	var invalid *InvalidSLError
	assert.ErrorAs(t, err, &invalid)
}

func TestComputeSLPrice_RejectsExcessiveDisplacement(t *testing.T) {
	_, err := ComputeSLPrice(1.10000, -50000.0, broker.Buy, 1, eurusdMeta(), 0, nil, true)
	require.Error(t, err)
	var invalid *InvalidSLError
	assert.ErrorAs(t, err, &invalid)
}

func TestComputeSLPrice_SellSideMirrorsBuy(t *testing.T) {
	sl, err := ComputeSLPrice(1.10000, 10.0, broker.Sell, 1, eurusdMeta(), 0, nil, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.09990, sl, 0.00001)
}
