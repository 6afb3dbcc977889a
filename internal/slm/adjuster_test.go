package slm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantrail/slm/internal/broker"
)

func TestAdjustForBrokerConstraints_PushesBackWhenTooClose(t *testing.T) {
	pos := broker.Position{Side: broker.Buy}
	meta := eurusdMeta() // StopsLevel=10, Point=0.00001 -> min distance 0.0001
	tick := broker.Tick{Bid: 1.10000, Ask: 1.10002}

	got := AdjustForBrokerConstraints(pos, meta, tick, 1.09995) // 0.00005 away, too close
	assert.InDelta(t, 1.09990, got, 1e-9)
}

func TestAdjustForBrokerConstraints_LeavesFarEnoughAlone(t *testing.T) {
	pos := broker.Position{Side: broker.Buy}
	meta := eurusdMeta()
	tick := broker.Tick{Bid: 1.10000, Ask: 1.10002}

	got := AdjustForBrokerConstraints(pos, meta, tick, 1.09000)
	assert.InDelta(t, 1.09000, got, 1e-9)
}

func TestAdjustForBrokerConstraints_SellSide(t *testing.T) {
	pos := broker.Position{Side: broker.Sell}
	meta := eurusdMeta()
	tick := broker.Tick{Bid: 1.10000, Ask: 1.10002}

	got := AdjustForBrokerConstraints(pos, meta, tick, 1.10005) // too close to ask
	assert.InDelta(t, 1.10012, got, 1e-9)
}
