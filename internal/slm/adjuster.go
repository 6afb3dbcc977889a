package slm

import (
	"github.com/quantrail/slm/internal/broker"
)

// AdjustForBrokerConstraints clamps a candidate SL price so it respects the
// broker's minimum stops distance (StopsLevel/FreezeLevel, in points) from
// the current market price (§4.3). If the candidate is already far enough
// away, it is returned unchanged; otherwise it is pushed back to the
// nearest broker-legal price, rounded to the symbol's digits.
//
// The candidate is never moved closer to the market than requested — only
// pushed away from it when it would otherwise be rejected — so this never
// strengthens protection beyond what the Arbiter decided, it only prevents
// a broker reject.
func AdjustForBrokerConstraints(pos broker.Position, meta broker.InstrumentMetadata, tick broker.Tick, candidateSL float64) float64 {
	minDistance := float64(meta.StopsLevel) * meta.Point
	if meta.FreezeLevel > meta.StopsLevel {
		minDistance = float64(meta.FreezeLevel) * meta.Point
	}
	if minDistance <= 0 {
		return roundToDigits(candidateSL, meta.Digits)
	}

	var marketPrice float64
	if pos.Side == broker.Buy {
		marketPrice = tick.Bid
		if marketPrice-candidateSL < minDistance {
			candidateSL = marketPrice - minDistance
		}
	} else {
		marketPrice = tick.Ask
		if candidateSL-marketPrice < minDistance {
			candidateSL = marketPrice + minDistance
		}
	}
	return roundToDigits(candidateSL, meta.Digits)
}
