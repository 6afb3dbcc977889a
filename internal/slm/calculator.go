package slm

import (
	"fmt"
	"math"

	"github.com/quantrail/slm/internal/broker"
)

// InvalidSLError is raised by ComputeSLPrice's sanity gate (§4.2 step 7 /
// §7) when a computed candidate price cannot possibly be a legitimate
// protective stop. Orchestrator.go adds Symbol to the disabled-symbols set
// on this error so a misreported instrument can't keep misfiring every
// worker iteration.
type InvalidSLError struct {
	Symbol    string
	Candidate float64
	Entry     float64
	Detail    string
}

func (e *InvalidSLError) Error() string {
	return fmt.Sprintf("slm: invalid SL for %s: candidate=%.5f entry=%.5f: %s", e.Symbol, e.Candidate, e.Entry, e.Detail)
}

// looksIndexOrCryptoLike heuristically flags instruments whose price scale
// makes a flat per-tick USD value unreliable (stock indices, crypto CFDs),
// per spec.md §4.2 step 2 — these prefer reverse-engineering the multiplier
// from a live position over trusting meta.TickValue.
func looksIndexOrCryptoLike(meta broker.InstrumentMetadata, entryPrice float64) bool {
	if meta.Point >= 0.01 {
		return true
	}
	if meta.Point > 0 && meta.Point < 1e-4 && entryPrice > 100 {
		return true
	}
	return meta.TickValue <= 0
}

// ComputeSLPrice is the SL Price Calculator (§4.2): given an entry price and
// a target USD profit/loss, it returns the broker price that realizes that
// target, preferring the broker's own tick_value/tick_size when they look
// trustworthy, falling back to a reverse-engineered multiplier from a live
// position's P/L, and finally to the Corrector's reconciled contract size.
// The result passes through a sanity gate before being returned: a
// non-positive price, a price displaced more than 10% from entry, or (when
// protectiveIntent is set) a price on the wrong side of entry for the
// position's direction all raise *InvalidSLError.
func ComputeSLPrice(entryPrice, targetUSD float64, side broker.Side, volume float64, meta broker.InstrumentMetadata, correctedSize float64, pos *broker.Position, protectiveIntent bool) (float64, error) {
	var priceDelta float64

	switch {
	case meta.TickValue > 0 && meta.TickSize > 0 && !looksIndexOrCryptoLike(meta, entryPrice):
		// Preferred path: the broker's own tick economics.
		priceDelta = usdToPriceDelta(meta, targetUSD, volume)
	case pos != nil && pos.ProfitUSD != 0 && pos.CurrentPrice != 0 && volume > 0:
		// Reverse-engineer the effective per-point multiplier from the
		// position's own live P/L rather than trust a flat tick value. The
		// multiplier itself is a rate and must be positive; the sign of
		// targetUSD alone decides which side of entry the result lands on.
		priceMoved := math.Abs(pos.CurrentPrice - entryPrice)
		multiplier := math.Abs(pos.ProfitUSD) / (priceMoved * volume)
		if priceMoved <= 0 || multiplier <= 0 {
			priceDelta = fallbackPriceDelta(targetUSD, volume, correctedSize, meta)
		} else {
			priceDelta = targetUSD / (multiplier * volume)
		}
	default:
		priceDelta = fallbackPriceDelta(targetUSD, volume, correctedSize, meta)
	}

	var sl float64
	if side == broker.Buy {
		sl = entryPrice + priceDelta
	} else {
		sl = entryPrice - priceDelta
	}
	sl = roundToDigits(sl, meta.Digits)

	if sl <= 0 {
		return 0, &InvalidSLError{Symbol: meta.Symbol, Candidate: sl, Entry: entryPrice, Detail: "non-positive price"}
	}
	if entryPrice > 0 {
		displacement := math.Abs(sl-entryPrice) / entryPrice
		if displacement > correctorDisplacementRatio {
			return 0, &InvalidSLError{Symbol: meta.Symbol, Candidate: sl, Entry: entryPrice, Detail: "displaced more than 10% from entry"}
		}
	}
	if protectiveIntent {
		if side == broker.Buy && sl >= entryPrice && targetUSD < 0 {
			return 0, &InvalidSLError{Symbol: meta.Symbol, Candidate: sl, Entry: entryPrice, Detail: "protective BUY stop must sit below entry"}
		}
		if side == broker.Sell && sl <= entryPrice && targetUSD < 0 {
			return 0, &InvalidSLError{Symbol: meta.Symbol, Candidate: sl, Entry: entryPrice, Detail: "protective SELL stop must sit above entry"}
		}
	}

	return sl, nil
}

// fallbackPriceDelta uses the Corrector's reconciled contract size (falling
// back to the broker-reported one if the Corrector never ran) when neither
// the tick-value path nor the live-position reverse-engineering applies.
func fallbackPriceDelta(targetUSD, volume, correctedSize float64, meta broker.InstrumentMetadata) float64 {
	size := correctedSize
	if size <= 0 {
		size = meta.ContractSize
	}
	if size <= 0 || volume <= 0 {
		return 0
	}
	return targetUSD / (size * volume)
}

// priceDeltaToUSD converts a price distance (in price units, not points) into
// USD profit/loss for one position, using corrected instrument metadata.
func priceDeltaToUSD(meta broker.InstrumentMetadata, priceDelta, volume float64) float64 {
	if meta.TickSize <= 0 {
		return 0
	}
	ticks := priceDelta / meta.TickSize
	return ticks * meta.TickValue * volume
}

// usdToPriceDelta is the inverse of priceDeltaToUSD: how far price must move
// to realize targetUSD of profit/loss for one position.
func usdToPriceDelta(meta broker.InstrumentMetadata, targetUSD, volume float64) float64 {
	if meta.TickValue <= 0 || volume <= 0 {
		return 0
	}
	ticks := targetUSD / (meta.TickValue * volume)
	return ticks * meta.TickSize
}

// effectiveUSD returns the USD profit/loss that would be locked in if the
// position closed at slPrice, from the position's own entry price — this is
// what spec.md calls the "effective SL profit" (the exposed
// GetEffectiveSLProfit API computes exactly this).
func effectiveUSD(pos broker.Position, meta broker.InstrumentMetadata, slPrice float64) float64 {
	var delta float64
	if pos.Side == broker.Buy {
		delta = slPrice - pos.EntryPrice
	} else {
		delta = pos.EntryPrice - slPrice
	}
	return priceDeltaToUSD(meta, delta, pos.Volume)
}

// slForEffectiveUSD computes the SL price that locks in exactly targetUSD of
// profit/loss for pos, given corrected metadata. A negative targetUSD asks
// for a stop in the loss zone (e.g. the hard MAX_RISK_USD cap).
func slForEffectiveUSD(pos broker.Position, meta broker.InstrumentMetadata, targetUSD float64) float64 {
	delta := usdToPriceDelta(meta, targetUSD, pos.Volume)
	if pos.Side == broker.Buy {
		return pos.EntryPrice + delta
	}
	return pos.EntryPrice - delta
}

// roundToDigits rounds price to the symbol's quoted decimal precision,
// mirroring RoundToDigits in the MetaRPC GoMT5 orchestrator demos.
func roundToDigits(price float64, digits int32) float64 {
	if digits <= 0 {
		return price
	}
	scale := 1.0
	for i := int32(0); i < digits; i++ {
		scale *= 10
	}
	return float64(int64(price*scale+0.5)) / scale
}
