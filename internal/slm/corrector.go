package slm

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/quantrail/slm/internal/broker"
)

// correctorTTL is the cache lifetime for a corrected contract size (§4.1):
// once accepted, a size is trusted for this long before being re-derived.
const correctorTTL = 6 * time.Hour

// correctorDisplacementRatio is the 10%-of-entry-price threshold spec.md
// §4.1 uses to decide whether the broker-reported contract size already
// explains the position's target loss closely enough to be trusted.
const correctorDisplacementRatio = 0.10

// correctorFallbackTiers are the round-number contract sizes the Corrector
// tries, in order, when it cannot reverse-engineer a multiplier from a live
// position — the common nominal sizes misreporting brokers actually use.
var correctorFallbackTiers = []float64{10, 100, 1000, 10000}

type sizeCacheEntry struct {
	size       float64
	acquiredAt time.Time
}

// Corrector is the Instrument Metadata Corrector (§4.1): some MT5 brokers
// misreport a symbol's nominal contract size for synthetic, crypto or CFD
// instruments. The Corrector reconciles the broker-reported size against a
// known target loss (and, where available, a live position's realized
// profit), so the SL Price Calculator never computes a price off a wrong
// multiplier.
type Corrector struct {
	mu              sync.Mutex
	cache           map[string]sizeCacheEntry
	manualOverrides map[string]float64
}

func NewCorrector() *Corrector {
	return &Corrector{
		cache:           make(map[string]sizeCacheEntry),
		manualOverrides: make(map[string]float64),
	}
}

// SetManualOverride pins symbol's contract size to a known-good value,
// skipping every other step of the algorithm. This is how config.go's
// per-symbol manual contract_size override is wired in.
func (c *Corrector) SetManualOverride(symbol string, contractSize float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualOverrides[symbol] = contractSize
}

// Invalidate forces the next CorrectedContractSize call for symbol to
// re-derive rather than use the cached value.
func (c *Corrector) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, symbol)
}

// CorrectedContractSize implements spec.md §4.1's algorithm for symbol,
// keyed on the position's own entry price, volume and target loss, plus
// (when available) its live profit/current price. pos may be nil for a
// brand-new position with no realized profit yet.
func (c *Corrector) CorrectedContractSize(ctx context.Context, br broker.Broker, symbol string, entryPrice, volume, targetLossUSD float64, pos *broker.Position) (float64, error) {
	// Step 1: a manual override always wins.
	c.mu.Lock()
	if size, ok := c.manualOverrides[symbol]; ok {
		c.mu.Unlock()
		return size, nil
	}
	// Step 2: an unexpired cached correction is trusted without re-querying.
	if e, ok := c.cache[symbol]; ok && time.Since(e.acquiredAt) < correctorTTL {
		c.mu.Unlock()
		return e.size, nil
	}
	c.mu.Unlock()

	meta, err := br.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("corrector: GetSymbolInfo(%s): %w", symbol, err)
	}
	reported := meta.ContractSize

	// Step 3: displacement test. If the broker-reported size already
	// explains the target loss to within 10% of the entry price, trust it.
	if volume > 0 && reported > 0 {
		impliedPriceDelta := math.Abs(targetLossUSD) / (volume * reported)
		if impliedPriceDelta < correctorDisplacementRatio*entryPrice {
			return c.store(symbol, reported), nil
		}
	}

	// Step 4: reverse-engineer the effective multiplier from a live
	// position's realized profit/current price, when one is available.
	if pos != nil && pos.ProfitUSD != 0 && pos.CurrentPrice != 0 {
		priceMoved := math.Abs(pos.CurrentPrice - entryPrice)
		if priceMoved > 0 && volume > 0 {
			candidate := math.Abs(pos.ProfitUSD) / (priceMoved * volume)
			if candidate >= 0.1 && candidate <= 1e6 {
				return c.store(symbol, candidate), nil
			}
		}
	}

	// Step 5: try the common round-number nominal sizes in order, taking
	// the first that explains the target loss within the same 10% band.
	for _, tier := range correctorFallbackTiers {
		if volume <= 0 {
			break
		}
		impliedPriceDelta := math.Abs(targetLossUSD) / (volume * tier)
		if impliedPriceDelta < correctorDisplacementRatio*entryPrice {
			return c.store(symbol, tier), nil
		}
	}

	// Step 6: best-effort fallback. Nothing reconciled; log a warning and
	// use the broker-reported size anyway rather than block the update.
	log.Printf("slm: corrector: could not reconcile contract size for %s, using broker-reported %.4f", symbol, reported)
	return c.store(symbol, reported), nil
}

func (c *Corrector) store(symbol string, size float64) float64 {
	c.mu.Lock()
	c.cache[symbol] = sizeCacheEntry{size: size, acquiredAt: time.Now()}
	c.mu.Unlock()
	return size
}
