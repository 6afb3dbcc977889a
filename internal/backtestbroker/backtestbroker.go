// Package backtestbroker implements internal/broker.Broker in-process for
// single-threaded backtest and unit-test use, per spec.md §9's requirement
// that the SLM be re-entrant against at least two Broker variants without
// behavior change. It is driven entirely from an in-memory table rather than
// a network transport.
package backtestbroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quantrail/slm/internal/broker"
)

// Broker is an in-memory simulated broker. It is safe for concurrent use so
// the same lock/rate-limiter/worker code path that exercises mt5broker can
// be exercised against it in tests.
type Broker struct {
	mu        sync.Mutex
	sessionID uuid.UUID
	positions map[uint64]broker.Position
	ticks     map[string]broker.Tick
	metadata  map[string]broker.InstrumentMetadata
	modifyErr error // optional injected failure for Apply-and-Verify tests
}

// New creates an empty simulated broker.
func New() *Broker {
	return &Broker{
		sessionID: uuid.New(),
		positions: make(map[uint64]broker.Position),
		ticks:     make(map[string]broker.Tick),
		metadata:  make(map[string]broker.InstrumentMetadata),
	}
}

// SeedPosition inserts or replaces a simulated open position.
func (b *Broker) SeedPosition(p broker.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.Ticket] = p
}

// SeedTick sets the simulated bid/ask for a symbol.
func (b *Broker) SeedTick(t broker.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks[t.Symbol] = t
}

// SeedMetadata sets the simulated instrument metadata for a symbol.
func (b *Broker) SeedMetadata(m broker.InstrumentMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metadata[m.Symbol] = m
}

// InjectModifyError makes the next ModifyOrder call (one call only) fail
// with err, used to
// exercise the Apply-and-Verify Executor's retry/backoff/emergency paths.
func (b *Broker) InjectModifyError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modifyErr = err
}

func (b *Broker) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}

func (b *Broker) GetPositionByTicket(ctx context.Context, ticket uint64) (*broker.Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[ticket]
	if !ok {
		return nil, false, nil
	}
	cp := p
	return &cp, true, nil
}

func (b *Broker) ModifyOrder(ctx context.Context, ticket uint64, stopLoss float64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.modifyErr != nil {
		err := b.modifyErr
		b.modifyErr = nil
		return false, err
	}
	p, ok := b.positions[ticket]
	if !ok {
		return false, fmt.Errorf("backtestbroker: ModifyOrder ticket=%d: not found", ticket)
	}
	p.CurrentSL = stopLoss
	b.positions[ticket] = p
	return true, nil
}

func (b *Broker) GetSymbolInfo(ctx context.Context, symbol string) (*broker.InstrumentMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.metadata[symbol]
	if !ok {
		return nil, fmt.Errorf("backtestbroker: GetSymbolInfo(%s): not found", symbol)
	}
	return &m, nil
}

func (b *Broker) GetSymbolInfoTick(ctx context.Context, symbol string) (*broker.Tick, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.ticks[symbol]
	if !ok {
		return nil, fmt.Errorf("backtestbroker: GetSymbolInfoTick(%s): not found", symbol)
	}
	return &t, nil
}

var _ broker.Broker = (*Broker)(nil)
