// Package broker defines the capability the SLM consumes to read positions
// and instrument metadata and to apply stop-loss modifications. It is
// implemented by internal/mt5broker against a live MetaTrader 5 terminal and
// by internal/backtestbroker against an in-memory simulation.
package broker

import (
	"context"
	"time"
)

// Side is the direction of an open position.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// Position is the broker-agnostic snapshot the SLM core operates on. Both
// mt5broker and backtestbroker map their transport-specific representation
// into this struct so internal/slm never depends on wire types.
type Position struct {
	Ticket       uint64
	Symbol       string
	Side         Side
	Volume       float64
	EntryPrice   float64
	CurrentPrice float64
	CurrentSL    float64
	CurrentTP    float64
	OpenTime     time.Time
	ProfitUSD    float64
	Comment      string
}

// Tick is a last-known bid/ask quote for a symbol.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// InstrumentMetadata carries the per-symbol contract facts the SL Price
// Calculator and Broker-Constraint Adjuster need. ContractSize and
// TickValue are the fields most commonly misreported by brokers and are
// the ones the Instrument Metadata Corrector targets.
type InstrumentMetadata struct {
	Symbol       string
	Digits       int32
	Point        float64
	ContractSize float64
	TickValue    float64
	TickSize     float64
	StopsLevel   int32
	FreezeLevel  int32
	VolumeMin    float64
	VolumeMax    float64
	VolumeStep   float64
}

// Broker is the capability boundary spec.md §6 calls "Broker": everything
// the SLM needs from a trading terminal, and nothing else. It intentionally
// excludes order placement, position sizing and any other entry/exit
// concern — those are out of scope for this repository.
type Broker interface {
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetPositionByTicket(ctx context.Context, ticket uint64) (*Position, bool, error)
	ModifyOrder(ctx context.Context, ticket uint64, stopLoss float64) (bool, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*InstrumentMetadata, error)
	GetSymbolInfoTick(ctx context.Context, symbol string) (*Tick, error)
}
