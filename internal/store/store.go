// Package store defines the persistence interface for the ledger.
// Implementations include SQLite (embedded default, WAL journal),
// PostgreSQL, Redis (read-through cache over either) and in-memory (for
// testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/ingest"
	"github.com/atmx/settlement-ledger/internal/mark"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/position"
)

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a unique key.
	ErrConflict = errors.New("store: unique constraint violated")

	// ErrTransient marks failures that may succeed on retry: lock
	// contention, serialisation failures, deadlocks.
	ErrTransient = errors.New("store: transient failure")
)

// Store is the persistence interface. All mutations happen inside WithTx;
// the List methods read committed state.
type Store interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ListSnapshots returns snapshot rows ordered by day, method, symbol.
	ListSnapshots(ctx context.Context, f SnapshotFilter) ([]model.DailyPositionSnapshot, error)

	// ListMatches returns realized matches ordered by event time, method,
	// lot trade id.
	ListMatches(ctx context.Context, f MatchFilter) ([]model.RealizedMatch, error)

	// ListLots returns open lots in entry order. Empty method or symbol
	// matches all.
	ListLots(ctx context.Context, method model.Method, symbol string) ([]model.OpenLot, error)

	// ListTrades returns every trade in application order.
	ListTrades(ctx context.Context) ([]model.Trade, error)

	// ListPrices returns every stored reference price.
	ListPrices(ctx context.Context) ([]model.PriceRecord, error)

	// ListDayStatus returns roll/finalize state for every symbol and day.
	ListDayStatus(ctx context.Context) ([]model.DayStatus, error)

	// PutHalt records a halted pair. It runs outside WithTx so the record
	// survives the rollback of the transaction that tripped the halt. An
	// existing halt keeps its original reason.
	PutHalt(ctx context.Context, h model.Halt) error

	// DeleteHalt removes a halt and reports whether one existed.
	DeleteHalt(ctx context.Context, method model.Method, symbol string) (bool, error)

	// ListHalts returns recorded halts ordered by symbol, method.
	ListHalts(ctx context.Context) ([]model.Halt, error)

	Close() error
}

// Tx is the transactional view used by the ledger service.
type Tx interface {
	position.Snapshots
	mark.Prices
	ingest.Batches

	// --- Trades (immutable) ---

	// InsertTrade returns ErrConflict for a known sequence id.
	InsertTrade(ctx context.Context, t model.Trade) error

	// LastTrade returns the latest applied trade of a symbol.
	LastTrade(ctx context.Context, symbol string) (model.Trade, bool, error)

	// NetPositionThrough sums signed trade quantity of a symbol with event
	// time strictly before the given instant.
	NetPositionThrough(ctx context.Context, symbol string, before time.Time) (decimal.Decimal, error)

	// TradeSymbols lists symbols with a trade strictly before the instant.
	TradeSymbols(ctx context.Context, before time.Time) ([]string, error)

	// --- Open lots (per method) ---

	LoadLots(ctx context.Context, method model.Method, symbol string) ([]model.OpenLot, error)
	InsertLot(ctx context.Context, lot model.OpenLot) error
	UpdateLot(ctx context.Context, lot model.OpenLot) error
	DeleteLot(ctx context.Context, lot model.OpenLot) error

	// --- Realized matches (append-only) ---

	// InsertMatch returns ErrConflict when (method, lot trade, closing
	// trade, event time) already exists.
	InsertMatch(ctx context.Context, m model.RealizedMatch) error

	// --- Day lifecycle ---

	GetDayStatus(ctx context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error)
	PutDayStatus(ctx context.Context, st model.DayStatus) error

	// LatestRolledDay returns the rolled day with the greatest date.
	LatestRolledDay(ctx context.Context, symbol string) (model.DayStatus, bool, error)

	// UnfinalizedRolledBefore returns the earliest rolled, unfinalized day
	// strictly before day.
	UnfinalizedRolledBefore(ctx context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error)

	// LatestFinalizedDay returns the finalized day with the greatest date.
	LatestFinalizedDay(ctx context.Context, symbol string) (model.DayStatus, bool, error)

	// LatestDayBefore returns the day status row with the greatest date
	// strictly before day, rolled or not.
	LatestDayBefore(ctx context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error)
}

// SnapshotFilter selects snapshot rows. Zero fields match everything.
type SnapshotFilter struct {
	From   clock.Date
	To     clock.Date
	Method model.Method
	Symbol string
}

// Match reports whether s passes the filter.
func (f SnapshotFilter) Match(s model.DailyPositionSnapshot) bool {
	if !f.From.IsZero() && s.TradingDay.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.TradingDay.After(f.To) {
		return false
	}
	if f.Method != "" && s.Method != f.Method {
		return false
	}
	return f.Symbol == "" || s.Symbol == f.Symbol
}

// MatchFilter selects realized matches by trading day. Zero fields match
// everything.
type MatchFilter struct {
	Symbol string
	Method model.Method
	From   clock.Date
	To     clock.Date
}

// Match reports whether m passes the filter.
func (f MatchFilter) Match(m model.RealizedMatch) bool {
	if !f.From.IsZero() && m.TradingDay.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.TradingDay.After(f.To) {
		return false
	}
	if f.Method != "" && m.Method != f.Method {
		return false
	}
	return f.Symbol == "" || m.Symbol == f.Symbol
}
