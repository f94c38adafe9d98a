// Package position maintains daily position snapshots per trading day,
// method and symbol.
//
// Realized and closed figures are strictly additive and are only ever
// touched by OnMatch, keyed by the match's own trading day and symbol.
// Unrealized and open-position figures are last-write-wins.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/model"
)

// Snapshots is the snapshot table seen from inside a transaction.
type Snapshots interface {
	GetSnapshot(ctx context.Context, key model.SnapshotKey) (model.DailyPositionSnapshot, bool, error)
	PutSnapshot(ctx context.Context, snap model.DailyPositionSnapshot) error
}

// Aggregator applies matching and marking results to snapshots.
type Aggregator struct {
	now func() time.Time
}

// NewAggregator returns an Aggregator. A nil now selects time.Now.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

func load(ctx context.Context, s Snapshots, key model.SnapshotKey) (model.DailyPositionSnapshot, error) {
	snap, ok, err := s.GetSnapshot(ctx, key)
	if err != nil {
		return model.DailyPositionSnapshot{}, fmt.Errorf("position: load %s: %w", key, err)
	}
	if !ok {
		return model.DailyPositionSnapshot{SnapshotKey: key, OpenPosition: decimal.Zero}, nil
	}
	return snap, nil
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

// OnTrade records the book's signed net quantity after a trade.
func (a *Aggregator) OnTrade(ctx context.Context, s Snapshots, key model.SnapshotKey, openPosition decimal.Decimal) error {
	snap, err := load(ctx, s, key)
	if err != nil {
		return err
	}
	if snap.Finalized() {
		return fmt.Errorf("%w: %s is finalized", model.ErrOutOfOrder, key)
	}
	snap.OpenPosition = openPosition
	return s.PutSnapshot(ctx, snap)
}

// OnMatch adds a realized match to the snapshot of its trading day and
// symbol. Callers guarantee each match is applied once.
func (a *Aggregator) OnMatch(ctx context.Context, s Snapshots, m model.RealizedMatch) error {
	if !m.Quantity.IsPositive() {
		return model.Invariantf(m.Method, m.Symbol, "match %s has non-positive quantity %s", m.ID, m.Quantity)
	}
	key := model.SnapshotKey{TradingDay: m.TradingDay, Method: m.Method, Symbol: m.Symbol}
	snap, err := load(ctx, s, key)
	if err != nil {
		return err
	}
	if snap.Finalized() {
		return fmt.Errorf("%w: %s is finalized", model.ErrOutOfOrder, key)
	}

	closed, realized := decimal.Zero, decimal.Zero
	if snap.ClosedQuantity != nil {
		closed = *snap.ClosedQuantity
	}
	if snap.RealizedPnL != nil {
		realized = *snap.RealizedPnL
	}
	snap.ClosedQuantity = ptr(closed.Add(m.Quantity))
	snap.RealizedPnL = ptr(realized.Add(m.PnL))
	return s.PutSnapshot(ctx, snap)
}

// OnMark replaces the unrealized and open-position figures. Finalized
// snapshots are left untouched and reported as not applied.
func (a *Aggregator) OnMark(ctx context.Context, s Snapshots, key model.SnapshotKey, unrealized, openPosition decimal.Decimal) (bool, error) {
	snap, err := load(ctx, s, key)
	if err != nil {
		return false, err
	}
	if snap.Finalized() {
		return false, nil
	}
	snap.UnrealizedPnL = ptr(unrealized)
	snap.OpenPosition = openPosition
	return true, s.PutSnapshot(ctx, snap)
}

// Final carries the figures FinalizeDay writes. A nil Unrealized keeps the
// last mark.
type Final struct {
	OpenPosition decimal.Decimal
	Unrealized   *decimal.Decimal
}

// FinalizeDay merges final figures into the snapshot. Closed and realized
// figures are only filled when still unset; existing values are never
// overwritten. The first finalization time is kept on repeat calls.
func (a *Aggregator) FinalizeDay(ctx context.Context, s Snapshots, key model.SnapshotKey, f Final) (model.DailyPositionSnapshot, error) {
	snap, err := load(ctx, s, key)
	if err != nil {
		return snap, err
	}
	snap.OpenPosition = f.OpenPosition
	if snap.ClosedQuantity == nil {
		snap.ClosedQuantity = ptr(decimal.Zero)
	}
	if snap.RealizedPnL == nil {
		snap.RealizedPnL = ptr(decimal.Zero)
	}
	if f.Unrealized != nil {
		snap.UnrealizedPnL = ptr(*f.Unrealized)
	}
	if snap.FinalizedAt == nil {
		now := a.now().UTC()
		snap.FinalizedAt = &now
	}
	return snap, s.PutSnapshot(ctx, snap)
}

// Key is a convenience constructor.
func Key(day clock.Date, method model.Method, symbol string) model.SnapshotKey {
	return model.SnapshotKey{TradingDay: day, Method: method, Symbol: symbol}
}
