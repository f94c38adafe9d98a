package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/store"
)

// Discrepancy is one snapshot figure that differs from a clean replay.
type Discrepancy struct {
	Key      model.SnapshotKey `json:"key"`
	Field    string            `json:"field"`
	Stored   string            `json:"stored"`
	Replayed string            `json:"replayed"`
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %s: stored %s, replayed %s", d.Key, d.Field, d.Stored, d.Replayed)
}

// Verify replays every persisted trade through a fresh in-memory ledger
// and compares closed quantity and realized P&L of every snapshot row, and
// the open position of finalized rows, with the stored figures.
func (s *Service) Verify(ctx context.Context) ([]Discrepancy, error) {
	trades, err := s.store.ListTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: verify: list trades: %w", err)
	}
	stored, err := s.store.ListSnapshots(ctx, store.SnapshotFilter{})
	if err != nil {
		return nil, fmt.Errorf("ledger: verify: list snapshots: %w", err)
	}

	mem := store.NewMemoryStore()
	replay, err := NewService(mem, Options{
		Clock:       s.clock,
		Multipliers: s.multipliers,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         s.now,
	})
	if err != nil {
		return nil, err
	}
	if len(trades) > 0 {
		if _, err := replay.ApplyTrades(ctx, TradeBatch{Source: "verify", Trades: trades}); err != nil {
			return nil, fmt.Errorf("ledger: verify: replay: %w", err)
		}
	}
	replayed, err := mem.ListSnapshots(ctx, store.SnapshotFilter{})
	if err != nil {
		return nil, err
	}

	want := make(map[model.SnapshotKey]model.DailyPositionSnapshot, len(replayed))
	for _, snap := range replayed {
		want[snap.SnapshotKey] = snap
	}

	var out []Discrepancy
	seen := make(map[model.SnapshotKey]bool, len(stored))
	for _, got := range stored {
		seen[got.SnapshotKey] = true
		exp := want[got.SnapshotKey]
		out = compare(out, got.SnapshotKey, "closed_quantity", orZero(got.ClosedQuantity), orZero(exp.ClosedQuantity))
		out = compare(out, got.SnapshotKey, "realized_pnl", orZero(got.RealizedPnL), orZero(exp.RealizedPnL))
		if got.Finalized() {
			open := netThrough(trades, got.Symbol, s.clock.DayClose(got.TradingDay))
			out = compare(out, got.SnapshotKey, "open_position", got.OpenPosition, open)
		}
	}
	for _, exp := range replayed {
		if seen[exp.SnapshotKey] {
			continue
		}
		if orZero(exp.ClosedQuantity).IsZero() && orZero(exp.RealizedPnL).IsZero() {
			continue
		}
		out = append(out, Discrepancy{Key: exp.SnapshotKey, Field: "row", Stored: "missing", Replayed: orZero(exp.RealizedPnL).String()})
	}

	if len(out) > 0 {
		s.logger.Error("ledger verification found discrepancies", "count", len(out))
	} else {
		s.logger.Info("ledger verified", "trades", len(trades), "snapshots", len(stored))
	}
	return out, nil
}

func compare(out []Discrepancy, key model.SnapshotKey, field string, stored, replayed decimal.Decimal) []Discrepancy {
	if stored.Equal(replayed) {
		return out
	}
	return append(out, Discrepancy{Key: key, Field: field, Stored: stored.String(), Replayed: replayed.String()})
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func netThrough(trades []model.Trade, symbol string, before time.Time) decimal.Decimal {
	net := decimal.Zero
	for _, t := range trades {
		if t.Symbol == symbol && t.EventTime.Before(before) {
			net = net.Add(t.SignedQuantity())
		}
	}
	return net
}
