package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	base    = time.Date(2025, 8, 4, 14, 0, 0, 0, time.UTC)
	testDay = clock.MustParseDate("2025-08-04")
)

func tr(id int64, symbol string, side model.Side, qty float64) model.Trade {
	return model.Trade{
		SequenceID: id,
		Symbol:     symbol,
		Side:       side,
		Quantity:   d(qty),
		Price:      d(100),
		EventTime:  base.Add(time.Duration(id) * time.Minute),
	}
}

// runContract exercises the behaviour every Store implementation shares.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("trades", func(t *testing.T) { testTrades(t, newStore(t)) })
	t.Run("lots", func(t *testing.T) { testLots(t, newStore(t)) })
	t.Run("matches", func(t *testing.T) { testMatches(t, newStore(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	t.Run("prices", func(t *testing.T) { testPrices(t, newStore(t)) })
	t.Run("batches", func(t *testing.T) { testBatches(t, newStore(t)) })
	t.Run("day status", func(t *testing.T) { testDayStatus(t, newStore(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("halts", func(t *testing.T) { testHalts(t, newStore(t)) })
}

func testTrades(t *testing.T, s Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		for _, x := range []model.Trade{
			tr(1, "ESU5", model.Buy, 10),
			tr(2, "ESU5", model.Sell, 4),
			tr(3, "NQU5", model.Sell, 1),
		} {
			if err := tx.InsertTrade(ctx, x); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, tr(1, "ESU5", model.Buy, 1)) })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate sequence id: expected ErrConflict, got %v", err)
	}

	s.WithTx(ctx, func(tx Tx) error {
		last, ok, err := tx.LastTrade(ctx, "ESU5")
		if err != nil || !ok || last.SequenceID != 2 {
			t.Errorf("LastTrade = %d, %v, %v", last.SequenceID, ok, err)
		}
		if !last.Quantity.Equal(d(4)) || last.Side != model.Sell || !last.EventTime.Equal(base.Add(2*time.Minute)) {
			t.Errorf("trade did not round-trip: %+v", last)
		}
		if _, ok, _ := tx.LastTrade(ctx, "CLV5"); ok {
			t.Error("LastTrade for unknown symbol should report none")
		}

		net, err := tx.NetPositionThrough(ctx, "ESU5", base.Add(2*time.Minute))
		if err != nil || !net.Equal(d(10)) {
			t.Errorf("net before trade 2 = %s, %v; want 10", net, err)
		}
		net, _ = tx.NetPositionThrough(ctx, "ESU5", base.Add(time.Hour))
		if !net.Equal(d(6)) {
			t.Errorf("net = %s, want 6", net)
		}

		syms, err := tx.TradeSymbols(ctx, base.Add(time.Hour))
		if err != nil || len(syms) != 2 || syms[0] != "ESU5" || syms[1] != "NQU5" {
			t.Errorf("TradeSymbols = %v, %v", syms, err)
		}
		return nil
	})

	trades, err := s.ListTrades(ctx)
	if err != nil || len(trades) != 3 || trades[0].SequenceID != 1 || trades[2].SequenceID != 3 {
		t.Errorf("ListTrades = %+v, %v", trades, err)
	}
}

func testLots(t *testing.T, s Store) {
	ctx := context.Background()
	lot := func(id int64, rem float64) model.OpenLot {
		return model.OpenLot{
			Method: model.FIFO, Symbol: "ESU5", Side: model.Buy, TradeID: id,
			Remaining: d(rem), EntryPrice: d(100 + float64(id)), EntryTime: base.Add(time.Duration(id) * time.Minute),
		}
	}
	err := s.WithTx(ctx, func(tx Tx) error {
		for _, id := range []int64{1, 2, 3} {
			if err := tx.InsertTrade(ctx, tr(id, "ESU5", model.Buy, 5)); err != nil {
				return err
			}
		}
		for _, l := range []model.OpenLot{lot(3, 5), lot(1, 5), lot(2, 5)} {
			if err := tx.InsertLot(ctx, l); err != nil {
				return err
			}
		}
		if err := tx.UpdateLot(ctx, lot(2, 1.5)); err != nil {
			return err
		}
		return tx.DeleteLot(ctx, lot(1, 0))
	})
	if err != nil {
		t.Fatal(err)
	}

	lots, err := s.ListLots(ctx, model.FIFO, "ESU5")
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 2 || lots[0].TradeID != 2 || lots[1].TradeID != 3 {
		t.Fatalf("ListLots = %+v", lots)
	}
	if !lots[0].Remaining.Equal(d(1.5)) || !lots[0].EntryPrice.Equal(d(102)) {
		t.Errorf("lot 2 = %+v", lots[0])
	}
	if other, _ := s.ListLots(ctx, model.LIFO, "ESU5"); len(other) != 0 {
		t.Errorf("LIFO book should be empty, got %d", len(other))
	}
	err = s.WithTx(ctx, func(tx Tx) error { return tx.InsertLot(ctx, lot(3, 1)) })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate lot: expected ErrConflict, got %v", err)
	}
}

func testMatches(t *testing.T, s Store) {
	ctx := context.Background()
	day := clock.MustParseDate("2025-08-04")
	m := model.RealizedMatch{
		ID: "m-1", Method: model.FIFO, Symbol: "ESU5", LotTradeID: 1, ClosingTradeID: 2,
		LotSide: model.Buy, Quantity: d(2), EntryPrice: d(100), ExitPrice: d(105), Multiplier: d(50),
		PnL: d(500), EventTime: base.Add(2 * time.Minute), TradingDay: day,
	}
	err := s.WithTx(ctx, func(tx Tx) error {
		tx.InsertTrade(ctx, tr(1, "ESU5", model.Buy, 2))
		tx.InsertTrade(ctx, tr(2, "ESU5", model.Sell, 2))
		return tx.InsertMatch(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	dup := m
	dup.ID = "m-2"
	err = s.WithTx(ctx, func(tx Tx) error { return tx.InsertMatch(ctx, dup) })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("same natural key: expected ErrConflict, got %v", err)
	}

	got, err := s.ListMatches(ctx, MatchFilter{Symbol: "ESU5", From: day, To: day})
	if err != nil || len(got) != 1 {
		t.Fatalf("ListMatches = %+v, %v", got, err)
	}
	if !got[0].PnL.Equal(d(500)) || got[0].TradingDay != day || got[0].ID != "m-1" {
		t.Errorf("match did not round-trip: %+v", got[0])
	}
	if none, _ := s.ListMatches(ctx, MatchFilter{Symbol: "ESU5", From: day.AddDays(1)}); len(none) != 0 {
		t.Errorf("date filter ignored: %+v", none)
	}
}

func testSnapshots(t *testing.T, s Store) {
	ctx := context.Background()
	day := clock.MustParseDate("2025-08-04")
	closed := d(80)
	fin := base.Add(5 * time.Hour)
	snaps := []model.DailyPositionSnapshot{
		{SnapshotKey: model.SnapshotKey{TradingDay: day, Method: model.FIFO, Symbol: "ESU5"}, OpenPosition: d(3), ClosedQuantity: &closed},
		{SnapshotKey: model.SnapshotKey{TradingDay: day, Method: model.LIFO, Symbol: "ESU5"}, OpenPosition: d(-1), FinalizedAt: &fin},
		{SnapshotKey: model.SnapshotKey{TradingDay: day.AddDays(1), Method: model.FIFO, Symbol: "ESU5"}, OpenPosition: d(0)},
	}
	err := s.WithTx(ctx, func(tx Tx) error {
		for _, snap := range snaps {
			if err := tx.PutSnapshot(ctx, snap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s.WithTx(ctx, func(tx Tx) error {
		got, ok, err := tx.GetSnapshot(ctx, snaps[0].SnapshotKey)
		if err != nil || !ok {
			t.Fatalf("GetSnapshot: %v %v", ok, err)
		}
		if got.ClosedQuantity == nil || !got.ClosedQuantity.Equal(d(80)) || got.RealizedPnL != nil || got.UnrealizedPnL != nil {
			t.Errorf("nullable fields did not round-trip: %+v", got)
		}
		got, _, _ = tx.GetSnapshot(ctx, snaps[1].SnapshotKey)
		if got.FinalizedAt == nil || !got.FinalizedAt.Equal(fin) {
			t.Errorf("finalized_at did not round-trip: %+v", got.FinalizedAt)
		}
		if _, ok, _ := tx.GetSnapshot(ctx, model.SnapshotKey{TradingDay: day, Method: model.FIFO, Symbol: "CLV5"}); ok {
			t.Error("missing snapshot reported present")
		}

		// upsert replaces
		u := d(12)
		snaps[0].UnrealizedPnL = &u
		if err := tx.PutSnapshot(ctx, snaps[0]); err != nil {
			t.Fatal(err)
		}
		return nil
	})

	all, _ := s.ListSnapshots(ctx, SnapshotFilter{})
	if len(all) != 3 {
		t.Fatalf("ListSnapshots = %d rows, want 3", len(all))
	}
	if all[0].Method != model.FIFO || all[1].Method != model.LIFO || all[2].TradingDay != day.AddDays(1) {
		t.Errorf("unexpected order: %+v", all)
	}
	if all[0].UnrealizedPnL == nil || !all[0].UnrealizedPnL.Equal(d(12)) {
		t.Errorf("upsert lost: %+v", all[0])
	}
	fifo, _ := s.ListSnapshots(ctx, SnapshotFilter{From: day, To: day, Method: model.FIFO})
	if len(fifo) != 1 {
		t.Errorf("filtered ListSnapshots = %d rows, want 1", len(fifo))
	}
}

func testPrices(t *testing.T, s Store) {
	ctx := context.Background()
	fri := clock.MustParseDate("2025-08-01")
	sun := clock.MustParseDate("2025-08-03")
	settle := model.PriceRecord{Symbol: "ESU5", PriceType: model.PriceSettle, TradingDay: fri, Price: d(110.5), EventTime: base}

	for i := 0; i < 2; i++ {
		err := s.WithTx(ctx, func(tx Tx) error { return tx.UpsertPrice(ctx, settle) })
		if err != nil {
			t.Fatal(err)
		}
	}
	s.WithTx(ctx, func(tx Tx) error {
		older := settle
		older.TradingDay = fri.AddDays(-1)
		older.Price = d(108)
		return tx.UpsertPrice(ctx, older)
	})

	prices, _ := s.ListPrices(ctx)
	if len(prices) != 2 {
		t.Fatalf("repeated upsert should keep one row per key, got %d", len(prices))
	}

	s.WithTx(ctx, func(tx Tx) error {
		got, ok, err := tx.GetPrice(ctx, "ESU5", model.PriceSettle, fri)
		if err != nil || !ok || !got.Price.Equal(d(110.5)) {
			t.Errorf("GetPrice = %+v %v %v", got, ok, err)
		}
		latest, ok, _ := tx.LatestPriceBefore(ctx, "ESU5", model.PriceSettle, sun)
		if !ok || latest.TradingDay != fri {
			t.Errorf("LatestPriceBefore(%s) = %+v", sun, latest)
		}
		latest, ok, _ = tx.LatestPriceBefore(ctx, "ESU5", model.PriceSettle, fri)
		if !ok || !latest.Price.Equal(d(108)) {
			t.Errorf("LatestPriceBefore should be strict: %+v", latest)
		}
		if _, ok, _ := tx.GetPrice(ctx, "ESU5", model.PriceLive, fri); ok {
			t.Error("missing live price reported present")
		}
		return nil
	})
}

func testBatches(t *testing.T, s Store) {
	ctx := context.Background()
	rec := model.ProcessedBatchRecord{ID: "b-1", Source: "fills.csv", Signature: "sha256:aa", Kind: "trades", Records: 3, ProcessedAt: base}
	err := s.WithTx(ctx, func(tx Tx) error {
		seen, err := tx.HasBatch(ctx, rec.Source, rec.Signature)
		if err != nil || seen {
			t.Errorf("HasBatch before insert = %v, %v", seen, err)
		}
		return tx.InsertBatch(ctx, rec)
	})
	if err != nil {
		t.Fatal(err)
	}
	s.WithTx(ctx, func(tx Tx) error {
		if seen, _ := tx.HasBatch(ctx, rec.Source, rec.Signature); !seen {
			t.Error("HasBatch after insert = false")
		}
		return nil
	})
	rec.ID = "b-2"
	err = s.WithTx(ctx, func(tx Tx) error { return tx.InsertBatch(ctx, rec) })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate batch: expected ErrConflict, got %v", err)
	}
}

func testDayStatus(t *testing.T, s Store) {
	ctx := context.Background()
	at := base
	d1 := clock.MustParseDate("2025-08-01")
	d3 := clock.MustParseDate("2025-08-03")
	d4 := clock.MustParseDate("2025-08-04")

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutDayStatus(ctx, model.DayStatus{Symbol: "ESU5", TradingDay: d1, RolledAt: &at, FinalizedAt: &at}); err != nil {
			return err
		}
		if err := tx.PutDayStatus(ctx, model.DayStatus{Symbol: "ESU5", TradingDay: d3, RolledAt: &at}); err != nil {
			return err
		}
		return tx.PutDayStatus(ctx, model.DayStatus{Symbol: "NQU5", TradingDay: d4, RolledAt: &at})
	})
	if err != nil {
		t.Fatal(err)
	}

	s.WithTx(ctx, func(tx Tx) error {
		latest, ok, err := tx.LatestRolledDay(ctx, "ESU5")
		if err != nil || !ok || latest.TradingDay != d3 {
			t.Errorf("LatestRolledDay = %+v %v %v", latest, ok, err)
		}
		pending, ok, _ := tx.UnfinalizedRolledBefore(ctx, "ESU5", d4)
		if !ok || pending.TradingDay != d3 {
			t.Errorf("UnfinalizedRolledBefore = %+v %v", pending, ok)
		}
		if _, ok, _ := tx.UnfinalizedRolledBefore(ctx, "ESU5", d3); ok {
			t.Error("UnfinalizedRolledBefore must be strict")
		}
		fin, ok, err := tx.LatestFinalizedDay(ctx, "ESU5")
		if err != nil || !ok || fin.TradingDay != d1 {
			t.Errorf("LatestFinalizedDay = %+v %v %v", fin, ok, err)
		}
		if _, ok, _ := tx.LatestFinalizedDay(ctx, "NQU5"); ok {
			t.Error("NQU5 has no finalized day")
		}
		before, ok, err := tx.LatestDayBefore(ctx, "ESU5", d4)
		if err != nil || !ok || before.TradingDay != d3 {
			t.Errorf("LatestDayBefore(d4) = %+v %v %v", before, ok, err)
		}
		before, ok, _ = tx.LatestDayBefore(ctx, "ESU5", d3)
		if !ok || before.TradingDay != d1 {
			t.Errorf("LatestDayBefore must be strict, got %+v", before)
		}
		if _, ok, _ := tx.LatestDayBefore(ctx, "ESU5", d1); ok {
			t.Error("nothing precedes the first day")
		}
		st, ok, _ := tx.GetDayStatus(ctx, "ESU5", d1)
		if !ok || st.FinalizedAt == nil || !st.RolledAt.Equal(at) {
			t.Errorf("GetDayStatus = %+v", st)
		}
		return nil
	})

	all, err := s.ListDayStatus(ctx)
	if err != nil || len(all) != 3 {
		t.Errorf("ListDayStatus = %d rows, %v", len(all), err)
	}
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrade(ctx, tr(1, "ESU5", model.Buy, 1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx should return fn's error, got %v", err)
	}
	trades, _ := s.ListTrades(ctx)
	if len(trades) != 0 {
		t.Errorf("rolled back transaction left %d trades", len(trades))
	}
}

func testHalts(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2025, 8, 4, 14, 0, 0, 123, time.UTC)

	// Halts are written after the violating transaction has rolled back.
	boom := errors.New("invariant")
	_ = s.WithTx(ctx, func(tx Tx) error { return boom })
	if err := s.PutHalt(ctx, model.Halt{Method: model.LIFO, Symbol: "ESU5", Reason: "first", HaltedAt: at}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutHalt(ctx, model.Halt{Method: model.LIFO, Symbol: "ESU5", Reason: "second", HaltedAt: at.Add(time.Hour)}); err != nil {
		t.Fatalf("repeat put: %v", err)
	}
	if err := s.PutHalt(ctx, model.Halt{Method: model.FIFO, Symbol: "ESU5", Reason: "fifo", HaltedAt: at}); err != nil {
		t.Fatalf("put fifo: %v", err)
	}

	halts, err := s.ListHalts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(halts) != 2 || halts[0].Method != model.FIFO || halts[1].Method != model.LIFO {
		t.Fatalf("halts = %+v", halts)
	}
	if halts[1].Reason != "first" || !halts[1].HaltedAt.Equal(at) {
		t.Errorf("repeat put replaced the original halt: %+v", halts[1])
	}

	ok, err := s.DeleteHalt(ctx, model.LIFO, "ESU5")
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	ok, err = s.DeleteHalt(ctx, model.LIFO, "ESU5")
	if err != nil || ok {
		t.Errorf("second delete = %v, %v", ok, err)
	}
	if halts, _ := s.ListHalts(ctx); len(halts) != 1 || halts[0].Method != model.FIFO {
		t.Errorf("after delete: %+v", halts)
	}
}
