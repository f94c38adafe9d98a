package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/model"
)

type lotKey struct {
	method  model.Method
	tradeID int64
}

type matchKey struct {
	method         model.Method
	lotTradeID     int64
	closingTradeID int64
	eventTime      int64
}

type priceKey struct {
	symbol    string
	priceType model.PriceType
	day       clock.Date
}

type batchKey struct {
	source    string
	signature string
}

type dayKey struct {
	symbol string
	day    clock.Date
}

type memState struct {
	trades    map[int64]model.Trade
	lots      map[lotKey]model.OpenLot
	matches   map[matchKey]model.RealizedMatch
	snapshots map[model.SnapshotKey]model.DailyPositionSnapshot
	prices    map[priceKey]model.PriceRecord
	batches   map[batchKey]model.ProcessedBatchRecord
	days      map[dayKey]model.DayStatus
}

func newMemState() *memState {
	return &memState{
		trades:    make(map[int64]model.Trade),
		lots:      make(map[lotKey]model.OpenLot),
		matches:   make(map[matchKey]model.RealizedMatch),
		snapshots: make(map[model.SnapshotKey]model.DailyPositionSnapshot),
		prices:    make(map[priceKey]model.PriceRecord),
		batches:   make(map[batchKey]model.ProcessedBatchRecord),
		days:      make(map[dayKey]model.DayStatus),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		trades:    cloneMap(s.trades),
		lots:      cloneMap(s.lots),
		matches:   cloneMap(s.matches),
		snapshots: cloneMap(s.snapshots),
		prices:    cloneMap(s.prices),
		batches:   cloneMap(s.batches),
		days:      cloneMap(s.days),
	}
}

// MemoryStore implements Store with in-memory maps. Used for testing,
// replay verification and development. Not suitable for production (no
// persistence).
//
// Transactions are serialised and run against a copy of the state that
// replaces the committed state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	// halts sit outside state so a rolled back transaction keeps them.
	halts map[haltKey]model.Halt
}

type haltKey struct {
	method model.Method
	symbol string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), halts: make(map[haltKey]model.Halt)}
}

func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) ListSnapshots(_ context.Context, f SnapshotFilter) ([]model.DailyPositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DailyPositionSnapshot, 0)
	for _, snap := range s.state.snapshots {
		if f.Match(snap) {
			out = append(out, copySnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return snapshotLess(out[i].SnapshotKey, out[j].SnapshotKey) })
	return out, nil
}

func (s *MemoryStore) ListMatches(_ context.Context, f MatchFilter) ([]model.RealizedMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RealizedMatch, 0)
	for _, m := range s.state.matches {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EventTime.Equal(b.EventTime) {
			return a.EventTime.Before(b.EventTime)
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.ClosingTradeID != b.ClosingTradeID {
			return a.ClosingTradeID < b.ClosingTradeID
		}
		return a.LotTradeID < b.LotTradeID
	})
	return out, nil
}

func (s *MemoryStore) ListLots(_ context.Context, method model.Method, symbol string) ([]model.OpenLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.OpenLot, 0)
	for _, lot := range s.state.lots {
		if (method == "" || lot.Method == method) && (symbol == "" || lot.Symbol == symbol) {
			out = append(out, lot)
		}
	}
	sortLots(out)
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trade, 0, len(s.state.trades))
	for _, t := range s.state.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Precedes(out[j]) })
	return out, nil
}

func (s *MemoryStore) ListPrices(_ context.Context) ([]model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PriceRecord, 0, len(s.state.prices))
	for _, p := range s.state.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TradingDay != b.TradingDay {
			return a.TradingDay.Before(b.TradingDay)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.PriceType < b.PriceType
	})
	return out, nil
}

func (s *MemoryStore) ListDayStatus(_ context.Context) ([]model.DayStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DayStatus, 0, len(s.state.days))
	for _, st := range s.state.days {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TradingDay != out[j].TradingDay {
			return out[i].TradingDay.Before(out[j].TradingDay)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func (s *MemoryStore) PutHalt(_ context.Context, h model.Halt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := haltKey{h.Method, h.Symbol}
	if _, ok := s.halts[k]; !ok {
		s.halts[k] = h
	}
	return nil
}

func (s *MemoryStore) DeleteHalt(_ context.Context, method model.Method, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := haltKey{method, symbol}
	_, ok := s.halts[k]
	delete(s.halts, k)
	return ok, nil
}

func (s *MemoryStore) ListHalts(_ context.Context) ([]model.Halt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Halt, 0, len(s.halts))
	for _, h := range s.halts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Method < out[j].Method
	})
	return out, nil
}

// memTx operates on a private copy of the state.
type memTx struct {
	st *memState
}

func (t *memTx) InsertTrade(_ context.Context, tr model.Trade) error {
	if _, ok := t.st.trades[tr.SequenceID]; ok {
		return fmt.Errorf("%w: trade %d", ErrConflict, tr.SequenceID)
	}
	tr.EventTime = tr.EventTime.UTC()
	t.st.trades[tr.SequenceID] = tr
	return nil
}

func (t *memTx) LastTrade(_ context.Context, symbol string) (model.Trade, bool, error) {
	var last model.Trade
	found := false
	for _, tr := range t.st.trades {
		if tr.Symbol == symbol && (!found || last.Precedes(tr)) {
			last, found = tr, true
		}
	}
	return last, found, nil
}

func (t *memTx) NetPositionThrough(_ context.Context, symbol string, before time.Time) (decimal.Decimal, error) {
	net := decimal.Zero
	for _, tr := range t.st.trades {
		if tr.Symbol == symbol && tr.EventTime.Before(before) {
			net = net.Add(tr.SignedQuantity())
		}
	}
	return net, nil
}

func (t *memTx) TradeSymbols(_ context.Context, before time.Time) ([]string, error) {
	seen := make(map[string]bool)
	for _, tr := range t.st.trades {
		if tr.EventTime.Before(before) {
			seen[tr.Symbol] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) LoadLots(_ context.Context, method model.Method, symbol string) ([]model.OpenLot, error) {
	out := make([]model.OpenLot, 0)
	for _, lot := range t.st.lots {
		if lot.Method == method && lot.Symbol == symbol {
			out = append(out, lot)
		}
	}
	sortLots(out)
	return out, nil
}

func (t *memTx) InsertLot(_ context.Context, lot model.OpenLot) error {
	k := lotKey{lot.Method, lot.TradeID}
	if _, ok := t.st.lots[k]; ok {
		return fmt.Errorf("%w: lot %s/%d", ErrConflict, lot.Method, lot.TradeID)
	}
	lot.EntryTime = lot.EntryTime.UTC()
	t.st.lots[k] = lot
	return nil
}

func (t *memTx) UpdateLot(_ context.Context, lot model.OpenLot) error {
	k := lotKey{lot.Method, lot.TradeID}
	existing, ok := t.st.lots[k]
	if !ok {
		return fmt.Errorf("%w: lot %s/%d", ErrNotFound, lot.Method, lot.TradeID)
	}
	existing.Remaining = lot.Remaining
	t.st.lots[k] = existing
	return nil
}

func (t *memTx) DeleteLot(_ context.Context, lot model.OpenLot) error {
	k := lotKey{lot.Method, lot.TradeID}
	if _, ok := t.st.lots[k]; !ok {
		return fmt.Errorf("%w: lot %s/%d", ErrNotFound, lot.Method, lot.TradeID)
	}
	delete(t.st.lots, k)
	return nil
}

func (t *memTx) InsertMatch(_ context.Context, m model.RealizedMatch) error {
	k := matchKey{m.Method, m.LotTradeID, m.ClosingTradeID, m.EventTime.UnixNano()}
	if _, ok := t.st.matches[k]; ok {
		return fmt.Errorf("%w: match %s", ErrConflict, m.ID)
	}
	m.EventTime = m.EventTime.UTC()
	t.st.matches[k] = m
	return nil
}

func (t *memTx) GetSnapshot(_ context.Context, key model.SnapshotKey) (model.DailyPositionSnapshot, bool, error) {
	snap, ok := t.st.snapshots[key]
	return copySnapshot(snap), ok, nil
}

func (t *memTx) PutSnapshot(_ context.Context, snap model.DailyPositionSnapshot) error {
	t.st.snapshots[snap.SnapshotKey] = copySnapshot(snap)
	return nil
}

func (t *memTx) GetPrice(_ context.Context, symbol string, pt model.PriceType, day clock.Date) (model.PriceRecord, bool, error) {
	p, ok := t.st.prices[priceKey{symbol, pt, day}]
	return p, ok, nil
}

func (t *memTx) LatestPriceBefore(_ context.Context, symbol string, pt model.PriceType, day clock.Date) (model.PriceRecord, bool, error) {
	var best model.PriceRecord
	found := false
	for k, p := range t.st.prices {
		if k.symbol == symbol && k.priceType == pt && k.day.Before(day) && (!found || k.day.After(best.TradingDay)) {
			best, found = p, true
		}
	}
	return best, found, nil
}

func (t *memTx) UpsertPrice(_ context.Context, rec model.PriceRecord) error {
	rec.EventTime = rec.EventTime.UTC()
	t.st.prices[priceKey{rec.Symbol, rec.PriceType, rec.TradingDay}] = rec
	return nil
}

func (t *memTx) HasBatch(_ context.Context, source, signature string) (bool, error) {
	_, ok := t.st.batches[batchKey{source, signature}]
	return ok, nil
}

func (t *memTx) InsertBatch(_ context.Context, rec model.ProcessedBatchRecord) error {
	k := batchKey{rec.Source, rec.Signature}
	if _, ok := t.st.batches[k]; ok {
		return fmt.Errorf("%w: batch %s", ErrConflict, rec.Source)
	}
	t.st.batches[k] = rec
	return nil
}

func (t *memTx) GetDayStatus(_ context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error) {
	st, ok := t.st.days[dayKey{symbol, day}]
	return st, ok, nil
}

func (t *memTx) PutDayStatus(_ context.Context, st model.DayStatus) error {
	t.st.days[dayKey{st.Symbol, st.TradingDay}] = st
	return nil
}

func (t *memTx) LatestRolledDay(_ context.Context, symbol string) (model.DayStatus, bool, error) {
	var best model.DayStatus
	found := false
	for _, st := range t.st.days {
		if st.Symbol == symbol && st.RolledAt != nil && (!found || st.TradingDay.After(best.TradingDay)) {
			best, found = st, true
		}
	}
	return best, found, nil
}

func (t *memTx) UnfinalizedRolledBefore(_ context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error) {
	var best model.DayStatus
	found := false
	for _, st := range t.st.days {
		if st.Symbol != symbol || st.RolledAt == nil || st.FinalizedAt != nil || !st.TradingDay.Before(day) {
			continue
		}
		if !found || st.TradingDay.Before(best.TradingDay) {
			best, found = st, true
		}
	}
	return best, found, nil
}

func (t *memTx) LatestFinalizedDay(_ context.Context, symbol string) (model.DayStatus, bool, error) {
	var best model.DayStatus
	found := false
	for _, st := range t.st.days {
		if st.Symbol == symbol && st.FinalizedAt != nil && (!found || st.TradingDay.After(best.TradingDay)) {
			best, found = st, true
		}
	}
	return best, found, nil
}

func (t *memTx) LatestDayBefore(_ context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error) {
	var best model.DayStatus
	found := false
	for _, st := range t.st.days {
		if st.Symbol != symbol || !st.TradingDay.Before(day) {
			continue
		}
		if !found || st.TradingDay.After(best.TradingDay) {
			best, found = st, true
		}
	}
	return best, found, nil
}

func copySnapshot(s model.DailyPositionSnapshot) model.DailyPositionSnapshot {
	dup := func(d *decimal.Decimal) *decimal.Decimal {
		if d == nil {
			return nil
		}
		v := *d
		return &v
	}
	s.ClosedQuantity = dup(s.ClosedQuantity)
	s.RealizedPnL = dup(s.RealizedPnL)
	s.UnrealizedPnL = dup(s.UnrealizedPnL)
	if s.FinalizedAt != nil {
		v := s.FinalizedAt.UTC()
		s.FinalizedAt = &v
	}
	return s
}

func snapshotLess(a, b model.SnapshotKey) bool {
	if a.TradingDay != b.TradingDay {
		return a.TradingDay.Before(b.TradingDay)
	}
	if a.Method != b.Method {
		return a.Method < b.Method
	}
	return a.Symbol < b.Symbol
}

func sortLots(lots []model.OpenLot) {
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if !a.EntryTime.Equal(b.EntryTime) {
			return a.EntryTime.Before(b.EntryTime)
		}
		return a.TradeID < b.TradeID
	})
}
