package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atmx/settlement-ledger/internal/ingest"
	"github.com/atmx/settlement-ledger/internal/lots"
	"github.com/atmx/settlement-ledger/internal/metrics"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/position"
	"github.com/atmx/settlement-ledger/internal/store"
)

// BatchStatus is the outcome of an accepted batch.
type BatchStatus string

const (
	StatusApplied   BatchStatus = "applied"
	StatusDuplicate BatchStatus = "duplicate"
)

// TradeBatch is one delivery of trades. An empty Signature is derived from
// the trades' content.
type TradeBatch struct {
	Source    string        `json:"source"`
	Signature string        `json:"signature,omitempty"`
	Trades    []model.Trade `json:"trades"`
}

// BatchResult reports what a batch changed.
type BatchResult struct {
	Status    BatchStatus           `json:"status"`
	BatchID   string                `json:"batch_id,omitempty"`
	Source    string                `json:"source"`
	Signature string                `json:"signature"`
	Records   int                   `json:"records"`
	Matches   []model.RealizedMatch `json:"matches,omitempty"`
	Lots      []model.OpenLot       `json:"lots,omitempty"`
}

type bookKey struct {
	method model.Method
	symbol string
}

// prepareTrades validates, copies and orders a batch's trades.
func prepareTrades(in []model.Trade) ([]model.Trade, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: trade batch is empty", model.ErrInvalidInput)
	}
	out := make([]model.Trade, len(in))
	seen := make(map[int64]bool, len(in))
	for i, t := range in {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.SequenceID] {
			return nil, fmt.Errorf("%w: sequence id %d repeated in batch", model.ErrInvalidInput, t.SequenceID)
		}
		seen[t.SequenceID] = true
		t.EventTime = t.EventTime.UTC()
		out[i] = t
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Precedes(out[j]) })
	return out, nil
}

func tradeSymbols(trades []model.Trade) []string {
	syms := make([]string, 0, len(trades))
	for _, t := range trades {
		syms = append(syms, t.Symbol)
	}
	return uniqueSorted(syms)
}

// ApplyTrades applies a batch to both ledgers in one transaction. A batch
// already recorded by the ingestion gate is reported as duplicate and
// changes nothing.
func (s *Service) ApplyTrades(ctx context.Context, b TradeBatch) (BatchResult, error) {
	start := time.Now()
	res, err := s.applyTrades(ctx, b)
	metrics.BatchLatency.WithLabelValues(ingest.KindTrades).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.Batches.WithLabelValues(ingest.KindTrades, "rejected").Inc()
		s.noteFailure(ctx, err)
		s.logger.Warn("trade batch rejected", "source", b.Source, "err", err)
		return res, err
	case res.Status == StatusDuplicate:
		metrics.Batches.WithLabelValues(ingest.KindTrades, "duplicate").Inc()
		s.logger.Info("duplicate trade batch skipped", "source", res.Source, "signature", res.Signature)
		return res, nil
	}

	metrics.Batches.WithLabelValues(ingest.KindTrades, "applied").Inc()
	for _, m := range model.Methods {
		metrics.TradesApplied.WithLabelValues(string(m)).Add(float64(res.Records))
	}
	for i := range res.Matches {
		m := res.Matches[i]
		metrics.RealizedMatches.WithLabelValues(string(m.Method)).Inc()
		s.notifier.Publish(Event{
			Type:       EventRealizedMatch,
			Symbol:     m.Symbol,
			Method:     m.Method,
			TradingDay: m.TradingDay,
			Match:      &m,
		})
	}
	s.logger.Info("trade batch applied",
		"source", res.Source,
		"batch_id", res.BatchID,
		"trades", res.Records,
		"matches", len(res.Matches),
	)
	return res, nil
}

func (s *Service) applyTrades(ctx context.Context, b TradeBatch) (BatchResult, error) {
	res := BatchResult{Source: b.Source, Signature: b.Signature}
	trades, err := prepareTrades(b.Trades)
	if err != nil {
		return res, err
	}
	if res.Signature == "" {
		if res.Signature, err = ingest.RecordsSignature(trades); err != nil {
			return res, err
		}
	}
	if b.Source == "" {
		return res, fmt.Errorf("%w: %v", model.ErrInvalidInput, ingest.ErrMissingIdentity)
	}

	symbols := tradeSymbols(trades)
	if err := s.checkHalted(symbols); err != nil {
		return res, err
	}
	unlock := s.locks.lock(symbols)
	defer unlock()

	err = s.inTx(ctx, ingest.KindTrades, func(tx store.Tx) error {
		res.Status, res.BatchID, res.Records = "", "", 0
		res.Matches, res.Lots = nil, nil

		fresh, err := s.tracker.ShouldProcess(ctx, tx, b.Source, res.Signature)
		if err != nil {
			return err
		}
		if !fresh {
			res.Status = StatusDuplicate
			return nil
		}

		books := make(map[bookKey]*lots.Book)
		for _, t := range trades {
			matches, err := s.applyTrade(ctx, tx, books, t)
			if err != nil {
				return err
			}
			res.Matches = append(res.Matches, matches...)
		}
		if res.Lots, err = persistBooks(ctx, tx, books); err != nil {
			return err
		}

		rec, err := s.tracker.MarkProcessed(ctx, tx, b.Source, res.Signature, ingest.KindTrades, len(trades))
		if err != nil {
			return err
		}
		res.Status, res.BatchID, res.Records = StatusApplied, rec.ID, len(trades)
		return nil
	})
	return res, err
}

// checkOrder rejects a trade that does not strictly follow the latest
// applied trade of its symbol, or whose trading day is on or before the
// symbol's latest finalized day.
func (s *Service) checkOrder(ctx context.Context, tx store.Tx, t model.Trade) error {
	last, ok, err := tx.LastTrade(ctx, t.Symbol)
	if err != nil {
		return fmt.Errorf("ledger: last trade of %s: %w", t.Symbol, err)
	}
	if ok && !last.Precedes(t) {
		return fmt.Errorf("%w: trade %d at %s does not follow trade %d at %s on %s",
			model.ErrOutOfOrder, t.SequenceID, t.EventTime.Format(time.RFC3339Nano),
			last.SequenceID, last.EventTime.Format(time.RFC3339Nano), t.Symbol)
	}
	day := s.clock.TradingDayOf(t.EventTime)
	fin, ok, err := tx.LatestFinalizedDay(ctx, t.Symbol)
	if err != nil {
		return fmt.Errorf("ledger: latest finalized day of %s: %w", t.Symbol, err)
	}
	if ok && !day.After(fin.TradingDay) {
		return fmt.Errorf("%w: trade %d on %s falls on or before finalized day %s of %s",
			model.ErrOutOfOrder, t.SequenceID, day, fin.TradingDay, t.Symbol)
	}
	return nil
}

// applyTrade inserts one trade and runs it through both methods.
func (s *Service) applyTrade(ctx context.Context, tx store.Tx, books map[bookKey]*lots.Book, t model.Trade) ([]model.RealizedMatch, error) {
	if err := s.checkOrder(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: sequence id %d already used", model.ErrInvalidInput, t.SequenceID)
		}
		return nil, fmt.Errorf("ledger: insert trade %d: %w", t.SequenceID, err)
	}

	mult := s.multipliers.Multiplier(t.Symbol)
	day := s.clock.TradingDayOf(t.EventTime)
	var realized []model.RealizedMatch
	for _, m := range model.Methods {
		book, err := loadBook(ctx, tx, books, m, t.Symbol)
		if err != nil {
			return nil, err
		}
		out, err := s.engine.Apply(book, t, mult)
		if err != nil {
			return nil, err
		}
		for _, match := range out.Realized {
			if err := tx.InsertMatch(ctx, match); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return nil, model.Invariantf(m, t.Symbol, "match of lot %d by trade %d already recorded", match.LotTradeID, match.ClosingTradeID)
				}
				return nil, fmt.Errorf("ledger: insert match %s: %w", match.ID, err)
			}
			if err := s.agg.OnMatch(ctx, tx, match); err != nil {
				return nil, err
			}
		}
		if err := s.agg.OnTrade(ctx, tx, position.Key(day, m, t.Symbol), book.Net()); err != nil {
			return nil, err
		}
		realized = append(realized, out.Realized...)
	}
	if !books[bookKey{model.FIFO, t.Symbol}].Net().Equal(books[bookKey{model.LIFO, t.Symbol}].Net()) {
		return nil, model.Invariantf(model.LIFO, t.Symbol, "net position diverges from fifo after trade %d", t.SequenceID)
	}
	return realized, nil
}

func loadBook(ctx context.Context, tx store.Tx, books map[bookKey]*lots.Book, m model.Method, symbol string) (*lots.Book, error) {
	k := bookKey{m, symbol}
	if b, ok := books[k]; ok {
		return b, nil
	}
	existing, err := tx.LoadLots(ctx, m, symbol)
	if err != nil {
		return nil, fmt.Errorf("ledger: load %s/%s lots: %w", m, symbol, err)
	}
	b, err := lots.NewBook(m, symbol, existing)
	if err != nil {
		return nil, err
	}
	books[k] = b
	return b, nil
}

// persistBooks writes each book's net lot changes and returns the lots
// left open, ordered by method and symbol.
func persistBooks(ctx context.Context, tx store.Tx, books map[bookKey]*lots.Book) ([]model.OpenLot, error) {
	keys := make([]bookKey, 0, len(books))
	for k := range books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].symbol < keys[j].symbol
	})

	var open []model.OpenLot
	for _, k := range keys {
		b := books[k]
		for _, mut := range b.Changes() {
			var err error
			switch mut.Kind {
			case lots.Deleted:
				err = tx.DeleteLot(ctx, mut.Lot)
			case lots.Updated:
				err = tx.UpdateLot(ctx, mut.Lot)
			case lots.Inserted:
				err = tx.InsertLot(ctx, mut.Lot)
			}
			if err != nil {
				return nil, fmt.Errorf("ledger: %s lot %s/%s/%d: %w", mut.Kind, k.method, k.symbol, mut.Lot.TradeID, err)
			}
		}
		open = append(open, b.Lots()...)
	}
	return open, nil
}
