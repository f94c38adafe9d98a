package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/settlement-ledger/internal/ingest"
	"github.com/atmx/settlement-ledger/internal/mark"
	"github.com/atmx/settlement-ledger/internal/metrics"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/position"
	"github.com/atmx/settlement-ledger/internal/store"
)

// QuoteBatch is one delivery of price quotes. An empty Signature is
// derived from the quotes' content.
type QuoteBatch struct {
	Source    string             `json:"source"`
	Signature string             `json:"signature,omitempty"`
	Quotes    []model.PriceQuote `json:"quotes"`
}

// QuoteResult reports what a quote batch changed.
type QuoteResult struct {
	Status    BatchStatus   `json:"status"`
	BatchID   string        `json:"batch_id,omitempty"`
	Source    string        `json:"source"`
	Signature string        `json:"signature"`
	Records   int           `json:"records"`
	Stored    int           `json:"stored"`
	Marks     []mark.Result `json:"marks,omitempty"`
}

// ApplyQuotes stores a batch of quotes and re-marks every touched symbol,
// for both methods, as of that symbol's latest quote in the batch. Symbols
// with no usable reference price are left unmarked.
func (s *Service) ApplyQuotes(ctx context.Context, b QuoteBatch) (QuoteResult, error) {
	start := time.Now()
	res, err := s.applyQuotes(ctx, b)
	metrics.BatchLatency.WithLabelValues(ingest.KindQuotes).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.Batches.WithLabelValues(ingest.KindQuotes, "rejected").Inc()
		s.noteFailure(ctx, err)
		s.logger.Warn("quote batch rejected", "source", b.Source, "err", err)
		return res, err
	case res.Status == StatusDuplicate:
		metrics.Batches.WithLabelValues(ingest.KindQuotes, "duplicate").Inc()
		s.logger.Info("duplicate quote batch skipped", "source", res.Source, "signature", res.Signature)
		return res, nil
	}

	metrics.Batches.WithLabelValues(ingest.KindQuotes, "applied").Inc()
	for i := range res.Marks {
		r := res.Marks[i]
		s.notifier.Publish(Event{
			Type:       EventMark,
			Symbol:     r.Symbol,
			Method:     r.Method,
			TradingDay: r.TradingDay,
			Mark:       &r,
		})
	}
	s.logger.Info("quote batch applied",
		"source", res.Source,
		"batch_id", res.BatchID,
		"quotes", res.Records,
		"stored", res.Stored,
		"marks", len(res.Marks),
	)
	return res, nil
}

func (s *Service) applyQuotes(ctx context.Context, b QuoteBatch) (QuoteResult, error) {
	res := QuoteResult{Source: b.Source, Signature: b.Signature}
	if len(b.Quotes) == 0 {
		return res, fmt.Errorf("%w: quote batch is empty", model.ErrInvalidInput)
	}
	quotes := make([]model.PriceQuote, len(b.Quotes))
	latest := make(map[string]time.Time)
	for i, q := range b.Quotes {
		if err := q.Validate(); err != nil {
			return res, err
		}
		q.EventTime = q.EventTime.UTC()
		quotes[i] = q
		if q.EventTime.After(latest[q.Symbol]) {
			latest[q.Symbol] = q.EventTime
		}
	}
	var err error
	if res.Signature == "" {
		if res.Signature, err = ingest.RecordsSignature(quotes); err != nil {
			return res, err
		}
	}
	if b.Source == "" {
		return res, fmt.Errorf("%w: %v", model.ErrInvalidInput, ingest.ErrMissingIdentity)
	}

	symbols := make([]string, 0, len(latest))
	for sym := range latest {
		symbols = append(symbols, sym)
	}
	symbols = uniqueSorted(symbols)
	unlock := s.locks.lock(symbols)
	defer unlock()

	err = s.inTx(ctx, ingest.KindQuotes, func(tx store.Tx) error {
		res.Status, res.BatchID, res.Records, res.Stored = "", "", 0, 0
		res.Marks = nil

		fresh, err := s.tracker.ShouldProcess(ctx, tx, b.Source, res.Signature)
		if err != nil {
			return err
		}
		if !fresh {
			res.Status = StatusDuplicate
			return nil
		}

		for _, q := range quotes {
			changed, err := s.marks.RecordQuote(ctx, tx, q)
			if err != nil {
				return err
			}
			if changed {
				res.Stored++
			}
		}
		for _, sym := range symbols {
			for _, m := range model.Methods {
				if s.isHalted(m, sym) {
					continue
				}
				r, ok, err := s.markPair(ctx, tx, m, sym, latest[sym])
				if err != nil {
					return err
				}
				if ok {
					res.Marks = append(res.Marks, r)
				}
			}
		}

		rec, err := s.tracker.MarkProcessed(ctx, tx, b.Source, res.Signature, ingest.KindQuotes, len(quotes))
		if err != nil {
			return err
		}
		res.Status, res.BatchID, res.Records = StatusApplied, rec.ID, len(quotes)
		return nil
	})
	return res, err
}

// markPair marks one pair and applies the result to its snapshot. Pairs
// with neither lots nor a snapshot for the day are skipped, as are marks
// without a reference price and quotes older than the symbol's latest
// traded day.
func (s *Service) markPair(ctx context.Context, tx store.Tx, m model.Method, symbol string, at time.Time) (mark.Result, bool, error) {
	open, err := tx.LoadLots(ctx, m, symbol)
	if err != nil {
		return mark.Result{}, false, fmt.Errorf("ledger: load %s/%s lots: %w", m, symbol, err)
	}
	day := s.clock.TradingDayOf(at)
	last, traded, err := tx.LastTrade(ctx, symbol)
	if err != nil {
		return mark.Result{}, false, fmt.Errorf("ledger: last trade of %s: %w", symbol, err)
	}
	// Current lots describe day only while no later trading day has been
	// applied; the quote is still stored as a reference price.
	if traded && s.clock.TradingDayOf(last.EventTime).After(day) {
		s.logger.Debug("mark skipped, later trading day applied", "method", m, "symbol", symbol, "day", day)
		return mark.Result{}, false, nil
	}
	key := position.Key(day, m, symbol)
	if len(open) == 0 {
		_, exists, err := tx.GetSnapshot(ctx, key)
		if err != nil {
			return mark.Result{}, false, fmt.Errorf("ledger: load snapshot %s: %w", key, err)
		}
		if !exists {
			return mark.Result{}, false, nil
		}
	}

	r, err := s.marks.Mark(ctx, tx, m, symbol, open, s.multipliers.Multiplier(symbol), at)
	if errors.Is(err, model.ErrNoReferencePrice) {
		s.logger.Debug("mark skipped", "method", m, "symbol", symbol, "at", at, "err", err)
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	applied, err := s.agg.OnMark(ctx, tx, key, r.Unrealized, r.OpenPosition)
	if err != nil {
		return r, false, err
	}
	return r, applied, nil
}

// Mark prices the open lots of one pair at instant at without changing
// any snapshot. It returns model.ErrNoReferencePrice when no price applies.
func (s *Service) Mark(ctx context.Context, method model.Method, symbol string, at time.Time) (mark.Result, error) {
	if symbol == "" {
		return mark.Result{}, fmt.Errorf("%w: mark needs a symbol", model.ErrInvalidInput)
	}
	if at.IsZero() {
		at = s.now()
	}
	var r mark.Result
	err := s.inTx(ctx, "mark", func(tx store.Tx) error {
		open, err := tx.LoadLots(ctx, method, symbol)
		if err != nil {
			return err
		}
		r, err = s.marks.Mark(ctx, tx, method, symbol, open, s.multipliers.Multiplier(symbol), at.UTC())
		return err
	})
	return r, err
}
