package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/metrics"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/position"
	"github.com/atmx/settlement-ledger/internal/store"
)

// RollResult reports the two prices a roll wrote.
type RollResult struct {
	Symbol     string            `json:"symbol"`
	TradingDay clock.Date        `json:"trading_day"`
	Settle     model.PriceRecord `json:"settle"`
	StartOfDay model.PriceRecord `json:"start_of_day"`
	// Repeated is set when the day had already been rolled.
	Repeated bool `json:"repeated"`
}

// RollDayBoundary records closePrice as the settle of day and the
// start-of-day price of the next business day. Rolling the same day again
// rewrites the same two rows. A roll is rejected with
// model.ErrRollOutOfSequence while an earlier rolled day of the symbol is
// unfinalized, when a later day has already been rolled, when the day is
// finalized at a different settle, or when the symbol has day history and the
// previous business day is not finalized.
func (s *Service) RollDayBoundary(ctx context.Context, symbol string, closePrice decimal.Decimal, day clock.Date) (RollResult, error) {
	res, err := s.rollDayBoundary(ctx, symbol, closePrice, day)
	if err != nil {
		metrics.DayRolls.WithLabelValues("rejected").Inc()
		s.logger.Warn("day roll rejected", "symbol", symbol, "day", day, "err", err)
		return res, err
	}
	outcome := "rolled"
	if res.Repeated {
		outcome = "repeated"
	}
	metrics.DayRolls.WithLabelValues(outcome).Inc()
	s.notifier.Publish(Event{
		Type:       EventDayRoll,
		Symbol:     symbol,
		TradingDay: day,
		Prices:     []model.PriceRecord{res.Settle, res.StartOfDay},
	})
	s.logger.Info("day rolled",
		"symbol", symbol,
		"day", day,
		"settle", res.Settle.Price.String(),
		"next_day", res.StartOfDay.TradingDay,
		"repeated", res.Repeated,
	)
	return res, nil
}

func (s *Service) rollDayBoundary(ctx context.Context, symbol string, closePrice decimal.Decimal, day clock.Date) (RollResult, error) {
	res := RollResult{Symbol: symbol, TradingDay: day}
	if symbol == "" || day.IsZero() || closePrice.IsNegative() {
		return res, fmt.Errorf("%w: roll needs symbol, non-negative price and day", model.ErrInvalidInput)
	}
	unlock := s.locks.lock([]string{symbol})
	defer unlock()

	err := s.inTx(ctx, "roll", func(tx store.Tx) error {
		res.Repeated = false
		st, ok, err := tx.GetDayStatus(ctx, symbol, day)
		if err != nil {
			return err
		}
		if ok && st.FinalizedAt != nil {
			prev, found, err := tx.GetPrice(ctx, symbol, model.PriceSettle, day)
			if err != nil {
				return err
			}
			if found && !prev.Price.Equal(closePrice) {
				return fmt.Errorf("%w: %s %s is finalized at settle %s", model.ErrRollOutOfSequence, symbol, day, prev.Price)
			}
		}
		later, ok2, err := tx.LatestRolledDay(ctx, symbol)
		if err != nil {
			return err
		}
		if ok2 && later.TradingDay.After(day) {
			return fmt.Errorf("%w: %s already rolled %s", model.ErrRollOutOfSequence, symbol, later.TradingDay)
		}
		pending, ok3, err := tx.UnfinalizedRolledBefore(ctx, symbol, day)
		if err != nil {
			return err
		}
		if ok3 {
			return fmt.Errorf("%w: %s %s is rolled but not finalized", model.ErrRollOutOfSequence, symbol, pending.TradingDay)
		}
		// Once a symbol has day history, the previous business day must be
		// finalized before the next one rolls. Repeating a roll is exempt.
		if !ok || st.RolledAt == nil {
			prior, found, err := tx.LatestDayBefore(ctx, symbol, day)
			if err != nil {
				return err
			}
			prev := clock.PrevBusinessDay(day)
			if found && (prior.TradingDay != prev || prior.FinalizedAt == nil) {
				return fmt.Errorf("%w: %s %s is not finalized", model.ErrRollOutOfSequence, symbol, prev)
			}
		}

		if res.Settle, res.StartOfDay, err = s.marks.RollDayBoundary(ctx, tx, symbol, closePrice, day); err != nil {
			return err
		}
		if !ok {
			st = model.DayStatus{Symbol: symbol, TradingDay: day}
		}
		if st.RolledAt != nil {
			res.Repeated = true
			return nil
		}
		now := s.now().UTC()
		st.RolledAt = &now
		return tx.PutDayStatus(ctx, st)
	})
	return res, err
}

// FinalizeResult lists the snapshot rows a finalization wrote.
type FinalizeResult struct {
	TradingDay clock.Date                    `json:"trading_day"`
	Symbols    []string                      `json:"symbols"`
	Snapshots  []model.DailyPositionSnapshot `json:"snapshots"`
}

// FinalizeDay finalizes day for the given symbols, or for every symbol
// with trades through the day or a roll on it when symbols is empty.
// Symbols are finalized in parallel, each in its own transaction; the
// returned error joins the failures of individual symbols.
func (s *Service) FinalizeDay(ctx context.Context, day clock.Date, symbols []string) (FinalizeResult, error) {
	res := FinalizeResult{TradingDay: day}
	if day.IsZero() {
		return res, fmt.Errorf("%w: finalize needs a trading day", model.ErrInvalidInput)
	}
	if len(symbols) == 0 {
		found, err := s.finalizeCandidates(ctx, day)
		if err != nil {
			return res, err
		}
		symbols = found
	}
	res.Symbols = uniqueSorted(symbols)

	var mu sync.Mutex
	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(s.workers)
	for _, sym := range res.Symbols {
		p.Go(func(ctx context.Context) error {
			snaps, err := s.finalizeSymbol(ctx, day, sym)
			if err != nil {
				s.noteFailure(ctx, err)
				s.logger.Error("finalize failed", "symbol", sym, "day", day, "err", err)
				return fmt.Errorf("finalize %s: %w", sym, err)
			}
			mu.Lock()
			res.Snapshots = append(res.Snapshots, snaps...)
			mu.Unlock()
			return nil
		})
	}
	err := p.Wait()

	sort.Slice(res.Snapshots, func(i, j int) bool {
		a, b := res.Snapshots[i], res.Snapshots[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Method < b.Method
	})
	metrics.SnapshotsFinalized.Add(float64(len(res.Snapshots)))
	for i := range res.Snapshots {
		snap := res.Snapshots[i]
		s.notifier.Publish(Event{
			Type:       EventDayFinalized,
			Symbol:     snap.Symbol,
			Method:     snap.Method,
			TradingDay: day,
			Snapshot:   &snap,
		})
	}
	s.logger.Info("day finalized", "day", day, "symbols", len(res.Symbols), "snapshots", len(res.Snapshots))
	return res, err
}

// finalizeCandidates lists symbols traded before the day's close plus
// symbols rolled on the day.
func (s *Service) finalizeCandidates(ctx context.Context, day clock.Date) ([]string, error) {
	var traded []string
	err := s.inTx(ctx, "finalize", func(tx store.Tx) error {
		var err error
		traded, err = tx.TradeSymbols(ctx, s.clock.DayClose(day))
		return err
	})
	if err != nil {
		return nil, err
	}
	statuses, err := s.store.ListDayStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.TradingDay == day {
			traded = append(traded, st.Symbol)
		}
	}
	return uniqueSorted(traded), nil
}

// finalizeSymbol writes the final snapshot of both methods for one
// symbol and marks the day finalized. Symbols that are flat with no row
// for the day only get their day status updated.
func (s *Service) finalizeSymbol(ctx context.Context, day clock.Date, symbol string) ([]model.DailyPositionSnapshot, error) {
	if err := s.checkHalted([]string{symbol}); err != nil {
		return nil, err
	}
	unlock := s.locks.lock([]string{symbol})
	defer unlock()

	var out []model.DailyPositionSnapshot
	err := s.inTx(ctx, "finalize", func(tx store.Tx) error {
		out = nil
		open, err := tx.NetPositionThrough(ctx, symbol, s.clock.DayClose(day))
		if err != nil {
			return err
		}
		last, traded, err := tx.LastTrade(ctx, symbol)
		if err != nil {
			return err
		}
		// Current lots describe the close of day only while no later
		// trading day has been applied.
		remark := !traded || !s.clock.TradingDayOf(last.EventTime).After(day)

		for _, m := range model.Methods {
			key := position.Key(day, m, symbol)
			_, exists, err := tx.GetSnapshot(ctx, key)
			if err != nil {
				return err
			}
			if !exists && open.IsZero() {
				continue
			}
			f := position.Final{OpenPosition: open}
			if remark {
				u, err := s.settledMark(ctx, tx, m, symbol, day)
				if err != nil {
					return err
				}
				f.Unrealized = u
			}
			snap, err := s.agg.FinalizeDay(ctx, tx, key, f)
			if err != nil {
				return err
			}
			out = append(out, snap)
		}

		st, ok, err := tx.GetDayStatus(ctx, symbol, day)
		if err != nil {
			return err
		}
		if !ok {
			st = model.DayStatus{Symbol: symbol, TradingDay: day}
		}
		if st.FinalizedAt == nil {
			now := s.now().UTC()
			st.FinalizedAt = &now
		}
		return tx.PutDayStatus(ctx, st)
	})
	return out, err
}

// settledMark marks current lots at the settled phase of day. A missing
// reference price yields nil so the last mark is kept.
func (s *Service) settledMark(ctx context.Context, tx store.Tx, m model.Method, symbol string, day clock.Date) (*decimal.Decimal, error) {
	open, err := tx.LoadLots(ctx, m, symbol)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		zero := decimal.Zero
		return &zero, nil
	}
	r, err := s.marks.Mark(ctx, tx, m, symbol, open, s.multipliers.Multiplier(symbol), s.clock.SettledAt(day))
	if errors.Is(err, model.ErrNoReferencePrice) {
		s.logger.Warn("finalize without reference price", "method", m, "symbol", symbol, "day", day)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r.Unrealized, nil
}
