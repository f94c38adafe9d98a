// Package matching applies trades to a lot book and emits realized matches.
//
// One algorithm serves both conventions. FIFO and LIFO differ only in the
// Selector that picks the next eligible lot.
package matching

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/lots"
	"github.com/atmx/settlement-ledger/internal/model"
)

// matchNamespace seeds the deterministic realized-match ids.
var matchNamespace = uuid.MustParse("5b8f0d0e-7c55-4f0b-9d0b-2f6f3e1f6a11")

// Selector returns the next lot eligible for matching.
type Selector func(b *lots.Book) (model.OpenLot, bool)

// Oldest selects the earliest-entered lot.
func Oldest(b *lots.Book) (model.OpenLot, bool) { return b.PeekOldest() }

// Newest selects the latest-entered lot.
func Newest(b *lots.Book) (model.OpenLot, bool) { return b.PeekNewest() }

// SelectorFor returns the selector of a method.
func SelectorFor(m model.Method) (Selector, error) {
	switch m {
	case model.FIFO:
		return Oldest, nil
	case model.LIFO:
		return Newest, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", model.ErrInvalidInput, m)
	}
}

// Outcome is the result of applying one trade to one book.
type Outcome struct {
	Realized []model.RealizedMatch
	Residual *model.OpenLot
	// ClosedQuantity is the total quantity matched against existing lots.
	ClosedQuantity decimal.Decimal
	RealizedPnL    decimal.Decimal
}

// Engine matches trades for one venue calendar.
type Engine struct {
	clock *clock.Clock
}

func NewEngine(c *clock.Clock) *Engine {
	return &Engine{clock: c}
}

// Apply matches trade against the opposite-side lots of book, in the book's
// method order, and opens a lot for any unmatched remainder. The book is
// mutated in place; on error its state is undefined and must be discarded.
func (e *Engine) Apply(book *lots.Book, trade model.Trade, multiplier decimal.Decimal) (Outcome, error) {
	out := Outcome{ClosedQuantity: decimal.Zero, RealizedPnL: decimal.Zero}
	if err := trade.Validate(); err != nil {
		return out, err
	}
	if trade.Symbol != book.Symbol() {
		return out, model.Invariantf(book.Method(), book.Symbol(), "trade %d is for %s", trade.SequenceID, trade.Symbol)
	}
	next, err := SelectorFor(book.Method())
	if err != nil {
		return out, err
	}

	day := e.clock.TradingDayOf(trade.EventTime)
	remaining := trade.Quantity
	for remaining.IsPositive() {
		side, ok := book.Side()
		if !ok || side == trade.Side {
			break
		}
		lot, ok := next(book)
		if !ok {
			break
		}
		qty := decimal.Min(remaining, lot.Remaining)
		if _, err := book.Reduce(lot.TradeID, qty); err != nil {
			return out, err
		}

		m := model.RealizedMatch{
			Method:         book.Method(),
			Symbol:         trade.Symbol,
			LotTradeID:     lot.TradeID,
			ClosingTradeID: trade.SequenceID,
			LotSide:        lot.Side,
			Quantity:       qty,
			EntryPrice:     lot.EntryPrice,
			ExitPrice:      trade.Price,
			Multiplier:     multiplier,
			PnL:            model.RealizedPnL(lot.Side, qty, lot.EntryPrice, trade.Price, multiplier),
			EventTime:      trade.EventTime,
			TradingDay:     day,
		}
		m.ID = MatchID(m)
		out.Realized = append(out.Realized, m)
		out.ClosedQuantity = out.ClosedQuantity.Add(qty)
		out.RealizedPnL = out.RealizedPnL.Add(m.PnL)
		remaining = remaining.Sub(qty)
	}

	if remaining.IsPositive() {
		lot, err := book.Open(trade, remaining)
		if err != nil {
			return out, err
		}
		out.Residual = &lot
	}
	return out, nil
}

// MatchID derives a stable id from the match's natural key so a replayed
// match collides with the original instead of creating a second row.
func MatchID(m model.RealizedMatch) string {
	key := fmt.Sprintf("%s|%d|%d|%d", m.Method, m.LotTradeID, m.ClosingTradeID, m.EventTime.UnixNano())
	return uuid.NewSHA1(matchNamespace, []byte(key)).String()
}
