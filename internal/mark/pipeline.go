// Package mark selects reference prices and computes unrealized P&L.
//
// Reference price by phase of the trading day D containing the mark time:
//
//	pre-cutoff  start-of-day(D), else the newest settle before D
//	live        the latest live quote of D, else the pre-cutoff reference
//	settled     settle(D), else the live reference
//
// The day-boundary roll writes the close as settle(D) and as the
// start-of-day price of the next business day.
package mark

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/model"
)

// Prices is the reference price table seen from inside a transaction.
// Records are keyed by (symbol, price type, trading day).
type Prices interface {
	GetPrice(ctx context.Context, symbol string, pt model.PriceType, day clock.Date) (model.PriceRecord, bool, error)
	// LatestPriceBefore returns the record with the greatest trading day
	// strictly before day.
	LatestPriceBefore(ctx context.Context, symbol string, pt model.PriceType, day clock.Date) (model.PriceRecord, bool, error)
	UpsertPrice(ctx context.Context, rec model.PriceRecord) error
}

// Pipeline is stateless apart from the venue calendar.
type Pipeline struct {
	clock *clock.Clock
}

func NewPipeline(c *clock.Clock) *Pipeline {
	return &Pipeline{clock: c}
}

// Normalize maps a quote onto the record it is stored as.
func (p *Pipeline) Normalize(q model.PriceQuote) (model.PriceRecord, error) {
	if err := q.Validate(); err != nil {
		return model.PriceRecord{}, err
	}
	day := p.clock.TradingDayOf(q.EventTime)
	rec := model.PriceRecord{Symbol: q.Symbol, Price: q.Price, EventTime: q.EventTime, TradingDay: day}
	switch q.PriceType {
	case model.PriceLive:
		rec.PriceType = model.PriceLive
	case model.PriceSettle:
		rec.PriceType = model.PriceSettle
	case model.PricePriorClose, model.PriceStartOfDayToday:
		rec.PriceType = model.PriceStartOfDayToday
	case model.PriceStartOfDayTomorrow:
		rec.PriceType = model.PriceStartOfDayToday
		rec.TradingDay = clock.NextBusinessDay(day)
	}
	return rec, nil
}

// RecordQuote normalises and stores q. A live quote older than the stored
// live price of its day is ignored. It reports whether anything changed.
func (p *Pipeline) RecordQuote(ctx context.Context, prices Prices, q model.PriceQuote) (bool, error) {
	rec, err := p.Normalize(q)
	if err != nil {
		return false, err
	}
	existing, ok, err := prices.GetPrice(ctx, rec.Symbol, rec.PriceType, rec.TradingDay)
	if err != nil {
		return false, fmt.Errorf("mark: load %s %s %s: %w", rec.Symbol, rec.PriceType, rec.TradingDay, err)
	}
	if ok {
		if rec.PriceType == model.PriceLive && existing.EventTime.After(rec.EventTime) {
			return false, nil
		}
		if existing.Price.Equal(rec.Price) && existing.EventTime.Equal(rec.EventTime) {
			return false, nil
		}
	}
	if err := prices.UpsertPrice(ctx, rec); err != nil {
		return false, fmt.Errorf("mark: store %s %s %s: %w", rec.Symbol, rec.PriceType, rec.TradingDay, err)
	}
	return true, nil
}

// RollDayBoundary writes closePrice as settle(day) and as start-of-day of
// the next business day. Repeating the roll for the same day rewrites the
// same two rows.
func (p *Pipeline) RollDayBoundary(ctx context.Context, prices Prices, symbol string, closePrice decimal.Decimal, day clock.Date) (settle, sod model.PriceRecord, err error) {
	if symbol == "" || closePrice.IsNegative() || day.IsZero() {
		return settle, sod, fmt.Errorf("%w: roll needs symbol, non-negative price and day", model.ErrInvalidInput)
	}
	at := p.clock.SettledAt(day)
	settle = model.PriceRecord{Symbol: symbol, PriceType: model.PriceSettle, TradingDay: day, Price: closePrice, EventTime: at}
	sod = model.PriceRecord{Symbol: symbol, PriceType: model.PriceStartOfDayToday, TradingDay: clock.NextBusinessDay(day), Price: closePrice, EventTime: at}
	if err := prices.UpsertPrice(ctx, settle); err != nil {
		return settle, sod, fmt.Errorf("mark: roll settle %s %s: %w", symbol, day, err)
	}
	if err := prices.UpsertPrice(ctx, sod); err != nil {
		return settle, sod, fmt.Errorf("mark: roll start-of-day %s %s: %w", symbol, sod.TradingDay, err)
	}
	return settle, sod, nil
}

// ReferencePrice picks the price a position is marked against at instant at.
func (p *Pipeline) ReferencePrice(ctx context.Context, prices Prices, symbol string, at time.Time) (model.PriceRecord, error) {
	day := p.clock.TradingDayOf(at)
	switch p.clock.PhaseOf(at) {
	case clock.PhaseSettled:
		rec, ok, err := prices.GetPrice(ctx, symbol, model.PriceSettle, day)
		if err != nil {
			return rec, err
		}
		if ok {
			return rec, nil
		}
		return p.liveReference(ctx, prices, symbol, day, at)
	case clock.PhaseLive:
		return p.liveReference(ctx, prices, symbol, day, at)
	default:
		return p.openingReference(ctx, prices, symbol, day)
	}
}

func (p *Pipeline) liveReference(ctx context.Context, prices Prices, symbol string, day clock.Date, at time.Time) (model.PriceRecord, error) {
	rec, ok, err := prices.GetPrice(ctx, symbol, model.PriceLive, day)
	if err != nil {
		return rec, err
	}
	if ok && !rec.EventTime.After(at) {
		return rec, nil
	}
	return p.openingReference(ctx, prices, symbol, day)
}

func (p *Pipeline) openingReference(ctx context.Context, prices Prices, symbol string, day clock.Date) (model.PriceRecord, error) {
	rec, ok, err := prices.GetPrice(ctx, symbol, model.PriceStartOfDayToday, day)
	if err != nil {
		return rec, err
	}
	if ok {
		return rec, nil
	}
	rec, ok, err = prices.LatestPriceBefore(ctx, symbol, model.PriceSettle, day)
	if err != nil {
		return rec, err
	}
	if ok {
		return rec, nil
	}
	return rec, fmt.Errorf("%w: %s on %s", model.ErrNoReferencePrice, symbol, day)
}

// Unrealized sums (reference - entry) * signed remaining * multiplier over
// the open lots.
func Unrealized(lots []model.OpenLot, reference, multiplier decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(reference.Sub(lot.EntryPrice).Mul(lot.SignedRemaining()).Mul(multiplier))
	}
	return total
}

// Result is one method/symbol mark.
type Result struct {
	Method       model.Method      `json:"method"`
	Symbol       string            `json:"symbol"`
	At           time.Time         `json:"at"`
	TradingDay   clock.Date        `json:"trading_day"`
	Reference    model.PriceRecord `json:"reference"`
	OpenPosition decimal.Decimal   `json:"open_position"`
	Unrealized   decimal.Decimal   `json:"unrealized_pnl"`
}

// Mark prices the open lots of one method/symbol at instant at.
func (p *Pipeline) Mark(ctx context.Context, prices Prices, method model.Method, symbol string, lots []model.OpenLot, multiplier decimal.Decimal, at time.Time) (Result, error) {
	res := Result{Method: method, Symbol: symbol, At: at, TradingDay: p.clock.TradingDayOf(at), OpenPosition: decimal.Zero}
	for _, lot := range lots {
		if lot.Method != method || lot.Symbol != symbol {
			return res, model.Invariantf(method, symbol, "mark given lot %d of %s/%s", lot.TradeID, lot.Method, lot.Symbol)
		}
		res.OpenPosition = res.OpenPosition.Add(lot.SignedRemaining())
	}
	ref, err := p.ReferencePrice(ctx, prices, symbol, at)
	if err != nil {
		return res, err
	}
	res.Reference = ref
	res.Unrealized = Unrealized(lots, ref.Price, multiplier)
	return res, nil
}
