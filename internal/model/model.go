// Package model defines the ledger's records. Quantities, prices and P&L use
// shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
)

// Method is a lot-matching convention.
type Method string

const (
	FIFO Method = "fifo"
	LIFO Method = "lifo"
)

// Methods lists every convention the ledger maintains, in application order.
var Methods = []Method{FIFO, LIFO}

// ParseMethod parses "fifo" or "lifo", case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case FIFO:
		return FIFO, nil
	case LIFO:
		return LIFO, nil
	default:
		return "", fmt.Errorf("%w: unknown method %q", ErrInvalidInput, s)
	}
}

// Side is the direction of a trade or lot.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide parses "buy" or "sell", case-insensitively.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidInput, s)
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PriceType classifies a quote.
type PriceType string

const (
	PriceLive               PriceType = "live"
	PricePriorClose         PriceType = "prior_close"
	PriceStartOfDayToday    PriceType = "start_of_day_today"
	PriceStartOfDayTomorrow PriceType = "start_of_day_tomorrow"
	PriceSettle             PriceType = "settle"
)

// ParsePriceType parses one of the five quote classes.
func ParsePriceType(s string) (PriceType, error) {
	switch p := PriceType(strings.ToLower(strings.TrimSpace(s))); p {
	case PriceLive, PricePriorClose, PriceStartOfDayToday, PriceStartOfDayTomorrow, PriceSettle:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown price type %q", ErrInvalidInput, s)
	}
}

// Trade is an immutable execution record. SequenceID is assigned by the
// source and is globally unique; it breaks ties between equal EventTimes.
type Trade struct {
	SequenceID int64           `json:"sequence_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	EventTime  time.Time       `json:"event_time"`
}

// Validate checks the fields required at construction.
func (t Trade) Validate() error {
	switch {
	case t.SequenceID <= 0:
		return fmt.Errorf("%w: trade sequence id must be positive", ErrInvalidInput)
	case strings.TrimSpace(t.Symbol) == "":
		return fmt.Errorf("%w: trade %d has no symbol", ErrInvalidInput, t.SequenceID)
	case t.Side != Buy && t.Side != Sell:
		return fmt.Errorf("%w: trade %d has side %q", ErrInvalidInput, t.SequenceID, t.Side)
	case !t.Quantity.IsPositive():
		return fmt.Errorf("%w: trade %d quantity must be positive", ErrInvalidInput, t.SequenceID)
	case t.Price.IsNegative():
		return fmt.Errorf("%w: trade %d price is negative", ErrInvalidInput, t.SequenceID)
	case t.EventTime.IsZero():
		return fmt.Errorf("%w: trade %d has no event time", ErrInvalidInput, t.SequenceID)
	}
	return nil
}

// SignedQuantity is +Quantity for buys and -Quantity for sells.
func (t Trade) SignedQuantity() decimal.Decimal {
	return t.Quantity.Mul(t.Side.Sign())
}

// Precedes reports whether t sorts strictly before u in application order:
// event time first, sequence id second.
func (t Trade) Precedes(u Trade) bool {
	if !t.EventTime.Equal(u.EventTime) {
		return t.EventTime.Before(u.EventTime)
	}
	return t.SequenceID < u.SequenceID
}

// OpenLot is the unmatched remainder of a trade, owned by the lot ledger of
// one method. TradeID is the originating trade's sequence id.
type OpenLot struct {
	Method     Method          `json:"method"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	TradeID    int64           `json:"trade_id"`
	Remaining  decimal.Decimal `json:"remaining"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`
}

// SignedRemaining is +Remaining for long lots and -Remaining for short lots.
func (l OpenLot) SignedRemaining() decimal.Decimal {
	return l.Remaining.Mul(l.Side.Sign())
}

// RealizedMatch records one offset between an open lot and a closing trade.
// PnL = (ExitPrice - EntryPrice) * signed quantity * Multiplier, where the
// quantity is signed by the side of the lot being closed.
type RealizedMatch struct {
	ID             string          `json:"id"`
	Method         Method          `json:"method"`
	Symbol         string          `json:"symbol"`
	LotTradeID     int64           `json:"lot_trade_id"`
	ClosingTradeID int64           `json:"closing_trade_id"`
	LotSide        Side            `json:"lot_side"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	PnL            decimal.Decimal `json:"pnl"`
	EventTime      time.Time       `json:"event_time"`
	TradingDay     clock.Date      `json:"trading_day"`
}

// RealizedPnL computes (exit - entry) * qty * sign(lotSide) * multiplier.
func RealizedPnL(lotSide Side, qty, entry, exit, multiplier decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(lotSide.Sign()).Mul(multiplier)
}

// SnapshotKey identifies one DailyPositionSnapshot row.
type SnapshotKey struct {
	TradingDay clock.Date `json:"trading_day"`
	Method     Method     `json:"method"`
	Symbol     string     `json:"symbol"`
}

func (k SnapshotKey) String() string {
	return k.TradingDay.String() + "/" + string(k.Method) + "/" + k.Symbol
}

// DailyPositionSnapshot is the derived per-day view of one method/symbol.
// ClosedQuantity, RealizedPnL and UnrealizedPnL are nil until first set so a
// later finalize can tell "not computed" from zero.
type DailyPositionSnapshot struct {
	SnapshotKey
	OpenPosition   decimal.Decimal  `json:"open_position"`
	ClosedQuantity *decimal.Decimal `json:"closed_quantity"`
	RealizedPnL    *decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  *decimal.Decimal `json:"unrealized_pnl"`
	FinalizedAt    *time.Time       `json:"finalized_at,omitempty"`
}

// Finalized reports whether finalize_day has run for this row.
func (s DailyPositionSnapshot) Finalized() bool { return s.FinalizedAt != nil }

// PriceQuote is an immutable price observation.
type PriceQuote struct {
	Symbol    string          `json:"symbol"`
	PriceType PriceType       `json:"price_type"`
	Price     decimal.Decimal `json:"price"`
	EventTime time.Time       `json:"event_time"`
}

// Validate checks the fields required at construction.
func (q PriceQuote) Validate() error {
	switch {
	case strings.TrimSpace(q.Symbol) == "":
		return fmt.Errorf("%w: quote has no symbol", ErrInvalidInput)
	case q.Price.IsNegative():
		return fmt.Errorf("%w: quote for %s has negative price", ErrInvalidInput, q.Symbol)
	case q.EventTime.IsZero():
		return fmt.Errorf("%w: quote for %s has no event time", ErrInvalidInput, q.Symbol)
	}
	if _, err := ParsePriceType(string(q.PriceType)); err != nil {
		return err
	}
	return nil
}

// PriceRecord is a normalised, persisted reference price keyed by
// (Symbol, PriceType, TradingDay). Only live, settle and start-of-day
// records are stored.
type PriceRecord struct {
	Symbol     string          `json:"symbol"`
	PriceType  PriceType       `json:"price_type"`
	TradingDay clock.Date      `json:"trading_day"`
	Price      decimal.Decimal `json:"price"`
	EventTime  time.Time       `json:"event_time"`
}

// ProcessedBatchRecord marks an input batch as applied.
type ProcessedBatchRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Signature   string    `json:"signature"`
	Kind        string    `json:"kind"`
	Records     int       `json:"records"`
	ProcessedAt time.Time `json:"processed_at"`
}

// DayStatus tracks the roll/finalize lifecycle of one symbol's trading day.
type DayStatus struct {
	Symbol      string     `json:"symbol"`
	TradingDay  clock.Date `json:"trading_day"`
	RolledAt    *time.Time `json:"rolled_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Halt records a method/symbol ledger stopped by an invariant violation.
// It outlives the process until an operator resumes the pair.
type Halt struct {
	Method   Method    `json:"method"`
	Symbol   string    `json:"symbol"`
	Reason   string    `json:"reason"`
	HaltedAt time.Time `json:"halted_at"`
}
