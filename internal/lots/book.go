// Package lots implements the lot ledger: the ordered open lots of one
// (method, symbol) pair.
//
// A Book never holds lots on both sides, and no lot's remaining quantity is
// ever negative or zero. Violations are programming errors and are returned
// as model.ErrInvariantViolation so the enclosing transaction aborts.
package lots

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/model"
)

// MutationKind says how a lot changed during a Book's lifetime.
type MutationKind int

const (
	Inserted MutationKind = iota
	Updated
	Deleted
)

func (k MutationKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Mutation is the net change to one lot, ready to persist.
type Mutation struct {
	Kind MutationKind
	Lot  model.OpenLot
}

// Book is the open-lot ledger of one method and symbol. Lots are kept in
// entry order (entry time, then trade id); FIFO consumes from the front and
// LIFO from the back.
type Book struct {
	method model.Method
	symbol string
	lots   []model.OpenLot

	// persisted holds the trade ids that existed when the book was loaded.
	persisted map[int64]bool
	touched   map[int64]bool
	removed   map[int64]model.OpenLot
}

// NewBook builds a book from persisted lots. The lots may arrive in any
// order; they must all belong to method/symbol, share one side and have
// positive remaining quantity.
func NewBook(method model.Method, symbol string, existing []model.OpenLot) (*Book, error) {
	b := &Book{
		method:    method,
		symbol:    symbol,
		lots:      make([]model.OpenLot, 0, len(existing)),
		persisted: make(map[int64]bool, len(existing)),
		touched:   make(map[int64]bool),
		removed:   make(map[int64]model.OpenLot),
	}
	for _, lot := range existing {
		if lot.Method != method || lot.Symbol != symbol {
			return nil, model.Invariantf(method, symbol, "lot %d belongs to %s/%s", lot.TradeID, lot.Method, lot.Symbol)
		}
		if !lot.Remaining.IsPositive() {
			return nil, model.Invariantf(method, symbol, "lot %d has non-positive remaining %s", lot.TradeID, lot.Remaining)
		}
		if len(b.lots) > 0 && b.lots[0].Side != lot.Side {
			return nil, model.Invariantf(method, symbol, "book holds both %s and %s lots", b.lots[0].Side, lot.Side)
		}
		if b.persisted[lot.TradeID] {
			return nil, model.Invariantf(method, symbol, "duplicate lot %d", lot.TradeID)
		}
		b.persisted[lot.TradeID] = true
		b.lots = append(b.lots, lot)
	}
	sort.SliceStable(b.lots, func(i, j int) bool { return entryBefore(b.lots[i], b.lots[j]) })
	return b, nil
}

func entryBefore(a, b model.OpenLot) bool {
	if !a.EntryTime.Equal(b.EntryTime) {
		return a.EntryTime.Before(b.EntryTime)
	}
	return a.TradeID < b.TradeID
}

func (b *Book) Method() model.Method { return b.method }
func (b *Book) Symbol() string       { return b.symbol }
func (b *Book) Len() int             { return len(b.lots) }

// Side reports the side of the lots held, if any.
func (b *Book) Side() (model.Side, bool) {
	if len(b.lots) == 0 {
		return "", false
	}
	return b.lots[0].Side, true
}

// Net returns the signed open quantity.
func (b *Book) Net() decimal.Decimal {
	net := decimal.Zero
	for _, lot := range b.lots {
		net = net.Add(lot.SignedRemaining())
	}
	return net
}

// Lots returns a copy of the open lots in entry order.
func (b *Book) Lots() []model.OpenLot {
	out := make([]model.OpenLot, len(b.lots))
	copy(out, b.lots)
	return out
}

// PeekOldest returns the lot FIFO would match next.
func (b *Book) PeekOldest() (model.OpenLot, bool) {
	if len(b.lots) == 0 {
		return model.OpenLot{}, false
	}
	return b.lots[0], true
}

// PeekNewest returns the lot LIFO would match next.
func (b *Book) PeekNewest() (model.OpenLot, bool) {
	if len(b.lots) == 0 {
		return model.OpenLot{}, false
	}
	return b.lots[len(b.lots)-1], true
}

// Open inserts a lot for the unmatched remainder qty of trade.
func (b *Book) Open(trade model.Trade, qty decimal.Decimal) (model.OpenLot, error) {
	if trade.Symbol != b.symbol {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "trade %d is for %s", trade.SequenceID, trade.Symbol)
	}
	if !qty.IsPositive() {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "open lot %d with non-positive quantity %s", trade.SequenceID, qty)
	}
	if qty.GreaterThan(trade.Quantity) {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "open lot %d quantity %s exceeds trade quantity %s", trade.SequenceID, qty, trade.Quantity)
	}
	if side, ok := b.Side(); ok && side != trade.Side {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "open %s lot %d while %s lots remain", trade.Side, trade.SequenceID, side)
	}
	if b.find(trade.SequenceID) >= 0 {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "lot %d already open", trade.SequenceID)
	}

	lot := model.OpenLot{
		Method:     b.method,
		Symbol:     b.symbol,
		Side:       trade.Side,
		TradeID:    trade.SequenceID,
		Remaining:  qty,
		EntryPrice: trade.Price,
		EntryTime:  trade.EventTime,
	}
	i := sort.Search(len(b.lots), func(i int) bool { return entryBefore(lot, b.lots[i]) })
	b.lots = append(b.lots, model.OpenLot{})
	copy(b.lots[i+1:], b.lots[i:])
	b.lots[i] = lot
	b.touched[lot.TradeID] = true
	delete(b.removed, lot.TradeID)
	return lot, nil
}

// Reduce decrements a lot's remaining quantity, removing it at zero, and
// returns the lot as it was before the reduction.
func (b *Book) Reduce(tradeID int64, qty decimal.Decimal) (model.OpenLot, error) {
	i := b.find(tradeID)
	if i < 0 {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "reduce unknown lot %d", tradeID)
	}
	before := b.lots[i]
	if !qty.IsPositive() {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "reduce lot %d by non-positive %s", tradeID, qty)
	}
	if qty.GreaterThan(before.Remaining) {
		return model.OpenLot{}, model.Invariantf(b.method, b.symbol, "reduce lot %d by %s exceeds remaining %s", tradeID, qty, before.Remaining)
	}

	remaining := before.Remaining.Sub(qty)
	if remaining.IsZero() {
		b.lots = append(b.lots[:i], b.lots[i+1:]...)
		b.removed[tradeID] = before
		delete(b.touched, tradeID)
	} else {
		b.lots[i].Remaining = remaining
		b.touched[tradeID] = true
	}
	return before, nil
}

func (b *Book) find(tradeID int64) int {
	for i := range b.lots {
		if b.lots[i].TradeID == tradeID {
			return i
		}
	}
	return -1
}

// Changes returns the net mutations since the book was loaded: deletions of
// persisted lots first, then updates, then inserts, each in trade id order.
// Lots opened and fully closed within the book's lifetime produce nothing.
func (b *Book) Changes() []Mutation {
	var deleted, updated, inserted []Mutation
	for id, lot := range b.removed {
		if b.persisted[id] {
			deleted = append(deleted, Mutation{Kind: Deleted, Lot: lot})
		}
	}
	for _, lot := range b.lots {
		if !b.touched[lot.TradeID] {
			continue
		}
		if b.persisted[lot.TradeID] {
			updated = append(updated, Mutation{Kind: Updated, Lot: lot})
		} else {
			inserted = append(inserted, Mutation{Kind: Inserted, Lot: lot})
		}
	}
	byID := func(ms []Mutation) {
		sort.Slice(ms, func(i, j int) bool { return ms[i].Lot.TradeID < ms[j].Lot.TradeID })
	}
	byID(deleted)
	byID(updated)
	byID(inserted)

	out := make([]Mutation, 0, len(deleted)+len(updated)+len(inserted))
	out = append(out, deleted...)
	out = append(out, updated...)
	return append(out, inserted...)
}
