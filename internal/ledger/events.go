package ledger

import (
	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/mark"
	"github.com/atmx/settlement-ledger/internal/model"
)

// EventType names a committed ledger change.
type EventType string

const (
	EventRealizedMatch EventType = "realized_match"
	EventMark          EventType = "mark"
	EventDayRoll       EventType = "day_roll"
	EventDayFinalized  EventType = "day_finalized"
)

// Event is published after the transaction that produced it commits.
type Event struct {
	Type       EventType                    `json:"type"`
	Symbol     string                       `json:"symbol"`
	Method     model.Method                 `json:"method,omitempty"`
	TradingDay clock.Date                   `json:"trading_day"`
	Match      *model.RealizedMatch         `json:"match,omitempty"`
	Mark       *mark.Result                 `json:"mark,omitempty"`
	Prices     []model.PriceRecord          `json:"prices,omitempty"`
	Snapshot   *model.DailyPositionSnapshot `json:"snapshot,omitempty"`
}

// Notifier receives committed events. Publish must not block.
type Notifier interface {
	Publish(ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}
