package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRealizedPnL(t *testing.T) {
	tests := []struct {
		name    string
		lotSide Side
		qty     float64
		entry   float64
		exit    float64
		mult    float64
		want    float64
	}{
		{"long closed higher", Buy, 10, 100, 105, 1, 50},
		{"long closed lower", Buy, 2, 102, 101, 50, -100},
		{"short closed lower", Sell, 3, 110, 100, 1, 30},
		{"short closed higher", Sell, 1, 100, 104, 1000, -4000},
		{"flat", Buy, 5, 100, 100, 20, 0},
	}
	for _, tt := range tests {
		got := RealizedPnL(tt.lotSide, d(tt.qty), d(tt.entry), d(tt.exit), d(tt.mult))
		if !got.Equal(d(tt.want)) {
			t.Errorf("%s: got %s, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTradePrecedes(t *testing.T) {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	a := Trade{SequenceID: 1, EventTime: base}
	b := Trade{SequenceID: 2, EventTime: base}
	c := Trade{SequenceID: 0, EventTime: base.Add(time.Second)}

	if !a.Precedes(b) {
		t.Error("equal time: lower sequence id should come first")
	}
	if b.Precedes(a) {
		t.Error("equal time: higher sequence id should not come first")
	}
	if !b.Precedes(c) {
		t.Error("earlier event time should come first regardless of sequence id")
	}
	if a.Precedes(a) {
		t.Error("a trade does not precede itself")
	}
}

func TestTradeValidate(t *testing.T) {
	good := Trade{SequenceID: 1, Symbol: "ESU5", Side: Buy, Quantity: d(1), Price: d(100), EventTime: time.Now()}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid trade rejected: %v", err)
	}

	bad := []Trade{
		{SequenceID: 0, Symbol: "ESU5", Side: Buy, Quantity: d(1), Price: d(1), EventTime: time.Now()},
		{SequenceID: 1, Symbol: "", Side: Buy, Quantity: d(1), Price: d(1), EventTime: time.Now()},
		{SequenceID: 1, Symbol: "ESU5", Side: "hold", Quantity: d(1), Price: d(1), EventTime: time.Now()},
		{SequenceID: 1, Symbol: "ESU5", Side: Buy, Quantity: d(0), Price: d(1), EventTime: time.Now()},
		{SequenceID: 1, Symbol: "ESU5", Side: Sell, Quantity: d(-2), Price: d(1), EventTime: time.Now()},
		{SequenceID: 1, Symbol: "ESU5", Side: Buy, Quantity: d(1), Price: d(1)},
	}
	for i, tr := range bad {
		if err := tr.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestParseMethodAndSide(t *testing.T) {
	if m, err := ParseMethod("FIFO"); err != nil || m != FIFO {
		t.Errorf("ParseMethod(FIFO) = %v, %v", m, err)
	}
	if m, err := ParseMethod(" lifo "); err != nil || m != LIFO {
		t.Errorf("ParseMethod(lifo) = %v, %v", m, err)
	}
	if _, err := ParseMethod("average"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if s, err := ParseSide("SELL"); err != nil || s != Sell {
		t.Errorf("ParseSide(SELL) = %v, %v", s, err)
	}
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite is wrong")
	}
}

func TestInvariantErrorIs(t *testing.T) {
	err := Invariantf(FIFO, "ESU5", "reduce %s exceeds remaining %s", "5", "3")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatal("InvariantError should match ErrInvariantViolation")
	}
	if errors.Is(err, ErrOutOfOrder) {
		t.Error("InvariantError must not match ErrOutOfOrder")
	}
	var inv *InvariantError
	if !errors.As(err, &inv) || inv.Symbol != "ESU5" || inv.Method != FIFO {
		t.Errorf("errors.As lost the pair: %+v", inv)
	}
}

func TestPriceQuoteValidate(t *testing.T) {
	q := PriceQuote{Symbol: "ESU5", PriceType: PriceLive, Price: d(100), EventTime: time.Now()}
	if err := q.Validate(); err != nil {
		t.Fatalf("valid quote rejected: %v", err)
	}
	q.PriceType = "mid"
	if err := q.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown price type, got %v", err)
	}
}
