package matching

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/lots"
	"github.com/atmx/settlement-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 4, 14, 0, 0, 0, time.UTC)

func trade(id int64, side model.Side, qty, px float64) model.Trade {
	return model.Trade{
		SequenceID: id,
		Symbol:     "ESU5",
		Side:       side,
		Quantity:   d(qty),
		Price:      d(px),
		EventTime:  t0.Add(time.Duration(id) * time.Second),
	}
}

func apply(t *testing.T, method model.Method, trades ...model.Trade) (*lots.Book, []model.RealizedMatch) {
	t.Helper()
	e := NewEngine(clock.Default())
	b, err := lots.NewBook(method, "ESU5", nil)
	if err != nil {
		t.Fatal(err)
	}
	var all []model.RealizedMatch
	for _, tr := range trades {
		out, err := e.Apply(b, tr, d(1))
		if err != nil {
			t.Fatalf("apply %d: %v", tr.SequenceID, err)
		}
		all = append(all, out.Realized...)
	}
	return b, all
}

type want struct {
	qty, entry, exit float64
}

func checkMatches(t *testing.T, got []model.RealizedMatch, w []want) {
	t.Helper()
	if len(got) != len(w) {
		t.Fatalf("got %d matches, want %d", len(got), len(w))
	}
	for i := range w {
		if !got[i].Quantity.Equal(d(w[i].qty)) || !got[i].EntryPrice.Equal(d(w[i].entry)) || !got[i].ExitPrice.Equal(d(w[i].exit)) {
			t.Errorf("match %d = (%s, %s, %s), want (%v, %v, %v)",
				i, got[i].Quantity, got[i].EntryPrice, got[i].ExitPrice, w[i].qty, w[i].entry, w[i].exit)
		}
	}
}

func TestFIFOScenario(t *testing.T) {
	b, matches := apply(t, model.FIFO,
		trade(1, model.Buy, 10, 100),
		trade(2, model.Buy, 5, 102),
		trade(3, model.Sell, 12, 105),
	)
	checkMatches(t, matches, []want{{10, 100, 105}, {2, 102, 105}})

	lotsLeft := b.Lots()
	if len(lotsLeft) != 1 {
		t.Fatalf("want one residual lot, got %d", len(lotsLeft))
	}
	if lot := lotsLeft[0]; lot.Side != model.Buy || !lot.Remaining.Equal(d(3)) || !lot.EntryPrice.Equal(d(102)) {
		t.Errorf("residual = %s %s @ %s, want buy 3 @ 102", lot.Side, lot.Remaining, lot.EntryPrice)
	}
}

func TestLIFOScenario(t *testing.T) {
	b, matches := apply(t, model.LIFO,
		trade(1, model.Buy, 10, 100),
		trade(2, model.Buy, 5, 102),
		trade(3, model.Sell, 12, 105),
	)
	checkMatches(t, matches, []want{{5, 102, 105}, {7, 100, 105}})

	lotsLeft := b.Lots()
	if len(lotsLeft) != 1 {
		t.Fatalf("want one residual lot, got %d", len(lotsLeft))
	}
	if lot := lotsLeft[0]; lot.Side != model.Buy || !lot.Remaining.Equal(d(3)) || !lot.EntryPrice.Equal(d(100)) {
		t.Errorf("residual = %s %s @ %s, want buy 3 @ 100", lot.Side, lot.Remaining, lot.EntryPrice)
	}
}

func TestRealizedPnLAndMultiplier(t *testing.T) {
	e := NewEngine(clock.Default())
	b, _ := lots.NewBook(model.FIFO, "ESU5", nil)
	if _, err := e.Apply(b, trade(1, model.Sell, 4, 110), d(50)); err != nil {
		t.Fatal(err)
	}
	out, err := e.Apply(b, trade(2, model.Buy, 4, 100), d(50))
	if err != nil {
		t.Fatal(err)
	}
	// short 4 @ 110 covered @ 100 with multiplier 50
	if !out.RealizedPnL.Equal(d(2000)) {
		t.Errorf("realized = %s, want 2000", out.RealizedPnL)
	}
	if !out.ClosedQuantity.Equal(d(4)) || out.Residual != nil {
		t.Errorf("closed = %s residual = %v", out.ClosedQuantity, out.Residual)
	}
	m := out.Realized[0]
	if m.LotSide != model.Sell || !m.Multiplier.Equal(d(50)) || m.TradingDay.String() != "2025-08-04" {
		t.Errorf("unexpected match %+v", m)
	}
}

func TestFlipOpensOppositeLot(t *testing.T) {
	b, matches := apply(t, model.FIFO,
		trade(1, model.Buy, 3, 100),
		trade(2, model.Sell, 5, 101),
	)
	checkMatches(t, matches, []want{{3, 100, 101}})
	side, _ := b.Side()
	if side != model.Sell || !b.Net().Equal(d(-2)) {
		t.Errorf("after flip: side %s net %s, want sell -2", side, b.Net())
	}
}

func TestApplyRejectsForeignSymbol(t *testing.T) {
	e := NewEngine(clock.Default())
	b, _ := lots.NewBook(model.FIFO, "NQU5", nil)
	_, err := e.Apply(b, trade(1, model.Buy, 1, 100), d(1))
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestMatchIDIsStable(t *testing.T) {
	_, first := apply(t, model.FIFO, trade(1, model.Buy, 2, 100), trade(2, model.Sell, 2, 101))
	_, second := apply(t, model.FIFO, trade(1, model.Buy, 2, 100), trade(2, model.Sell, 2, 101))
	if first[0].ID != second[0].ID {
		t.Errorf("replayed match id changed: %s vs %s", first[0].ID, second[0].ID)
	}
	_, lifo := apply(t, model.LIFO, trade(1, model.Buy, 2, 100), trade(2, model.Sell, 2, 101))
	if lifo[0].ID == first[0].ID {
		t.Error("FIFO and LIFO matches must not share an id")
	}
}

// Net position must agree between methods after every trade, and no lot may
// be matched beyond its original quantity.
func TestPositionPathIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	e := NewEngine(clock.Default())

	for run := 0; run < 50; run++ {
		fifo, _ := lots.NewBook(model.FIFO, "ESU5", nil)
		lifo, _ := lots.NewBook(model.LIFO, "ESU5", nil)
		original := map[int64]decimal.Decimal{}
		matched := map[model.Method]map[int64]decimal.Decimal{
			model.FIFO: {},
			model.LIFO: {},
		}
		net := decimal.Zero

		for i := int64(1); i <= 40; i++ {
			side := model.Buy
			if rng.Intn(2) == 0 {
				side = model.Sell
			}
			tr := trade(i, side, float64(1+rng.Intn(9)), float64(90+rng.Intn(20)))
			original[i] = tr.Quantity
			net = net.Add(tr.SignedQuantity())

			for _, b := range []*lots.Book{fifo, lifo} {
				out, err := e.Apply(b, tr, d(1))
				if err != nil {
					t.Fatalf("run %d trade %d %s: %v", run, i, b.Method(), err)
				}
				for _, m := range out.Realized {
					acc := matched[b.Method()]
					acc[m.LotTradeID] = acc[m.LotTradeID].Add(m.Quantity)
					if acc[m.LotTradeID].GreaterThan(original[m.LotTradeID]) {
						t.Fatalf("lot %d matched %s beyond original %s", m.LotTradeID, acc[m.LotTradeID], original[m.LotTradeID])
					}
				}
			}
			if !fifo.Net().Equal(lifo.Net()) || !fifo.Net().Equal(net) {
				t.Fatalf("run %d after trade %d: fifo %s lifo %s stream %s", run, i, fifo.Net(), lifo.Net(), net)
			}
		}
	}
}
