package contract

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/metrics"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestLongestPrefixWins(t *testing.T) {
	r, err := NewRegistry(map[string]decimal.Decimal{
		"ES":  d(50),
		"MES": d(5),
		"CL":  d(1000),
		"E":   d(7),
	}, decimal.Zero, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		symbol string
		want   float64
	}{
		{"ESU5", 50},
		{"MESU5", 5},
		{"esz5", 50},
		{"CLV5", 1000},
		{"EUR", 7},
	}
	for _, tt := range tests {
		got, ok := r.Lookup(tt.symbol)
		if !ok || !got.Equal(d(tt.want)) {
			t.Errorf("Lookup(%s) = %s, %v; want %v", tt.symbol, got, ok, tt.want)
		}
	}
}

func TestFallbackIsObservable(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r, err := NewRegistry(map[string]decimal.Decimal{"ES": d(50)}, decimal.Zero, logger)
	if err != nil {
		t.Fatal(err)
	}

	before := testutil.ToFloat64(metrics.MultiplierFallbacks)
	for i := 0; i < 3; i++ {
		if m := r.Multiplier("ZNU5"); !m.Equal(DefaultMultiplier) {
			t.Fatalf("fallback = %s, want %s", m, DefaultMultiplier)
		}
	}
	if got := testutil.ToFloat64(metrics.MultiplierFallbacks) - before; got != 3 {
		t.Errorf("fallback counter advanced by %v, want 3", got)
	}
	if n := strings.Count(buf.String(), `"level":"WARN"`); n != 1 {
		t.Errorf("expected one deduplicated warning, got %d:\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), `"symbol":"ZNU5"`) {
		t.Errorf("warning should name the symbol: %s", buf.String())
	}

	buf.Reset()
	r.Multiplier("ESU5")
	if buf.Len() != 0 {
		t.Errorf("configured symbol should not warn: %s", buf.String())
	}
}

func TestNewRegistryRejectsBadConfig(t *testing.T) {
	if _, err := NewRegistry(map[string]decimal.Decimal{"ES": d(-1)}, decimal.Zero, nil); !errors.Is(err, ErrInvalidMultiplier) {
		t.Errorf("expected ErrInvalidMultiplier, got %v", err)
	}
	if _, err := NewRegistry(map[string]decimal.Decimal{"E S": d(1)}, decimal.Zero, nil); !errors.Is(err, ErrInvalidPrefix) {
		t.Errorf("expected ErrInvalidPrefix, got %v", err)
	}
	if _, err := NewRegistry(nil, d(-5), nil); !errors.Is(err, ErrInvalidMultiplier) {
		t.Errorf("expected ErrInvalidMultiplier for default, got %v", err)
	}
}

func TestCustomDefault(t *testing.T) {
	r, err := NewRegistry(nil, d(20), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if !r.Multiplier("NQU5").Equal(d(20)) || !r.Default().Equal(d(20)) {
		t.Errorf("custom default not applied")
	}
}

func TestParseMultipliers(t *testing.T) {
	got, err := ParseMultipliers(map[string]string{"ES": "50", "ZN": " 1000 "})
	if err != nil {
		t.Fatal(err)
	}
	if !got["ES"].Equal(d(50)) || !got["ZN"].Equal(d(1000)) {
		t.Errorf("unexpected parse: %v", got)
	}
	if _, err := ParseMultipliers(map[string]string{"ES": "fifty"}); !errors.Is(err, ErrInvalidMultiplier) {
		t.Errorf("expected ErrInvalidMultiplier, got %v", err)
	}
}
