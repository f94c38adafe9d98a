package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNew_JSONWithRFC3339Time(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("multiplier fallback", "symbol", "XYZ")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "multiplier fallback" || rec["symbol"] != "XYZ" {
		t.Errorf("unexpected record %v", rec)
	}
	ts, _ := rec["time"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("time %q is not RFC 3339: %v", ts, err)
	}
}

func TestNew_InvalidLevelWarns(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "loud")
	if !strings.Contains(buf.String(), "invalid log level") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}
