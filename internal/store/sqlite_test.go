package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return openTestSQLite(t) })
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := OpenSQLite(ctx, path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, tr(7, "ESU5", "buy", 1)) }); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Second open re-runs migrations as a no-op.
	s, err = OpenSQLite(ctx, path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	trades, err := s.ListTrades(ctx)
	if err != nil || len(trades) != 1 || trades[0].SequenceID != 7 {
		t.Errorf("after reopen: %+v, %v", trades, err)
	}
}

func TestRebind(t *testing.T) {
	got := rebind(`SELECT a FROM t WHERE x = ? AND y < ? LIMIT 1`)
	want := `SELECT a FROM t WHERE x = $1 AND y < $2 LIMIT 1`
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
}
