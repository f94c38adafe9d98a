package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atmx/settlement-ledger/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database opened in
// WAL mode. It is the default backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer connection; SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := MigrateSQLite(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", classifySQLite(err))
	}
	if err := fn(&sqlTx{q: sqliteQuerier{tx}}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classifySQLite(err))
	}
	return nil
}

func (s *SQLiteStore) reader() querier { return sqliteQuerier{s.db} }

func (s *SQLiteStore) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]model.DailyPositionSnapshot, error) {
	return listSnapshots(ctx, s.reader(), f)
}

func (s *SQLiteStore) ListMatches(ctx context.Context, f MatchFilter) ([]model.RealizedMatch, error) {
	return listMatches(ctx, s.reader(), f)
}

func (s *SQLiteStore) ListLots(ctx context.Context, method model.Method, symbol string) ([]model.OpenLot, error) {
	return listLots(ctx, s.reader(), method, symbol)
}

func (s *SQLiteStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	return listTrades(ctx, s.reader())
}

func (s *SQLiteStore) ListPrices(ctx context.Context) ([]model.PriceRecord, error) {
	return listPrices(ctx, s.reader())
}

func (s *SQLiteStore) ListDayStatus(ctx context.Context) ([]model.DayStatus, error) {
	return listDayStatus(ctx, s.reader())
}

func (s *SQLiteStore) PutHalt(ctx context.Context, h model.Halt) error {
	return putHalt(ctx, s.reader(), h)
}

func (s *SQLiteStore) DeleteHalt(ctx context.Context, method model.Method, symbol string) (bool, error) {
	return deleteHalt(ctx, s.reader(), method, symbol)
}

func (s *SQLiteStore) ListHalts(ctx context.Context) ([]model.Halt, error) {
	return listHalts(ctx, s.reader())
}

// sqlConn is satisfied by *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQuerier struct {
	c sqlConn
}

func (q sqliteQuerier) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.c.ExecContext(ctx, query, args...)
	return classifySQLite(err)
}

func (q sqliteQuerier) query(ctx context.Context, query string, args ...any) (rowScanner, error) {
	rows, err := q.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	return sqlRows{rows}, nil
}

func (q sqliteQuerier) queryRow(ctx context.Context, query string, args ...any) scanner {
	return sqlRow{q.c.QueryRowContext(ctx, query, args...)}
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Scan(dest ...any) error { return classifySQLite(r.Rows.Scan(dest...)) }
func (r sqlRows) Err() error             { return classifySQLite(r.Rows.Err()) }
func (r sqlRows) Close()                 { r.Rows.Close() }

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error { return classifySQLite(r.row.Scan(dest...)) }

// classifySQLite maps driver errors onto the store sentinels.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
