package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/atmx/settlement-ledger/internal/model"
)

// PostgresStore implements Store on PostgreSQL. Transactions run at
// SERIALIZABLE isolation; serialisation failures surface as ErrTransient.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	err = MigratePostgres(db, logger)
	db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", classifyPostgres(err))
	}
	if err := fn(&sqlTx{q: pgxQuerier{tx}}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classifyPostgres(err))
	}
	return nil
}

func (s *PostgresStore) reader() querier { return pgxQuerier{s.pool} }

func (s *PostgresStore) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]model.DailyPositionSnapshot, error) {
	return listSnapshots(ctx, s.reader(), f)
}

func (s *PostgresStore) ListMatches(ctx context.Context, f MatchFilter) ([]model.RealizedMatch, error) {
	return listMatches(ctx, s.reader(), f)
}

func (s *PostgresStore) ListLots(ctx context.Context, method model.Method, symbol string) ([]model.OpenLot, error) {
	return listLots(ctx, s.reader(), method, symbol)
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	return listTrades(ctx, s.reader())
}

func (s *PostgresStore) ListPrices(ctx context.Context) ([]model.PriceRecord, error) {
	return listPrices(ctx, s.reader())
}

func (s *PostgresStore) ListDayStatus(ctx context.Context) ([]model.DayStatus, error) {
	return listDayStatus(ctx, s.reader())
}

func (s *PostgresStore) PutHalt(ctx context.Context, h model.Halt) error {
	return putHalt(ctx, s.reader(), h)
}

func (s *PostgresStore) DeleteHalt(ctx context.Context, method model.Method, symbol string) (bool, error) {
	return deleteHalt(ctx, s.reader(), method, symbol)
}

func (s *PostgresStore) ListHalts(ctx context.Context) ([]model.Halt, error) {
	return listHalts(ctx, s.reader())
}

// pgxConn is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxQuerier struct {
	c pgxConn
}

func (q pgxQuerier) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.c.Exec(ctx, rebind(query), args...)
	return classifyPostgres(err)
}

func (q pgxQuerier) query(ctx context.Context, query string, args ...any) (rowScanner, error) {
	rows, err := q.c.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	return pgxRows{rows}, nil
}

func (q pgxQuerier) queryRow(ctx context.Context, query string, args ...any) scanner {
	return pgxRow{q.c.QueryRow(ctx, rebind(query), args...)}
}

type pgxRows struct {
	pgx.Rows
}

func (r pgxRows) Scan(dest ...any) error { return classifyPostgres(r.Rows.Scan(dest...)) }
func (r pgxRows) Err() error             { return classifyPostgres(r.Rows.Err()) }

type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error { return classifyPostgres(r.row.Scan(dest...)) }

// rebind rewrites ? placeholders as $1, $2, ... Queries carry no string
// literals containing '?'.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classifyPostgres maps driver errors onto the store sentinels.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case "23505":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}
