package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/model"
)

// Both SQL backends share one schema: decimals as TEXT for exact
// round-trips, instants as unix nanoseconds, trading days as YYYY-MM-DD.
// Queries are written with ? placeholders; the PostgreSQL adapter rebinds
// them.

type scanner interface {
	Scan(dest ...any) error
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier is the statement surface shared by connections and transactions
// of both drivers. Implementations translate driver errors into
// ErrNotFound, ErrConflict and ErrTransient.
type querier interface {
	exec(ctx context.Context, query string, args ...any) error
	query(ctx context.Context, query string, args ...any) (rowScanner, error)
	queryRow(ctx context.Context, query string, args ...any) scanner
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return d, fmt.Errorf("store: decode decimal %q: %w", s, err)
	}
	return d, nil
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := parseDecimal(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// --- Column lists and scanners ---

const tradeColumns = `sequence_id, symbol, side, quantity, price, event_time`

func scanTrade(s scanner) (model.Trade, error) {
	var t model.Trade
	var side, qty, price string
	var ts int64
	if err := s.Scan(&t.SequenceID, &t.Symbol, &side, &qty, &price, &ts); err != nil {
		return t, err
	}
	var err error
	t.Side = model.Side(side)
	t.EventTime = fromNanos(ts)
	if t.Quantity, err = parseDecimal(qty); err != nil {
		return t, err
	}
	t.Price, err = parseDecimal(price)
	return t, err
}

const lotColumns = `method, symbol, side, trade_id, remaining, entry_price, entry_time`

func scanLot(s scanner) (model.OpenLot, error) {
	var l model.OpenLot
	var method, side, remaining, entry string
	var ts int64
	if err := s.Scan(&method, &l.Symbol, &side, &l.TradeID, &remaining, &entry, &ts); err != nil {
		return l, err
	}
	var err error
	l.Method = model.Method(method)
	l.Side = model.Side(side)
	l.EntryTime = fromNanos(ts)
	if l.Remaining, err = parseDecimal(remaining); err != nil {
		return l, err
	}
	l.EntryPrice, err = parseDecimal(entry)
	return l, err
}

const matchColumns = `id, method, symbol, lot_trade_id, closing_trade_id, lot_side, quantity,
	entry_price, exit_price, multiplier, pnl, event_time, trading_day`

func scanMatch(s scanner) (model.RealizedMatch, error) {
	var m model.RealizedMatch
	var method, side, qty, entry, exit, mult, pnl, day string
	var ts int64
	if err := s.Scan(&m.ID, &method, &m.Symbol, &m.LotTradeID, &m.ClosingTradeID, &side, &qty,
		&entry, &exit, &mult, &pnl, &ts, &day); err != nil {
		return m, err
	}
	m.Method = model.Method(method)
	m.LotSide = model.Side(side)
	m.EventTime = fromNanos(ts)
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&m.Quantity, qty}, {&m.EntryPrice, entry}, {&m.ExitPrice, exit}, {&m.Multiplier, mult}, {&m.PnL, pnl}} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return m, err
		}
	}
	m.TradingDay, err = clock.ParseDate(day)
	return m, err
}

const snapshotColumns = `trading_day, method, symbol, open_position, closed_quantity, realized_pnl,
	unrealized_pnl, finalized_at`

func scanSnapshot(s scanner) (model.DailyPositionSnapshot, error) {
	var snap model.DailyPositionSnapshot
	var day, method, open string
	var closed, realized, unrealized sql.NullString
	var finalized sql.NullInt64
	if err := s.Scan(&day, &method, &snap.Symbol, &open, &closed, &realized, &unrealized, &finalized); err != nil {
		return snap, err
	}
	var err error
	if snap.TradingDay, err = clock.ParseDate(day); err != nil {
		return snap, err
	}
	snap.Method = model.Method(method)
	if snap.OpenPosition, err = parseDecimal(open); err != nil {
		return snap, err
	}
	if snap.ClosedQuantity, err = parseNullDecimal(closed); err != nil {
		return snap, err
	}
	if snap.RealizedPnL, err = parseNullDecimal(realized); err != nil {
		return snap, err
	}
	if snap.UnrealizedPnL, err = parseNullDecimal(unrealized); err != nil {
		return snap, err
	}
	snap.FinalizedAt = parseNullNanos(finalized)
	return snap, nil
}

const priceColumns = `symbol, price_type, trading_day, price, event_time`

func scanPrice(s scanner) (model.PriceRecord, error) {
	var p model.PriceRecord
	var pt, day, price string
	var ts int64
	if err := s.Scan(&p.Symbol, &pt, &day, &price, &ts); err != nil {
		return p, err
	}
	var err error
	p.PriceType = model.PriceType(pt)
	p.EventTime = fromNanos(ts)
	if p.TradingDay, err = clock.ParseDate(day); err != nil {
		return p, err
	}
	p.Price, err = parseDecimal(price)
	return p, err
}

const dayColumns = `symbol, trading_day, rolled_at, finalized_at`

func scanDay(s scanner) (model.DayStatus, error) {
	var st model.DayStatus
	var day string
	var rolled, finalized sql.NullInt64
	if err := s.Scan(&st.Symbol, &day, &rolled, &finalized); err != nil {
		return st, err
	}
	var err error
	st.TradingDay, err = clock.ParseDate(day)
	st.RolledAt = parseNullNanos(rolled)
	st.FinalizedAt = parseNullNanos(finalized)
	return st, err
}

func collect[T any](rows rowScanner, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// queryOne runs a single-row query and maps ErrNotFound to ok=false.
func queryOne[T any](ctx context.Context, q querier, scan func(scanner) (T, error), query string, args ...any) (T, bool, error) {
	v, err := scan(q.queryRow(ctx, query, args...))
	if err != nil {
		if isNotFound(err) {
			var zero T
			return zero, false, nil
		}
		return v, false, err
	}
	return v, true, nil
}

// --- Reads shared by Store implementations ---

func listSnapshots(ctx context.Context, q querier, f SnapshotFilter) ([]model.DailyPositionSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM daily_snapshots WHERE 1=1`
	var args []any
	if !f.From.IsZero() {
		query += ` AND trading_day >= ?`
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		query += ` AND trading_day <= ?`
		args = append(args, f.To.String())
	}
	if f.Method != "" {
		query += ` AND method = ?`
		args = append(args, string(f.Method))
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	query += ` ORDER BY trading_day, method, symbol`
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collect(rows, scanSnapshot)
}

func listMatches(ctx context.Context, q querier, f MatchFilter) ([]model.RealizedMatch, error) {
	query := `SELECT ` + matchColumns + ` FROM realized_matches WHERE 1=1`
	var args []any
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Method != "" {
		query += ` AND method = ?`
		args = append(args, string(f.Method))
	}
	if !f.From.IsZero() {
		query += ` AND trading_day >= ?`
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		query += ` AND trading_day <= ?`
		args = append(args, f.To.String())
	}
	query += ` ORDER BY event_time, method, closing_trade_id, lot_trade_id`
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return collect(rows, scanMatch)
}

func listLots(ctx context.Context, q querier, method model.Method, symbol string) ([]model.OpenLot, error) {
	query := `SELECT ` + lotColumns + ` FROM open_lots WHERE 1=1`
	var args []any
	if method != "" {
		query += ` AND method = ?`
		args = append(args, string(method))
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY method, symbol, entry_time, trade_id`
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	return collect(rows, scanLot)
}

func listTrades(ctx context.Context, q querier) ([]model.Trade, error) {
	rows, err := q.query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY event_time, sequence_id`)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return collect(rows, scanTrade)
}

func listPrices(ctx context.Context, q querier) ([]model.PriceRecord, error) {
	rows, err := q.query(ctx, `SELECT `+priceColumns+` FROM prices ORDER BY trading_day, symbol, price_type`)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return collect(rows, scanPrice)
}

func listDayStatus(ctx context.Context, q querier) ([]model.DayStatus, error) {
	rows, err := q.query(ctx, `SELECT `+dayColumns+` FROM day_status ORDER BY trading_day, symbol`)
	if err != nil {
		return nil, fmt.Errorf("list day status: %w", err)
	}
	return collect(rows, scanDay)
}

const haltColumns = `method, symbol, reason, halted_at`

func scanHalt(s scanner) (model.Halt, error) {
	var h model.Halt
	var method string
	var at int64
	if err := s.Scan(&method, &h.Symbol, &h.Reason, &at); err != nil {
		return h, err
	}
	h.Method = model.Method(method)
	h.HaltedAt = fromNanos(at)
	return h, nil
}

func putHalt(ctx context.Context, q querier, h model.Halt) error {
	err := q.exec(ctx,
		`INSERT INTO halted_pairs (`+haltColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT (method, symbol) DO NOTHING`,
		string(h.Method), h.Symbol, h.Reason, nanos(h.HaltedAt))
	if err != nil {
		return fmt.Errorf("put halt %s/%s: %w", h.Method, h.Symbol, err)
	}
	return nil
}

func deleteHalt(ctx context.Context, q querier, method model.Method, symbol string) (bool, error) {
	_, ok, err := queryOne(ctx, q, scanHalt,
		`DELETE FROM halted_pairs WHERE method = ? AND symbol = ? RETURNING `+haltColumns,
		string(method), symbol)
	if err != nil {
		return false, fmt.Errorf("delete halt %s/%s: %w", method, symbol, err)
	}
	return ok, nil
}

func listHalts(ctx context.Context, q querier) ([]model.Halt, error) {
	rows, err := q.query(ctx, `SELECT `+haltColumns+` FROM halted_pairs ORDER BY symbol, method`)
	if err != nil {
		return nil, fmt.Errorf("list halts: %w", err)
	}
	return collect(rows, scanHalt)
}

// sqlTx implements Tx for both SQL backends.
type sqlTx struct {
	q querier
}

func (t *sqlTx) InsertTrade(ctx context.Context, tr model.Trade) error {
	err := t.q.exec(ctx,
		`INSERT INTO trades (`+tradeColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		tr.SequenceID, tr.Symbol, string(tr.Side), tr.Quantity.String(), tr.Price.String(), nanos(tr.EventTime))
	if err != nil {
		return fmt.Errorf("insert trade %d: %w", tr.SequenceID, err)
	}
	return nil
}

func (t *sqlTx) LastTrade(ctx context.Context, symbol string) (model.Trade, bool, error) {
	return queryOne(ctx, t.q, scanTrade,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ?
		 ORDER BY event_time DESC, sequence_id DESC LIMIT 1`, symbol)
}

func (t *sqlTx) NetPositionThrough(ctx context.Context, symbol string, before time.Time) (decimal.Decimal, error) {
	rows, err := t.q.query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ? AND event_time < ?`, symbol, nanos(before))
	if err != nil {
		return decimal.Zero, fmt.Errorf("net position %s: %w", symbol, err)
	}
	trades, err := collect(rows, scanTrade)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, tr := range trades {
		net = net.Add(tr.SignedQuantity())
	}
	return net, nil
}

func (t *sqlTx) TradeSymbols(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := t.q.query(ctx,
		`SELECT DISTINCT symbol FROM trades WHERE event_time < ? ORDER BY symbol`, nanos(before))
	if err != nil {
		return nil, fmt.Errorf("trade symbols: %w", err)
	}
	return collect(rows, func(s scanner) (string, error) {
		var sym string
		err := s.Scan(&sym)
		return sym, err
	})
}

func (t *sqlTx) LoadLots(ctx context.Context, method model.Method, symbol string) ([]model.OpenLot, error) {
	return listLots(ctx, t.q, method, symbol)
}

func (t *sqlTx) InsertLot(ctx context.Context, l model.OpenLot) error {
	err := t.q.exec(ctx,
		`INSERT INTO open_lots (`+lotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(l.Method), l.Symbol, string(l.Side), l.TradeID, l.Remaining.String(), l.EntryPrice.String(), nanos(l.EntryTime))
	if err != nil {
		return fmt.Errorf("insert lot %s/%d: %w", l.Method, l.TradeID, err)
	}
	return nil
}

func (t *sqlTx) UpdateLot(ctx context.Context, l model.OpenLot) error {
	err := t.q.exec(ctx,
		`UPDATE open_lots SET remaining = ? WHERE method = ? AND trade_id = ?`,
		l.Remaining.String(), string(l.Method), l.TradeID)
	if err != nil {
		return fmt.Errorf("update lot %s/%d: %w", l.Method, l.TradeID, err)
	}
	return nil
}

func (t *sqlTx) DeleteLot(ctx context.Context, l model.OpenLot) error {
	err := t.q.exec(ctx, `DELETE FROM open_lots WHERE method = ? AND trade_id = ?`, string(l.Method), l.TradeID)
	if err != nil {
		return fmt.Errorf("delete lot %s/%d: %w", l.Method, l.TradeID, err)
	}
	return nil
}

func (t *sqlTx) InsertMatch(ctx context.Context, m model.RealizedMatch) error {
	err := t.q.exec(ctx,
		`INSERT INTO realized_matches (`+matchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Method), m.Symbol, m.LotTradeID, m.ClosingTradeID, string(m.LotSide), m.Quantity.String(),
		m.EntryPrice.String(), m.ExitPrice.String(), m.Multiplier.String(), m.PnL.String(),
		nanos(m.EventTime), m.TradingDay.String())
	if err != nil {
		return fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	return nil
}

func (t *sqlTx) GetSnapshot(ctx context.Context, key model.SnapshotKey) (model.DailyPositionSnapshot, bool, error) {
	return queryOne(ctx, t.q, scanSnapshot,
		`SELECT `+snapshotColumns+` FROM daily_snapshots
		 WHERE trading_day = ? AND method = ? AND symbol = ?`,
		key.TradingDay.String(), string(key.Method), key.Symbol)
}

func (t *sqlTx) PutSnapshot(ctx context.Context, s model.DailyPositionSnapshot) error {
	err := t.q.exec(ctx,
		`INSERT INTO daily_snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (trading_day, method, symbol) DO UPDATE SET
			open_position = excluded.open_position,
			closed_quantity = excluded.closed_quantity,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			finalized_at = excluded.finalized_at`,
		s.TradingDay.String(), string(s.Method), s.Symbol, s.OpenPosition.String(),
		nullDecimal(s.ClosedQuantity), nullDecimal(s.RealizedPnL), nullDecimal(s.UnrealizedPnL), nullNanos(s.FinalizedAt))
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", s.SnapshotKey, err)
	}
	return nil
}

func (t *sqlTx) GetPrice(ctx context.Context, symbol string, pt model.PriceType, day clock.Date) (model.PriceRecord, bool, error) {
	return queryOne(ctx, t.q, scanPrice,
		`SELECT `+priceColumns+` FROM prices WHERE symbol = ? AND price_type = ? AND trading_day = ?`,
		symbol, string(pt), day.String())
}

func (t *sqlTx) LatestPriceBefore(ctx context.Context, symbol string, pt model.PriceType, day clock.Date) (model.PriceRecord, bool, error) {
	return queryOne(ctx, t.q, scanPrice,
		`SELECT `+priceColumns+` FROM prices WHERE symbol = ? AND price_type = ? AND trading_day < ?
		 ORDER BY trading_day DESC LIMIT 1`,
		symbol, string(pt), day.String())
}

func (t *sqlTx) UpsertPrice(ctx context.Context, p model.PriceRecord) error {
	err := t.q.exec(ctx,
		`INSERT INTO prices (`+priceColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, price_type, trading_day) DO UPDATE SET
			price = excluded.price,
			event_time = excluded.event_time`,
		p.Symbol, string(p.PriceType), p.TradingDay.String(), p.Price.String(), nanos(p.EventTime))
	if err != nil {
		return fmt.Errorf("upsert price %s %s %s: %w", p.Symbol, p.PriceType, p.TradingDay, err)
	}
	return nil
}

func (t *sqlTx) HasBatch(ctx context.Context, source, signature string) (bool, error) {
	var n int64
	err := t.q.queryRow(ctx,
		`SELECT COUNT(*) FROM processed_batches WHERE source = ? AND signature = ?`, source, signature).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup batch %s: %w", source, err)
	}
	return n > 0, nil
}

func (t *sqlTx) InsertBatch(ctx context.Context, rec model.ProcessedBatchRecord) error {
	err := t.q.exec(ctx,
		`INSERT INTO processed_batches (id, source, signature, kind, records, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Source, rec.Signature, rec.Kind, int64(rec.Records), nanos(rec.ProcessedAt))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", rec.Source, err)
	}
	return nil
}

func (t *sqlTx) GetDayStatus(ctx context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error) {
	return queryOne(ctx, t.q, scanDay,
		`SELECT `+dayColumns+` FROM day_status WHERE symbol = ? AND trading_day = ?`, symbol, day.String())
}

func (t *sqlTx) PutDayStatus(ctx context.Context, st model.DayStatus) error {
	err := t.q.exec(ctx,
		`INSERT INTO day_status (`+dayColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT (symbol, trading_day) DO UPDATE SET
			rolled_at = excluded.rolled_at,
			finalized_at = excluded.finalized_at`,
		st.Symbol, st.TradingDay.String(), nullNanos(st.RolledAt), nullNanos(st.FinalizedAt))
	if err != nil {
		return fmt.Errorf("put day status %s %s: %w", st.Symbol, st.TradingDay, err)
	}
	return nil
}

func (t *sqlTx) LatestRolledDay(ctx context.Context, symbol string) (model.DayStatus, bool, error) {
	return queryOne(ctx, t.q, scanDay,
		`SELECT `+dayColumns+` FROM day_status WHERE symbol = ? AND rolled_at IS NOT NULL
		 ORDER BY trading_day DESC LIMIT 1`, symbol)
}

func (t *sqlTx) UnfinalizedRolledBefore(ctx context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error) {
	return queryOne(ctx, t.q, scanDay,
		`SELECT `+dayColumns+` FROM day_status
		 WHERE symbol = ? AND trading_day < ? AND rolled_at IS NOT NULL AND finalized_at IS NULL
		 ORDER BY trading_day LIMIT 1`, symbol, day.String())
}

func (t *sqlTx) LatestFinalizedDay(ctx context.Context, symbol string) (model.DayStatus, bool, error) {
	return queryOne(ctx, t.q, scanDay,
		`SELECT `+dayColumns+` FROM day_status WHERE symbol = ? AND finalized_at IS NOT NULL
		 ORDER BY trading_day DESC LIMIT 1`, symbol)
}

func (t *sqlTx) LatestDayBefore(ctx context.Context, symbol string, day clock.Date) (model.DayStatus, bool, error) {
	return queryOne(ctx, t.q, scanDay,
		`SELECT `+dayColumns+` FROM day_status WHERE symbol = ? AND trading_day < ?
		 ORDER BY trading_day DESC LIMIT 1`, symbol, day.String())
}
