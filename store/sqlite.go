package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // 纯 Go SQLite 驱动

	"signal-trader-go/order"
)

// Compile-time interface checks.
var _ OrderRepository = (*SQLiteStore)(nil)
var _ RetryQueueRepository = (*SQLiteStore)(nil)
var _ PositionRepository = (*SQLiteStore)(nil)

// SQLiteStore 基于 SQLite 的持久化实现。
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS orders (
	owner_user_id     TEXT NOT NULL,
	local_order_id    TEXT NOT NULL,
	broker_order_id   TEXT NOT NULL DEFAULT '',
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	kind              TEXT NOT NULL,
	time_in_force     TEXT NOT NULL DEFAULT '',
	venue             TEXT NOT NULL DEFAULT '',
	intended_quantity INTEGER NOT NULL,
	intended_price    REAL NOT NULL,
	original_quantity INTEGER NOT NULL,
	original_price    REAL NOT NULL,
	filled_quantity   INTEGER NOT NULL DEFAULT 0,
	avg_fill_price    REAL NOT NULL DEFAULT 0,
	broker_quantity   INTEGER NOT NULL DEFAULT 0,
	broker_price      REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	last_sync_at      INTEGER NOT NULL DEFAULT 0,
	submitted_at      INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	PRIMARY KEY (owner_user_id, local_order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_owner_status ON orders(owner_user_id, status);

CREATE TABLE IF NOT EXISTS retry_queue (
	owner_user_id   TEXT NOT NULL,
	local_order_id  TEXT NOT NULL,
	reason_code     TEXT NOT NULL,
	attempts_made   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (owner_user_id, local_order_id)
);

CREATE TABLE IF NOT EXISTS positions (
	owner_user_id        TEXT NOT NULL,
	symbol               TEXT NOT NULL,
	quantity_held        INTEGER NOT NULL,
	average_entry_price  REAL NOT NULL,
	active_exit_order_id TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL,
	PRIMARY KEY (owner_user_id, symbol)
);
`

// NewSQLiteStore 打开（或创建）dbPath 处的数据库并建表。
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite 单写者，限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Repositories 返回指向同一数据库的聚合仓库。
func (s *SQLiteStore) Repositories() Repositories {
	return Repositories{Orders: s, RetryQueue: s, Positions: s}
}

// Close 关闭数据库连接。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ---- OrderRepository ----

const orderColumns = `owner_user_id, local_order_id, broker_order_id, symbol, side, kind,
	time_in_force, venue, intended_quantity, intended_price, original_quantity, original_price,
	filled_quantity, avg_fill_price, broker_quantity, broker_price, status, retry_count,
	last_error, last_sync_at, submitted_at, created_at, updated_at`

func (s *SQLiteStore) SaveOrder(ctx context.Context, o *order.TrackedOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.OwnerUserID, o.LocalOrderID, o.BrokerOrderID, o.Symbol, string(o.Side), string(o.Kind),
		o.TimeInForce, o.Venue, o.IntendedQuantity, o.IntendedPrice, o.OriginalQuantity, o.OriginalPrice,
		o.FilledQuantity, o.AvgFillPrice, o.BrokerQuantity, o.BrokerPrice, string(o.Status), o.RetryCount,
		o.LastError, toUnixNano(o.LastSyncAt), toUnixNano(o.SubmittedAt), toUnixNano(o.CreatedAt), toUnixNano(o.UpdatedAt),
	)
	if err != nil {
		// 主键冲突：local_order_id 不可复用
		if isConstraintErr(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanOrder(row interface{ Scan(...any) error }) (*order.TrackedOrder, error) {
	var o order.TrackedOrder
	var side, kind, status string
	var lastSync, submitted, created, updated int64
	err := row.Scan(
		&o.OwnerUserID, &o.LocalOrderID, &o.BrokerOrderID, &o.Symbol, &side, &kind,
		&o.TimeInForce, &o.Venue, &o.IntendedQuantity, &o.IntendedPrice, &o.OriginalQuantity, &o.OriginalPrice,
		&o.FilledQuantity, &o.AvgFillPrice, &o.BrokerQuantity, &o.BrokerPrice, &status, &o.RetryCount,
		&o.LastError, &lastSync, &submitted, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	o.Side = order.Side(side)
	o.Kind = order.Kind(kind)
	o.Status = order.Status(status)
	o.LastSyncAt = fromUnixNano(lastSync)
	o.SubmittedAt = fromUnixNano(submitted)
	o.CreatedAt = fromUnixNano(created)
	o.UpdatedAt = fromUnixNano(updated)
	return &o, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, ownerID, localID string) (*order.TrackedOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE owner_user_id = ? AND local_order_id = ?`,
		ownerID, localID)
	o, err := s.scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) listOrders(ctx context.Context, query string, args ...any) ([]*order.TrackedOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	res := make([]*order.TrackedOrder, 0)
	for rows.Next() {
		o, err := s.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) ListActiveOrders(ctx context.Context, ownerID string) ([]*order.TrackedOrder, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE owner_user_id = ? AND status NOT IN (?,?,?)
		 ORDER BY created_at`,
		ownerID, string(order.StatusFilled), string(order.StatusRejected), string(order.StatusCancelled))
}

func (s *SQLiteStore) ListOrdersByStatus(ctx context.Context, ownerID string, status order.Status) ([]*order.TrackedOrder, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE owner_user_id = ? AND status = ? ORDER BY created_at`,
		ownerID, string(status))
}

func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *order.TrackedOrder, expectedUpdatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET
			broker_order_id = ?, symbol = ?, side = ?, kind = ?, time_in_force = ?, venue = ?,
			intended_quantity = ?, intended_price = ?, original_quantity = ?, original_price = ?,
			filled_quantity = ?, avg_fill_price = ?, broker_quantity = ?, broker_price = ?,
			status = ?, retry_count = ?, last_error = ?, last_sync_at = ?, submitted_at = ?, updated_at = ?
		 WHERE owner_user_id = ? AND local_order_id = ? AND updated_at = ?`,
		o.BrokerOrderID, o.Symbol, string(o.Side), string(o.Kind), o.TimeInForce, o.Venue,
		o.IntendedQuantity, o.IntendedPrice, o.OriginalQuantity, o.OriginalPrice,
		o.FilledQuantity, o.AvgFillPrice, o.BrokerQuantity, o.BrokerPrice,
		string(o.Status), o.RetryCount, o.LastError, toUnixNano(o.LastSyncAt), toUnixNano(o.SubmittedAt), toUnixNano(o.UpdatedAt),
		o.OwnerUserID, o.LocalOrderID, toUnixNano(expectedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// 记录不存在或 updated_at 不匹配，区分两种情况
		if _, getErr := s.GetOrder(ctx, o.OwnerUserID, o.LocalOrderID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// ---- RetryQueueRepository ----

func (s *SQLiteStore) SaveEntry(ctx context.Context, e *order.RetryQueueEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_queue
			(owner_user_id, local_order_id, reason_code, attempts_made, max_attempts, next_attempt_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_user_id, local_order_id) DO UPDATE SET
			reason_code = excluded.reason_code,
			attempts_made = excluded.attempts_made,
			max_attempts = excluded.max_attempts,
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at`,
		e.OwnerUserID, e.LocalOrderID, string(e.ReasonCode), e.AttemptsMade, e.MaxAttempts,
		toUnixNano(e.NextAttemptAt), toUnixNano(e.CreatedAt), toUnixNano(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save retry entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanEntry(row interface{ Scan(...any) error }) (*order.RetryQueueEntry, error) {
	var e order.RetryQueueEntry
	var reason string
	var next, created, updated int64
	if err := row.Scan(&e.OwnerUserID, &e.LocalOrderID, &reason, &e.AttemptsMade, &e.MaxAttempts, &next, &created, &updated); err != nil {
		return nil, err
	}
	e.ReasonCode = order.RetryReason(reason)
	e.NextAttemptAt = fromUnixNano(next)
	e.CreatedAt = fromUnixNano(created)
	e.UpdatedAt = fromUnixNano(updated)
	return &e, nil
}

const entryColumns = `owner_user_id, local_order_id, reason_code, attempts_made, max_attempts, next_attempt_at, created_at, updated_at`

func (s *SQLiteStore) GetEntry(ctx context.Context, ownerID, localID string) (*order.RetryQueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM retry_queue WHERE owner_user_id = ? AND local_order_id = ?`,
		ownerID, localID)
	e, err := s.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get retry entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) listEntries(ctx context.Context, query string, args ...any) ([]*order.RetryQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list retry entries: %w", err)
	}
	defer rows.Close()
	res := make([]*order.RetryQueueEntry, 0)
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) ListEntries(ctx context.Context, ownerID string) ([]*order.RetryQueueEntry, error) {
	return s.listEntries(ctx,
		`SELECT `+entryColumns+` FROM retry_queue WHERE owner_user_id = ? ORDER BY next_attempt_at`, ownerID)
}

func (s *SQLiteStore) ListDue(ctx context.Context, ownerID string, now time.Time) ([]*order.RetryQueueEntry, error) {
	return s.listEntries(ctx,
		`SELECT `+entryColumns+` FROM retry_queue
		 WHERE owner_user_id = ? AND next_attempt_at <= ? ORDER BY next_attempt_at`,
		ownerID, toUnixNano(now))
}

func (s *SQLiteStore) DeleteEntry(ctx context.Context, ownerID, localID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_queue WHERE owner_user_id = ? AND local_order_id = ?`, ownerID, localID)
	if err != nil {
		return fmt.Errorf("delete retry entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- PositionRepository ----

func (s *SQLiteStore) SavePosition(ctx context.Context, ownerID, symbol string, quantity int64, avgEntryPrice float64, activeExitOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (owner_user_id, symbol, quantity_held, average_entry_price, active_exit_order_id, updated_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(owner_user_id, symbol) DO UPDATE SET
			quantity_held = excluded.quantity_held,
			average_entry_price = excluded.average_entry_price,
			active_exit_order_id = excluded.active_exit_order_id,
			updated_at = excluded.updated_at`,
		ownerID, symbol, quantity, avgEntryPrice, activeExitOrderID, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, ownerID, symbol string) (*PositionRecord, error) {
	var p PositionRecord
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_user_id, symbol, quantity_held, average_entry_price, active_exit_order_id, updated_at
		 FROM positions WHERE owner_user_id = ? AND symbol = ?`,
		ownerID, symbol,
	).Scan(&p.OwnerUserID, &p.Symbol, &p.QuantityHeld, &p.AverageEntryPrice, &p.ActiveExitOrderID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	p.UpdatedAt = fromUnixNano(updated)
	return &p, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, ownerID string) ([]*PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_user_id, symbol, quantity_held, average_entry_price, active_exit_order_id, updated_at
		 FROM positions WHERE owner_user_id = ? ORDER BY symbol`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	res := make([]*PositionRecord, 0)
	for rows.Next() {
		var p PositionRecord
		var updated int64
		if err := rows.Scan(&p.OwnerUserID, &p.Symbol, &p.QuantityHeld, &p.AverageEntryPrice, &p.ActiveExitOrderID, &updated); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.UpdatedAt = fromUnixNano(updated)
		res = append(res, &p)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, ownerID, symbol string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE owner_user_id = ? AND symbol = ?`, ownerID, symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

func isConstraintErr(err error) bool {
	// modernc driver 将约束错误以字符串形式返回
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
