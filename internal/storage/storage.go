// Package storage is the append-only trade ledger backed by SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"telegram-grid-bot-go/internal/models"

	_ "modernc.org/sqlite" // SQLite driver
)

// TradeFilter narrows a ledger query. Zero values mean "any".
type TradeFilter struct {
	UserID    int64
	TradeType models.TradeType
	Symbol    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Ledger stores every executed buy and sell.
type Ledger struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger database at path.
// Use ":memory:" for a throwaway ledger.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: records are appended by many sessions concurrently,
	// and an in-memory database only exists on one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Ledger{db: db}, nil
}

// createTables creates the ledger table and its indexes if they don't exist.
func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trade_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			trade_type TEXT NOT NULL CHECK (trade_type IN ('buy', 'sell')),
			symbol TEXT NOT NULL,
			amount REAL NOT NULL,
			price REAL NOT NULL,
			profit REAL NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_user_time ON trade_history (user_id, timestamp);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append writes a single trade record. The record's ID is set on success.
// A zero timestamp is replaced with the current time.
func (l *Ledger) Append(ctx context.Context, record *models.TradeRecord) error {
	if record.TradeType != models.TradeBuy && record.TradeType != models.TradeSell {
		return fmt.Errorf("invalid trade type %q", record.TradeType)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO trade_history (user_id, trade_type, symbol, amount, price, profit, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.UserID, string(record.TradeType), record.Symbol, record.Amount, record.Price, record.Profit,
		record.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append trade for user %d: %w", record.UserID, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		record.ID = id
	}
	return nil
}

// Query returns matching trades ordered by timestamp (oldest first).
func (l *Ledger) Query(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	where, args := filter.clauses()
	query := `SELECT id, user_id, trade_type, symbol, amount, price, profit, timestamp FROM trade_history` +
		where + ` ORDER BY timestamp ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var (
			t        models.TradeRecord
			kind     string
			unixMill int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &t.Symbol, &t.Amount, &t.Price, &t.Profit, &unixMill); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.TradeType = models.TradeType(kind)
		t.Timestamp = time.UnixMilli(unixMill)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SumProfit totals the profit of sell records matching the filter.
// TradeType in the filter is ignored.
func (l *Ledger) SumProfit(ctx context.Context, filter TradeFilter) (float64, int, error) {
	filter.TradeType = models.TradeSell
	filter.Limit = 0
	where, args := filter.clauses()

	var (
		total sql.NullFloat64
		count int
	)
	err := l.db.QueryRowContext(ctx, `SELECT SUM(profit), COUNT(*) FROM trade_history`+where, args...).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum profit: %w", err)
	}
	return total.Float64, count, nil
}

// Close releases the underlying DB handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (f TradeFilter) clauses() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TradeType != "" {
		conds = append(conds, "trade_type = ?")
		args = append(args, string(f.TradeType))
	}
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
