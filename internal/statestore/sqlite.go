package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hybrid_trader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore holds the durable records: stop-loss mirrors, the trade
// journal, portfolio snapshots and regime signals written by sidecar jobs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stop_loss (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			active INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			quote TEXT NOT NULL,
			order_id INTEGER NOT NULL,
			note TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS regime_signals (
			symbol TEXT PRIMARY KEY,
			regime TEXT NOT NULL,
			probability REAL NOT NULL,
			duration_days REAL NOT NULL,
			observed_at INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveStopRecord upserts one stop-loss mirror row.
func (s *SQLiteStore) SaveStopRecord(ctx context.Context, id, symbol string, active bool, data []byte) error {
	query := `INSERT OR REPLACE INTO stop_loss (id, symbol, active, data, updated_at) VALUES (?, ?, ?, ?, ?)`
	activeInt := 0
	if active {
		activeInt = 1
	}
	_, err := s.db.ExecContext(ctx, query, id, symbol, activeInt, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save stop record: %w", err)
	}
	return nil
}

// LoadActiveStopRecords returns the raw payloads of every active stop.
func (s *SQLiteStore) LoadActiveStopRecords(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM stop_loss WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to load stop records: %w", err)
	}
	defer rows.Close()

	var records [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan stop record: %w", err)
		}
		records = append(records, []byte(data))
	}
	return records, rows.Err()
}

// DeleteStopRecord removes a stop row entirely.
func (s *SQLiteStore) DeleteStopRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stop_loss WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stop record: %w", err)
	}
	return nil
}

// InsertTrade appends a fill to the trade journal.
func (s *SQLiteStore) InsertTrade(ctx context.Context, t *core.Trade) error {
	query := `INSERT INTO trades (symbol, side, price, quantity, quote, order_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.Symbol, string(t.Side), t.Price.String(), t.Quantity.String(), t.Quote.String(),
		t.OrderID, t.Note, t.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// TradesForSymbol returns the journal rows for one symbol, oldest first.
func (s *SQLiteStore) TradesForSymbol(ctx context.Context, symbol string) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, side, price, quantity, quote, order_id, note, created_at
		 FROM trades WHERE symbol = ? ORDER BY created_at ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		var (
			t                 core.Trade
			side              string
			price, qty, quote string
			createdAt         int64
		)
		if err := rows.Scan(&t.Symbol, &side, &price, &qty, &quote, &t.OrderID, &t.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = core.OrderSide(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt trade price: %w", err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt trade quantity: %w", err)
		}
		if t.Quote, err = decimal.NewFromString(quote); err != nil {
			return nil, fmt.Errorf("corrupt trade quote: %w", err)
		}
		t.Timestamp = time.Unix(0, createdAt)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// SaveSnapshot appends a portfolio-value snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, value decimal.Decimal, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolio_snapshots (value, created_at) VALUES (?, ?)`,
		value.String(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// UpsertRegimeSignal stores the latest regime observation for a symbol.
// Sidecar jobs are the usual writers.
func (s *SQLiteStore) UpsertRegimeSignal(ctx context.Context, symbol string, sig *core.RegimeSignal) error {
	query := `INSERT OR REPLACE INTO regime_signals (symbol, regime, probability, duration_days, observed_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		symbol, string(sig.Regime), sig.Probability, sig.DurationDays, sig.ObservedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert regime signal: %w", err)
	}
	return nil
}

// LatestSignal implements core.IRegimeProvider.
func (s *SQLiteStore) LatestSignal(ctx context.Context, symbol string) (*core.RegimeSignal, error) {
	var (
		regime       string
		probability  float64
		durationDays float64
		observedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT regime, probability, duration_days, observed_at FROM regime_signals WHERE symbol = ?`,
		symbol).Scan(&regime, &probability, &durationDays, &observedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read regime signal: %w", err)
	}
	return &core.RegimeSignal{
		Regime:       core.MarketRegime(regime),
		Probability:  probability,
		DurationDays: durationDays,
		ObservedAt:   time.Unix(0, observedAt),
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
