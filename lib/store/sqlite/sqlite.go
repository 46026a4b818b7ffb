// Package sqlite implements the audit log on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // load the sqlite driver

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

// SQLite keeps the top-up history in the topups table. Writes are serialized.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the SQLite database at path and creates the table if needed.
func New(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS topups (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		wallet      TEXT NOT NULL,
		amount      TEXT NOT NULL,
		transaction_sig TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Append inserts e.
func (s *SQLite) Append(ctx context.Context, e store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO topups (id, timestamp, wallet, amount, transaction_sig)
		VALUES (?,?,?,?,?)`,
		e.ID, e.Timestamp.UnixNano(), e.Wallet, e.Amount.String(), e.Transaction,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append: %w", err)
	}

	return nil
}

// Entries returns the entries in insertion order.
func (s *SQLite) Entries(ctx context.Context) ([]store.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, wallet, amount, transaction_sig FROM topups ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: entries: %w", err)
	}
	defer rows.Close()

	es := []store.AuditEntry{}

	for rows.Next() {
		var (
			e      store.AuditEntry
			ts     int64
			amount string
		)

		if err = rows.Scan(&e.ID, &ts, &e.Wallet, &amount, &e.Transaction); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}

		e.Timestamp = time.Unix(0, ts).UTC()

		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("sqlite: amount %q: %w", amount, err)
		}

		es = append(es, e)
	}

	return es, rows.Err()
}
