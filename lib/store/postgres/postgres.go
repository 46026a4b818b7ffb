// Package postgres implements the audit log for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system
	"github.com/shopspring/decimal"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

// Postgres keeps the top-up history in the topups table.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the table if
// needed.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS topups (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		wallet      TEXT NOT NULL,
		amount      NUMERIC(20, 9) NOT NULL,
		signature   TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create topups table: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// Append inserts e.
func (p *Postgres) Append(ctx context.Context, e store.AuditEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO topups (id, ts, wallet, amount, signature) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Timestamp, e.Wallet, e.Amount.String(), e.Transaction)
	if err != nil {
		return fmt.Errorf("postgres: append: %w", err)
	}

	return nil
}

// Entries returns the entries in insertion order.
func (p *Postgres) Entries(ctx context.Context) ([]store.AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ts, wallet, amount, signature FROM topups ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: entries: %w", err)
	}
	defer rows.Close()

	es := []store.AuditEntry{}

	for rows.Next() {
		var (
			e      store.AuditEntry
			amount string
		)

		if err = rows.Scan(&e.ID, &e.Timestamp, &e.Wallet, &amount, &e.Transaction); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}

		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: amount %q: %w", amount, err)
		}

		es = append(es, e)
	}

	return es, rows.Err()
}
