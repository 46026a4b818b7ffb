// Package file implements the store interfaces on top of JSON files. Every write goes to a temporary file that is
// renamed over the canonical path, so a reader sees either the previous or the new content.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

type walletJSON struct {
	Address    string      `json:"address"`
	PrivateKey string      `json:"privateKey,omitempty"`
	Balance    json.Number `json:"balance"`
	Name       string      `json:"name"`
}

type auditJSON struct {
	ID          string      `json:"id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Wallet      string      `json:"wallet"`
	Amount      json.Number `json:"amount"`
	Transaction string      `json:"transaction"`
}

// Registry keeps the tracked wallets in a JSON array.
type Registry struct {
	path string
}

// NewRegistry returns a registry stored in path. The file is created on the first Save.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Load reads the tracked wallets. A missing file is an empty registry.
func (r *Registry) Load(_ context.Context) ([]store.WalletRecord, error) {
	var ws []walletJSON

	if err := readJSON(r.path, &ws); err != nil {
		return nil, err
	}

	recs := make([]store.WalletRecord, 0, len(ws))

	for _, w := range ws {
		bal, err := toDecimal(w.Balance)
		if err != nil {
			return nil, fmt.Errorf("file: wallet %s balance: %w", w.Address, err)
		}

		recs = append(recs, store.WalletRecord{Address: w.Address, Name: w.Name, Balance: bal, PrivateKey: w.PrivateKey})
	}

	return recs, nil
}

// Save replaces the content of the registry with recs.
func (r *Registry) Save(_ context.Context, recs []store.WalletRecord) error {
	ws := make([]walletJSON, len(recs))

	for i, rec := range recs {
		ws[i] = walletJSON{
			Address:    rec.Address,
			PrivateKey: rec.PrivateKey,
			Balance:    json.Number(rec.Balance.String()),
			Name:       rec.Name,
		}
	}

	return writeJSON(r.path, ws)
}

// AuditLog keeps the top-up history in a JSON array that is rewritten on every append.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog returns an audit log stored in path, creating it as an empty array if it does not exist.
func NewAuditLog(path string) (*AuditLog, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = writeJSON(path, []auditJSON{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("file: %w", err)
	}

	return &AuditLog{path: path}, nil
}

// Append adds e at the end of the log.
func (a *AuditLog) Append(_ context.Context, e store.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var es []auditJSON

	if err := readJSON(a.path, &es); err != nil {
		return err
	}

	es = append(es, auditJSON{
		ID:          e.ID,
		Timestamp:   e.Timestamp.UTC(),
		Wallet:      e.Wallet,
		Amount:      json.Number(e.Amount.String()),
		Transaction: e.Transaction,
	})

	return writeJSON(a.path, es)
}

// Entries returns all the entries in append order.
func (a *AuditLog) Entries(_ context.Context) ([]store.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var es []auditJSON

	if err := readJSON(a.path, &es); err != nil {
		return nil, err
	}

	entries := make([]store.AuditEntry, 0, len(es))

	for _, e := range es {
		amount, err := toDecimal(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("file: audit entry %s amount: %w", e.Transaction, err)
		}

		entries = append(entries, store.AuditEntry{
			ID:          e.ID,
			Timestamp:   e.Timestamp,
			Wallet:      e.Wallet,
			Amount:      amount,
			Transaction: e.Transaction,
		})
	}

	return entries, nil
}

func toDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}

	return decimal.NewFromString(n.String())
}

// readJSON decodes the file at path into v. A missing file leaves v untouched.
func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("file: %w", err)
	}

	if err = json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("file: decode %s: %w", path, err)
	}

	return nil
}

// writeJSON writes v to path.tmp and renames it over path, creating the parent directories on demand.
func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("file: encode %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("file: %w", err)
		}
	}

	tmp := path + ".tmp"

	if err = writeSynced(tmp, b); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("file: %w", err)
	}

	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("file: %w", err)
	}

	return nil
}

// writeSynced writes b to name and flushes it to stable storage before closing it.
func writeSynced(name string, b []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err = f.Write(b); err != nil {
		f.Close()
		return err
	}

	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
