// Package store defines the interfaces for the persistence of the tracked wallets (registry) and the history of
// performed top-ups (audit log).
package store

import (
	"context"
	"errors"
	"strings"
)

// Registry is the persisted set of tracked wallets. Save replaces the whole set; readers never see a partially
// written set.
type Registry interface {
	Load(ctx context.Context) ([]WalletRecord, error)
	Save(ctx context.Context, recs []WalletRecord) error
}

// AuditLog is an append-only history of top-ups. Entries are returned in the order they were appended.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
	Entries(ctx context.Context) ([]AuditEntry, error)
}

// Errors returned
var (
	ErrAddrNotFound = errors.New("address was not found in store")
	ErrAddrExists   = errors.New("address is already tracked")
	ErrNoAddress    = errors.New("address is required")
	ErrUnknownType  = errors.New("unknown store type")
)

// AddWallet loads the registry, appends rec and saves it back. It returns ErrAddrExists if the address is already
// tracked.
func AddWallet(ctx context.Context, r Registry, rec WalletRecord) error {
	rec.Address = strings.TrimSpace(rec.Address)
	if rec.Address == "" {
		return ErrNoAddress
	}

	recs, err := r.Load(ctx)
	if err != nil {
		return err
	}

	if Find(recs, rec.Address) >= 0 {
		return ErrAddrExists
	}

	return r.Save(ctx, append(recs, rec))
}

// RemoveWallet loads the registry, drops the record for addr and saves it back. It returns ErrAddrNotFound if the
// address is not tracked.
func RemoveWallet(ctx context.Context, r Registry, addr string) error {
	recs, err := r.Load(ctx)
	if err != nil {
		return err
	}

	i := Find(recs, addr)
	if i < 0 {
		return ErrAddrNotFound
	}

	return r.Save(ctx, append(recs[:i:i], recs[i+1:]...))
}

// Find returns the index of the record for addr in recs, or -1.
func Find(recs []WalletRecord, addr string) int {
	for i := range recs {
		if recs[i].Address == addr {
			return i
		}
	}

	return -1
}
