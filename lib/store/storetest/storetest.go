// Package storetest provides in-memory store implementations for tests.
package storetest

import (
	"context"
	"sync"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

// Registry is an in-memory store.Registry. LoadErr and SaveErr, when set, are returned by every call.
type Registry struct {
	mu      sync.Mutex
	recs    []store.WalletRecord
	saves   int
	LoadErr error
	SaveErr error
}

// NewRegistry returns a registry holding recs.
func NewRegistry(recs ...store.WalletRecord) *Registry {
	return &Registry{recs: recs}
}

// Load returns a copy of the records.
func (r *Registry) Load(context.Context) ([]store.WalletRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.LoadErr != nil {
		return nil, r.LoadErr
	}

	return append([]store.WalletRecord(nil), r.recs...), nil
}

// Save replaces the records.
func (r *Registry) Save(_ context.Context, recs []store.WalletRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saves++

	if r.SaveErr != nil {
		return r.SaveErr
	}

	r.recs = append([]store.WalletRecord(nil), recs...)

	return nil
}

// Records returns the saved records.
func (r *Registry) Records() []store.WalletRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]store.WalletRecord(nil), r.recs...)
}

// Saves returns the number of Save calls.
func (r *Registry) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saves
}

// AuditLog is an in-memory store.AuditLog. AppendErr, when set, is returned by Append and nothing is stored.
type AuditLog struct {
	mu        sync.Mutex
	entries   []store.AuditEntry
	AppendErr error
}

// Append stores e.
func (a *AuditLog) Append(_ context.Context, e store.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.AppendErr != nil {
		return a.AppendErr
	}

	a.entries = append(a.entries, e)

	return nil
}

// Entries returns the stored entries.
func (a *AuditLog) Entries(context.Context) ([]store.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]store.AuditEntry(nil), a.entries...), nil
}
