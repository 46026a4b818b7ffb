// Package db implements the opening and graceful closing of the registry and audit log backends.
package db

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store/file"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store/mongo"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store/postgres"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store/sqlite"
)

// Store types.
const (
	FILE     string = "file"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	SQLITE   string = "sqlite"
)

// NewRegistry returns the wallet registry for the store type. path is used by the file store and connection by
// the database ones.
func NewRegistry(options, connection, path string) (store.Registry, error) {
	switch options {
	case FILE, "":
		return file.NewRegistry(path), nil
	case MONGODB:
		return mongo.New(connection)
	}

	return nil, fmt.Errorf("%w for registry: %s", store.ErrUnknownType, options)
}

// NewAuditLog returns the audit log for the store type. The sqlite database defaults to path with a .db extension.
func NewAuditLog(options, connection, path string) (store.AuditLog, error) {
	switch options {
	case FILE, "":
		return file.NewAuditLog(path)
	case SQLITE:
		if connection == "" {
			connection = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}

		return sqlite.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	case MONGODB:
		return mongo.New(connection)
	}

	return nil, fmt.Errorf("%w for audit log: %s", store.ErrUnknownType, options)
}

// Close gracefully closes the database connection of a registry or audit log, if any.
func Close(dh interface{}) error {
	switch d := dh.(type) {
	case *mongo.Mongo:
		return d.CloseMongo()
	case *postgres.Postgres:
		return d.ClosePostgres()
	case *sqlite.SQLite:
		return d.Close()
	}

	return nil
}
