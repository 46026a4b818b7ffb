//go:build integration

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

// uri requires an available MongoDB server at localhost:27017.
var uri = "mongodb://localhost:27017"

func TestRegistry(t *testing.T) {
	m, err := New(uri)
	require.NoError(t, err)

	defer m.CloseMongo()

	ctx := context.Background()
	recs := []store.WalletRecord{
		{Address: "Addr1", Name: "one", Balance: decimal.RequireFromString("0.005"), PrivateKey: "k1"},
		{Address: "Addr2", Name: "two", Balance: decimal.RequireFromString("1")},
	}

	require.NoError(t, m.Save(ctx, recs))

	got, err := m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[0].PrivateKey)
	assert.True(t, got[0].Balance.Equal(recs[0].Balance))

	require.NoError(t, store.RemoveWallet(ctx, m, "Addr1"))

	got, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAudit(t *testing.T) {
	m, err := New(uri)
	require.NoError(t, err)

	defer m.CloseMongo()

	ctx := context.Background()

	before, err := m.Entries(ctx)
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, m.Append(ctx, store.AuditEntry{
		ID: id, Timestamp: time.Now(), Wallet: "W", Amount: decimal.RequireFromString("0.02"), Transaction: "sig",
	}))

	after, err := m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.Equal(t, id, after[len(after)-1].ID)
}
