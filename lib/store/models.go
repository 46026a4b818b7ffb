package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletRecord contains the fields of a tracked wallet. Balance is the last observed balance in SOL. PrivateKey is
// opaque metadata that is carried through load and save unchanged.
type WalletRecord struct {
	Address    string          `json:"address"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
	PrivateKey string          `json:"privateKey,omitempty"`
}

// Label returns the name of the wallet, or its address when it has none.
func (w WalletRecord) Label() string {
	if w.Name != "" {
		return w.Name
	}

	return w.Address
}

// AuditEntry contains the fields of a successful top-up.
type AuditEntry struct {
	ID          string          `json:"id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Wallet      string          `json:"wallet"`
	Amount      decimal.Decimal `json:"amount"`
	Transaction string          `json:"transaction"`
}
