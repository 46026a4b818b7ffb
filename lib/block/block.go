// Package block defines the interface required for all blockchain or network connections used by the monitor.
package block

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/solana"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/config"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/util"
)

// SolanaNets are the network names served by the solana package.
var SolanaNets = []string{ //nolint:gochecknoglobals // static table
	"solana", "mainnet", "solana-mainnet", "devnet", "solana-devnet", "testnet", "solana-testnet", "localnet",
}

// Chain is an interface that contains the required methods. Amounts are expressed in the native coin (SOL), the
// implementation converts them to base units.
type Chain interface {
	Close()
	// Master returns the address of the funding account.
	Master() string
	// Balance returns the current balance of account.
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
	// Subscribe calls fn with every new balance of account until the subscription is cancelled or ctx is done.
	Subscribe(ctx context.Context, account string, fn func(decimal.Decimal)) (Subscription, error)
	// Send transfers amount from the master account to the given account and waits for confirmation. It returns
	// the transaction signature.
	Send(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

// Subscription is a live balance subscription.
type Subscription = types.Subscription

// Init returns the client for the network named in the config.
func Init(bc config.BlockConfig, log *zap.Logger) (Chain, error) {
	if util.In(SolanaNets, bc.Name) {
		s, err := solana.Init(bc, log)
		if err != nil {
			return nil, err
		}

		return s, nil
	}

	return nil, fmt.Errorf("%w: %s", types.ErrNoNetwork, bc.Name)
}

// End closes gracefully the blockchain client.
func End(c Chain) {
	if c != nil {
		c.Close()
	}
}
