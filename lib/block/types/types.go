// Package types common blockchain types.
package types

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of base units in one native coin.
const LamportsPerSOL = 1_000_000_000

// Error codes.
var (
	ErrRateLimited    = errors.New("rpc node rate limited the request")
	ErrTimeout        = errors.New("rpc request timed out")
	ErrBadAddress     = errors.New("malformed account address")
	ErrBadKey         = errors.New("malformed master secret key")
	ErrNoKey          = errors.New("master secret key is required")
	ErrBadAmount      = errors.New("amount must be at least one lamport")
	ErrAmountTooLarge = errors.New("amount does not fit in lamports")
	ErrTxFailed       = errors.New("transaction failed on chain")
	ErrConfirmTimeout = errors.New("transaction was not confirmed in time")
	ErrNoNetwork      = errors.New("network not available")
)

// Subscription is a live account subscription, cancelled with Unsubscribe. Done is closed once the subscription has
// ended, either cancelled or lost with its connection.
type Subscription interface {
	Unsubscribe()
	Done() <-chan struct{}
}

// IsTransient reports whether err is worth a retry after a short backoff: rate limiting and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests")
}

// ToSOL converts lamports to SOL.
func ToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-9)
}

// ToLamports converts SOL to lamports, truncating anything below one lamport.
func ToLamports(sol decimal.Decimal) (uint64, error) {
	l := sol.Shift(9).Truncate(0)

	switch {
	case !l.IsPositive():
		return 0, ErrBadAmount
	case l.GreaterThan(decimal.NewFromUint64(math.MaxUint64)):
		return 0, fmt.Errorf("%w: %s", ErrAmountTooLarge, sol)
	}

	return l.BigInt().Uint64(), nil
}
