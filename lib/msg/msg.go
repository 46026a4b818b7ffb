// Package msg defines the interface for different message brokers. The monitor publishes top-up and low-balance
// events and consumes wallet requests to start or stop tracking wallets.
package msg

import (
	"context"
	"sync"
	"time"
)

// Types of object for wallet requests.
const (
	EXIT    = -1
	ADDRESS = 0
)

// Actions to be applied to objects for wallet requests.
const (
	LISTEN   = 0
	UNLISTEN = 1
)

// WalletReq defines the message published to the monitor to start or stop tracking a wallet.
type WalletReq struct {
	Net  string `json:"net"`
	Type int    `json:"type"` // type of object
	Obj  string `json:"obj"`
	Name string `json:"name,omitempty"`
	Act  int    `json:"act"` // action to be applied
}

// TopUpEvent is published after a confirmed top-up. Amounts are decimal strings in SOL.
type TopUpEvent struct {
	Wallet      string    `json:"wallet"`
	Amount      string    `json:"amount"`
	Transaction string    `json:"transaction"`
	Timestamp   time.Time `json:"timestamp"`
}

// LowBalanceEvent is published when a tracked wallet is detected below the threshold.
type LowBalanceEvent struct {
	Wallet    string    `json:"wallet"`
	Name      string    `json:"name,omitempty"`
	Balance   string    `json:"balance"`
	Threshold string    `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// MsgBroker is the interface a message broker implements.
type MsgBroker interface { //nolint:revive // kept for consistency with the broker packages
	Setup(interface{}) error
	Close() error

	// SendRequest publishes a wallet request for the network.
	SendRequest(net string, r WalletReq) error
	// GetReqs consumes wallet requests for the network until ctx is done. Each request is acknowledged once the
	// consumer unlocks mut.
	GetReqs(ctx context.Context, net string, mut *sync.Mutex) (<-chan WalletReq, <-chan error, error)

	SendTopUp(net string, e TopUpEvent) error
	SendLowBalance(net string, e LowBalanceEvent) error
}
