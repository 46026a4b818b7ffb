// Package solana implements the block.Chain interface for Solana clusters.
package solana

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/config"
)

// Default values.
const (
	ConfirmTimeoutDefault = 60 * time.Second
	statusPollDefault     = 500 * time.Millisecond
)

// Solana implements a connection to a Solana cluster through its JSON-RPC and websocket endpoints. The master key
// pays and signs every transfer.
type Solana struct {
	rpc    *rpc.Client
	wsURL  string
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
	key    sol.PrivateKey
	master sol.PublicKey

	confirmTimeout time.Duration
	statusPoll     time.Duration

	mu sync.Mutex // protects ws
	ws *ws.Client
}

// Init returns a client for the cluster at bc.Node. The master secret must be a base58 encoded ed25519 key. The
// websocket connection used by Subscribe is opened on first use.
func Init(bc config.BlockConfig, log *zap.Logger) (*Solana, error) {
	if bc.Secret == "" {
		return nil, types.ErrNoKey
	}

	key, err := sol.PrivateKeyFromBase58(bc.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadKey, err)
	}

	if log == nil {
		log = zap.NewNop()
	}

	s := &Solana{
		rpc:            rpc.New(bc.Node),
		wsURL:          bc.WSNode,
		log:            log,
		key:            key,
		master:         key.PublicKey(),
		confirmTimeout: bc.ConfirmTimeout,
		statusPoll:     statusPollDefault,
	}

	if s.wsURL == "" {
		s.wsURL = wsEndpoint(bc.Node)
	}

	if s.confirmTimeout <= 0 {
		s.confirmTimeout = ConfirmTimeoutDefault
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "SolanaRPC",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("Solana circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return s, nil
}

// Close ends the connections.
func (s *Solana) Close() {
	s.mu.Lock()
	if s.ws != nil {
		s.ws.Close()
		s.ws = nil
	}
	s.mu.Unlock()

	if err := s.rpc.Close(); err != nil {
		s.log.Warn("closing rpc client", zap.Error(err))
	}
}

// Master returns the address of the funding account.
func (s *Solana) Master() string {
	return s.master.String()
}

// Balance returns the balance of account in SOL at confirmed commitment.
func (s *Solana) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	pk, err := sol.PublicKeyFromBase58(account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrBadAddress, account)
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.rpc.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
	})
	if err != nil {
		return decimal.Zero, mapErr("balance", err)
	}

	return types.ToSOL(res.(*rpc.GetBalanceResult).Value), nil
}

// Subscribe opens an account subscription at confirmed commitment and calls fn with every balance received. The
// receive loop ends when the subscription is cancelled, ctx is done or the connection drops; Done is closed then. A
// dropped connection is discarded so the next Subscribe dials a new one.
func (s *Solana) Subscribe(ctx context.Context, account string, fn func(decimal.Decimal)) (types.Subscription, error) {
	pk, err := sol.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrBadAddress, account)
	}

	c, err := s.wsClient(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := c.AccountSubscribe(pk, rpc.CommitmentConfirmed)
	if err != nil {
		s.dropClient(c)
		return nil, mapErr("subscribe", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	as := &accountSub{sub: sub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(as.done)
		defer as.Unsubscribe()

		for {
			res, err := sub.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("account subscription ended", zap.String("wallet", account), zap.Error(err))
					s.dropClient(c)
				}

				return
			}

			if res == nil {
				continue
			}

			fn(types.ToSOL(res.Value.Lamports))
		}
	}()

	return as, nil
}

// Send transfers amount SOL from the master account to the given account. The transfer is submitted with preflight
// at confirmed commitment and the call blocks until the signature reaches confirmed or the confirm timeout expires.
func (s *Solana) Send(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	dest, err := sol.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrBadAddress, to)
	}

	lamports, err := types.ToLamports(amount)
	if err != nil {
		return "", err
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return "", mapErr("blockhash", err)
	}

	tx, err := sol.NewTransaction(
		[]sol.Instruction{system.NewTransferInstruction(lamports, s.master, dest).Build()},
		res.(*rpc.GetLatestBlockhashResult).Value.Blockhash,
		sol.TransactionPayer(s.master),
	)
	if err != nil {
		return "", fmt.Errorf("solana: build transfer: %w", err)
	}

	if _, err = tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(s.master) {
			return &s.key
		}

		return nil
	}); err != nil {
		return "", fmt.Errorf("solana: sign transfer: %w", err)
	}

	sig, err := s.cb.Execute(func() (interface{}, error) {
		return s.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
	})
	if err != nil {
		return "", mapErr("send", err)
	}

	signature := sig.(sol.Signature)

	return signature.String(), s.confirm(ctx, signature)
}

// confirm polls the signature status until the transaction is confirmed, fails or the confirm timeout expires.
func (s *Solana) confirm(ctx context.Context, sig sol.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	t := time.NewTicker(s.statusPoll)
	defer t.Stop()

	for {
		res, err := s.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				return fmt.Errorf("%w: %s: %v", types.ErrTxFailed, sig, st.Err)
			}

			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if err != nil && ctx.Err() == nil {
			s.log.Debug("signature status", zap.String("signature", sig.String()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", types.ErrConfirmTimeout, sig)
		case <-t.C:
		}
	}
}

func (s *Solana) wsClient(ctx context.Context) (*ws.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ws != nil {
		return s.ws, nil
	}

	c, err := ws.Connect(ctx, s.wsURL)
	if err != nil {
		return nil, fmt.Errorf("solana: websocket %s: %w", s.wsURL, err)
	}

	s.ws = c

	return c, nil
}

// dropClient closes c and forgets it if it is still the cached client.
func (s *Solana) dropClient(c *ws.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ws == c {
		s.ws = nil
		c.Close()
	}
}

type accountSub struct {
	once   sync.Once
	sub    *ws.AccountSubscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe cancels the subscription, it is safe to call more than once.
func (a *accountSub) Unsubscribe() {
	a.once.Do(func() {
		a.cancel()
		a.sub.Unsubscribe()
	})
}

// Done is closed when the receive loop has ended.
func (a *accountSub) Done() <-chan struct{} {
	return a.done
}

// mapErr translates rpc failures into the errors defined in types.
func mapErr(op string, err error) error {
	var ne net.Error

	msg := err.Error()

	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests"):
		return fmt.Errorf("solana: %s: %w: %v", op, types.ErrRateLimited, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("solana: %s: %w: %v", op, types.ErrTimeout, err)
	}

	return fmt.Errorf("solana: %s: %w", op, err)
}

// wsEndpoint derives the websocket url from the rpc url.
func wsEndpoint(node string) string {
	switch {
	case strings.HasPrefix(node, "https://"):
		return "wss://" + strings.TrimPrefix(node, "https://")
	case strings.HasPrefix(node, "http://"):
		return "ws://" + strings.TrimPrefix(node, "http://")
	}

	return node
}
