package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

// ErrNoBroker is returned by ManageWalletRequests when the monitor has no message broker.
var ErrNoBroker = errors.New("monitor: no message broker configured")

// ManageWalletRequests starts a go routine to receive and manage wallet requests: LISTEN adds a wallet to the
// registry and subscribes to it, UNLISTEN cancels the subscription and removes the wallet. The routine ends when ctx
// is done or the broker closes the request channel.
func (m *Monitor) ManageWalletRequests(ctx context.Context) error {
	if m.mb == nil {
		return ErrNoBroker
	}

	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := m.mb.GetReqs(ctx, m.net, mut)
	if err != nil {
		return fmt.Errorf("monitor: cannot get requests: %w", err)
	}

	go func() {
		m.log.Info("Start listening to wallet request channel", zap.String("net", m.net))
		defer m.log.Info("Stop listening to wallet request channel", zap.String("net", m.net))

		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-reqCh:
				if !ok {
					return
				}

				m.handleRequest(ctx, req)
				mut.Unlock()
			case err, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}

				m.log.Warn("Received error from wallet request channel", zap.Error(err))
			}
		}
	}()

	return nil
}

// handleRequest applies a wallet request.
func (m *Monitor) handleRequest(ctx context.Context, req msg.WalletReq) {
	log := m.log.With(zap.String("wallet", req.Obj), zap.Int("act", req.Act))
	log.Info("Received wallet request")

	if req.Net != m.net || req.Type != msg.ADDRESS || req.Obj == "" ||
		(req.Act != msg.LISTEN && req.Act != msg.UNLISTEN) {
		log.Warn("Ignoring wallet request with wrong net, type, object or action",
			zap.String("net", req.Net), zap.Int("type", req.Type))

		return
	}

	if req.Act == msg.UNLISTEN {
		// under regMu so a running cycle cannot subscribe the wallet again
		m.regMu.Lock()
		m.unsubscribe(req.Obj)
		err := store.RemoveWallet(ctx, m.reg, req.Obj)
		m.regMu.Unlock()

		if err != nil {
			log.Error("Cannot remove wallet from registry", zap.Error(err))
			return
		}

		log.Info("Stopped tracking wallet")

		return
	}

	bal, err := m.chain.Balance(ctx, req.Obj)
	if errors.Is(err, types.ErrBadAddress) {
		log.Warn("Ignoring wallet request for malformed address", zap.Error(err))
		return
	}

	rec := store.WalletRecord{Address: req.Obj, Name: req.Name, Balance: bal}

	m.regMu.Lock()
	err = store.AddWallet(ctx, m.reg, rec)
	m.regMu.Unlock()

	switch {
	case errors.Is(err, store.ErrAddrExists):
		log.Info("Wallet already tracked")
	case err != nil:
		log.Error("Cannot add wallet to registry", zap.Error(err))
		return
	default:
		log.Info("Started tracking wallet")
	}

	m.track(ctx, rec)
}
