// Package msgtest provides an in-memory msg.MsgBroker for tests.
package msgtest

import (
	"context"
	"sync"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
)

// Broker records published events and delivers the requests written to Reqs. Each request is acknowledged once the
// consumer unlocks the mutex given to GetReqs; Acked counts them.
type Broker struct {
	Reqs chan msg.WalletReq
	Errs chan error
	Err  error

	mu       sync.Mutex
	topUps   []msg.TopUpEvent
	lows     []msg.LowBalanceEvent
	requests []msg.WalletReq
	acked    int
}

// New returns a broker with unbuffered request channels.
func New() *Broker {
	return &Broker{Reqs: make(chan msg.WalletReq), Errs: make(chan error)}
}

// Setup does nothing.
func (b *Broker) Setup(interface{}) error { return nil }

// Close closes the request channels.
func (b *Broker) Close() error {
	close(b.Reqs)
	close(b.Errs)

	return nil
}

// SendRequest records r.
func (b *Broker) SendRequest(_ string, r msg.WalletReq) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, r)

	return b.Err
}

// GetReqs forwards Reqs until ctx is done, waiting for mut to be unlocked after each request.
func (b *Broker) GetReqs(ctx context.Context, _ string, mut *sync.Mutex) (<-chan msg.WalletReq, <-chan error, error) {
	out := make(chan msg.WalletReq)

	go func() {
		defer close(out)

		for {
			var r msg.WalletReq

			select {
			case <-ctx.Done():
				return
			case req, ok := <-b.Reqs:
				if !ok {
					return
				}

				r = req
			}

			select {
			case out <- r:
			case <-ctx.Done():
				return
			}

			mut.Lock()

			b.mu.Lock()
			b.acked++
			b.mu.Unlock()
		}
	}()

	return out, b.Errs, nil
}

// SendTopUp records e.
func (b *Broker) SendTopUp(_ string, e msg.TopUpEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.topUps = append(b.topUps, e)

	return b.Err
}

// SendLowBalance records e.
func (b *Broker) SendLowBalance(_ string, e msg.LowBalanceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lows = append(b.lows, e)

	return b.Err
}

// TopUps returns the published top-up events.
func (b *Broker) TopUps() []msg.TopUpEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]msg.TopUpEvent(nil), b.topUps...)
}

// LowBalances returns the published low-balance events.
func (b *Broker) LowBalances() []msg.LowBalanceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]msg.LowBalanceEvent(nil), b.lows...)
}

// Acked returns the number of acknowledged requests.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.acked
}
