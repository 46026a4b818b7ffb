// Package blocktest provides an in-memory block.Chain for tests.
package blocktest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
)

// Transfer is a transfer performed by Fake.Send.
type Transfer struct {
	To        string
	Amount    decimal.Decimal
	Signature string
}

// Fake is an in-memory chain. Balances not set are zero.
type Fake struct {
	MasterAddr string
	SendErr    error
	SendDelay  time.Duration

	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	errs      map[string][]error
	calls     map[string]int
	transfers []Transfer
	subs      map[string]map[int]*sub
	nextSub   int
	closed    bool
}

// NewFake returns a chain whose master account holds balance.
func NewFake(master string, balance decimal.Decimal) *Fake {
	return &Fake{
		MasterAddr: master,
		balances:   map[string]decimal.Decimal{master: balance},
		errs:       make(map[string][]error),
		calls:      make(map[string]int),
		subs:       make(map[string]map[int]*sub),
	}
}

// SetBalance sets the balance of addr.
func (f *Fake) SetBalance(addr string, bal decimal.Decimal) {
	f.mu.Lock()
	f.balances[addr] = bal
	f.mu.Unlock()
}

// FailBalance makes the next Balance calls for addr return errs, in order.
func (f *Fake) FailBalance(addr string, errs ...error) {
	f.mu.Lock()
	f.errs[addr] = append(f.errs[addr], errs...)
	f.mu.Unlock()
}

// BalanceCalls returns how many times Balance was called for addr.
func (f *Fake) BalanceCalls(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[addr]
}

// Transfers returns the transfers performed so far.
func (f *Fake) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Transfer(nil), f.transfers...)
}

// Subscribers returns the number of live subscriptions for addr.
func (f *Fake) Subscribers(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subs[addr])
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// Push sets the balance of addr and notifies its subscribers synchronously.
func (f *Fake) Push(addr string, bal decimal.Decimal) {
	f.mu.Lock()
	f.balances[addr] = bal

	fns := make([]func(decimal.Decimal), 0, len(f.subs[addr]))
	for _, s := range f.subs[addr] {
		fns = append(fns, s.fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(bal)
	}
}

// Drop ends every subscription for addr as a lost connection would.
func (f *Fake) Drop(addr string) {
	f.mu.Lock()
	subs := make([]*sub, 0, len(f.subs[addr]))
	for _, s := range f.subs[addr] {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Close marks the chain closed.
func (f *Fake) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Master returns the master address.
func (f *Fake) Master() string {
	return f.MasterAddr
}

// Balance returns the balance of account or the next queued error.
func (f *Fake) Balance(_ context.Context, account string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[account]++

	if errs := f.errs[account]; len(errs) > 0 {
		f.errs[account] = errs[1:]
		return decimal.Zero, errs[0]
	}

	return f.balances[account], nil
}

// Subscribe registers fn for account.
func (f *Fake) Subscribe(_ context.Context, account string, fn func(decimal.Decimal)) (types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[account] == nil {
		f.subs[account] = make(map[int]*sub)
	}

	s := &sub{f: f, account: account, id: f.nextSub, fn: fn, done: make(chan struct{})}
	f.nextSub++
	f.subs[account][s.id] = s

	return s, nil
}

// Send moves amount from the master account to the given account after SendDelay.
func (f *Fake) Send(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if f.SendDelay > 0 {
		select {
		case <-time.After(f.SendDelay):
		case <-ctx.Done():
			return "", types.ErrConfirmTimeout
		}
	}

	if f.SendErr != nil {
		return "", f.SendErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sig := fmt.Sprintf("sig-%d", len(f.transfers)+1)
	f.transfers = append(f.transfers, Transfer{To: to, Amount: amount, Signature: sig})
	f.balances[f.MasterAddr] = f.balances[f.MasterAddr].Sub(amount)
	f.balances[to] = f.balances[to].Add(amount)

	return sig, nil
}

type sub struct {
	f       *Fake
	account string
	id      int
	fn      func(decimal.Decimal)
	once    sync.Once
	done    chan struct{}
}

func (s *sub) Unsubscribe() {
	s.once.Do(func() {
		s.f.mu.Lock()
		delete(s.f.subs[s.account], s.id)
		s.f.mu.Unlock()

		close(s.done)
	})
}

func (s *sub) Done() <-chan struct{} {
	return s.done
}
