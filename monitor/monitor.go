// Package monitor implements the monitor service.
//
// The monitor keeps the balances of the tracked wallets in the registry up to date and tops up every wallet found
// below the threshold. Balances are observed on two paths: live account subscriptions (push) and a periodic
// polling cycle (poll). Both paths ask the top-up executor for a transfer; the executor guarantees at most one
// top-up in flight per wallet.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

// Default values.
const (
	CheckIntervalDefault    = 60 * time.Second
	RateLimitBackoffDefault = 2 * time.Second
	TopUpPauseDefault       = 1 * time.Second
	ReadRateDefault         = 10 // balance reads per second
)

// TopUpper performs top-ups, see topup.Executor.
type TopUpper interface {
	AttemptTopUp(ctx context.Context, destination string) bool
}

// Params configures a Monitor. Broker, MasterReportCron and Registerer are optional; zero durations and rates take
// the defaults, a negative TopUpPause or ReadRate disables the pause or the read limit.
type Params struct {
	Chain            block.Chain
	Registry         store.Registry
	Audit            store.AuditLog
	Executor         TopUpper
	Broker           msg.MsgBroker
	Net              string
	Threshold        decimal.Decimal
	CheckInterval    time.Duration
	RateLimitBackoff time.Duration
	TopUpPause       time.Duration
	ReadRate         float64
	MasterReportCron string
	Log              *zap.Logger
	Registerer       prometheus.Registerer
}

// Monitor contains the data necessary to deliver the service.
type Monitor struct {
	chain     block.Chain
	reg       store.Registry
	audit     store.AuditLog
	exec      TopUpper
	mb        msg.MsgBroker
	net       string
	threshold decimal.Decimal
	interval  time.Duration
	backoff   time.Duration
	pause     time.Duration
	reads     *rate.Limiter
	cronSpec  string
	log       *zap.Logger
	m         *metrics

	regMu sync.Mutex // serializes registry load-modify-save sequences

	subMu sync.Mutex
	subs  map[string]block.Subscription

	stMu      sync.Mutex
	lastCycle time.Time
	lastErr   string
	cycles    uint64

	cron *cron.Cron
}

// New returns a monitor. Nothing is started until Setup or Run is called.
func New(p Params) *Monitor {
	m := &Monitor{
		chain:     p.Chain,
		reg:       p.Registry,
		audit:     p.Audit,
		exec:      p.Executor,
		mb:        p.Broker,
		net:       p.Net,
		threshold: p.Threshold,
		interval:  p.CheckInterval,
		backoff:   p.RateLimitBackoff,
		cronSpec:  p.MasterReportCron,
		log:       p.Log,
		m:         newMetrics(p.Registerer),
		subs:      make(map[string]block.Subscription),
	}

	if m.interval <= 0 {
		m.interval = CheckIntervalDefault
	}

	if m.backoff <= 0 {
		m.backoff = RateLimitBackoffDefault
	}

	switch {
	case p.TopUpPause == 0:
		m.pause = TopUpPauseDefault
	case p.TopUpPause > 0:
		m.pause = p.TopUpPause
	}

	switch {
	case p.ReadRate == 0:
		m.reads = rate.NewLimiter(ReadRateDefault, 1)
	case p.ReadRate < 0:
		m.reads = rate.NewLimiter(rate.Inf, 1)
	default:
		m.reads = rate.NewLimiter(rate.Limit(p.ReadRate), 1)
	}

	if m.log == nil {
		m.log = zap.NewNop()
	}

	return m
}

// Setup logs the master balance, reads the initial balance of every tracked wallet and subscribes to its balance
// changes. Failures for one wallet are logged and do not prevent the others.
func (m *Monitor) Setup(ctx context.Context) {
	m.ReportMaster(ctx)

	recs, err := m.reg.Load(ctx)
	if err != nil {
		m.log.Error("Cannot load wallet registry, no wallets tracked", zap.Error(err))
	}

	m.log.Info("Loaded wallet registry", zap.Int("wallets", len(recs)))

	for _, rec := range recs {
		m.track(ctx, rec)
	}
}

// Run sets the monitor up and then runs a polling cycle every check interval until ctx is done. The first cycle
// runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.Setup(ctx)

	if err := m.startReport(ctx); err != nil {
		m.log.Error("Cannot schedule master balance report", zap.String("spec", m.cronSpec), zap.Error(err))
	}

	defer m.Close()

	for {
		m.safeCycle(ctx)

		t := time.NewTimer(m.interval)

		select {
		case <-ctx.Done():
			t.Stop()
			m.log.Info("Monitor stopped")

			return
		case <-t.C:
		}
	}
}

// Close cancels every subscription and stops the report job.
func (m *Monitor) Close() {
	m.subMu.Lock()
	for addr, sub := range m.subs {
		sub.Unsubscribe()
		delete(m.subs, addr)
	}
	m.subMu.Unlock()

	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
}

// RunCycle refreshes the balance of every tracked wallet, saves the registry, subscribes again the wallets whose
// subscription was lost and tops up the wallets below the threshold, one at a time with a pause after each top-up. A
// wallet whose balance cannot be read keeps its cached balance.
func (m *Monitor) RunCycle(ctx context.Context) error {
	m.m.cycles.Inc()

	m.regMu.Lock()

	recs, err := m.reg.Load(ctx)
	if err != nil {
		m.regMu.Unlock()
		m.log.Error("Cannot load wallet registry, skipping cycle", zap.Error(err))

		return fmt.Errorf("monitor: load registry: %w", err)
	}

	for i := range recs {
		if ctx.Err() != nil {
			break
		}

		bal, err := m.readBalance(ctx, recs[i].Address)
		if err != nil {
			m.log.Error("Cannot read balance, keeping cached balance",
				zap.String("wallet", recs[i].Address),
				zap.String("cached", recs[i].Balance.String()),
				zap.Error(err))
			m.m.readErrors.WithLabelValues(recs[i].Address).Inc()

			continue
		}

		recs[i].Balance = bal
		m.m.walletBalance.WithLabelValues(recs[i].Address, recs[i].Name).Set(bal.InexactFloat64())
	}

	if err = m.reg.Save(ctx, recs); err != nil {
		m.log.Error("Cannot save wallet registry", zap.Error(err))
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}

		if ok, err := m.subscribe(ctx, rec); err != nil {
			m.log.Error("Cannot subscribe to balance changes", zap.String("wallet", rec.Address), zap.Error(err))
		} else if ok {
			m.log.Info("Subscribed to balance changes", zap.String("wallet", rec.Address),
				zap.String("name", rec.Label()))
		}
	}

	m.regMu.Unlock()

	toppedUp := false

	for _, rec := range recs {
		if !rec.Balance.LessThan(m.threshold) {
			continue
		}

		if toppedUp && !sleep(ctx, m.pause) {
			break
		}

		if ctx.Err() != nil {
			break
		}

		m.lowBalance(rec, rec.Balance)
		m.exec.AttemptTopUp(ctx, rec.Address)

		toppedUp = true
	}

	return nil
}

// sleep waits d or until ctx is done, it reports whether the whole wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// readBalance reads the balance of addr, retrying once after the backoff when the node rate limits or times out.
// Every read waits on the read limiter first.
func (m *Monitor) readBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	if err := m.reads.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	bal, err := m.chain.Balance(ctx, addr)
	if err == nil || !types.IsTransient(err) {
		return bal, err
	}

	m.log.Warn("Balance read rate limited, retrying", zap.String("wallet", addr), zap.Duration("backoff", m.backoff),
		zap.Error(err))

	if !sleep(ctx, m.backoff) {
		return decimal.Zero, ctx.Err()
	}

	if err = m.reads.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	return m.chain.Balance(ctx, addr)
}

// safeCycle runs a cycle, recording its outcome. Errors and panics end the cycle, never the loop.
func (m *Monitor) safeCycle(ctx context.Context) {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: panic in cycle: %v", r)
		}

		if err != nil {
			m.log.Error("Monitoring cycle failed", zap.Error(err))
			m.m.cycleErrors.Inc()
		}

		m.stMu.Lock()
		m.lastCycle = time.Now().UTC()
		m.cycles++

		m.lastErr = ""
		if err != nil {
			m.lastErr = err.Error()
		}
		m.stMu.Unlock()
	}()

	err = m.RunCycle(ctx)
}

// track reads the initial balance of rec and subscribes to its changes.
func (m *Monitor) track(ctx context.Context, rec store.WalletRecord) {
	log := m.log.With(zap.String("wallet", rec.Address), zap.String("name", rec.Label()))

	if bal, err := m.chain.Balance(ctx, rec.Address); err != nil {
		log.Error("Cannot read initial balance", zap.Error(err))
	} else {
		log.Info("Initial balance", zap.String("balance", bal.String()))
		m.m.walletBalance.WithLabelValues(rec.Address, rec.Name).Set(bal.InexactFloat64())
	}

	if _, err := m.subscribe(ctx, rec); err != nil {
		log.Error("Cannot subscribe to balance changes", zap.Error(err))
	}
}

// subscribe opens a balance subscription for rec unless there is a live one already. It reports whether a new
// subscription was opened.
func (m *Monitor) subscribe(ctx context.Context, rec store.WalletRecord) (bool, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if _, ok := m.subs[rec.Address]; ok {
		return false, nil
	}

	sub, err := m.chain.Subscribe(ctx, rec.Address, func(bal decimal.Decimal) {
		m.onBalance(ctx, rec, bal)
	})
	if err != nil {
		return false, err
	}

	m.subs[rec.Address] = sub

	go m.watch(rec, sub)

	return true, nil
}

// watch forgets sub once it ends so the next cycle subscribes again.
func (m *Monitor) watch(rec store.WalletRecord, sub block.Subscription) {
	<-sub.Done()

	m.subMu.Lock()
	cur, ok := m.subs[rec.Address]
	lost := ok && cur == sub

	if lost {
		delete(m.subs, rec.Address)
	}
	m.subMu.Unlock()

	if lost {
		m.log.Warn("Balance subscription lost, subscribing again on the next cycle", zap.String("wallet", rec.Address),
			zap.String("name", rec.Label()))
	}
}

// unsubscribe cancels the subscription for addr, if any.
func (m *Monitor) unsubscribe(addr string) bool {
	m.subMu.Lock()
	sub, ok := m.subs[addr]
	delete(m.subs, addr)
	m.subMu.Unlock()

	if ok {
		sub.Unsubscribe()
	}

	return ok
}

// onBalance handles a balance pushed by a subscription.
func (m *Monitor) onBalance(ctx context.Context, rec store.WalletRecord, bal decimal.Decimal) {
	m.log.Info("Balance update", zap.String("wallet", rec.Address), zap.String("name", rec.Label()),
		zap.String("balance", bal.String()))
	m.m.walletBalance.WithLabelValues(rec.Address, rec.Name).Set(bal.InexactFloat64())

	if bal.LessThan(m.threshold) {
		m.lowBalance(rec, bal)
		m.exec.AttemptTopUp(ctx, rec.Address)
	}
}

// lowBalance logs and publishes a low balance detection.
func (m *Monitor) lowBalance(rec store.WalletRecord, bal decimal.Decimal) {
	m.log.Warn("Low balance detected", zap.String("wallet", rec.Address), zap.String("name", rec.Label()),
		zap.String("balance", bal.String()), zap.String("threshold", m.threshold.String()))
	m.m.lowBalance.WithLabelValues(rec.Address).Inc()

	if m.mb == nil {
		return
	}

	if err := m.mb.SendLowBalance(m.net, msg.LowBalanceEvent{
		Wallet:    rec.Address,
		Name:      rec.Name,
		Balance:   bal.String(),
		Threshold: m.threshold.String(),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("Cannot publish low balance event", zap.String("wallet", rec.Address), zap.Error(err))
	}
}

// Subscribed returns the number of wallets with a live subscription.
func (m *Monitor) Subscribed() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	return len(m.subs)
}
