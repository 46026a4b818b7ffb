package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/blocktest"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg/msgtest"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store/storetest"
	"github.com/kaanhar/auto-topup-burner-wallets/monitor/inflight"
	"github.com/kaanhar/auto-topup-burner-wallets/topup"
)

const (
	master  = "Master111"
	testNet = "solana-devnet"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	chain *blocktest.Fake
	reg   *storetest.Registry
	audit *storetest.AuditLog
	mb    *msgtest.Broker
	p     Params
	mon   *Monitor
}

func newFixture(t *testing.T, masterBalance string, recs ...store.WalletRecord) *fixture {
	t.Helper()

	f := &fixture{
		chain: blocktest.NewFake(master, dec(masterBalance)),
		reg:   storetest.NewRegistry(recs...),
		audit: &storetest.AuditLog{},
		mb:    msgtest.New(),
	}

	for _, r := range recs {
		f.chain.SetBalance(r.Address, r.Balance)
	}

	exec := topup.New(topup.Params{
		Chain:          f.chain,
		Audit:          f.audit,
		Guard:          inflight.NewMemory(),
		Net:            testNet,
		Amount:         dec("0.02"),
		Reserve:        dec("0.01"),
		ConfirmTimeout: 5 * time.Second,
	})

	f.p = Params{
		Chain:            f.chain,
		Registry:         f.reg,
		Audit:            f.audit,
		Executor:         exec,
		Broker:           f.mb,
		Net:              testNet,
		Threshold:        dec("0.01"),
		CheckInterval:    20 * time.Millisecond,
		RateLimitBackoff: time.Millisecond,
		TopUpPause:       -1,
		ReadRate:         -1,
	}

	f.mon = New(f.p)

	t.Cleanup(func() { f.mon.Close() })

	return f
}

// with replaces the monitor by one built with the fixture params changed by fn.
func (f *fixture) with(fn func(p *Params)) {
	f.mon.Close()

	fn(&f.p)
	f.mon = New(f.p)
}

func (f *fixture) entries(t *testing.T) []store.AuditEntry {
	t.Helper()

	es, err := f.audit.Entries(context.Background())
	require.NoError(t, err)

	return es
}

func balanceOf(t *testing.T, recs []store.WalletRecord, addr string) decimal.Decimal {
	t.Helper()

	i := store.Find(recs, addr)
	require.GreaterOrEqual(t, i, 0, addr)

	return recs[i].Balance
}

func TestRunCycleTopsUpLowWallet(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Low", Name: "low", Balance: dec("1")})
	f.chain.SetBalance("Low", dec("0.005"))

	require.NoError(t, f.mon.RunCycle(context.Background()))

	tr := f.chain.Transfers()
	require.Len(t, tr, 1)
	assert.Equal(t, "Low", tr[0].To)
	assert.True(t, tr[0].Amount.Equal(dec("0.02")))

	es := f.entries(t)
	require.Len(t, es, 1)
	assert.Equal(t, "Low", es[0].Wallet)

	// the refreshed balance was persisted
	assert.True(t, balanceOf(t, f.reg.Records(), "Low").Equal(dec("0.005")))
	assert.Equal(t, 1, f.reg.Saves())

	lows := f.mb.LowBalances()
	require.Len(t, lows, 1)
	assert.Equal(t, "0.005", lows[0].Balance)
}

func TestRunCycleAtOrAboveThreshold(t *testing.T) {
	f := newFixture(t, "1",
		store.WalletRecord{Address: "Exact", Balance: dec("0.01")},
		store.WalletRecord{Address: "Rich", Balance: dec("0.5")},
	)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.mon.RunCycle(context.Background()))
	}

	assert.Empty(t, f.chain.Transfers())
	assert.Empty(t, f.entries(t))
	assert.Empty(t, f.mb.LowBalances())
}

func TestRunCycleTransientErrorsKeepCachedBalance(t *testing.T) {
	f := newFixture(t, "1",
		store.WalletRecord{Address: "Flaky", Balance: dec("0.5")},
		store.WalletRecord{Address: "Low", Balance: dec("0.5")},
	)
	f.chain.SetBalance("Flaky", decimal.Zero)
	f.chain.SetBalance("Low", dec("0.005"))
	f.chain.FailBalance("Flaky", types.ErrRateLimited, types.ErrRateLimited)

	require.NoError(t, f.mon.RunCycle(context.Background()))

	assert.Equal(t, 2, f.chain.BalanceCalls("Flaky"), "one retry after the backoff")

	recs := f.reg.Records()
	assert.True(t, balanceOf(t, recs, "Flaky").Equal(dec("0.5")), "cached balance kept")
	assert.True(t, balanceOf(t, recs, "Low").Equal(dec("0.005")))

	// the other wallet was still processed
	tr := f.chain.Transfers()
	require.Len(t, tr, 1)
	assert.Equal(t, "Low", tr[0].To)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.mon.m.readErrors.WithLabelValues("Flaky")))
}

func TestRunCycleTransientErrorRecovers(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Flaky", Balance: dec("0.5")})
	f.chain.SetBalance("Flaky", dec("0.7"))
	f.chain.FailBalance("Flaky", types.ErrTimeout)

	require.NoError(t, f.mon.RunCycle(context.Background()))

	assert.Equal(t, 2, f.chain.BalanceCalls("Flaky"))
	assert.True(t, balanceOf(t, f.reg.Records(), "Flaky").Equal(dec("0.7")))
}

func TestRunCyclePersistentErrorNoRetry(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Bad", Balance: dec("0.5")})
	f.chain.FailBalance("Bad", types.ErrBadAddress)

	require.NoError(t, f.mon.RunCycle(context.Background()))

	assert.Equal(t, 1, f.chain.BalanceCalls("Bad"))
	assert.True(t, balanceOf(t, f.reg.Records(), "Bad").Equal(dec("0.5")))
	assert.Empty(t, f.chain.Transfers())
}

func TestRunCycleRegistryErrors(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Low", Balance: dec("0.005")})

	f.reg.LoadErr = errors.New("corrupt registry")
	assert.Error(t, f.mon.RunCycle(context.Background()))
	assert.Equal(t, 0, f.reg.Saves(), "a failed load never overwrites the registry")
	assert.Empty(t, f.chain.Transfers())

	// a failed save does not stop the top-ups
	f.reg.LoadErr = nil
	f.reg.SaveErr = errors.New("disk full")
	assert.NoError(t, f.mon.RunCycle(context.Background()))
	assert.Len(t, f.chain.Transfers(), 1)
}

func TestRunCycleInsufficientMaster(t *testing.T) {
	f := newFixture(t, "0.005", store.WalletRecord{Address: "Low", Balance: dec("0.001")})

	require.NoError(t, f.mon.RunCycle(context.Background()))

	assert.Empty(t, f.chain.Transfers())
	assert.Empty(t, f.entries(t))
}

func TestSetupAndPush(t *testing.T) {
	f := newFixture(t, "1",
		store.WalletRecord{Address: "A", Name: "a", Balance: dec("0.5")},
		store.WalletRecord{Address: "B", Name: "b", Balance: dec("0.5")},
	)

	f.mon.Setup(context.Background())
	assert.Equal(t, 2, f.mon.Subscribed())
	assert.Equal(t, 1, f.chain.Subscribers("A"))

	f.chain.Push("A", dec("0.2"))
	assert.Empty(t, f.chain.Transfers())

	f.chain.Push("A", dec("0.009"))

	tr := f.chain.Transfers()
	require.Len(t, tr, 1)
	assert.Equal(t, "A", tr[0].To)

	// Setup twice does not duplicate subscriptions
	f.mon.Setup(context.Background())
	assert.Equal(t, 1, f.chain.Subscribers("A"))

	f.mon.Close()
	assert.Equal(t, 0, f.mon.Subscribed())
	assert.Equal(t, 0, f.chain.Subscribers("A"))
}

func TestSetupRegistryError(t *testing.T) {
	f := newFixture(t, "1")
	f.reg.LoadErr = errors.New("corrupt registry")

	f.mon.Setup(context.Background())
	assert.Equal(t, 0, f.mon.Subscribed())
}

func TestPushAndPollRace(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Low", Balance: dec("0.5")})
	f.chain.SendDelay = 200 * time.Millisecond

	f.mon.Setup(context.Background())
	f.chain.SetBalance("Low", dec("0.005"))

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		f.chain.Push("Low", dec("0.005"))
	}()

	go func() {
		defer wg.Done()
		assert.NoError(t, f.mon.RunCycle(context.Background()))
	}()

	wg.Wait()

	assert.Len(t, f.chain.Transfers(), 1)
	assert.Len(t, f.entries(t), 1)
}

type panicker struct{}

func (panicker) AttemptTopUp(context.Context, string) bool { panic("boom") }

func TestRunRecoversAndStops(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Low", Balance: dec("0.005")})
	f.mon.exec = panicker{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		f.mon.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.mon.Health(context.Background()).Cycles >= 3 },
		2*time.Second, 5*time.Millisecond)

	h := f.mon.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.LastError, "boom")

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, 0, f.chain.Subscribers("Low"))
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Low", Balance: dec("0.005")})
	f.mon.Setup(context.Background())
	f.mon.safeCycle(context.Background())

	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(f.mon.Router(reg))

	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)

	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)

	h := f.mon.Health(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Wallets)
	assert.Equal(t, uint64(1), h.Cycles)
	require.NotNil(t, h.TopUps)
	assert.Equal(t, 1, *h.TopUps)

	res2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}

func TestReportMaster(t *testing.T) {
	f := newFixture(t, "2.5")

	f.mon.ReportMaster(context.Background())
	assert.Equal(t, 2.5, testutil.ToFloat64(f.mon.m.masterBalance))

	f.mon.cronSpec = "not a schedule"
	assert.Error(t, f.mon.startReport(context.Background()))

	f.mon.cronSpec = "@hourly"
	require.NoError(t, f.mon.startReport(context.Background()))
	assert.NotNil(t, f.mon.cron)
}

func TestManageWalletRequests(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "Old", Balance: dec("0.5")})
	f.chain.SetBalance("New", dec("0.3"))
	f.chain.FailBalance("Bad!", types.ErrBadAddress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.mon.ManageWalletRequests(ctx))

	send := func(r msg.WalletReq, acked int) {
		f.mb.Reqs <- r

		assert.Eventually(t, func() bool { return f.mb.Acked() == acked }, time.Second, time.Millisecond)
	}

	send(msg.WalletReq{Net: testNet, Type: msg.ADDRESS, Obj: "New", Name: "new", Act: msg.LISTEN}, 1)

	recs := f.reg.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "new", recs[1].Name)
	assert.True(t, recs[1].Balance.Equal(dec("0.3")))
	assert.Equal(t, 1, f.chain.Subscribers("New"))

	// requests for other networks, malformed addresses and unknown actions are ignored
	send(msg.WalletReq{Net: "other", Type: msg.ADDRESS, Obj: "X", Act: msg.LISTEN}, 2)
	send(msg.WalletReq{Net: testNet, Type: msg.ADDRESS, Obj: "Bad!", Act: msg.LISTEN}, 3)
	send(msg.WalletReq{Net: testNet, Type: msg.ADDRESS, Obj: "X", Act: 7}, 4)
	assert.Len(t, f.reg.Records(), 2)

	send(msg.WalletReq{Net: testNet, Type: msg.ADDRESS, Obj: "New", Act: msg.UNLISTEN}, 5)

	recs = f.reg.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "Old", recs[0].Address)
	assert.Equal(t, 0, f.chain.Subscribers("New"))

	f.mon.mb = nil
	assert.ErrorIs(t, f.mon.ManageWalletRequests(ctx), ErrNoBroker)
}

// slowExec records when each top-up starts and ends.
type slowExec struct {
	d time.Duration

	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
	dest   []string
}

func (e *slowExec) AttemptTopUp(_ context.Context, destination string) bool {
	e.mu.Lock()
	e.starts = append(e.starts, time.Now())
	e.dest = append(e.dest, destination)
	e.mu.Unlock()

	time.Sleep(e.d)

	e.mu.Lock()
	e.ends = append(e.ends, time.Now())
	e.mu.Unlock()

	return true
}

func TestRunCyclePausesAfterEachTopUp(t *testing.T) {
	f := newFixture(t, "1",
		store.WalletRecord{Address: "A", Balance: dec("0.001")},
		store.WalletRecord{Address: "B", Balance: dec("0.002")},
		store.WalletRecord{Address: "C", Balance: dec("0.003")},
	)

	exec := &slowExec{d: 150 * time.Millisecond}

	f.with(func(p *Params) {
		p.Executor = exec
		p.TopUpPause = 100 * time.Millisecond
	})

	start := time.Now()
	require.NoError(t, f.mon.RunCycle(context.Background()))

	require.Equal(t, []string{"A", "B", "C"}, exec.dest)
	assert.Less(t, exec.starts[0].Sub(start), 90*time.Millisecond, "no pause before the first top-up")

	for i := 1; i < len(exec.starts); i++ {
		gap := exec.starts[i].Sub(exec.ends[i-1])
		assert.GreaterOrEqual(t, gap, 90*time.Millisecond, "pause after top-up %d", i)
	}
}

func TestRunCyclePauseCancelled(t *testing.T) {
	f := newFixture(t, "1",
		store.WalletRecord{Address: "A", Balance: dec("0.001")},
		store.WalletRecord{Address: "B", Balance: dec("0.002")},
	)

	exec := &slowExec{}

	f.with(func(p *Params) {
		p.Executor = exec
		p.TopUpPause = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan struct{})

	go func() {
		assert.NoError(t, f.mon.RunCycle(ctx))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCycle did not return after cancellation")
	}

	assert.Equal(t, []string{"A"}, exec.dest)
}

func TestRunCycleReadRate(t *testing.T) {
	f := newFixture(t, "1",
		store.WalletRecord{Address: "A", Balance: dec("0.5")},
		store.WalletRecord{Address: "B", Balance: dec("0.5")},
		store.WalletRecord{Address: "C", Balance: dec("0.5")},
		store.WalletRecord{Address: "D", Balance: dec("0.5")},
	)

	f.with(func(p *Params) { p.ReadRate = 20 })

	start := time.Now()
	require.NoError(t, f.mon.RunCycle(context.Background()))

	// burst of one, then a read every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Equal(t, 1, f.chain.BalanceCalls("D"))
}

func TestRunCycleSubscribesAgainAfterLoss(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "A", Balance: dec("0.5")})

	f.mon.Setup(context.Background())
	require.Equal(t, 1, f.chain.Subscribers("A"))

	f.chain.Drop("A")

	assert.Eventually(t, func() bool { return f.mon.Subscribed() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "ok", f.mon.Health(context.Background()).Status)

	require.NoError(t, f.mon.RunCycle(context.Background()))
	assert.Equal(t, 1, f.mon.Subscribed())
	assert.Equal(t, 1, f.chain.Subscribers("A"))

	// the new subscription serves pushes again
	f.chain.Push("A", dec("0.001"))
	require.Len(t, f.chain.Transfers(), 1)

	// a live subscription is not duplicated
	require.NoError(t, f.mon.RunCycle(context.Background()))
	assert.Equal(t, 1, f.chain.Subscribers("A"))
}

func TestRunCycleDoesNotResubscribeRemovedWallet(t *testing.T) {
	f := newFixture(t, "1", store.WalletRecord{Address: "A", Balance: dec("0.5")})

	f.mon.Setup(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.mon.ManageWalletRequests(ctx))

	f.mb.Reqs <- msg.WalletReq{Net: testNet, Type: msg.ADDRESS, Obj: "A", Act: msg.UNLISTEN}

	assert.Eventually(t, func() bool { return f.mb.Acked() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.mon.RunCycle(context.Background()))
	assert.Equal(t, 0, f.chain.Subscribers("A"))
	assert.Equal(t, 0, f.mon.Subscribed())
}
