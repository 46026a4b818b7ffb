// Package topup transfers a fixed amount from the master account to a tracked wallet, at most once at a time per
// wallet, and records every confirmed transfer in the audit log.
package topup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
	"github.com/kaanhar/auto-topup-burner-wallets/monitor/inflight"
)

// ConfirmTimeoutDefault bounds the wait for a transfer confirmation.
const ConfirmTimeoutDefault = 60 * time.Second

// Results of a top-up attempt, used as metric label.
const (
	ResultSuccess      = "success"
	ResultDuplicate    = "duplicate"
	ResultInsufficient = "insufficient"
	ResultFailed       = "failed"
)

// Funder is the part of block.Chain the executor needs.
type Funder interface {
	Master() string
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
	Send(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

// Params configures an Executor. Broker and Registerer are optional.
type Params struct {
	Chain          Funder
	Audit          store.AuditLog
	Guard          inflight.Guard
	Broker         msg.MsgBroker
	Net            string
	Amount         decimal.Decimal
	Reserve        decimal.Decimal
	ConfirmTimeout time.Duration
	Log            *zap.Logger
	Registerer     prometheus.Registerer
}

// Executor performs top-ups.
type Executor struct {
	chain          Funder
	audit          store.AuditLog
	guard          inflight.Guard
	mb             msg.MsgBroker
	net            string
	amount         decimal.Decimal
	reserve        decimal.Decimal
	confirmTimeout time.Duration
	log            *zap.Logger
	attempts       *prometheus.CounterVec
}

// New returns an executor. The master account must keep Reserve on top of Amount for a top-up to be attempted.
func New(p Params) *Executor {
	e := &Executor{
		chain:          p.Chain,
		audit:          p.Audit,
		guard:          p.Guard,
		mb:             p.Broker,
		net:            p.Net,
		amount:         p.Amount,
		reserve:        p.Reserve,
		confirmTimeout: p.ConfirmTimeout,
		log:            p.Log,
	}

	if e.guard == nil {
		e.guard = inflight.NewMemory()
	}

	if e.confirmTimeout <= 0 {
		e.confirmTimeout = ConfirmTimeoutDefault
	}

	if e.log == nil {
		e.log = zap.NewNop()
	}

	reg := p.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e.attempts = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "topup_attempts_total",
		Help: "Top-up attempts by result.",
	}, []string{"result"})

	return e
}

// AttemptTopUp sends the configured amount to destination and reports whether a confirmed transfer took place. An
// attempt for a destination that already has one in flight is dropped. Failures are logged, never returned.
func (e *Executor) AttemptTopUp(ctx context.Context, destination string) bool {
	log := e.log.With(zap.String("wallet", destination))

	ok, err := e.guard.TryAcquire(ctx, destination)
	if err != nil {
		log.Error("Cannot check in-flight top-ups", zap.Error(err))
		e.attempts.WithLabelValues(ResultFailed).Inc()

		return false
	}

	if !ok {
		log.Info("Top-up already in progress, skipping duplicate top-up")
		e.attempts.WithLabelValues(ResultDuplicate).Inc()

		return false
	}

	defer func() {
		if err := e.guard.Release(context.WithoutCancel(ctx), destination); err != nil {
			log.Error("Cannot release in-flight top-up", zap.Error(err))
		}
	}()

	bal, err := e.chain.Balance(ctx, e.chain.Master())
	if err != nil {
		log.Error("Cannot read master balance", zap.Error(err))
		e.attempts.WithLabelValues(ResultFailed).Inc()

		return false
	}

	required := e.amount.Add(e.reserve)
	if bal.LessThan(required) {
		log.Error("Insufficient master balance for top-up",
			zap.String("master", e.chain.Master()),
			zap.String("balance", bal.String()),
			zap.String("required", required.String()))
		e.attempts.WithLabelValues(ResultInsufficient).Inc()

		return false
	}

	// the confirmation wait is bounded by its own timeout, not by the caller's cancellation
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.confirmTimeout)
	defer cancel()

	sig, err := e.chain.Send(sendCtx, destination, e.amount)
	if err != nil {
		log.Error("Top-up failed", zap.String("amount", e.amount.String()), zap.Error(err))
		e.attempts.WithLabelValues(ResultFailed).Inc()

		return false
	}

	now := time.Now().UTC()

	if err = e.audit.Append(context.WithoutCancel(ctx), store.AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Wallet:      destination,
		Amount:      e.amount,
		Transaction: sig,
	}); err != nil {
		log.Error("Cannot record top-up in audit log", zap.String("transaction", sig), zap.Error(err))
	}

	log.Info("Topped up wallet", zap.String("amount", e.amount.String()), zap.String("transaction", sig))
	e.attempts.WithLabelValues(ResultSuccess).Inc()

	if e.mb != nil {
		if err = e.mb.SendTopUp(e.net, msg.TopUpEvent{
			Wallet:      destination,
			Amount:      e.amount.String(),
			Transaction: sig,
			Timestamp:   now,
		}); err != nil {
			log.Warn("Cannot publish top-up event", zap.Error(err))
		}
	}

	return true
}
