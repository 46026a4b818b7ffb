// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
)

// Exchanges declared by Setup.
const (
	WalletRequests = "wr" // wallet requests consumed by the monitor
	MonitorEvents  = "me" // top-up and low-balance events published by the monitor
)

// Amqp implements a connection to a broker and a publishing channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu sync.Mutex // protects ch
	ch *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (*Amqp, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}

	log.Info("Connected to message broker", zap.String("host", conn.Config.Vhost))

	return &Amqp{conn: conn, log: log}, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - wr ("wallet requests"): wallet requests are published to this exchange
//
// - me ("monitor events"): the monitor publishes top-up and low-balance events to this exchange
func (r *Amqp) Setup(interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: channel: %w", err)
	}
	defer channel.Close()

	for _, ex := range []string{WalletRequests, MonitorEvents} {
		if err = channel.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp: declare %s: %w", ex, err)
		}
	}

	return nil
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("Error closing amqp.Channel", zap.Error(err))
		}

		r.ch = nil
	}
	r.mu.Unlock()

	return r.conn.Close()
}

// SendTopUp publishes a top-up event to the "me" exchange.
func (r *Amqp) SendTopUp(net string, e msg.TopUpEvent) error {
	return r.publish(MonitorEvents, net+".topup."+e.Wallet, "x-topup-name", e)
}

// SendLowBalance publishes a low-balance event to the "me" exchange.
func (r *Amqp) SendLowBalance(net string, e msg.LowBalanceEvent) error {
	return r.publish(MonitorEvents, net+".low."+e.Wallet, "x-low-name", e)
}

// SendRequest publishes a new wallet request to the "wr" exchange
func (r *Amqp) SendRequest(net string, wr msg.WalletReq) error {
	return r.publish(WalletRequests, net+"."+strconv.Itoa(wr.Type)+"."+wr.Obj, "x-wreq-name", wr)
}

func (r *Amqp) publish(exchange, key, header string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("amqp: encode: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return fmt.Errorf("amqp: channel: %w", err)
		}
	}

	m := amqp.Publishing{
		Headers:     amqp.Table{header: key},
		Body:        body,
		ContentType: "application/json",
	}

	if err = r.ch.Publish(exchange, key, false, false, m); err != nil {
		// drop the channel, a failed publish may have closed it
		r.ch = nil

		return fmt.Errorf("amqp: publish %s: %w", key, err)
	}

	return nil
}

// GetReqs consumes requests from the "wr" exchange for the specified network pushing them to the returned channel.
// The Mutex pointer is provided to ensure the consumed message has been fully dealt with by the management
// function, so the message consumed is only acknowledged when the mutex is unlocked. Consuming stops and the
// returned channels are closed when ctx is done.
func (r *Amqp) GetReqs(ctx context.Context, net string, mut *sync.Mutex) (<-chan msg.WalletReq, <-chan error, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp: channel: %w", err)
	}

	if _, err = ch.QueueDeclare(WalletRequests+net, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp: queue: %w", err)
	}

	if err = ch.QueueBind(WalletRequests+net, net+".*.*", WalletRequests, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp: bind: %w", err)
	}

	msgs, err := ch.Consume(WalletRequests+net, "monitor-"+net, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("amqp: consume: %w", err)
	}

	reqs := make(chan msg.WalletReq)
	errs := make(chan error)

	go func() {
		defer func() {
			// unacked deliveries are requeued by the broker
			if err := ch.Close(); err != nil {
				r.log.Warn("Error closing amqp.Channel", zap.String("net", net), zap.Error(err))
			}
		}()

		relay(ctx, msgs, reqs, errs, mut, r.log.With(zap.String("net", net)))
	}()

	return reqs, errs, nil
}

// relay decodes deliveries into reqs until msgs is closed or ctx is done. Each request is acknowledged after the
// consumer unlocks mut; malformed ones are rejected without requeue and reported on errs.
func relay(ctx context.Context, msgs <-chan amqp.Delivery, reqs chan<- msg.WalletReq, errs chan<- error,
	mut *sync.Mutex, log *zap.Logger) {
	defer close(reqs)
	defer close(errs)

	for {
		var m amqp.Delivery

		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}

			m = d
		}

		var req msg.WalletReq

		if err := json.Unmarshal(m.Body, &req); err != nil {
			// a malformed request will never decode, do not requeue it
			_ = m.Nack(false, false)

			select {
			case errs <- err:
			case <-ctx.Done():
				return
			}

			continue
		}

		select {
		case reqs <- req:
		case <-ctx.Done():
			return
		}

		mut.Lock() // wait for the monitor to finish processing the request

		if err := m.Ack(false); err != nil {
			log.Warn("Error acknowledging wallet request", zap.Error(err))
		}
	}
}
