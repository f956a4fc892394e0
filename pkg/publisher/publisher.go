package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config represents the configuration for the Publisher
type Config struct {
	URL      string
	Exchange string
	// Confirm puts the channel in confirm mode so Publish reports the
	// broker's ack instead of a successful write.
	Confirm bool
	AppID   string
}

// Publisher owns one lazily established connection and channel pair and
// publishes JSON events to the checkout exchange.
type Publisher struct {
	cfg    Config
	dial   broker.Dialer
	logger *logger.Logger

	mu       sync.Mutex
	conn     broker.Connection
	ch       broker.Channel
	confirms chan amqp.Confirmation
	seq      uint64
}

// New creates a Publisher. Nothing is dialled until the first call to
// EnsureConnected or Publish.
func New(cfg Config, dial broker.Dialer, log *logger.Logger) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = common.ExchangeName
	}
	if cfg.AppID == "" {
		cfg.AppID = common.RolePublisher
	}
	if log == nil {
		log = logger.Nop()
	}
	metrics.Register()

	return &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: log.With("role", common.RolePublisher),
	}
}

// EnsureConnected returns the live channel, establishing a new connection,
// channel and exchange declaration when there is none. It does not retry.
func (p *Publisher) EnsureConnected(ctx context.Context) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureLocked()
}

// IsConnected reports whether a live channel is cached.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil && !p.ch.IsClosed()
}

// Publish marshals message to JSON and publishes it as a persistent message
// with the given routing key. The returned bool is the broker's ack when
// confirms are enabled, otherwise true once the message was written.
// Failures are returned to the caller and never retried here.
func (p *Publisher) Publish(ctx context.Context, routingKey string, message any) (bool, error) {
	start := time.Now()

	body, err := json.Marshal(message)
	if err != nil {
		p.recordFailure(routingKey, "marshal")
		return false, errors.Wrap(err, "failed to marshal message")
	}

	msgID, err := uuid.NewV7()
	if err != nil {
		msgID = uuid.New()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureLocked()
	if err != nil {
		p.recordFailure(routingKey, "connect")
		p.logger.Error("failed to connect publisher", err, "exchange", p.cfg.Exchange, "routing_key", routingKey)
		return false, err
	}

	err = ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  common.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msgID.String(),
		AppId:        p.cfg.AppID,
		Body:         body,
	})
	if err != nil {
		if ch.IsClosed() {
			p.resetLocked()
		}
		p.recordFailure(routingKey, "publish")
		p.logger.Error("failed to publish message", err, "exchange", p.cfg.Exchange, "routing_key", routingKey)
		return false, errors.Wrapf(err, "failed to publish to %s with key %s", p.cfg.Exchange, routingKey)
	}

	acked := true
	if p.confirms != nil {
		p.seq++
		acked, err = p.awaitConfirmLocked(ctx, p.seq)
		if err != nil {
			p.recordFailure(routingKey, "confirm")
			p.logger.Error("publish confirmation failed", err, "exchange", p.cfg.Exchange, "routing_key", routingKey)
			return false, err
		}
	}

	metrics.PublishLatency.WithLabelValues(routingKey).Observe(time.Since(start).Seconds())
	if !acked {
		p.recordFailure(routingKey, "nack")
		p.logger.Warn("broker rejected message", "exchange", p.cfg.Exchange, "routing_key", routingKey, "message_id", msgID.String())
		return false, nil
	}

	metrics.EventsPublished.WithLabelValues(routingKey).Inc()
	p.logger.Debug("published message", "exchange", p.cfg.Exchange, "routing_key", routingKey, "message_id", msgID.String())
	return true, nil
}

// PublishCheckout publishes event under list.checkout.<subtype>.
func (p *Publisher) PublishCheckout(ctx context.Context, subtype string, event *common.CheckoutEvent) (bool, error) {
	if event == nil {
		return false, errors.Wrap(common.ErrInvalidEvent, "nil event")
	}
	if err := event.Validate(); err != nil {
		return false, err
	}
	return p.Publish(ctx, common.CheckoutRoutingKey(subtype), event)
}

// Close closes the channel and then the connection. Errors are logged, not
// returned, since this runs during teardown.
func (p *Publisher) Close() {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.conn, p.ch, p.confirms, p.seq = nil, nil, nil, 0
	p.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			p.logger.Warn("failed to close publisher channel", "error", err.Error())
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close publisher connection", "error", err.Error())
		}
	}
	p.logger.Info("publisher closed")
}

func (p *Publisher) ensureLocked() (broker.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to open channel")
	}
	if err := broker.DeclareExchange(ch, p.cfg.Exchange); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var confirms chan amqp.Confirmation
	if p.cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "failed to enable publisher confirms")
		}
		confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	p.conn, p.ch, p.confirms, p.seq = conn, ch, confirms, 0
	go p.watch(conn, closed)

	p.logger.Info("publisher connected", "exchange", p.cfg.Exchange, "confirms", p.cfg.Confirm)
	return ch, nil
}

// watch drops the cached pair once conn closes, unless it was already
// replaced.
func (p *Publisher) watch(conn broker.Connection, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if ok && amqpErr != nil {
		p.logger.Warn("publisher connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == conn {
		p.conn, p.ch, p.confirms, p.seq = nil, nil, nil, 0
	}
}

func (p *Publisher) resetLocked() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("discarding publisher connection", "error", err.Error())
		}
	}
	p.conn, p.ch, p.confirms, p.seq = nil, nil, nil, 0
}

// awaitConfirmLocked waits for the confirmation of publish number seq.
// Confirmations for earlier publishes whose wait was abandoned are skipped.
func (p *Publisher) awaitConfirmLocked(ctx context.Context, seq uint64) (bool, error) {
	for {
		select {
		case conf, ok := <-p.confirms:
			if !ok {
				p.resetLocked()
				return false, errors.Wrap(amqp.ErrClosed, "channel closed before confirmation")
			}
			if conf.DeliveryTag < seq {
				continue
			}
			return conf.Ack, nil
		case <-ctx.Done():
			return false, errors.Wrap(ctx.Err(), "waiting for publish confirmation")
		}
	}
}

func (p *Publisher) recordFailure(routingKey, errorType string) {
	metrics.PublishFailures.WithLabelValues(routingKey, errorType).Inc()
}
