package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/metrics"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultReconnectDelay = 5 * time.Second

// EventHandler processes one decoded checkout event. A returned error, or a
// panic, makes the delivery go back to the queue.
type EventHandler func(ctx context.Context, event *common.CheckoutEvent) error

// State of the connect/consume loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// Config represents the configuration for a Consumer
type Config struct {
	Role       string
	URL        string
	Queue      string
	Exchange   string
	BindingKey string
	// ReconnectDelay is the fixed wait between sessions. Attempts are
	// unbounded.
	ReconnectDelay time.Duration
	// Prefetch limits unacknowledged deliveries; zero leaves Qos unset.
	Prefetch    int
	ConsumerTag string
}

// Consumer binds a durable queue to the checkout exchange and feeds every
// delivery to its handler, acknowledging manually.
type Consumer struct {
	cfg     Config
	dial    broker.Dialer
	handler EventHandler
	logger  *logger.Logger
	health  *ConsumerHealth
	state   atomic.Int32
}

// New creates a Consumer
func New(cfg Config, dial broker.Dialer, handler EventHandler, log *logger.Logger) (*Consumer, error) {
	if cfg.Queue == "" {
		return nil, errors.New("queue is required")
	}
	if dial == nil {
		return nil, errors.New("dialer is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.Role == "" {
		cfg.Role = cfg.Queue
	}
	if cfg.Exchange == "" {
		cfg.Exchange = common.ExchangeName
	}
	if cfg.BindingKey == "" {
		cfg.BindingKey = common.CheckoutBindingKey
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	metrics.Register()

	c := &Consumer{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		logger:  log.With("role", cfg.Role),
		health:  &ConsumerHealth{},
	}
	c.setState(StateDisconnected)
	return c, nil
}

// State returns the current state of the loop.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// IsHealthy reports false only after repeated failed sessions.
func (c *Consumer) IsHealthy() bool {
	return c.health.GetHealth()
}

// Run consumes until ctx is cancelled. A failed session, including a failed
// first connect, is retried after the fixed reconnect delay, forever.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer",
		"queue", c.cfg.Queue,
		"exchange", c.cfg.Exchange,
		"binding_key", c.cfg.BindingKey)
	defer c.health.Shutdown()

	for {
		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped", "queue", c.cfg.Queue)
			return nil
		}

		c.health.SetHealth(false)
		metrics.Reconnects.WithLabelValues(c.cfg.Role).Inc()
		c.logger.Error("consumer session ended, scheduling reconnect", err,
			"queue", c.cfg.Queue,
			"delay", c.cfg.ReconnectDelay.String())

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("consumer stopped", "queue", c.cfg.Queue)
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connect/declare/consume cycle. It returns nil only when
// ctx is cancelled.
func (c *Consumer) session(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to broker")
	}
	defer func() {
		// unacked deliveries are requeued by the broker
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				c.logger.Warn("failed to close connection", "error", err.Error())
			}
		}
	}()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open channel")
	}

	topology := broker.Topology{
		Exchange:   c.cfg.Exchange,
		Queue:      c.cfg.Queue,
		BindingKey: c.cfg.BindingKey,
	}
	if err := broker.DeclareConsumerTopology(ch, topology); err != nil {
		return err
	}
	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return errors.Wrapf(err, "failed to set prefetch %d", c.cfg.Prefetch)
		}
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume from %s", c.cfg.Queue)
	}

	c.setState(StateConsuming)
	c.health.SetHealth(true)
	c.logger.Info("consuming", "queue", c.cfg.Queue, "binding_key", c.cfg.BindingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return errors.Wrap(amqpErr, "connection lost")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	queue := c.cfg.Queue
	metrics.DeliveriesReceived.WithLabelValues(queue).Inc()
	start := time.Now()

	event, err := common.DecodeCheckoutEvent(d.Body)
	if err != nil {
		c.nack(d, "parse", err)
		return
	}

	err = c.handle(ctx, event)
	metrics.HandlerLatency.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	if err != nil {
		c.nack(d, "handler", err)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery", err,
			"queue", queue,
			"routing_key", d.RoutingKey,
			"delivery_tag", d.DeliveryTag)
		return
	}
	metrics.DeliveriesAcked.WithLabelValues(queue).Inc()
	c.logger.Debug("delivery acked",
		"queue", queue,
		"routing_key", d.RoutingKey,
		"list_id", event.ListID)
}

func (c *Consumer) handle(ctx context.Context, event *common.CheckoutEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, event)
}

func (c *Consumer) nack(d amqp.Delivery, reason string, cause error) {
	metrics.DeliveriesNacked.WithLabelValues(c.cfg.Queue, reason).Inc()
	c.logger.Error("failed to process delivery, requeueing", cause,
		"queue", c.cfg.Queue,
		"routing_key", d.RoutingKey,
		"delivery_tag", d.DeliveryTag,
		"redelivered", d.Redelivered,
		"reason", reason)

	if err := d.Nack(false, true); err != nil {
		c.logger.Error("failed to nack delivery", err,
			"queue", c.cfg.Queue,
			"delivery_tag", d.DeliveryTag)
	}
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	metrics.ConsumerState.WithLabelValues(c.cfg.Role).Set(float64(s))
}
