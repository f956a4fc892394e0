package broker

import (
	"context"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrExchangeMismatch  = errors.New("exchange redeclared with different type")
	ErrQueueMismatch     = errors.New("queue redeclared with different durability")
	ErrNotFound          = errors.New("not found")
	ErrUnknownDelivery   = errors.New("unknown delivery tag")
)

// Connection is the subset of *amqp.Connection the publisher and consumers use.
type Connection interface {
	Channel() (Channel, error)
	// NotifyClose registers a listener. On a graceful close the channel is
	// closed without a value; on a connection error the error is sent first.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the publisher and consumers use.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	IsClosed() bool
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(url string) (Connection, error)

// Topology describes what a consumer declares before it starts consuming.
type Topology struct {
	Exchange   string
	Queue      string
	BindingKey string
}

// CheckoutTopology returns the topology bound to every checkout event for
// the given queue.
func CheckoutTopology(queue string) Topology {
	return Topology{
		Exchange:   common.ExchangeName,
		Queue:      queue,
		BindingKey: common.CheckoutBindingKey,
	}
}

// DeclareExchange declares the durable topic exchange. Redeclaring an
// existing exchange with the same parameters is a no-op and keeps bindings.
func DeclareExchange(ch Channel, name string) error {
	if err := ch.ExchangeDeclare(name, common.ExchangeType, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", name)
	}
	return nil
}

// DeclareConsumerTopology declares the exchange, a durable queue and the
// binding between them.
func DeclareConsumerTopology(ch Channel, t Topology) error {
	if t.Queue == "" {
		return errors.New("queue name is required")
	}
	if t.Exchange == "" {
		t.Exchange = common.ExchangeName
	}
	if t.BindingKey == "" {
		t.BindingKey = common.CheckoutBindingKey
	}

	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", t.Queue)
	}
	if err := ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s to %s with %s", t.Queue, t.Exchange, t.BindingKey)
	}
	return nil
}
