package broker

import (
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultHeartbeat = 10 * time.Second

var _ Channel = (*amqp.Channel)(nil)

// AMQPDialer returns a Dialer backed by amqp091-go. connectionName shows up
// in the RabbitMQ management UI.
func AMQPDialer(connectionName string) Dialer {
	return func(url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if connectionName != "" {
			props.SetClientConnectionName(connectionName)
		}
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  defaultHeartbeat,
			Locale:     "en_US",
			Properties: props,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to dial broker")
		}
		return &amqpConnection{conn: conn}, nil
	}
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
