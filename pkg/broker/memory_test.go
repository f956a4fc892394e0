package broker

import (
	"context"
	"testing"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openChannel(t *testing.T, b *MemoryBroker) (Connection, Channel) {
	t.Helper()
	conn, err := b.Dial("amqp://memory")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

func publish(t *testing.T, ch Channel, key, body string) {
	t.Helper()
	err := ch.PublishWithContext(context.Background(), common.ExchangeName, key, false, false, amqp.Publishing{
		ContentType:  common.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Body:         []byte(body),
	})
	require.NoError(t, err)
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return amqp.Delivery{}
}

func TestMemoryBroker_FanOutToEveryBoundQueue(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.NotificationQueue)))
	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.AnalyticsQueue)))

	publish(t, ch, "list.checkout.completed", `{"listId":"L1"}`)
	publish(t, ch, "list.created", `{"listId":"L2"}`)

	for _, q := range []string{common.NotificationQueue, common.AnalyticsQueue} {
		stats, ok := b.QueueStats(q)
		require.True(t, ok)
		assert.Equal(t, 1, stats.Ready, q)
		assert.Equal(t, []string{"shopping_events:list.checkout.#"}, stats.Bindings)
	}
}

func TestMemoryBroker_DeclareIsIdempotentAndChecksKind(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.AnalyticsQueue)))
	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.AnalyticsQueue)))

	stats, _ := b.QueueStats(common.AnalyticsQueue)
	assert.Len(t, stats.Bindings, 1)

	err := ch.ExchangeDeclare(common.ExchangeName, amqp.ExchangeFanout, true, false, false, false, nil)
	assert.True(t, errors.Is(err, ErrExchangeMismatch))

	_, err = ch.QueueDeclare(common.AnalyticsQueue, false, false, false, false, nil)
	assert.True(t, errors.Is(err, ErrQueueMismatch))
}

func TestMemoryBroker_AckNackAndRedelivery(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.AnalyticsQueue)))

	deliveries, err := ch.Consume(common.AnalyticsQueue, "", false, false, false, false, nil)
	require.NoError(t, err)

	publish(t, ch, "list.checkout.completed", `first`)

	d := receive(t, deliveries)
	assert.Equal(t, "first", string(d.Body))
	assert.False(t, d.Redelivered)
	assert.Equal(t, "list.checkout.completed", d.RoutingKey)
	assert.Equal(t, uint8(amqp.Persistent), d.DeliveryMode)

	require.NoError(t, d.Nack(false, true))

	again := receive(t, deliveries)
	assert.Equal(t, "first", string(again.Body))
	assert.True(t, again.Redelivered)
	require.NoError(t, again.Ack(false))

	assert.True(t, errors.Is(again.Ack(false), ErrUnknownDelivery))

	stats, _ := b.QueueStats(common.AnalyticsQueue)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)
}

func TestMemoryBroker_DropRequeuesUnackedAndNotifies(t *testing.T) {
	b := NewMemoryBroker()
	conn, ch := openChannel(t, b)
	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.NotificationQueue)))
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(common.NotificationQueue, "", false, false, false, false, nil)
	require.NoError(t, err)
	publish(t, ch, "list.checkout.completed", `in-flight`)
	receive(t, deliveries)

	assert.Equal(t, 1, b.DropConnections())

	select {
	case amqpErr := <-closed:
		require.NotNil(t, amqpErr)
		assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)
	case <-time.After(time.Second):
		t.Fatal("close notification not delivered")
	}
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())

	_, open := <-deliveries
	assert.False(t, open)

	stats, _ := b.QueueStats(common.NotificationQueue)
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)
	assert.Equal(t, 0, stats.Consumers)

	_, ch2 := openChannel(t, b)
	deliveries2, err := ch2.Consume(common.NotificationQueue, "", false, false, false, false, nil)
	require.NoError(t, err)
	d := receive(t, deliveries2)
	assert.Equal(t, "in-flight", string(d.Body))
	assert.True(t, d.Redelivered)
}

func TestMemoryBroker_GracefulCloseClosesListenerWithoutError(t *testing.T) {
	b := NewMemoryBroker()
	conn, _ := openChannel(t, b)
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	require.NoError(t, conn.Close())
	amqpErr, ok := <-closed
	assert.False(t, ok)
	assert.Nil(t, amqpErr)
	assert.Equal(t, amqp.ErrClosed, conn.Close())
}

func TestMemoryBroker_Unavailable(t *testing.T) {
	b := NewMemoryBroker()
	b.SetAvailable(false)

	_, err := b.Dial("amqp://memory")
	assert.True(t, errors.Is(err, ErrBrokerUnavailable))

	b.SetAvailable(true)
	_, err = b.Dial("amqp://memory")
	assert.NoError(t, err)
	assert.Equal(t, 1, b.Dials())
}

func TestMemoryBroker_PublisherConfirms(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	require.NoError(t, DeclareExchange(ch, common.ExchangeName))
	require.NoError(t, ch.Confirm(false))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	publish(t, ch, "list.checkout.completed", `{}`)
	conf := <-confirms
	assert.True(t, conf.Ack)
	assert.Equal(t, uint64(1), conf.DeliveryTag)

	publish(t, ch, "list.checkout.completed", `{}`)
	conf = <-confirms
	assert.Equal(t, uint64(2), conf.DeliveryTag)
}

func TestMemoryBroker_PublishToMissingExchange(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	err := ch.PublishWithContext(context.Background(), "nope", "k", false, false, amqp.Publishing{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryBroker_PrefetchLimitsInFlight(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.AnalyticsQueue)))
	require.NoError(t, ch.Qos(1, 0, false))

	deliveries, err := ch.Consume(common.AnalyticsQueue, "", false, false, false, false, nil)
	require.NoError(t, err)
	publish(t, ch, "list.checkout.completed", `one`)
	publish(t, ch, "list.checkout.completed", `two`)

	first := receive(t, deliveries)
	select {
	case <-deliveries:
		t.Fatal("second delivery arrived before the first was acked")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack(false))
	second := receive(t, deliveries)
	assert.Equal(t, "two", string(second.Body))
}

func TestMemoryBroker_RestartKeepsDurableState(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	require.NoError(t, DeclareConsumerTopology(ch, CheckoutTopology(common.AnalyticsQueue)))
	_, err := ch.QueueDeclare("scratch", false, false, false, false, nil)
	require.NoError(t, err)

	publish(t, ch, "list.checkout.completed", `persistent`)
	require.NoError(t, ch.PublishWithContext(context.Background(), common.ExchangeName, "list.checkout.completed", false, false, amqp.Publishing{
		DeliveryMode: amqp.Transient,
		Body:         []byte("transient"),
	}))

	b.Restart()

	stats, ok := b.QueueStats(common.AnalyticsQueue)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Ready)
	_, ok = b.QueueStats("scratch")
	assert.False(t, ok)
}
