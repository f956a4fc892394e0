package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindQueue(t *testing.T, b *broker.MemoryBroker, queue string) <-chan amqp.Delivery {
	t.Helper()
	conn, err := b.Dial("")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, broker.DeclareConsumerTopology(ch, broker.CheckoutTopology(queue)))
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	require.NoError(t, err)
	return deliveries
}

func next(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	return amqp.Delivery{}
}

func sampleEvent(t *testing.T) *common.CheckoutEvent {
	t.Helper()
	event, err := common.NewCheckoutEvent("L1", "Weekly", "Ana", "ana@x.com", 3, 45.5,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return event
}

func TestPublisher_PublishCheckout(t *testing.T) {
	b := broker.NewMemoryBroker()
	deliveries := bindQueue(t, b, common.AnalyticsQueue)

	p := New(Config{Confirm: true}, b.Dial, logger.Nop())
	defer p.Close()

	acked, err := p.PublishCheckout(context.Background(), "", sampleEvent(t))
	require.NoError(t, err)
	assert.True(t, acked)

	d := next(t, deliveries)
	assert.Equal(t, common.ExchangeName, d.Exchange)
	assert.Equal(t, "list.checkout.completed", d.RoutingKey)
	assert.Equal(t, common.ContentTypeJSON, d.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), d.DeliveryMode)
	assert.Equal(t, common.RolePublisher, d.AppId)
	assert.NotEmpty(t, d.MessageId)
	assert.False(t, d.Timestamp.IsZero())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(d.Body, &decoded))
	assert.Equal(t, "L1", decoded["listId"])
	assert.Equal(t, 45.5, decoded["totalGasto"])
	assert.Equal(t, float64(3), decoded["totalItems"])
	assert.Equal(t, "2024-01-01T00:00:00Z", decoded["completedAt"])
}

func TestPublisher_EnsureConnectedIsIdempotent(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := New(Config{}, b.Dial, logger.Nop())
	defer p.Close()

	ch1, err := p.EnsureConnected(context.Background())
	require.NoError(t, err)
	ch2, err := p.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, ch1, ch2)

	_, err = p.Publish(context.Background(), "list.checkout.completed", map[string]string{"listId": "L1"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Dials())
	assert.True(t, p.IsConnected())
}

func TestPublisher_ExchangeDeclareKeepsBindings(t *testing.T) {
	b := broker.NewMemoryBroker()
	bindQueue(t, b, common.NotificationQueue)

	p := New(Config{}, b.Dial, logger.Nop())
	defer p.Close()
	_, err := p.EnsureConnected(context.Background())
	require.NoError(t, err)

	stats, ok := b.QueueStats(common.NotificationQueue)
	require.True(t, ok)
	assert.Equal(t, []string{"shopping_events:list.checkout.#"}, stats.Bindings)
}

func TestPublisher_ReconnectsAfterConnectionLoss(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := New(Config{Confirm: true}, b.Dial, logger.Nop())
	defer p.Close()

	_, err := p.Publish(context.Background(), "list.checkout.completed", map[string]int{"n": 1})
	require.NoError(t, err)

	b.DropConnections()
	assert.False(t, p.IsConnected())

	// the consumer side reconnects too; bind after the drop so the queue
	// only sees the second publish
	deliveries := bindQueue(t, b, common.AnalyticsQueue)

	acked, err := p.Publish(context.Background(), "list.checkout.completed", map[string]int{"n": 2})
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, 3, b.Dials())

	d := next(t, deliveries)
	assert.JSONEq(t, `{"n":2}`, string(d.Body))
}

func TestPublisher_PropagatesConnectErrors(t *testing.T) {
	b := broker.NewMemoryBroker()
	b.SetAvailable(false)
	p := New(Config{}, b.Dial, logger.Nop())
	defer p.Close()

	acked, err := p.Publish(context.Background(), "list.checkout.completed", map[string]int{"n": 1})
	assert.False(t, acked)
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrBrokerUnavailable))

	_, err = p.EnsureConnected(context.Background())
	assert.True(t, errors.Is(err, broker.ErrBrokerUnavailable))

	b.SetAvailable(true)
	acked, err = p.Publish(context.Background(), "list.checkout.completed", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestPublisher_MarshalErrorDoesNotDial(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := New(Config{}, b.Dial, logger.Nop())

	_, err := p.Publish(context.Background(), "list.checkout.completed", make(chan int))
	assert.Error(t, err)
	assert.Equal(t, 0, b.Dials())
}

func TestPublisher_RejectsInvalidEvent(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := New(Config{}, b.Dial, logger.Nop())

	negative := -1
	_, err := p.PublishCheckout(context.Background(), "completed", &common.CheckoutEvent{ListID: "L1", TotalItems: &negative})
	assert.True(t, errors.Is(err, common.ErrInvalidEvent))

	_, err = p.PublishCheckout(context.Background(), "completed", nil)
	assert.True(t, errors.Is(err, common.ErrInvalidEvent))
	assert.Equal(t, 0, b.Dials())
}

func TestPublisher_CloseIsBestEffort(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := New(Config{}, b.Dial, logger.Nop())

	assert.NotPanics(t, p.Close)

	_, err := p.EnsureConnected(context.Background())
	require.NoError(t, err)
	b.DropConnections()

	assert.NotPanics(t, p.Close)
	assert.NotPanics(t, p.Close)
	assert.False(t, p.IsConnected())
}
