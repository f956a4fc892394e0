package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ Connection        = (*memConnection)(nil)
	_ Channel           = (*memChannel)(nil)
	_ amqp.Acknowledger = (*memChannel)(nil)
)

// MemoryBroker is a single-process stand-in for RabbitMQ. It keeps the parts
// of the AMQP contract the checkout flow relies on: topic routing, durable
// queues that outlive connections, manual acknowledgement, requeue on nack
// or channel loss, and publisher confirms. Requeued messages go to the back
// of the queue.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	conns     map[*memConnection]struct{}
	available bool
	dials     int
	// wake is closed and replaced whenever queue state changes.
	wake chan struct{}
}

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Ready     int
	Unacked   int
	Consumers int
	Bindings  []string
}

type memExchange struct {
	name    string
	kind    string
	durable bool
}

type memBinding struct {
	exchange string
	pattern  string
}

type memMessage struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type memQueue struct {
	name      string
	durable   bool
	bindings  []memBinding
	ready     []*memMessage
	unacked   int
	consumers int
	deleted   bool
}

// NewMemoryBroker returns an empty, reachable broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]*memExchange),
		queues:    make(map[string]*memQueue),
		conns:     make(map[*memConnection]struct{}),
		available: true,
		wake:      make(chan struct{}),
	}
}

// Dial satisfies Dialer. The url is ignored.
func (b *MemoryBroker) Dial(_ string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return nil, errors.Wrap(ErrBrokerUnavailable, "dial")
	}
	conn := &memConnection{broker: b}
	b.conns[conn] = struct{}{}
	b.dials++
	return conn, nil
}

// Dials returns how many connections were opened so far.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetAvailable makes subsequent dials fail or succeed. Open connections are
// not affected.
func (b *MemoryBroker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
}

// DropConnections force-closes every open connection, as a network failure
// would. Unacknowledged deliveries are requeued. It returns the number of
// connections dropped.
func (b *MemoryBroker) DropConnections() int {
	return b.dropAll(&amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - connection dropped",
		Server: true,
	})
}

// Restart drops every connection, then discards non-durable exchanges and
// queues and every non-persistent message.
func (b *MemoryBroker) Restart() {
	b.dropAll(&amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker restart",
		Server: true,
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ex := range b.exchanges {
		if !ex.durable {
			delete(b.exchanges, name)
		}
	}
	for name, q := range b.queues {
		if !q.durable {
			q.deleted = true
			delete(b.queues, name)
			continue
		}
		kept := q.ready[:0]
		for _, msg := range q.ready {
			if msg.pub.DeliveryMode == amqp.Persistent {
				kept = append(kept, msg)
			}
		}
		q.ready = kept
	}
	b.broadcastLocked()
}

// QueueStats reports the state of a queue.
func (b *MemoryBroker) QueueStats(name string) (QueueStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}, false
	}
	stats := QueueStats{Ready: len(q.ready), Unacked: q.unacked, Consumers: q.consumers}
	for _, bnd := range q.bindings {
		stats.Bindings = append(stats.Bindings, bnd.exchange+":"+bnd.pattern)
	}
	return stats, true
}

func (b *MemoryBroker) dropAll(reason *amqp.Error) int {
	b.mu.Lock()
	conns := make([]*memConnection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		b.closeConnection(c, reason)
	}
	return len(conns)
}

func (b *MemoryBroker) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBroker) closeConnection(c *memConnection, reason *amqp.Error) error {
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	delete(b.conns, c)
	listeners := c.closeListeners
	c.closeListeners = nil
	b.broadcastLocked()
	b.mu.Unlock()

	for _, l := range listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	return nil
}

// routeLocked enqueues msg on every queue bound to the exchange with a matching
// key. It returns the number of queues reached.
func (b *MemoryBroker) routeLocked(ex *memExchange, key string, pub amqp.Publishing) int {
	routed := 0
	for _, q := range b.queues {
		for _, bnd := range q.bindings {
			if bnd.exchange != ex.name || !bindingMatches(ex.kind, bnd.pattern, key) {
				continue
			}
			q.ready = append(q.ready, &memMessage{exchange: ex.name, routingKey: key, pub: pub})
			routed++
			break
		}
	}
	return routed
}

func bindingMatches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeDirect:
		return pattern == key
	default:
		return MatchTopic(pattern, key)
	}
}

type memConnection struct {
	broker         *MemoryBroker
	closed         bool
	channels       []*memChannel
	closeListeners []chan *amqp.Error
}

func (c *memConnection) Channel() (Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &memChannel{
		conn:      c,
		broker:    b,
		unacked:   make(map[uint64]*memUnacked),
		consumers: make(map[string]*memConsumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *memConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeListeners = append(c.closeListeners, receiver)
	return receiver
}

func (c *memConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *memConnection) Close() error {
	return c.broker.closeConnection(c, nil)
}

type memUnacked struct {
	msg   *memMessage
	queue *memQueue
}

type memChannel struct {
	conn       *memConnection
	broker     *MemoryBroker
	closed     bool
	prefetch   int
	nextTag    uint64
	unacked    map[uint64]*memUnacked
	consumers  map[string]*memConsumer
	confirming bool
	publishSeq uint64
	confirms   []chan amqp.Confirmation
}

func (ch *memChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return errors.Wrapf(ErrExchangeMismatch, "exchange %s is %s, not %s", name, ex.kind, kind)
		}
		return nil
	}
	b.exchanges[name] = &memExchange{name: name, kind: kind, durable: durable}
	return nil
}

func (ch *memChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	q, ok := b.queues[name]
	if ok && q.durable != durable {
		return amqp.Queue{}, errors.Wrapf(ErrQueueMismatch, "queue %s", name)
	}
	if !ok {
		q = &memQueue{name: name, durable: durable}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: q.consumers}, nil
}

func (ch *memChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "queue %s", name)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return errors.Wrapf(ErrNotFound, "exchange %s", exchange)
	}
	for _, bnd := range q.bindings {
		if bnd.exchange == exchange && bnd.pattern == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, memBinding{exchange: exchange, pattern: key})
	return nil
}

func (ch *memChannel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	b.broadcastLocked()
	return nil
}

func (ch *memChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "queue %s", queue)
	}
	if consumer == "" {
		consumer = "ctag-" + uuid.NewString()
	}
	if _, exists := ch.consumers[consumer]; exists {
		return nil, errors.Errorf("consumer tag %s already in use", consumer)
	}

	c := &memConsumer{
		tag:     consumer,
		queue:   q,
		ch:      ch,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		done:    make(chan struct{}),
	}
	ch.consumers[consumer] = c
	q.consumers++
	go c.run()
	return c.out, nil
}

func (ch *memChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		b.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "exchange %s", exchange)
	}
	msg.Body = append([]byte(nil), msg.Body...)
	b.routeLocked(ex, key, msg)

	var confirm amqp.Confirmation
	var listeners []chan amqp.Confirmation
	if ch.confirming {
		ch.publishSeq++
		confirm = amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true}
		listeners = append(listeners, ch.confirms...)
	}
	b.broadcastLocked()
	b.mu.Unlock()

	for _, l := range listeners {
		select {
		case l <- confirm:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ch *memChannel) Confirm(_ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *memChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *memChannel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *memChannel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	b.broadcastLocked()
	return nil
}

// Ack, Nack and Reject make memChannel the amqp.Acknowledger of the
// deliveries it hands out.
func (ch *memChannel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, u := range settled {
		u.queue.unacked--
	}
	b.broadcastLocked()
	return nil
}

func (ch *memChannel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, u := range settled {
		u.queue.unacked--
		if requeue {
			u.queue.requeueLocked(u.msg)
		}
	}
	b.broadcastLocked()
	return nil
}

func (ch *memChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *memChannel) settleLocked(tag uint64, multiple bool) ([]*memUnacked, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if !multiple {
		u, ok := ch.unacked[tag]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownDelivery, "tag %d", tag)
		}
		delete(ch.unacked, tag)
		return []*memUnacked{u}, nil
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return nil, errors.Wrapf(ErrUnknownDelivery, "tag %d", tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	settled := make([]*memUnacked, 0, len(tags))
	for _, t := range tags {
		settled = append(settled, ch.unacked[t])
		delete(ch.unacked, t)
	}
	return settled, nil
}

// closeLocked stops consumers and requeues everything still unacknowledged.
func (ch *memChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, t := range tags {
		u := ch.unacked[t]
		u.queue.unacked--
		u.queue.requeueLocked(u.msg)
	}
	ch.unacked = make(map[uint64]*memUnacked)

	for _, c := range ch.consumers {
		c.queue.consumers--
		close(c.done)
	}
	ch.consumers = make(map[string]*memConsumer)

	for _, l := range ch.confirms {
		close(l)
	}
	ch.confirms = nil
}

func (ch *memChannel) canDeliverLocked() bool {
	return !ch.closed && (ch.prefetch <= 0 || len(ch.unacked) < ch.prefetch)
}

func (q *memQueue) requeueLocked(msg *memMessage) {
	if q.deleted {
		return
	}
	msg.redelivered = true
	q.ready = append(q.ready, msg)
}

type memConsumer struct {
	tag     string
	queue   *memQueue
	ch      *memChannel
	autoAck bool
	out     chan amqp.Delivery
	done    chan struct{}
}

// run hands ready messages to the consumer one at a time until the channel
// closes.
func (c *memConsumer) run() {
	defer close(c.out)
	b := c.ch.broker

	for {
		b.mu.Lock()
		select {
		case <-c.done:
			b.mu.Unlock()
			return
		default:
		}
		wake := b.wake
		var delivery amqp.Delivery
		ok := false
		if c.ch.canDeliverLocked() && len(c.queue.ready) > 0 {
			msg := c.queue.ready[0]
			c.queue.ready = c.queue.ready[1:]
			delivery = c.deliveryLocked(msg)
			ok = true
		}
		b.mu.Unlock()

		if !ok {
			select {
			case <-wake:
				continue
			case <-c.done:
				return
			}
		}

		select {
		case c.out <- delivery:
		case <-c.done:
			// closeLocked already requeued the tracked delivery.
			return
		}
	}
}

func (c *memConsumer) deliveryLocked(msg *memMessage) amqp.Delivery {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag
	if !c.autoAck {
		ch.unacked[tag] = &memUnacked{msg: msg, queue: c.queue}
		c.queue.unacked++
	}

	pub := msg.pub
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            append([]byte(nil), pub.Body...),
	}
}
