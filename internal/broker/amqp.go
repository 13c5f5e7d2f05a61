package broker

import (
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"context"
	"fmt"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"slices"
	"sync"
	"time"
)

// amqpChannel is the part of *amqp091.Channel used for consuming.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// amqpBroker publishes through Watermill and consumes with amqp091
// directly. A Watermill AMQP subscription keeps a single message in flight,
// which would let one unacknowledged reply hide every reply queued behind
// it.
type amqpBroker struct {
	publisher   message.Publisher
	openChannel func() (amqpChannel, error)
	closeConn   func() error
	topology    amqp.Config
	// Exchanges whose queues are consumed without a prefetch limit.
	unlimited map[string]bool
	logger    logging.Logger
}

func newAMQPBroker(
	publisher message.Publisher,
	openChannel func() (amqpChannel, error),
	closeConn func() error,
	topology amqp.Config,
	unlimitedExchanges []string,
	logger logging.Logger,
) *amqpBroker {
	b := &amqpBroker{
		publisher:   publisher,
		openChannel: openChannel,
		closeConn:   closeConn,
		topology:    topology,
		unlimited:   make(map[string]bool, len(unlimitedExchanges)),
		logger:      logger.With("component", "amqp_broker"),
	}
	for _, e := range unlimitedExchanges {
		b.unlimited[e] = true
	}
	return b
}

func (b *amqpBroker) Publish(ctx context.Context, exchange string, w protocol.Wire) error {
	return publishWatermill(ctx, b.publisher, exchange, w, b.logger)
}

// declare builds the same topology the Watermill publisher expects: a
// fanout exchange and a queue bound to it with an empty routing key.
func (b *amqpBroker) declare(ch amqpChannel, exchange, queue string) error {
	t := b.topology
	if err := ch.ExchangeDeclare(exchange, t.Exchange.Type, t.Exchange.Durable, t.Exchange.AutoDeleted,
		t.Exchange.Internal, t.Exchange.NoWait, t.Exchange.Arguments); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, t.Queue.Durable, t.Queue.AutoDelete, t.Queue.Exclusive,
		t.Queue.NoWait, t.Queue.Arguments); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", exchange, t.QueueBind.NoWait, t.QueueBind.Arguments); err != nil {
		return fmt.Errorf("bind %s to %s: %w", queue, exchange, err)
	}
	return nil
}

func (b *amqpBroker) DeclareQueue(ctx context.Context, exchange, queue string) error {
	ch, err := b.openChannel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()

	return b.declare(ch, exchange, queue)
}

func (b *amqpBroker) Consume(ctx context.Context, exchange, queue string) (Consumer, error) {
	ch, err := b.openChannel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	prefetch := b.topology.Consume.Qos.PrefetchCount
	if b.unlimited[exchange] {
		prefetch = 0
	}

	fail := func(err error) (Consumer, error) {
		_ = ch.Close()
		return nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}
	if err := b.declare(ch, exchange, queue); err != nil {
		return fail(err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume %s: %w", queue, err))
	}

	return &amqpConsumer{
		ch:         ch,
		deliveries: deliveries,
		marshaler:  b.topology.Marshaler,
		logger:     b.logger.With("queue", queue, "exchange", exchange, "prefetch", prefetch),
	}, nil
}

func (b *amqpBroker) Close() error {
	err := b.publisher.Close()
	if b.closeConn != nil {
		if cerr := b.closeConn(); err == nil {
			err = cerr
		}
	}
	return err
}

// amqpConsumer keeps every unacknowledged delivery it handed out. The
// broker keeps sending while earlier deliveries are outstanding, up to the
// channel prefetch.
type amqpConsumer struct {
	ch         amqpChannel
	deliveries <-chan amqp091.Delivery
	marshaler  amqp.Marshaler
	logger     logging.Logger

	mu   sync.Mutex
	held []uint64
	tags map[uint64]amqp091.Delivery
}

func (c *amqpConsumer) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return nil, ErrClosed
			}

			msg, err := c.decode(d)
			if err != nil {
				c.logger.Warn("dropping undecodable delivery", "delivery_tag", d.DeliveryTag, "error", err)
				_ = d.Reject(false)
				continue
			}

			c.mu.Lock()
			if c.tags == nil {
				c.tags = make(map[uint64]amqp091.Delivery)
			}
			c.held = append(c.held, d.DeliveryTag)
			c.tags[d.DeliveryTag] = d
			c.mu.Unlock()

			return &amqpDelivery{consumer: c, tag: d.DeliveryTag, wire: fromMessage(msg)}, nil
		case <-expired:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *amqpConsumer) decode(d amqp091.Delivery) (*message.Message, error) {
	if len(d.Headers) == 0 {
		return message.NewMessage("", d.Body), nil
	}
	return c.marshaler.Unmarshal(d)
}

// Recover requeues every held delivery.
func (c *amqpConsumer) Recover() error {
	c.mu.Lock()
	held := c.held
	tags := c.tags
	c.held, c.tags = nil, nil
	c.mu.Unlock()

	for _, tag := range held {
		if err := tags[tag].Nack(false, true); err != nil {
			return fmt.Errorf("requeue delivery %d: %w", tag, err)
		}
	}
	if len(held) > 0 {
		c.logger.Debug("released unacknowledged messages", "count", len(held))
	}
	return nil
}

// Close requeues held deliveries and closes the channel.
func (c *amqpConsumer) Close() error {
	_ = c.Recover()
	return c.ch.Close()
}

type amqpDelivery struct {
	consumer *amqpConsumer
	tag      uint64
	wire     protocol.Wire
}

func (d *amqpDelivery) Wire() protocol.Wire {
	return d.wire
}

func (d *amqpDelivery) Ack() error {
	c := d.consumer
	c.mu.Lock()
	i := slices.Index(c.held, d.tag)
	var delivery amqp091.Delivery
	if i >= 0 {
		c.held = slices.Delete(c.held, i, i+1)
		delivery = c.tags[d.tag]
		delete(c.tags, d.tag)
	}
	c.mu.Unlock()

	if i < 0 {
		return fmt.Errorf("ack delivery %d: already released", d.tag)
	}
	return delivery.Ack(false)
}
