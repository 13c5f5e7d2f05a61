package broker

import (
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"context"
	"fmt"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"slices"
	"sync"
	"time"
)

// SubscriberFactory builds a subscriber whose subscriptions consume queue
// on exchange. For Kafka the queue is the consumer group.
type SubscriberFactory func(exchange, queue string) (message.Subscriber, error)

// watermillBroker adapts a Watermill publisher/subscriber pair. Properties
// and headers both travel as message metadata.
type watermillBroker struct {
	publisher     message.Publisher
	newSubscriber SubscriberFactory
	replay        map[string]bool
	logger        logging.Logger
}

type WatermillOption func(*watermillBroker)

// WithReplayExchanges marks exchanges backed by a replayable log. Their
// consumers release every message from the subscription on arrival and keep
// acknowledgement local, so an unacknowledged message never holds back the
// ones behind it. Messages left unacknowledged stay in the log for the next
// consumer.
func WithReplayExchanges(exchanges ...string) WatermillOption {
	return func(b *watermillBroker) {
		for _, e := range exchanges {
			b.replay[e] = true
		}
	}
}

func NewWatermill(publisher message.Publisher, newSubscriber SubscriberFactory, logger logging.Logger, opts ...WatermillOption) Broker {
	b := &watermillBroker{
		publisher:     publisher,
		newSubscriber: newSubscriber,
		replay:        make(map[string]bool),
		logger:        logger.With("component", "watermill_broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func toMessage(ctx context.Context, w protocol.Wire) *message.Message {
	id := w.Properties[protocol.PropMessageID]
	if id == "" {
		id = uuid.NewString()
	}

	msg := message.NewMessage(id, slices.Clone(w.Body))
	msg.SetContext(ctx)
	for k, v := range w.Properties {
		msg.Metadata.Set(k, v)
	}
	for k, v := range w.Headers {
		msg.Metadata.Set(k, v)
	}
	return msg
}

func fromMessage(msg *message.Message) protocol.Wire {
	w := protocol.Wire{
		Properties: make(map[string]string),
		Headers:    make(map[string]string),
		Body:       msg.Payload,
	}
	for k, v := range msg.Metadata {
		if protocol.IsProperty(k) {
			w.Properties[k] = v
		} else {
			w.Headers[k] = v
		}
	}
	if w.Properties[protocol.PropMessageID] == "" {
		w.Properties[protocol.PropMessageID] = msg.UUID
	}
	return w
}

func (b *watermillBroker) Publish(ctx context.Context, exchange string, w protocol.Wire) error {
	return publishWatermill(ctx, b.publisher, exchange, w, b.logger)
}

func publishWatermill(ctx context.Context, publisher message.Publisher, exchange string, w protocol.Wire, logger logging.Logger) error {
	msg := toMessage(ctx, w)

	if err := publisher.Publish(exchange, msg); err != nil {
		logger.Error("failed to publish message",
			"exchange", exchange,
			"message_id", msg.UUID,
			"error", err,
		)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (b *watermillBroker) DeclareQueue(ctx context.Context, exchange, queue string) error {
	sub, err := b.newSubscriber(exchange, queue)
	if err != nil {
		return fmt.Errorf("create subscriber for %s: %w", queue, err)
	}
	defer func() {
		_ = sub.Close()
	}()

	if init, ok := sub.(message.SubscribeInitializer); ok {
		if err := init.SubscribeInitialize(exchange); err != nil {
			return fmt.Errorf("declare %s on %s: %w", queue, exchange, err)
		}
	}
	return nil
}

func (b *watermillBroker) Consume(ctx context.Context, exchange, queue string) (Consumer, error) {
	sub, err := b.newSubscriber(exchange, queue)
	if err != nil {
		return nil, fmt.Errorf("create subscriber for %s: %w", queue, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := sub.Subscribe(subCtx, exchange)
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s on %s: %w", queue, exchange, err)
	}

	logger := b.logger.With("queue", queue, "exchange", exchange)
	if b.replay[exchange] {
		return newReplayConsumer(sub, messages, cancel, logger), nil
	}

	return &watermillConsumer{
		sub:      sub,
		messages: messages,
		cancel:   cancel,
		logger:   logger,
	}, nil
}

func (b *watermillBroker) Close() error {
	return b.publisher.Close()
}

// watermillConsumer holds delivered messages until they are acked. Watermill
// subscribers hand out the next message only after the previous one was
// acked or nacked, so a held message stalls the subscription until Recover
// nacks it back to the broker. Fine for consumers that settle every message
// before asking for the next one.
type watermillConsumer struct {
	sub      message.Subscriber
	messages <-chan *message.Message
	cancel   context.CancelFunc
	logger   logging.Logger

	mu   sync.Mutex
	held []*message.Message
}

func (c *watermillConsumer) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, ErrClosed
		}
		c.mu.Lock()
		c.held = append(c.held, msg)
		c.mu.Unlock()
		return &watermillDelivery{consumer: c, msg: msg}, nil
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *watermillConsumer) Recover() error {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()

	for _, msg := range held {
		msg.Nack()
	}
	if len(held) > 0 {
		c.logger.Debug("released unacknowledged messages", "count", len(held))
	}
	return nil
}

func (c *watermillConsumer) Close() error {
	_ = c.Recover()
	c.cancel()
	return c.sub.Close()
}

type watermillDelivery struct {
	consumer *watermillConsumer
	msg      *message.Message
}

func (d *watermillDelivery) Wire() protocol.Wire {
	return fromMessage(d.msg)
}

func (d *watermillDelivery) Ack() error {
	c := d.consumer
	c.mu.Lock()
	i := slices.Index(c.held, d.msg)
	if i >= 0 {
		c.held = slices.Delete(c.held, i, i+1)
	}
	c.mu.Unlock()

	if i < 0 || !d.msg.Ack() {
		return fmt.Errorf("ack message %s: already released", d.msg.UUID)
	}
	return nil
}
