package broker

import (
	"amqpav/internal/broker/brokertest"
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"context"
	"errors"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"testing"
	"time"
)

// sharedSubscriber keeps the in-process pub/sub alive when a consumer closes
// its subscriber.
type sharedSubscriber struct {
	message.Subscriber
}

func (sharedSubscriber) Close() error { return nil }

func newGoChannelBroker(t *testing.T) Broker {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	return NewWatermill(pubSub, func(exchange, queue string) (message.Subscriber, error) {
		return sharedSubscriber{pubSub}, nil
	}, logging.Nop())
}

func TestWatermill_SplitsMetadataIntoPropertiesAndHeaders(t *testing.T) {
	ctx := context.Background()
	b := newGoChannelBroker(t)

	c, err := b.Consume(ctx, "check", "clamav-check")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = c.Close() }()

	req := protocol.NewRequest([]byte("payload"), "client-1")
	if err := b.Publish(ctx, "check", protocol.Encode(req, protocol.DefaultHeaders)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := c.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	w := d.Wire()
	if w.Properties[protocol.PropMessageID] != req.MessageID {
		t.Fatalf("expected message id %q, got %q", req.MessageID, w.Properties[protocol.PropMessageID])
	}
	if w.Properties[protocol.PropReplyTo] != "client-1" {
		t.Fatalf("expected reply_to property, got %v", w.Properties)
	}
	if w.Headers["protocol"] != "1" {
		t.Fatalf("expected protocol header, got %v", w.Headers)
	}
	if _, ok := w.Properties["protocol"]; ok {
		t.Fatal("protocol must travel as a header")
	}

	got := protocol.Decode(w, protocol.DefaultHeaders).(*protocol.Request)
	if string(got.Body) != "payload" {
		t.Fatalf("unexpected body %q", got.Body)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestWatermill_RecoverNacksForRedelivery(t *testing.T) {
	ctx := context.Background()
	b := newGoChannelBroker(t)

	c, err := b.Consume(ctx, "check-result", "client-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := b.Publish(ctx, "check-result", wireWithID("m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first, err := c.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := c.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if err := first.Ack(); err == nil {
		t.Fatal("expected ack of a released delivery to fail")
	}

	again, err := c.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("next after recover: %v", err)
	}
	if id := again.Wire().Properties[protocol.PropMessageID]; id != "m1" {
		t.Fatalf("expected m1 to be redelivered, got %q", id)
	}
	if err := again.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestWatermill_NextTimesOut(t *testing.T) {
	b := newGoChannelBroker(t)

	c, err := b.Consume(context.Background(), "check-result", "client-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.Next(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func newInFlightBroker(t *testing.T, opts ...WatermillOption) (Broker, *brokertest.InFlightPubSub) {
	t.Helper()
	pubSub := brokertest.NewInFlightPubSub()

	b := NewWatermill(pubSub, func(exchange, queue string) (message.Subscriber, error) {
		return pubSub, nil
	}, logging.Nop(), opts...)
	return b, pubSub
}

func TestWatermill_SettledConsumerWaitsForHeldMessage(t *testing.T) {
	ctx := context.Background()
	b, _ := newInFlightBroker(t)

	c, err := b.Consume(ctx, "check", "clamav-check")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = c.Close() }()

	_ = b.Publish(ctx, "check", wireWithID("m1"))
	_ = b.Publish(ctx, "check", wireWithID("m2"))

	if _, err := c.Next(ctx, time.Second); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := c.Next(ctx, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected the subscription to wait for m1 to be settled, got %v", err)
	}
}

func TestWatermill_ReplayConsumerSeesPastUnackedMessage(t *testing.T) {
	ctx := context.Background()
	b, pubSub := newInFlightBroker(t, WithReplayExchanges("check-result"))

	c, err := b.Consume(ctx, "check-result", "client-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer func() { _ = c.Close() }()

	_ = b.Publish(ctx, "check-result", wireWithID("stale"))
	_ = b.Publish(ctx, "check-result", wireWithID("wanted"))

	first, err := c.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if id := first.Wire().Properties[protocol.PropMessageID]; id != "stale" {
		t.Fatalf("expected stale first, got %q", id)
	}

	second, err := c.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("expected the next message while stale is unacked, got %v", err)
	}
	if id := second.Wire().Properties[protocol.PropMessageID]; id != "wanted" {
		t.Fatalf("expected wanted, got %q", id)
	}
	if err := second.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if pubSub.Len("check-result") != 0 {
		t.Fatal("both messages should have been drained from the subscription")
	}

	if err := c.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if err := first.Ack(); err == nil {
		t.Fatal("expected ack of a released delivery to fail")
	}

	again, err := c.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("next after recover: %v", err)
	}
	if id := again.Wire().Properties[protocol.PropMessageID]; id != "stale" {
		t.Fatalf("expected stale to be redelivered, got %q", id)
	}
	if _, err := c.Next(ctx, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected acked message to stay acked, got %v", err)
	}
}

func TestWatermill_ReplayConsumerClose(t *testing.T) {
	ctx := context.Background()
	b, _ := newInFlightBroker(t, WithReplayExchanges("check-result"))

	c, err := b.Consume(ctx, "check-result", "client-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Next(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
