// Package broker is the boundary to the publish/subscribe fabric: fanout
// exchanges, named queues bound to them, manual acknowledgement and recovery
// of unacknowledged deliveries.
package broker

import (
	"amqpav/internal/protocol"
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Consumer.Next when nothing arrived within the
// poll window.
var ErrTimeout = errors.New("broker: receive timeout")

// ErrClosed is returned by operations on a closed broker or consumer.
var ErrClosed = errors.New("broker: closed")

type Broker interface {
	// Publish sends w to every queue bound to exchange.
	Publish(ctx context.Context, exchange string, w protocol.Wire) error
	// DeclareQueue makes sure queue exists and is bound to exchange. Idempotent.
	DeclareQueue(ctx context.Context, exchange, queue string) error
	// Consume declares queue and starts consuming it with manual acks.
	Consume(ctx context.Context, exchange, queue string) (Consumer, error)
	Close() error
}

type Consumer interface {
	// Next waits for the next delivery. A timeout <= 0 waits until ctx is done.
	Next(ctx context.Context, timeout time.Duration) (Delivery, error)
	// Recover releases every unacknowledged delivery for redelivery.
	Recover() error
	// Close releases unacknowledged deliveries and stops consuming.
	Close() error
}

type Delivery interface {
	Wire() protocol.Wire
	Ack() error
}
