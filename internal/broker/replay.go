package broker

import (
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"context"
	"fmt"
	"github.com/ThreeDotsLabs/watermill/message"
	"slices"
	"sync"
	"time"
)

// replayConsumer drains a subscription over a replayable log into a local
// queue. Each message is acked on the subscription as soon as it arrives;
// Ack, Recover and Close only move it between the local ready and held
// lists.
type replayConsumer struct {
	sub    message.Subscriber
	cancel context.CancelFunc
	logger logging.Logger

	mu     sync.Mutex
	ready  []*message.Message
	held   []*message.Message
	ended  bool
	closed bool
	wake   chan struct{}
}

func newReplayConsumer(sub message.Subscriber, messages <-chan *message.Message, cancel context.CancelFunc, logger logging.Logger) *replayConsumer {
	c := &replayConsumer{
		sub:    sub,
		cancel: cancel,
		logger: logger,
		wake:   make(chan struct{}),
	}
	go c.drain(messages)
	return c
}

func (c *replayConsumer) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *replayConsumer) drain(messages <-chan *message.Message) {
	for msg := range messages {
		msg.Ack()

		c.mu.Lock()
		c.ready = append(c.ready, msg)
		c.signal()
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.ended = true
	c.signal()
	c.mu.Unlock()
}

func (c *replayConsumer) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if len(c.ready) > 0 {
			msg := c.ready[0]
			c.ready = c.ready[1:]
			c.held = append(c.held, msg)
			c.mu.Unlock()
			return &replayDelivery{consumer: c, msg: msg}, nil
		}
		if c.ended {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover puts held messages back in front of the local queue, in delivery
// order.
func (c *replayConsumer) Recover() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.held) == 0 {
		return nil
	}
	c.logger.Debug("released unacknowledged messages", "count", len(c.held))
	c.ready = append(c.held, c.ready...)
	c.held = nil
	c.signal()
	return nil
}

func (c *replayConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.ready, c.held = nil, nil
	c.signal()
	c.mu.Unlock()

	c.cancel()
	return c.sub.Close()
}

type replayDelivery struct {
	consumer *replayConsumer
	msg      *message.Message
}

func (d *replayDelivery) Wire() protocol.Wire {
	return fromMessage(d.msg)
}

func (d *replayDelivery) Ack() error {
	c := d.consumer
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.held, d.msg)
	if i < 0 {
		return fmt.Errorf("ack message %s: already released", d.msg.UUID)
	}
	c.held = slices.Delete(c.held, i, i+1)
	return nil
}
