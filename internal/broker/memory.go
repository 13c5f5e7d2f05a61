package broker

import (
	"amqpav/internal/protocol"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process broker with AMQP-like semantics: fanout exchanges,
// named queues shared by competing consumers, manual acks and recover.
type Memory struct {
	mu       sync.Mutex
	bindings map[string]map[string]struct{}
	queues   map[string]*memQueue
	nextTag  uint64
	closed   bool
}

type memQueue struct {
	ready   []*memMessage
	unacked int
	// closed and replaced whenever ready grows
	wake chan struct{}
}

type memMessage struct {
	tag  uint64
	wire protocol.Wire
}

func NewMemory() *Memory {
	return &Memory{
		bindings: make(map[string]map[string]struct{}),
		queues:   make(map[string]*memQueue),
	}
}

func (q *memQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func cloneWire(w protocol.Wire) protocol.Wire {
	return protocol.Wire{
		Properties: maps.Clone(w.Properties),
		Headers:    maps.Clone(w.Headers),
		Body:       slices.Clone(w.Body),
	}
}

// declare must be called with b.mu held.
func (b *Memory) declare(exchange, queue string) *memQueue {
	q, ok := b.queues[queue]
	if !ok {
		q = &memQueue{wake: make(chan struct{})}
		b.queues[queue] = q
	}
	if b.bindings[exchange] == nil {
		b.bindings[exchange] = make(map[string]struct{})
	}
	b.bindings[exchange][queue] = struct{}{}
	return q
}

// Publish copies w into every queue bound to exchange. Messages published to
// an exchange without bindings are dropped.
func (b *Memory) Publish(ctx context.Context, exchange string, w protocol.Wire) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for name := range b.bindings[exchange] {
		q := b.queues[name]
		b.nextTag++
		q.ready = append(q.ready, &memMessage{tag: b.nextTag, wire: cloneWire(w)})
		q.signal()
	}
	return nil
}

func (b *Memory) DeclareQueue(ctx context.Context, exchange, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.declare(exchange, queue)
	return nil
}

func (b *Memory) Consume(ctx context.Context, exchange, queue string) (Consumer, error) {
	if err := b.DeclareQueue(ctx, exchange, queue); err != nil {
		return nil, err
	}
	return &memConsumer{broker: b, queue: queue}, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.signal()
	}
	return nil
}

// Depth returns the number of messages ready for delivery on queue.
func (b *Memory) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unacknowledged messages on queue.
func (b *Memory) Unacked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.unacked
	}
	return 0
}

type memConsumer struct {
	broker  *Memory
	queue   string
	unacked []*memMessage
	closed  bool
}

func (c *memConsumer) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b := c.broker
		b.mu.Lock()
		if c.closed || b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queues[c.queue]
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked++
			c.unacked = append(c.unacked, m)
			b.mu.Unlock()
			return &memDelivery{consumer: c, msg: m}, nil
		}
		wake := q.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// requeue must be called with the broker lock held.
func (c *memConsumer) requeue() {
	if len(c.unacked) == 0 {
		return
	}
	q := c.broker.queues[c.queue]
	q.ready = append(slices.Clone(c.unacked), q.ready...)
	q.unacked -= len(c.unacked)
	c.unacked = nil
	q.signal()
}

func (c *memConsumer) Recover() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.requeue()
	return nil
}

func (c *memConsumer) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil
	}
	c.requeue()
	c.closed = true
	return nil
}

type memDelivery struct {
	consumer *memConsumer
	msg      *memMessage
}

func (d *memDelivery) Wire() protocol.Wire {
	return d.msg.wire
}

func (d *memDelivery) Ack() error {
	c := d.consumer
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	i := slices.Index(c.unacked, d.msg)
	if i < 0 {
		return fmt.Errorf("ack delivery %d: not outstanding on this consumer", d.msg.tag)
	}
	c.unacked = slices.Delete(c.unacked, i, i+1)
	c.broker.queues[c.queue].unacked--
	return nil
}
