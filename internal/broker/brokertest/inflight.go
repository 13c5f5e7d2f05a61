// Package brokertest provides Watermill pub/subs with the delivery
// behaviour of real brokers, for tests.
package brokertest

import (
	"context"
	"github.com/ThreeDotsLabs/watermill/message"
	"sync"
)

// InFlightPubSub keeps one queue per topic and hands a subscription one
// message at a time: the next message is sent only after the previous one
// was acked or nacked, and a nacked message goes back to the head of the
// queue. This is how the AMQP and Kafka subscribers deliver.
type InFlightPubSub struct {
	mu     sync.Mutex
	queues map[string][]*message.Message
	wake   chan struct{}
}

func NewInFlightPubSub() *InFlightPubSub {
	return &InFlightPubSub{
		queues: make(map[string][]*message.Message),
		wake:   make(chan struct{}),
	}
}

func (p *InFlightPubSub) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *InFlightPubSub) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range messages {
		p.queues[topic] = append(p.queues[topic], msg.Copy())
	}
	p.signal()
	return nil
}

// Len reports the messages queued on topic, in flight ones excluded.
func (p *InFlightPubSub) Len(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[topic])
}

func (p *InFlightPubSub) pop(ctx context.Context, topic string) (*message.Message, bool) {
	for {
		p.mu.Lock()
		if q := p.queues[topic]; len(q) > 0 {
			msg := q[0]
			p.queues[topic] = q[1:]
			p.mu.Unlock()
			return msg, true
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (p *InFlightPubSub) requeue(topic string, msg *message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queues[topic] = append([]*message.Message{msg}, p.queues[topic]...)
	p.signal()
}

func (p *InFlightPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)

	go func() {
		defer close(out)

		for {
			stored, ok := p.pop(ctx, topic)
			if !ok {
				return
			}

			msg := stored.Copy()
			select {
			case out <- msg:
			case <-ctx.Done():
				p.requeue(topic, stored)
				return
			}

			select {
			case <-msg.Acked():
			case <-msg.Nacked():
				p.requeue(topic, stored)
			case <-ctx.Done():
				p.requeue(topic, stored)
				return
			}
		}
	}()

	return out, nil
}

// Close is a no-op so one pub/sub can back several subscribers.
func (p *InFlightPubSub) Close() error {
	return nil
}
