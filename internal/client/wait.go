package client

import (
	"amqpav/internal/broker"
	"amqpav/internal/protocol"
	"context"
	"errors"
	"fmt"
)

type outcome int

const (
	// the reply belongs to another request; it stays unacknowledged
	outcomeNoMatch outcome = iota
	outcomeMatched
	outcomeFailed
)

// wait is the state of one AwaitResult call. It is never shared between
// calls.
type wait struct {
	messageID string
	headers   protocol.HeaderNames

	clean bool
	err   error
}

// handle inspects one delivery. Only a reply correlated to the awaited
// request is acknowledged.
func (w *wait) handle(d broker.Delivery) (outcome, error) {
	env := protocol.Decode(d.Wire(), w.headers)
	if env.Metadata().CorrelationID != w.messageID {
		return outcomeNoMatch, nil
	}

	if err := d.Ack(); err != nil {
		return outcomeNoMatch, fmt.Errorf("ack reply: %w", err)
	}

	switch r := env.(type) {
	case *protocol.Response:
		w.clean = r.Clean
		return outcomeMatched, nil
	case *protocol.ErrorResponse:
		w.err = replyError(r.Error)
		return outcomeFailed, nil
	default:
		w.err = &InvalidMessageError{Detail: protocol.ErrorDetail{
			Kind:   protocol.ErrKindUnknown,
			Detail: fmt.Sprintf("unexpected %s message as reply", env.Kind()),
		}}
		return outcomeFailed, nil
	}
}

// AwaitResult blocks until the reply to messageID arrives and returns the
// clean flag. Polls that time out only trigger a consumer recovery; the wait
// ends when a matching reply arrives or ctx is done.
func (c *Client) AwaitResult(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}

	consumer, err := c.broker.Consume(ctx, c.cfg.ReplyExchange, c.cfg.ReplyQueue)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", c.cfg.ReplyQueue, err)
	}
	defer func() {
		_ = consumer.Close()
	}()

	w := &wait{messageID: messageID, headers: c.cfg.Headers}
	return c.receive(ctx, consumer, w)
}

func (c *Client) receive(ctx context.Context, consumer broker.Consumer, w *wait) (bool, error) {
	logger := c.logger.With("message_id", w.messageID)

	for {
		delivery, err := consumer.Next(ctx, c.cfg.PollTimeout)
		if errors.Is(err, broker.ErrTimeout) {
			logger.Info("reply wait timed out, recovering consumer", "poll_timeout", c.cfg.PollTimeout.String())
			if err := consumer.Recover(); err != nil {
				return false, fmt.Errorf("recover consumer: %w", err)
			}
			continue
		}
		if err != nil {
			return false, err
		}

		o, err := w.handle(delivery)
		if err != nil {
			return false, err
		}

		switch o {
		case outcomeMatched:
			logger.Info("verdict received", "clean", w.clean)
			return w.clean, nil
		case outcomeFailed:
			logger.Info("request rejected by scanner", "error", w.err)
			return false, w.err
		default:
			logger.Debug("skipped reply for another request",
				"correlation_id", delivery.Wire().Properties[protocol.PropCorrelationID],
			)
		}
	}
}
