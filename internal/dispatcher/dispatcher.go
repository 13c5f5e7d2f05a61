// Package dispatcher is the server side of the antivirus protocol: it
// consumes scan requests, validates them, scans the payload and publishes a
// correlated reply.
package dispatcher

import (
	"amqpav/internal/broker"
	"amqpav/internal/config"
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"amqpav/internal/scanner"
	"amqpav/internal/telemetry"
	"context"
	"fmt"
	"go.opentelemetry.io/otel/codes"
	"time"
)

const (
	minProtocol = 1
	maxProtocol = protocol.Version
)

type Config struct {
	RequestExchange string
	ReplyExchange   string
	Queue           string
	IncludePayload  bool
	Headers         protocol.HeaderNames
}

func NewConfig(b config.BrokerConfig, s config.ServerConfig) Config {
	return Config{
		RequestExchange: b.RequestExchange,
		ReplyExchange:   b.ReplyExchange,
		Queue:           s.Queue,
		IncludePayload:  s.IncludePayload,
		Headers:         protocol.DefaultHeaders,
	}
}

type Dispatcher struct {
	broker      broker.Broker
	engine      scanner.Engine
	cfg         Config
	instruments *telemetry.DispatchInstruments
	logger      logging.Logger
}

func New(b broker.Broker, engine scanner.Engine, cfg Config, logger logging.Logger) (*Dispatcher, error) {
	instruments, err := telemetry.NewDispatchInstruments()
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		broker:      b,
		engine:      engine,
		cfg:         cfg,
		instruments: instruments,
		logger:      logger.With("component", "dispatcher", "queue", cfg.Queue),
	}, nil
}

// Validate returns the rejection for a request, or nil when it may be
// scanned. The protocol version is checked before the application id and
// only the first failure is reported.
func Validate(m protocol.Meta) *protocol.ErrorDetail {
	if v := m.ProtocolVersion(); v < minProtocol || v > maxProtocol {
		d := protocol.UnknownProtocol(m.Protocol)
		return &d
	}
	if m.AppID != protocol.AppID {
		d := protocol.BadAppID(m.AppID)
		return &d
	}
	return nil
}

// Run consumes the request queue one message at a time until ctx is done.
// Engine and transport failures stop the loop and are returned; the message
// being handled stays unacknowledged so the broker can redeliver it.
func (d *Dispatcher) Run(ctx context.Context) error {
	consumer, err := d.broker.Consume(ctx, d.cfg.RequestExchange, d.cfg.Queue)
	if err != nil {
		return fmt.Errorf("consume %s: %w", d.cfg.Queue, err)
	}
	defer func() {
		_ = consumer.Close()
	}()

	d.logger.Info("listening for scan requests", "exchange", d.cfg.RequestExchange)

	for {
		delivery, err := consumer.Next(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("dispatcher stopped")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		if err := d.Handle(ctx, delivery); err != nil {
			if ctx.Err() != nil {
				d.logger.Info("dispatcher stopped while handling a message", "error", err)
				return nil
			}
			return err
		}
	}
}

// Handle processes a single delivery: validate, scan, reply, ack.
func (d *Dispatcher) Handle(ctx context.Context, delivery broker.Delivery) error {
	env := protocol.Decode(delivery.Wire(), d.cfg.Headers)
	// Whatever arrives on the request queue is treated as a request.
	req := &protocol.Request{Meta: *env.Metadata(), Body: env.Payload()}

	ctx, span := d.instruments.StartMessage(ctx, req.MessageID)
	defer span.End()

	logger := d.logger.With("message_id", req.MessageID)
	logger.Info("message received",
		"protocol", req.Protocol,
		"app_id", req.AppID,
		"content_type", req.ContentType,
		"reply_to", req.ReplyTo,
		"size", len(req.Body),
	)

	var (
		reply   protocol.Envelope
		outcome string
	)

	if rejection := Validate(req.Meta); rejection != nil {
		logger.Info("request rejected", "reason", rejection.String())
		reply = protocol.NewErrorResponse(req, *rejection, d.cfg.IncludePayload)
		outcome = telemetry.OutcomeRejected
	} else {
		start := time.Now()
		verdict, err := d.engine.Scan(ctx, req.Body)
		d.instruments.ScanDuration(ctx, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return fmt.Errorf("scan message %s: %w", req.MessageID, err)
		}

		clean := verdict.Clean()
		logger.Info("scan finished", "clean", clean, "verdict", string(verdict))
		reply = protocol.NewResponse(req, clean, d.cfg.IncludePayload)
		outcome = telemetry.OutcomeInfected
		if clean {
			outcome = telemetry.OutcomeClean
		}
	}

	if err := d.broker.Publish(ctx, d.cfg.ReplyExchange, protocol.Encode(reply, d.cfg.Headers)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish reply to %s: %w", req.MessageID, err)
	}

	if err := delivery.Ack(); err != nil {
		return fmt.Errorf("ack message %s: %w", req.MessageID, err)
	}

	d.instruments.Outcome(ctx, outcome)
	return nil
}
