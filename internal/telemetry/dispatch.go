package telemetry

import (
	"context"
	"fmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"time"
)

const instrumentationName = "amqpav/dispatcher"

// Dispatch outcomes recorded on amqpav.dispatcher.messages.
const (
	OutcomeClean    = "clean"
	OutcomeInfected = "infected"
	OutcomeRejected = "rejected"
)

// DispatchInstruments records per-message dispatcher telemetry against the
// global providers installed by Setup (no-ops when telemetry is disabled).
type DispatchInstruments struct {
	tracer       trace.Tracer
	messages     metric.Int64Counter
	scanDuration metric.Float64Histogram
}

func NewDispatchInstruments() (*DispatchInstruments, error) {
	meter := otel.Meter(instrumentationName)

	messages, err := meter.Int64Counter("amqpav.dispatcher.messages",
		metric.WithDescription("Scan requests handled, by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages counter: %w", err)
	}

	scanDuration, err := meter.Float64Histogram("amqpav.dispatcher.scan.duration",
		metric.WithDescription("Time spent in the scanning engine."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scan duration histogram: %w", err)
	}

	return &DispatchInstruments{
		tracer:       otel.Tracer(instrumentationName),
		messages:     messages,
		scanDuration: scanDuration,
	}, nil
}

// StartMessage opens the span covering one inbound request.
func (i *DispatchInstruments) StartMessage(ctx context.Context, messageID string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "dispatch scan request",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.id", messageID)),
	)
}

func (i *DispatchInstruments) Outcome(ctx context.Context, outcome string) {
	i.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (i *DispatchInstruments) ScanDuration(ctx context.Context, d time.Duration) {
	i.scanDuration.Record(ctx, d.Seconds())
}
