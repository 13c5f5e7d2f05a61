package dispatcher

import (
	"amqpav/internal/broker"
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"amqpav/internal/scanner"
	"context"
	"errors"
	"testing"
	"time"
)

const replyQueue = "client-1"

func testConfig() Config {
	return Config{
		RequestExchange: "check",
		ReplyExchange:   "check-result",
		Queue:           "clamav-check",
		Headers:         protocol.DefaultHeaders,
	}
}

type fakeEngine struct {
	verdict scanner.Verdict
	err     error
	calls   int
}

func (f *fakeEngine) Scan(ctx context.Context, data []byte) (scanner.Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

type harness struct {
	broker     *broker.Memory
	dispatcher *Dispatcher
	consumer   broker.Consumer
	replies    broker.Consumer
}

func newHarness(t *testing.T, engine scanner.Engine, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	b := broker.NewMemory()

	d, err := New(b, engine, cfg, logging.Nop())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	consumer, err := b.Consume(ctx, cfg.RequestExchange, cfg.Queue)
	if err != nil {
		t.Fatalf("consume requests: %v", err)
	}
	replies, err := b.Consume(ctx, cfg.ReplyExchange, replyQueue)
	if err != nil {
		t.Fatalf("consume replies: %v", err)
	}
	return &harness{broker: b, dispatcher: d, consumer: consumer, replies: replies}
}

func (h *harness) send(t *testing.T, req *protocol.Request) {
	t.Helper()
	if err := h.broker.Publish(context.Background(), "check", protocol.Encode(req, protocol.DefaultHeaders)); err != nil {
		t.Fatalf("publish request: %v", err)
	}
}

func (h *harness) handleNext(t *testing.T) error {
	t.Helper()
	d, err := h.consumer.Next(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("next request: %v", err)
	}
	return h.dispatcher.Handle(context.Background(), d)
}

func (h *harness) reply(t *testing.T) protocol.Envelope {
	t.Helper()
	d, err := h.replies.Next(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("next reply: %v", err)
	}
	_ = d.Ack()
	return protocol.Decode(d.Wire(), protocol.DefaultHeaders)
}

func TestHandle_VerdictMapping(t *testing.T) {
	tests := []struct {
		name      string
		verdict   scanner.Verdict
		wantClean bool
	}{
		{name: "empty verdict is clean", verdict: "", wantClean: true},
		{name: "signature is infected", verdict: "Eicar-Test-Signature", wantClean: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{verdict: tt.verdict}
			h := newHarness(t, engine, testConfig())

			req := protocol.NewRequest([]byte("payload"), replyQueue)
			h.send(t, req)
			if err := h.handleNext(t); err != nil {
				t.Fatalf("handle: %v", err)
			}

			resp, ok := h.reply(t).(*protocol.Response)
			if !ok {
				t.Fatalf("expected a response")
			}
			if resp.Clean != tt.wantClean {
				t.Fatalf("expected clean=%v, got %v", tt.wantClean, resp.Clean)
			}
			if resp.CorrelationID != req.MessageID {
				t.Fatalf("expected correlation id %q, got %q", req.MessageID, resp.CorrelationID)
			}
			if resp.MessageID == "" || resp.MessageID == req.MessageID {
				t.Fatalf("expected a fresh message id, got %q", resp.MessageID)
			}
			if resp.Body != nil {
				t.Fatalf("payload must not be echoed by default")
			}
			if engine.calls != 1 {
				t.Fatalf("expected one scan, got %d", engine.calls)
			}
			if h.broker.Unacked("clamav-check") != 0 || h.broker.Depth("clamav-check") != 0 {
				t.Fatal("request must be acknowledged")
			}
		})
	}
}

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		appID    string
		want     string
		wantKind protocol.ErrorKind
	}{
		{name: "future protocol", protocol: "9", appID: protocol.AppID, want: "unknown protocol: 9", wantKind: protocol.ErrKindUnknownProtocol},
		{name: "non numeric protocol", protocol: "v1", appID: protocol.AppID, want: "unknown protocol: v1", wantKind: protocol.ErrKindUnknownProtocol},
		{name: "missing protocol", protocol: "", appID: protocol.AppID, want: "unknown protocol: ", wantKind: protocol.ErrKindUnknownProtocol},
		{name: "foreign app", protocol: "1", appID: "mailer", want: "bad app-id: mailer", wantKind: protocol.ErrKindBadAppID},
		{name: "protocol checked before app id", protocol: "0", appID: "mailer", want: "unknown protocol: 0", wantKind: protocol.ErrKindUnknownProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			h := newHarness(t, engine, testConfig())

			req := protocol.NewRequest([]byte("payload"), replyQueue)
			req.Protocol = tt.protocol
			req.AppID = tt.appID
			h.send(t, req)

			if err := h.handleNext(t); err != nil {
				t.Fatalf("handle: %v", err)
			}

			resp, ok := h.reply(t).(*protocol.ErrorResponse)
			if !ok {
				t.Fatalf("expected an error response")
			}
			if resp.Error.String() != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, resp.Error.String())
			}
			if resp.Error.Kind != tt.wantKind {
				t.Fatalf("expected kind %q, got %q", tt.wantKind, resp.Error.Kind)
			}
			if resp.CorrelationID != req.MessageID {
				t.Fatalf("expected correlation id %q, got %q", req.MessageID, resp.CorrelationID)
			}
			if engine.calls != 0 {
				t.Fatal("rejected requests must never reach the engine")
			}
			if h.broker.Depth(replyQueue) != 0 {
				t.Fatal("expected exactly one reply")
			}
			if h.broker.Unacked("clamav-check") != 0 {
				t.Fatal("rejected request must be acknowledged")
			}
		})
	}
}

func TestHandle_EchoesPayloadWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.IncludePayload = true
	h := newHarness(t, &fakeEngine{}, cfg)

	h.send(t, protocol.NewRequest([]byte("payload"), replyQueue))
	if err := h.handleNext(t); err != nil {
		t.Fatalf("handle: %v", err)
	}

	resp := h.reply(t).(*protocol.Response)
	if string(resp.Body) != "payload" {
		t.Fatalf("expected echoed payload, got %q", resp.Body)
	}
}

func TestHandle_EngineFailureLeavesMessageUnacked(t *testing.T) {
	boom := errors.New("clamd: connection refused")
	h := newHarness(t, &fakeEngine{err: boom}, testConfig())

	h.send(t, protocol.NewRequest([]byte("payload"), replyQueue))
	if err := h.handleNext(t); !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}

	if h.broker.Unacked("clamav-check") != 1 {
		t.Fatal("failed request must stay unacknowledged")
	}
	if h.broker.Depth(replyQueue) != 0 {
		t.Fatal("no reply may be published when the scan fails")
	}
}

type event string

type recordingBroker struct {
	broker.Broker
	events     *[]event
	publishErr error
}

func (b *recordingBroker) Publish(ctx context.Context, exchange string, w protocol.Wire) error {
	*b.events = append(*b.events, "publish")
	return b.publishErr
}

type recordingDelivery struct {
	wire   protocol.Wire
	events *[]event
}

func (d *recordingDelivery) Wire() protocol.Wire { return d.wire }

func (d *recordingDelivery) Ack() error {
	*d.events = append(*d.events, "ack")
	return nil
}

func TestHandle_AcksOnlyAfterPublish(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
	}{
		{name: "scanned", protocol: "1"},
		{name: "rejected", protocol: "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []event
			d, err := New(&recordingBroker{events: &events}, &fakeEngine{}, testConfig(), logging.Nop())
			if err != nil {
				t.Fatalf("new: %v", err)
			}

			req := protocol.NewRequest([]byte("payload"), replyQueue)
			req.Protocol = tt.protocol
			delivery := &recordingDelivery{wire: protocol.Encode(req, protocol.DefaultHeaders), events: &events}

			if err := d.Handle(context.Background(), delivery); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if len(events) != 2 || events[0] != "publish" || events[1] != "ack" {
				t.Fatalf("expected publish then ack, got %v", events)
			}
		})
	}
}

func TestHandle_PublishFailureSkipsAck(t *testing.T) {
	var events []event
	boom := errors.New("broker gone")
	d, _ := New(&recordingBroker{events: &events, publishErr: boom}, &fakeEngine{}, testConfig(), logging.Nop())

	req := protocol.NewRequest([]byte("payload"), replyQueue)
	delivery := &recordingDelivery{wire: protocol.Encode(req, protocol.DefaultHeaders), events: &events}

	if err := d.Handle(context.Background(), delivery); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if len(events) != 1 || events[0] != "publish" {
		t.Fatalf("expected no ack after failed publish, got %v", events)
	}
}

func TestRun_StopsOnEngineFailure(t *testing.T) {
	boom := errors.New("clamd: connection refused")
	b := broker.NewMemory()
	d, _ := New(b, &fakeEngine{err: boom}, testConfig(), logging.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()

	// Run declares its queue before consuming; wait until it is bound.
	deadline := time.Now().Add(time.Second)
	for {
		_ = b.Publish(context.Background(), "check", protocol.Encode(protocol.NewRequest([]byte("x"), replyQueue), protocol.DefaultHeaders))
		if b.Depth("clamav-check") > 0 || b.Unacked("clamav-check") > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("expected engine error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on engine failure")
	}

	// Run closed its consumer, so the failed request is ready for redelivery.
	if b.Depth("clamav-check") == 0 {
		t.Fatal("failed request must be redeliverable")
	}
}

func TestRun_ReturnsNilOnCancel(t *testing.T) {
	d, _ := New(broker.NewMemory(), &fakeEngine{}, testConfig(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}

func TestValidate(t *testing.T) {
	ok := protocol.Meta{Protocol: "1", AppID: protocol.AppID}
	if d := Validate(ok); d != nil {
		t.Fatalf("expected valid request, got %v", d)
	}
}

func TestRun_ReturnsNilWhenCancelledMidScan(t *testing.T) {
	b := broker.NewMemory()
	_ = b.DeclareQueue(context.Background(), "check", "clamav-check")

	started := make(chan struct{})
	engine := scanner.EngineFunc(func(ctx context.Context, data []byte) (scanner.Verdict, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	d, _ := New(b, engine, testConfig(), logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	_ = b.Publish(context.Background(), "check", protocol.Encode(protocol.NewRequest([]byte("x"), replyQueue), protocol.DefaultHeaders))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("scan never started")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil on shutdown during a scan, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}

	if b.Depth("clamav-check") != 1 {
		t.Fatal("interrupted request must stay queued for redelivery")
	}
}
