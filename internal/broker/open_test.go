package broker

import (
	"amqpav/internal/config"
	"amqpav/internal/logging"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpen_MemoryDriverWarns(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	b, err := Open(config.BrokerConfig{Driver: "memory"}, logging.NewFromZap(zap.New(core)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = b.Close() }()

	if _, ok := b.(*Memory); !ok {
		t.Fatalf("expected the in-process broker, got %T", b)
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("memory broker selected; messages never leave this process")
	if warnings.Len() != 1 {
		t.Fatalf("expected one warning, got %d", warnings.Len())
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(config.BrokerConfig{Driver: "nats"}, logging.Nop()); err == nil {
		t.Fatal("expected error for an unknown driver")
	}
}
