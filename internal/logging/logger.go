package logging

import (
	"go.uber.org/zap"
)

// Logger is our app-wide logging abstraction.
// We use key-value style args similar to zap.SugaredLogger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
	With(args ...any) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New creates a JSON logger with service + env fields pre-attached.
func New(serviceName, env string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{"stdout"}

	core, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	s := core.Sugar().With(
		"service", serviceName,
		"env", env,
	)

	return &zapLogger{s: s}
}

// NewFromZap wraps an existing zap logger, e.g. one built on zaptest/observer.
func NewFromZap(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

// Nop discards everything.
func Nop() Logger {
	return NewFromZap(zap.NewNop())
}

func (l *zapLogger) Info(msg string, args ...any) {
	l.s.Infow(msg, args...)
}

func (l *zapLogger) Warn(msg string, args ...any) {
	l.s.Warnw(msg, args...)
}

func (l *zapLogger) Error(msg string, args ...any) {
	l.s.Errorw(msg, args...)
}

func (l *zapLogger) Debug(msg string, args ...any) {
	l.s.Debugw(msg, args...)
}

func (l *zapLogger) With(args ...any) Logger {
	return &zapLogger{s: l.s.With(args...)}
}

// Sync flushes buffered entries; call before exit.
func Sync(l Logger) {
	if zl, ok := l.(*zapLogger); ok {
		_ = zl.s.Sync()
	}
}

// AsZap unwraps our Logger to a *zap.Logger for integrations (Watermill, OTel, etc.).
// If someone passes a different Logger implementation, we fall back to a no-op logger.
func AsZap(l Logger) *zap.Logger {
	if zl, ok := l.(*zapLogger); ok {
		return zl.s.Desugar()
	}
	return zap.NewNop()
}
