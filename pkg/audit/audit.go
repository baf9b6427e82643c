// Package audit writes security-relevant events (trust failures, state
// transitions, swallowed errors) as JSON lines, separate from request logs.
package audit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger records audit events.
type Logger struct {
	zl *zap.Logger
}

// New builds a production JSON audit logger writing to the given paths.
// An empty path list writes to stdout.
func New(paths ...string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if len(paths) > 0 {
		cfg.OutputPaths = paths
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{zl: zl.Named("audit")}, nil
}

// NewWithZap wraps an existing zap logger, used by tests with zaptest/observer.
func NewWithZap(zl *zap.Logger) *Logger {
	return &Logger{zl: zl}
}

// Nop discards every event.
func Nop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

func (l *Logger) Transition(bookingID, from, to, reason string) {
	l.zl.Info("booking_transition",
		zap.String("booking_id", bookingID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("reason", reason),
	)
}

func (l *Logger) TrustFailure(source, detail string, fields ...zap.Field) {
	l.zl.Warn("trust_failure", append([]zap.Field{
		zap.String("source", source),
		zap.String("detail", detail),
	}, fields...)...)
}

// Event records an arbitrary audit entry.
func (l *Logger) Event(name string, fields ...zap.Field) {
	l.zl.Info(name, fields...)
}

func (l *Logger) Failure(name string, err error, fields ...zap.Field) {
	l.zl.Error(name, append(fields, zap.Error(err))...)
}

func (l *Logger) Sync() error {
	return l.zl.Sync()
}
