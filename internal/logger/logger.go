// Package logger holds the process-wide zap logger shared by the World and
// Scene roles. Log lines carry trace_id/span_id fields when a span is active
// so routing decisions can be correlated with traces.
package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the process-wide logger. It starts as a nop so packages are safe to
// use before Init runs (tests, early boot failures).
var L = zap.NewNop()

// Init replaces L with a production logger at the given level.
// Unrecognized levels are an error rather than a silent default.
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	L = built
	return nil
}

// Sync flushes any buffered log entries
func Sync() {
	_ = L.Sync()
}

// WithTrace appends trace_id and span_id fields when ctx carries a valid
// span, and returns the fields unchanged otherwise
func WithTrace(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// DebugWithTrace logs at Debug level with trace correlation fields
func DebugWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Debug(msg, WithTrace(ctx, fields...)...)
}

// InfoWithTrace logs at Info level with trace correlation fields
func InfoWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Info(msg, WithTrace(ctx, fields...)...)
}

// WarnWithTrace logs at Warn level with trace correlation fields
func WarnWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Warn(msg, WithTrace(ctx, fields...)...)
}

// ErrorWithTrace logs at Error level with trace correlation fields
func ErrorWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Error(msg, WithTrace(ctx, fields...)...)
}
