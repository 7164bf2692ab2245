package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestUsableBeforeInit(t *testing.T) {
	// L must never be nil; pre-Init logging is a silent no-op
	L.Info("before init")
	Sync()
}

func TestInitLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if err := Init(level); err != nil {
			t.Errorf("Init(%q) failed: %v", level, err)
		}
	}
	if err := Init("shouting"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestWithTraceNoSpan(t *testing.T) {
	in := []zap.Field{zap.String("scene", "forest")}
	out := WithTrace(context.Background(), in...)

	if len(out) != 1 {
		t.Fatalf("expected fields unchanged without a span, got %d", len(out))
	}
	for _, f := range out {
		if f.Key == "trace_id" || f.Key == "span_id" {
			t.Errorf("unexpected trace field %q without an active span", f.Key)
		}
	}
}
