package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	Component(logger, "poller").Info("tick", "window", 10)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json record, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "poller" {
		t.Errorf("Expected component=poller, got %v", rec["component"])
	}
	if rec["msg"] != "tick" {
		t.Errorf("Expected msg=tick, got %v", rec["msg"])
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_DecoratesRecords(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithOrderID(ctx, "42")

	L(ctx).Info("resolved")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-456") {
		t.Errorf("Expected request_id in %q", out)
	}
	if !strings.Contains(out, "order_id=42") {
		t.Errorf("Expected order_id in %q", out)
	}
}
