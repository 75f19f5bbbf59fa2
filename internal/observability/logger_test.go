package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level, r *Redactor) *slog.Logger {
	return NewLogger(LoggerConfig{Level: level, Output: buf, JSONFormat: true}, r)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, NewRedactor())

	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if _, ok := logger.Handler().(*RedactingHandler); !ok {
		t.Errorf("expected redacting handler, got %T", logger.Handler())
	}

	plain := newTestLogger(&buf, slog.LevelInfo, nil)
	if _, ok := plain.Handler().(*RedactingHandler); ok {
		t.Error("nil redactor should not wrap the handler")
	}
}

func TestLogger_RedactsMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, NewRedactor())

	logger.Info("API key is sk-1234567890abcdefghijklmnop")

	output := buf.String()
	if strings.Contains(output, "sk-1234567890") {
		t.Errorf("expected API key to be redacted, got %s", output)
	}
	if !strings.Contains(output, "[REDACTED_API_KEY]") {
		t.Errorf("expected redaction marker, got %s", output)
	}
}

func TestLogger_RedactsArgs(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor()
	r.AddSecret("literal-backend-secret")
	logger := newTestLogger(&buf, slog.LevelInfo, r)

	logger.Warn("backend attempt failed",
		"backend", "primary",
		"error", errors.New("401: key literal-backend-secret rejected"),
		slog.Group("req", "auth", "Bearer abc.def.ghi"),
	)

	output := buf.String()
	for _, leaked := range []string{"literal-backend-secret", "abc.def.ghi"} {
		if strings.Contains(output, leaked) {
			t.Errorf("expected %q to be redacted, got %s", leaked, output)
		}
	}
	if !strings.Contains(output, "primary") {
		t.Errorf("expected non-secret field in output, got %s", output)
	}
}

func TestLogger_WithAttrsRedacted(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor()
	r.AddSecret("persistent-secret")
	logger := newTestLogger(&buf, slog.LevelInfo, r).With("key", "persistent-secret")

	logger.Info("hello")

	if strings.Contains(buf.String(), "persistent-secret") {
		t.Errorf("expected With attrs to be redacted, got %s", buf.String())
	}
}

func TestLogger_RequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, NewRedactor())
	ctx := WithRequestID(context.Background(), "test-req-123")

	logger.InfoContext(ctx, "test message")

	if !strings.Contains(buf.String(), "test-req-123") {
		t.Errorf("expected request ID in output, got %s", buf.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelWarn, NewRedactor())

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRedactingHandler_NoDoubleWrap(t *testing.T) {
	r := NewRedactor()
	h := NewRedactingHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), r)
	if NewRedactingHandler(h, r) != h {
		t.Error("expected the same handler back")
	}
}
