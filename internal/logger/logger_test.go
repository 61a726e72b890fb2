package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestInitAndLogging(t *testing.T) {
	Init("debug", "json")

	if !L.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}

	Info("test info message", "key", "value")
}

func TestContextLogger(t *testing.T) {
	Init("info", "text")

	customLogger := L.With("request_id", "12345")

	ctx := WithContext(context.Background(), customLogger)
	if extracted := FromContext(ctx); extracted != customLogger {
		t.Fatal("expected the stored logger to be returned")
	}
	if FromContext(context.Background()) != L {
		t.Fatal("expected the global logger without a stored one")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", LevelCritical},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%s) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestCriticalLevelName(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "text")

	Critical(context.Background(), l, "state diverged")

	if !strings.Contains(buf.String(), "level=CRITICAL") {
		t.Fatalf("expected CRITICAL level in output, got %q", buf.String())
	}
}

func TestSummarizeText(t *testing.T) {
	if got := SummarizeText("  hi  "); got != "hi" {
		t.Fatalf("unexpected summary: %q", got)
	}
	long := strings.Repeat("a", 200)
	if got := SummarizeText(long); len(got) != 123 {
		t.Fatalf("expected truncated summary, got %d chars", len(got))
	}
}
