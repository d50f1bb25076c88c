package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" ERROR ", slog.LevelError},
		{"invalid", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetInitializesOnce(t *testing.T) {
	mu.Lock()
	defaultLogger = nil
	mu.Unlock()

	l := Get()
	if l == nil {
		t.Fatal("Get() should return a logger")
	}
	if Get() != l {
		t.Error("Get() should return the same logger instance")
	}
}

func TestContextLoggingIncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "debug", "development")

	ctx := context.WithValue(context.Background(), RequestIDKey, "test-req-id")

	InfoContext(ctx, "info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("InfoContext message not logged")
	}
	if !strings.Contains(buf.String(), "test-req-id") {
		t.Error("request ID not included in log")
	}
	buf.Reset()

	WarnContext(context.Background(), "warn message")
	if strings.Contains(buf.String(), "request_id") {
		t.Error("request_id should be omitted when the context has none")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn", "development")

	Info("hidden")
	Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be logged")
	}
}

func TestJSONFormatInProduction(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "info", "production")

	WithComponent("cache").Info("warmed", "keys", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "cache" {
		t.Errorf("component = %v, want cache", rec["component"])
	}
}

func TestRequestIDNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if got := RequestID(nil); got != "" {
		t.Errorf("RequestID(nil) = %q, want empty", got)
	}
}
