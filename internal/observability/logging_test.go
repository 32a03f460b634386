package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := LogLevelFromString(tt.level); got != tt.want {
				t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if entry := decodeLine(t, &buf); entry["msg"] != "shown" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(LogConfig{Format: "text", Output: &buf}).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("unexpected text output %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		name   string
		args   []any
		key    string
		secret string
	}{
		{"sensitive key", []any{"password", "hunter2hunter2"}, "password", "hunter2"},
		{"bearer in value", []any{"header", "Bearer abcdefghijklmnopqrstuvwxyz"}, "header", "abcdefghijklmnop"},
		{"jwt in command", []any{"command", "curl -H x:eyJhbGciOi.eyJzdWIiOi.c2lnbmF0dXJl"}, "command", "eyJzdWIiOi"},
		{"error value", []any{"error", errors.New("api_key=0123456789abcdef0123")}, "error", "0123456789abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(LogConfig{Output: &buf}).Info("event", tt.args...)
			entry := decodeLine(t, &buf)
			val, _ := entry[tt.key].(string)
			if strings.Contains(val, tt.secret) {
				t.Errorf("%s not redacted: %q", tt.key, val)
			}
			if !strings.Contains(val, redacted) {
				t.Errorf("%s missing redaction marker: %q", tt.key, val)
			}
		})
	}
}

func TestRedactionCustomPatternAndWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`corp-[0-9]+`}})
	logger.With("token", "plain-value", "node", "corp-1234").Info("msg corp-99")

	entry := decodeLine(t, &buf)
	if entry["token"] != redacted {
		t.Errorf("token = %v", entry["token"])
	}
	if entry["node"] != redacted {
		t.Errorf("node = %v", entry["node"])
	}
	if entry["msg"] != "msg "+redacted {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestContextValuesAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = WithValue(ctx, SessionKeyKey, "agent:main")
	ctx = WithValue(ctx, RunIDKey, "")
	logger.InfoContext(ctx, "dispatch")

	entry := decodeLine(t, &buf)
	if entry["request_id"] != "req-1" || entry["session_key"] != "agent:main" {
		t.Errorf("missing context values: %v", entry)
	}
	if _, ok := entry["run_id"]; ok {
		t.Error("empty context value should not be logged")
	}
	if Value(context.Background(), ClientIDKey) != "" {
		t.Error("Value on empty context")
	}
}
