package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bebsworthy/toolbridge/internal/config"
	"github.com/bebsworthy/toolbridge/internal/errors"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Line is not valid JSON: %v: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestNewLogger tests logger creation with different configurations
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config config.LoggingConfig
		valid  bool
	}{
		{"valid_text_logger", config.LoggingConfig{Level: "info", Format: "text"}, true},
		{"valid_json_logger", config.LoggingConfig{Level: "debug", Format: "json"}, true},
		{"invalid_level", config.LoggingConfig{Level: "invalid", Format: "text"}, false},
		{"invalid_format", config.LoggingConfig{Level: "info", Format: "invalid"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.valid {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				if logger == nil {
					t.Fatal("Expected logger to be created")
				}
				logger.Close()
			} else if err == nil {
				t.Error("Expected error for invalid config")
			}
		})
	}
}

// TestLoggerOutput tests that logger produces expected output
func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debug("Debug message")
	logger.Info("Info message", "number", 42)
	logger.Warn("Warning message")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log lines (debug filtered), got %d", len(entries))
	}

	ts, ok := entries[0]["time"].(string)
	if !ok {
		t.Fatal("Expected string time field")
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("Expected RFC3339 time, got %q", ts)
	}
}

// TestCorrelationID tests correlation ID functionality
func TestCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	ctx := WithCorrelationID(context.Background(), "req-42")
	if GetCorrelationID(ctx) != "req-42" {
		t.Errorf("Expected correlation id req-42, got %q", GetCorrelationID(ctx))
	}

	logger.Component("server").InfoContext(ctx, "handled")
	logger.Info("no context")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0]["correlation_id"] != "req-42" {
		t.Errorf("Expected correlation_id on first entry, got %v", entries[0]["correlation_id"])
	}
	if entries[0]["component"] != "server" {
		t.Errorf("Expected component=server, got %v", entries[0]["component"])
	}
	if _, ok := entries[1]["correlation_id"]; ok {
		t.Error("Did not expect correlation_id without context value")
	}
}

func TestLogRequestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	ctx := context.Background()
	logger.LogRequest(ctx, "GET", "/health", 200, time.Millisecond)
	logger.LogRequest(ctx, "POST", "/tools/echo", 401, time.Millisecond)
	logger.LogRequest(ctx, "POST", "/tools/echo", 504, time.Millisecond)

	entries := decodeLines(t, &buf)
	want := []string{"INFO", "WARN", "ERROR"}
	for i, level := range want {
		if entries[i]["level"] != level {
			t.Errorf("Entry %d: expected level %s, got %v", i, level, entries[i]["level"])
		}
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	ctx := context.Background()
	logger.LogError(ctx, "call failed", fmt.Errorf("wrapped: %w", errors.ConnectionLostError("tool server exited", nil)))
	logger.LogError(ctx, "plain failure", fmt.Errorf("boom"))

	entries := decodeLines(t, &buf)
	if entries[0]["error_code"] != errors.CodeConnectionLost {
		t.Errorf("Expected error_code attribute, got %v", entries[0]["error_code"])
	}
	if entries[1]["error"] != "boom" {
		t.Errorf("Expected error attribute, got %v", entries[1]["error"])
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "text", OutputFile: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
