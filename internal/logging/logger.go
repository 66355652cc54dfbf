// Package logging provides structured logging for the bridge.
//
// It wraps log/slog with configurable level, format and output, attaches a
// correlation id from the request context to every record, and hands out
// per-component child loggers.
//
// Example usage:
//
//	logger, err := logging.NewLogger(cfg.Logging)
//	bridgeLog := logger.Component("bridge")
//	bridgeLog.Info("Tool server connected", "pid", pid)
//
//	ctx = logging.WithCorrelationID(ctx, requestID)
//	logger.InfoContext(ctx, "Forwarding call", "tool", name)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bebsworthy/toolbridge/internal/config"
	"github.com/bebsworthy/toolbridge/internal/errors"
)

// CorrelationIDKey is the context key for correlation IDs
type CorrelationIDKey struct{}

// Logger wraps slog.Logger with bridge-specific helpers
type Logger struct {
	*slog.Logger
	config config.LoggingConfig
	writer io.Writer
}

// NewLogger creates a new structured logger with the given configuration
func NewLogger(cfg config.LoggingConfig) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	writer, err := createLogWriter(cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	return newLogger(cfg, level, writer)
}

// NewWithWriter creates a logger that writes to w. Used by tests and by
// callers that already own the destination.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	return newLogger(cfg, level, w)
}

func newLogger(cfg config.LoggingConfig, level slog.Level, writer io.Writer) (*Logger, error) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Verbose,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text", "":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return &Logger{
		Logger: slog.New(&CorrelationHandler{Handler: handler}),
		config: cfg,
		writer: writer,
	}, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// createLogWriter creates the appropriate writer for log output. Logs go to
// stderr by default; stdout may be carrying the MCP stdio protocol.
func createLogWriter(outputFile string) (io.Writer, error) {
	if outputFile == "" {
		return os.Stderr, nil
	}

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", outputFile, err)
	}

	return file, nil
}

// CorrelationHandler wraps another handler to add correlation ID support
type CorrelationHandler struct {
	slog.Handler
}

// Handle adds the correlation ID from ctx, if any, to the record
func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		r.AddAttrs(slog.String("correlation_id", correlationID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes
func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group
func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{Handler: h.Handler.WithGroup(name)}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey{}, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(
		slog.String("component", name),
		slog.String("service", "toolbridge"),
	)
}

// LogError logs an error with its bridge error attributes when available
func (l *Logger) LogError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	var allAttrs []slog.Attr
	if be, ok := errors.As(err); ok {
		allAttrs = be.LogAttrs()
	} else {
		allAttrs = []slog.Attr{
			slog.String("error", err.Error()),
			slog.String("error_type", fmt.Sprintf("%T", err)),
		}
	}
	allAttrs = append(allAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, msg, allAttrs...)
}

// LogRequest logs request/response information
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
		slog.String("type", "request"),
	}
	allAttrs = append(allAttrs, attrs...)

	level := slog.LevelInfo
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	l.LogAttrs(ctx, level, "Request processed", allAttrs...)
}

// Close closes any file resources used by the logger
func (l *Logger) Close() error {
	if l.writer == os.Stderr || l.writer == os.Stdout {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	logger, _ := NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)
	return logger
}
