// Package logging provides structured logging for the lidarlog application.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("acquisition")
//	log.Info("acquisition started", "file", "run.lidar")
//
//	// Log with context
//	log.Warn("poll failed", "error", err, "session", "session_001")
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// ParseLevel converts a config level name to a slog level.
// Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("sessionstore")
//	log.Info("opened") // Output: time=... level=INFO component=sessionstore msg=opened
//
// Component loggers are usually created in package-level vars, before main
// has called Init. They resolve the global logger on every record, so a
// later Init still takes effect for them.
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return slog.New(forwardHandler{}).With("component", name)
}

// forwardHandler delegates to the current global logger's handler.
type forwardHandler struct {
	derive func(slog.Handler) slog.Handler
}

func (h forwardHandler) target() slog.Handler {
	base := Logger.Handler()
	if h.derive != nil {
		return h.derive(base)
	}
	return base
}

func (h forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger.Handler().Enabled(ctx, level)
}

func (h forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := h.derive
	return forwardHandler{derive: func(base slog.Handler) slog.Handler {
		if prev != nil {
			base = prev(base)
		}
		return base.WithAttrs(attrs)
	}}
}

func (h forwardHandler) WithGroup(name string) slog.Handler {
	prev := h.derive
	return forwardHandler{derive: func(base slog.Handler) slog.Handler {
		if prev != nil {
			base = prev(base)
		}
		return base.WithGroup(name)
	}}
}

// WithContext returns a logger that includes context values.
// This is useful for request-scoped logging with trace IDs, etc.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	// Extract common context values if present
	logger := Logger

	if file, ok := ctx.Value(contextKeyFile).(string); ok {
		logger = logger.With("file", file)
	}
	if session, ok := ctx.Value(contextKeySession).(string); ok {
		logger = logger.With("session", session)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(uint64); ok {
		logger = logger.With("request_id", requestID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyFile contextKey = iota
	contextKeySession
	contextKeyRequestID
)

// ContextWithFile adds a dataset file name to the context for logging.
func ContextWithFile(ctx context.Context, file string) context.Context {
	return context.WithValue(ctx, contextKeyFile, file)
}

// ContextWithSession adds a session path ("2024_01_01/session_001") to the
// context for logging.
func ContextWithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, contextKeySession, session)
}

// ContextWithRequestID adds a request ID to the context for logging.
func ContextWithRequestID(ctx context.Context, requestID uint64) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
