package modhost

import (
	"log/slog"
	"os"
)

// Logger defines the interface for host logging.
// The host uses structured logging with key-value pairs to provide
// consistent, parseable log output across all components.
//
// All runtime operations (discovery, dependency resolution, load passes,
// circuit breaker transitions, health policy decisions, etc.) are logged
// using this interface, so embedding applications can control how host
// logs appear.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others. SlogLogger below is the slog
// adapter used by default.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal runtime events like module loads and state changes.
	//
	// Example:
	//   logger.Info("Module loaded", "module", "osint", "version", "1.2.3")
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for contained failures that should be noted but do not stop the host.
	//
	// Example:
	//   logger.Error("Module marked broken", "module", "osint", "error", err)
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for conditions that are unusual but don't prevent normal operation.
	//
	// Example:
	//   logger.Warn("Module is unsigned", "module", "osint")
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for detailed diagnostic information, typically disabled in production.
	//
	// Example:
	//   logger.Debug("Dependency resolved", "from", "osint", "to", "logging")
	Debug(msg string, args ...any)
}

// SlogLogger adapts the standard library's log/slog to the Logger
// interface. The host falls back to it when no logger is supplied.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a text logger writing to stderr at info level,
// or debug level when debug is set.
func NewSlogLogger(debug bool) *SlogLogger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &SlogLogger{logger: slog.New(handler)}
}

// WrapSlog adapts an existing slog.Logger.
func WrapSlog(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
