package player

import (
	"log/slog"

	"github.com/bassosimone/errclass"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
//
// Records carry the session id under "session" so the lines of one
// connection can be grouped; per-frame records are Debug, failures are
// Warn or Error.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// errAttrs returns the key-value pairs describing a network error.
func errAttrs(err error) []any {
	return []any{"error", err, "errclass", errclass.New(err)}
}
