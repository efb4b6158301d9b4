// Package logger builds the slog loggers used by the MTA daemons.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// Format is json or text
	Format string
	// Output is stdout, stderr or a file path
	Output string
	// AddSource adds source file and line number to log entries
	AddSource bool
}

// New creates a structured logger. Unknown levels fall back to info, unknown
// formats to JSON, and an unopenable output file to stdout.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	out := openOutput(cfg.Output)
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// ParseLevel maps a level name onto slog.Level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func openOutput(output string) io.Writer {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout
	}
	return f
}

// sensitive attribute key fragments; matched case-insensitively as substrings
var sensitive = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"credential",
	"private_key",
	"sasl",
	"auth_payload",
}

// redact masks attributes that could carry secrets, such as SASL payloads
// or directory passwords.
func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range sensitive {
		if strings.Contains(key, s) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// SetCorrelationID stores a correlation id (an SMTP session id) in ctx
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// GetCorrelationID returns the correlation id stored in ctx, or ""
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// WithCorrelationID returns l annotated with the correlation id carried by ctx
func WithCorrelationID(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	id := GetCorrelationID(ctx)
	if id == "" {
		return l
	}
	return l.With(slog.String("correlation_id", id))
}
