// Package observability provides structured logging, request IDs and
// OpenTelemetry tracing for the gateway.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or text.
	Format    string
	AddSource bool
	Output    io.Writer
	// LevelVar, if set, receives Level and backs the handler so the level
	// can be changed after construction.
	LevelVar *slog.LevelVar
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}
	if cfg.LevelVar != nil {
		cfg.LevelVar.Set(level)
		opts.Level = cfg.LevelVar
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// WithRequestID returns a logger carrying the request ID from ctx, if any.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return logger
	}
	return logger.With("request_id", requestID)
}
