// Package logging carries a *slog.Logger through request and connection
// contexts so every component logs with the same handler and base
// attributes without threading a logger parameter through every call.
package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "cdp-relay-logger"

// AddToContext returns a context carrying logger, retrievable with FromContext.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored by AddToContext, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
