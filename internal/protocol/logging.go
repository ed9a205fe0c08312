package protocol

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Correlation IDs tie together the log lines a single request produces as it
// crosses the HTTP layer into the orchestrator.

type ctxKey int

const correlationKey ctxKey = iota

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation ID from the context, minting a fresh
// one when the context carries none.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// LoggerWithCorrelation returns the logger annotated with the context's
// correlation ID.
func LoggerWithCorrelation(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("correlation_id", CorrelationID(ctx)))
}
