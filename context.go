package sqlcapture

import (
	"context"

	"github.com/mickamy/sqlcapture/internal/tracectx"
)

type skipKey struct{}

// WithOperator attaches an operator identifier to the context.
func WithOperator(ctx context.Context, v string) context.Context {
	return tracectx.With(ctx, tracectx.Operator, v)
}

// WithTraceID attaches a trace identifier.
func WithTraceID(ctx context.Context, v string) context.Context {
	return tracectx.With(ctx, tracectx.TraceID, v)
}

// WithReason attaches a human-readable reason for the operation.
func WithReason(ctx context.Context, v string) context.Context {
	return tracectx.With(ctx, tracectx.Reason, v)
}

// WithField attaches an arbitrary diagnostic field. Fields end up on the
// Record and on every log line written while processing it.
func WithField(ctx context.Context, key, value string) context.Context {
	return tracectx.With(ctx, key, value)
}

// WithSkip marks the context so statements run with it are not captured.
// Consumers that query the database should use it to avoid capturing
// their own statements.
func WithSkip(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipKey{}, true)
}

// extractSkip extracts skip flag from context.
func extractSkip(ctx context.Context) bool {
	if v, ok := ctx.Value(skipKey{}).(bool); ok {
		return v
	}
	return false
}
