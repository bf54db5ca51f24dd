package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyTraceID   contextKey = "trace_id"
	keySubject   contextKey = "subject"
	keyDirection contextKey = "direction"
)

// WithRequestID adds the request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithSubject records the authenticated caller (API key name or JWT subject).
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, keySubject, subject)
}

// Subject extracts the authenticated caller from context.
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySubject).(string)
	return v, ok && v != ""
}

// WithDirection marks which side of a generation call a detector is
// evaluating. Self-reflection detectors pick their policy set from it.
func WithDirection(ctx context.Context, d Direction) context.Context {
	return context.WithValue(ctx, keyDirection, d)
}

// DirectionFrom returns the moderated direction, defaulting to input.
func DirectionFrom(ctx context.Context) Direction {
	if v, ok := ctx.Value(keyDirection).(Direction); ok && v != "" {
		return v
	}
	return DirectionInput
}
