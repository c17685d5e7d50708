package trace

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// InstrumentConnectionCreated creates a span for connection creation
func InstrumentConnectionCreated(ctx context.Context, connID, connType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "connection.created",
		trace.WithAttributes(
			ConnectionAttrs(connID, connType, "created")...,
		),
	)
}

// InstrumentConnectionClosed creates a span for connection closure
func InstrumentConnectionClosed(ctx context.Context, connID, connType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "connection.closed",
		trace.WithAttributes(
			ConnectionAttrs(connID, connType, "closed")...,
		),
	)
}
