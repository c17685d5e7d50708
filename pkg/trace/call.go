package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentCall starts the root span of one call session. It stays open
// until teardown finishes.
func InstrumentCall(ctx context.Context, sessionID, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call.session",
		trace.WithAttributes(SessionAttrs(sessionID, userID)...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// InstrumentCallTeardown creates a span covering session teardown.
func InstrumentCallTeardown(ctx context.Context, reason string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call.teardown",
		trace.WithAttributes(attribute.String(AttrReason, reason)),
	)
}

// InstrumentAudioProcessing creates a span for audio processing operations
func InstrumentAudioProcessing(ctx context.Context, operation string, inputSize, outputSize int) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("audio.%s", operation),
		trace.WithAttributes(
			attribute.String("audio.operation", operation),
			attribute.Int("audio.input_size", inputSize),
			attribute.Int("audio.output_size", outputSize),
		),
	)
}
