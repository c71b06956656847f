package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id recorded on the context's current span,
// or the zero id when the context carries no sampled span. Log records use
// it to correlate with exported traces.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return zeroTraceID
	}
	return sc.TraceID().String()
}
