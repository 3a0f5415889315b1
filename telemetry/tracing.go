package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names carried by the trace contract. Consumers of the traces (alerts,
// dashboards) key on these exact values.
const (
	SpanSendTask       = "send_ai_optimized_task"
	SpanGetPredictions = "ai_get_predictions"
	SpanConsumeTask    = "consume_priority_task"

	// SpanProcessPrefix prefixes the per-type handler span, e.g.
	// "process_task_EmailNotification".
	SpanProcessPrefix = "process_task_"
)

const tracerName = "goa.design/taskq"

// Tracer returns the tracer used for all spans emitted by this module. The
// global TracerProvider is expected to be configured by the binary (via
// clue.ConfigureOpenTelemetry or OTEL_* environment variables).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
