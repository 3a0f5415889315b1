package broker

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Wire header names. The set published on any message is a subset of this
// catalog.
const (
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"

	HeaderTaskType            = "task-type"
	HeaderTaskID              = "task-id"
	HeaderRetryCount          = "retry-count"
	HeaderMaxRetries          = "max-retries"
	HeaderAIProcessed         = "ai-processed"
	HeaderRoutingReason       = "routing-reason"
	HeaderQueueRecommendation = "queue-recommendation"

	HeaderAIPriority           = "ai-priority"
	HeaderAIDurationMS         = "ai-duration-ms"
	HeaderAIIsAnomaly          = "ai-is-anomaly"
	HeaderAISuccessProbability = "ai-success-probability"
	HeaderAIServiceVersion     = "ai-service-version"
)

// Headers is the message header map. Values are restricted to the types the
// wire supports: string, int64, float64 and bool.
type Headers map[string]any

// Clone returns a shallow copy of h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// String returns the header as a string, converting scalar values.
func (h Headers) String(key string) (string, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return fmt.Sprint(s), true
	}
}

// Int returns the header as an int, tolerating the integer widths brokers
// hand back.
func (h Headers) Int(key string) (int, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Bool returns the header as a bool.
func (h Headers) Bool(key string) (bool, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		return false, false
	}
}

// carrier adapts Headers to the OTel TextMapCarrier so W3C context rides the
// broker hop.
type carrier Headers

func (c carrier) Get(key string) string {
	s, _ := Headers(c).String(key)
	return s
}

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTrace writes the current span context from ctx into h as W3C
// traceparent/tracestate headers.
func InjectTrace(ctx context.Context, h Headers) {
	otel.GetTextMapPropagator().Inject(ctx, carrier(h))
}

// ExtractTrace returns ctx extended with the remote span context carried in
// h, if any. The headers are authoritative over any trace ids duplicated in
// the message body.
func ExtractTrace(ctx context.Context, h Headers) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier(h))
}

// SetupPropagation installs the W3C composite propagator as the global
// text map propagator. Binaries call it once at startup.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}
