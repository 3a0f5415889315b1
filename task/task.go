// Package task defines the unit of work flowing through the queue: the task
// itself, the machine-derived features and predictions attached to it, and
// the closed catalog of priority destinations.
package task

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Type identifies one of the closed catalog of task types.
type Type string

const (
	TypeReportGeneration  Type = "ReportGeneration"
	TypeEmailNotification Type = "EmailNotification"
	TypeDataExport        Type = "DataExport"
	TypeImageProcessing   Type = "ImageProcessing"
	TypeBatchImport       Type = "BatchImport"
	TypeWebhookDelivery   Type = "WebhookDelivery"
)

// Types lists every known task type.
func Types() []Type {
	return []Type{
		TypeReportGeneration,
		TypeEmailNotification,
		TypeDataExport,
		TypeImageProcessing,
		TypeBatchImport,
		TypeWebhookDelivery,
	}
}

// maxErrorHistory bounds the per-task error log carried on the wire.
const maxErrorHistory = 10

type (
	// Task is the unit of work. It is created on submission, enriched with
	// predictions at publish time and mutated by consumer handlers until it
	// reaches a terminal state (ack or dead-letter).
	Task struct {
		ID          string `json:"id"`
		Type        Type   `json:"type"`
		Title       string `json:"title,omitempty"`
		Description string `json:"description,omitempty"`

		CreatedAt   time.Time  `json:"created_at"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		DurationMS  *int64     `json:"duration_ms,omitempty"`

		ManualPriority int    `json:"manual_priority"`
		RoutingKey     string `json:"routing_key,omitempty"`

		RetryCount   int        `json:"retry_count"`
		MaxRetries   int        `json:"max_retries"`
		LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
		LastError    string     `json:"last_error,omitempty"`
		ErrorHistory []string   `json:"error_history,omitempty"`

		// TraceID and SpanID reflect the publishing span. They are
		// informational only: the W3C headers on the wire are authoritative.
		TraceID string `json:"trace_id,omitempty"`
		SpanID  string `json:"span_id,omitempty"`

		// Parameters is the untyped wire-level parameter map. Handlers never
		// read it directly; they work with the typed projection (see params.go).
		Parameters map[string]any `json:"parameters,omitempty"`

		Features      *Features    `json:"features,omitempty"`
		Predictions   *Predictions `json:"predictions,omitempty"`
		AIProcessed   bool         `json:"ai_processed"`
		AIProcessedAt *time.Time   `json:"ai_processed_at,omitempty"`
		AIError       string       `json:"ai_error,omitempty"`
	}

	// Predictions holds the model outputs attached to a task at publish time.
	// The task owns its predictions by value; the model references the task
	// by id only.
	Predictions struct {
		PredictedDurationMS int64   `json:"predicted_duration_ms"`
		DurationConfidence  float64 `json:"duration_confidence"`

		CalculatedPriority int                `json:"calculated_priority"`
		PriorityScore      float64            `json:"priority_score"`
		PriorityReason     string             `json:"priority_reason,omitempty"`
		PriorityFactors    map[string]float64 `json:"priority_factors,omitempty"`

		RecommendedDestination string  `json:"recommended_destination,omitempty"`
		DestinationConfidence  float64 `json:"destination_confidence"`

		IsAnomaly    bool     `json:"is_anomaly"`
		AnomalyScore float64  `json:"anomaly_score"`
		AnomalyTags  []string `json:"anomaly_tags,omitempty"`

		SuccessProbability float64  `json:"success_probability"`
		RiskTags           []string `json:"risk_tags,omitempty"`
		RecommendedAction  string   `json:"recommended_action,omitempty"`

		EstimatedCPUPercent  float64 `json:"estimated_cpu_percent"`
		EstimatedMemoryMB    float64 `json:"estimated_memory_mb"`
		EstimatedNetworkKBPS float64 `json:"estimated_network_kbps"`

		OptimizationHints []string `json:"optimization_hints,omitempty"`
		ModelVersion      string   `json:"model_version,omitempty"`
		PredictionTimeMS  int64    `json:"prediction_time_ms"`
	}
)

// New creates a task of the given type with a fresh id, a creation timestamp
// and the default retry budget. Manual priority defaults to 5 (mid-scale).
func New(typ Type, title string) *Task {
	return &Task{
		ID:             uuid.NewString(),
		Type:           typ,
		Title:          title,
		CreatedAt:      time.Now().UTC(),
		ManualPriority: 5,
		MaxRetries:     3,
	}
}

// EffectivePriority returns the 0-10 priority used for human reasoning:
// round(0.7*calculated + 0.3*manual) when predictions are present, else the
// manual priority.
func (t *Task) EffectivePriority() int {
	if t.Predictions == nil {
		return clampPriority(t.ManualPriority)
	}
	blend := 0.7*float64(t.Predictions.CalculatedPriority) + 0.3*float64(t.ManualPriority)
	return clampPriority(int(math.Round(blend)))
}

// RecordError appends msg to the bounded error history and updates the
// last-error field.
func (t *Task) RecordError(msg string) {
	t.LastError = msg
	t.ErrorHistory = append(t.ErrorHistory, msg)
	if n := len(t.ErrorHistory); n > maxErrorHistory {
		t.ErrorHistory = t.ErrorHistory[n-maxErrorHistory:]
	}
}

// MarkStarted stamps the processing start time.
func (t *Task) MarkStarted(now time.Time) {
	ts := now.UTC()
	t.StartedAt = &ts
}

// MarkCompleted stamps the completion time and derives the observed duration.
// Once set, the task is terminal and no further retries occur.
func (t *Task) MarkCompleted(now time.Time) {
	ts := now.UTC()
	t.CompletedAt = &ts
	if t.StartedAt != nil {
		d := ts.Sub(*t.StartedAt).Milliseconds()
		t.DurationMS = &d
	}
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
