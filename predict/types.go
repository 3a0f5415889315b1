// Package predict implements the synchronous client of the prediction
// service: single and batch predictions, health probing with a cached window,
// deterministic feature pre-population and an optional Redis result cache.
// The client never returns errors; callers branch on the Result discriminant
// and fall back to manual routing when predictions are unavailable.
package predict

import (
	"time"

	"goa.design/taskq/task"
)

// Kind selects one axis of prediction.
type Kind string

const (
	KindDuration    Kind = "duration"
	KindPriority    Kind = "priority"
	KindDestination Kind = "destination"
	KindAnomaly     Kind = "anomaly"
	KindSuccess     Kind = "success"
	KindResource    Kind = "resource"
)

// AllKinds returns every prediction kind.
func AllKinds() []Kind {
	return []Kind{KindDuration, KindPriority, KindDestination, KindAnomaly, KindSuccess, KindResource}
}

// MaxBatchSize bounds one batch request; larger inputs are split.
const MaxBatchSize = 100

type (
	// Request is the body of POST /predict.
	Request struct {
		TaskID   string         `json:"task_id"`
		TaskType task.Type      `json:"task_type"`
		Features *task.Features `json:"features,omitempty"`
		Kinds    []Kind         `json:"requested_kinds,omitempty"`
	}

	// Response is the body of a single prediction reply.
	Response struct {
		Success     bool              `json:"success"`
		TaskID      string            `json:"task_id"`
		Predictions *task.Predictions `json:"predictions,omitempty"`
		Error       string            `json:"error,omitempty"`
	}

	// BatchRequest is the body of POST /predict-batch.
	BatchRequest struct {
		Requests []Request `json:"requests"`
	}

	// BatchResponse carries one Response per batch item.
	BatchResponse struct {
		Responses []Response `json:"responses"`
	}

	// TrainingRecord is one observed outcome reported back for retraining.
	TrainingRecord struct {
		TaskID           string         `json:"task_id"`
		TaskType         task.Type      `json:"task_type"`
		Features         *task.Features `json:"features,omitempty"`
		ActualDurationMS int64          `json:"actual_duration_ms"`
		ActualPriority   int            `json:"actual_priority"`
		WasSuccessful    bool           `json:"was_successful"`
		QueueName        string         `json:"queue_name"`
		CreatedAt        time.Time      `json:"created_at"`
		ProcessedAt      time.Time      `json:"processed_at"`
	}

	// Statistics is the body of GET /statistics.
	Statistics struct {
		ModelVersion        string  `json:"model_version"`
		PredictionsToday    int64   `json:"predictions_today"`
		AvgProcessingTimeMS float64 `json:"avg_processing_time_ms"`
		TrainingBufferSize  int     `json:"training_buffer_size"`
	}
)
