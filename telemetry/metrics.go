// Package telemetry holds the process-wide observability handles: the
// Prometheus metric set shared by producer, consumer and prediction client,
// and the OTel tracer used for the publish/consume spans.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument exported by the services. Metric names are
// part of the public contract and must not change.
type Metrics struct {
	ProducerTasksSent      *prometheus.CounterVec
	ProducerSendDuration   *prometheus.HistogramVec
	ConsumerTasksProcessed *prometheus.CounterVec
	ConsumerProcessing     *prometheus.HistogramVec
	ConsumerQueueWait      *prometheus.GaugeVec
	AIPredictions          *prometheus.CounterVec
	AIPredictionLatency    *prometheus.HistogramVec
	AIModelReady           *prometheus.GaugeVec
}

// NewMetrics creates the instrument set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProducerTasksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "producer_tasks_sent_total",
			Help: "Tasks published to the broker.",
		}, []string{"task_type", "queue_name"}),
		ProducerSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "producer_task_send_duration_seconds",
			Help:    "End-to-end publish latency including prediction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_type"}),
		ConsumerTasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_tasks_processed_total",
			Help: "Deliveries handled, by terminal status.",
		}, []string{"task_type", "queue_name", "status"}),
		ConsumerProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consumer_task_processing_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_type"}),
		ConsumerQueueWait: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consumer_queue_wait_time_seconds",
			Help: "Time the latest delivery spent queued before pickup.",
		}, []string{"queue_name"}),
		AIPredictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_predictions_total",
			Help: "Prediction calls by backend, kind and outcome.",
		}, []string{"backend", "type", "status"}),
		AIPredictionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_prediction_latency_seconds",
			Help:    "Prediction call latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"backend"}),
		AIModelReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ai_model_ready",
			Help: "1 when the named model is loaded and serving.",
		}, []string{"model"}),
	}
	reg.MustRegister(
		m.ProducerTasksSent,
		m.ProducerSendDuration,
		m.ConsumerTasksProcessed,
		m.ConsumerProcessing,
		m.ConsumerQueueWait,
		m.AIPredictions,
		m.AIPredictionLatency,
		m.AIModelReady,
	)
	return m
}

var (
	defaultMu       sync.Mutex
	defaultMetrics  *Metrics
	defaultRegistry *prometheus.Registry
)

// Default returns the process-wide metric set, creating it on first use.
// Services that expose /metrics serve DefaultRegistry.
func Default() *Metrics {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMetrics == nil {
		defaultRegistry = prometheus.NewRegistry()
		defaultMetrics = NewMetrics(defaultRegistry)
	}
	return defaultMetrics
}

// DefaultRegistry returns the registry backing Default.
func DefaultRegistry() *prometheus.Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = prometheus.NewRegistry()
		defaultMetrics = NewMetrics(defaultRegistry)
	}
	return defaultRegistry
}

// Reset discards the process-wide metric set. Tests use it to start from a
// clean registry.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultMetrics = nil
	defaultRegistry = nil
}
