package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"goa.design/taskq/predict"
	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
)

// Service defaults.
const (
	DefaultBufferSize = 10_000
	DefaultMinRecords = 50
)

// modelName labels the ai_model_ready gauge.
const modelName = "fallback"

type (
	// Service is the prediction service: an estimator behind an HTTP API plus
	// the training buffer feeding retrains. Statistics are written by a single
	// loop goroutine (Run); handlers only read them.
	Service struct {
		metrics    *telemetry.Metrics
		registry   *prometheus.Registry
		bufferSize int
		minRecords int
		jitterSeed *int64
		started    time.Time

		// Written by the Run loop only, read by handlers.
		mu         sync.RWMutex
		estimator  Estimator
		buffer     []predict.TrainingRecord
		observed   map[task.Type]observedDuration
		generation int

		obs      chan predict.TrainingRecord
		retrains chan retrainRequest

		predictions atomic.Int64 // served since start
		procTimeNS  atomic.Int64 // cumulative estimation time
	}

	observedDuration struct {
		totalMS int64
		count   int64
	}

	retrainRequest struct {
		minRecords int
		reply      chan retrainResult
	}

	retrainResult struct {
		version string
		used    int
		err     error
	}

	// ServiceOption configures a Service.
	ServiceOption func(*Service)
)

// WithMetricsRegistry binds the service to a registry other than the process
// default. /metrics serves it.
func WithMetricsRegistry(reg *prometheus.Registry) ServiceOption {
	return func(s *Service) {
		s.registry = reg
		s.metrics = telemetry.NewMetrics(reg)
	}
}

// WithBufferSize bounds the training buffer.
func WithBufferSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithMinRecords sets the default retrain threshold, used when the retrain
// request does not carry its own.
func WithMinRecords(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.minRecords = n
		}
	}
}

// WithDurationJitter makes duration estimates carry up to ±10% seeded noise.
func WithDurationJitter(seed int64) ServiceOption {
	return func(s *Service) { s.jitterSeed = &seed }
}

// NewService returns a prediction service with the fallback estimator.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		bufferSize: DefaultBufferSize,
		minRecords: DefaultMinRecords,
		started:    time.Now(),
		observed:   make(map[task.Type]observedDuration),
		obs:        make(chan predict.TrainingRecord, 64),
		retrains:   make(chan retrainRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.Default()
		s.registry = telemetry.DefaultRegistry()
	}
	s.estimator = s.newEstimator()
	return s
}

// newEstimator builds the estimator for the current generation, blending the
// observed per-type means over the static baselines.
func (s *Service) newEstimator() Estimator {
	version := "fallback-v1"
	if s.generation > 0 {
		version = fmt.Sprintf("fallback-v1.%d", s.generation)
	}
	observed := make(map[task.Type]observedDuration, len(s.observed))
	for typ, o := range s.observed {
		observed[typ] = o
	}
	lookup := func(typ task.Type) Baseline {
		base := DefaultBaseline(typ)
		if o, ok := observed[typ]; ok && o.count > 0 {
			mean := o.totalMS / o.count
			base.DurationMS = (base.DurationMS + mean) / 2
		}
		return base
	}
	eopts := []EstimatorOption{WithBaselines(lookup), WithVersion(version)}
	if s.jitterSeed != nil {
		eopts = append(eopts, WithJitter(*s.jitterSeed))
	}
	return NewFallbackEstimator(eopts...)
}

// Run owns the statistics: it initializes the readiness gauge, then serves
// observation and retrain events until ctx is canceled. All writes to the
// buffer, the observed means and the estimator happen here.
func (s *Service) Run(ctx context.Context) error {
	s.metrics.AIModelReady.WithLabelValues(modelName).Set(1)
	defer s.metrics.AIModelReady.WithLabelValues(modelName).Set(0)
	log.Info(ctx, log.KV{K: "msg", V: "prediction service ready"},
		log.KV{K: "model", V: modelName},
		log.KV{K: "buffer_size", V: s.bufferSize})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-s.obs:
			s.observe(rec)
		case req := <-s.retrains:
			req.reply <- s.retrain(ctx, req.minRecords)
		}
	}
}

func (s *Service) observe(rec predict.TrainingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, rec)
	if len(s.buffer) > s.bufferSize {
		s.buffer = s.buffer[len(s.buffer)-s.bufferSize:]
	}
}

func (s *Service) retrain(ctx context.Context, minRecords int) retrainResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) < minRecords {
		return retrainResult{err: fmt.Errorf("need %d records, have %d", minRecords, len(s.buffer))}
	}

	observed := make(map[task.Type]observedDuration)
	for _, rec := range s.buffer {
		if !rec.WasSuccessful || rec.ActualDurationMS <= 0 {
			continue
		}
		o := observed[rec.TaskType]
		o.totalMS += rec.ActualDurationMS
		o.count++
		observed[rec.TaskType] = o
	}
	s.observed = observed
	s.generation++
	s.estimator = s.newEstimator()
	version := s.estimator.(*FallbackEstimator).Version()
	log.Info(ctx, log.KV{K: "msg", V: "model retrained"},
		log.KV{K: "version", V: version},
		log.KV{K: "records", V: len(s.buffer)})
	return retrainResult{version: version, used: len(s.buffer)}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/predict", s.handlePredict)
	r.Post("/predict-batch", s.handlePredictBatch)
	r.Post("/predict-priority", s.handlePredictPriority)
	r.Post("/predict-duration", s.handlePredictDuration)
	r.Get("/health", s.handleHealth)
	r.Get("/statistics", s.handleStatistics)
	r.Post("/training/record", s.handleTrainingRecord)
	r.Post("/training/retrain", s.handleRetrain)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Service) estimate(req predict.Request) *task.Predictions {
	start := time.Now()
	s.mu.RLock()
	est := s.estimator
	s.mu.RUnlock()
	preds := est.Estimate(req)
	s.predictions.Add(1)
	s.procTimeNS.Add(time.Since(start).Nanoseconds())
	return preds
}

func (s *Service) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predict.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	start := time.Now()
	preds := s.estimate(req)
	s.metrics.AIPredictionLatency.WithLabelValues("local").Observe(time.Since(start).Seconds())
	s.metrics.AIPredictions.WithLabelValues("local", "single", "ok").Inc()
	writeJSON(w, http.StatusOK, predict.Response{Success: true, TaskID: req.TaskID, Predictions: preds})
}

func (s *Service) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var breq predict.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&breq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(breq.Requests) > predict.MaxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch of %d exceeds the maximum of %d", len(breq.Requests), predict.MaxBatchSize))
		return
	}
	start := time.Now()
	bresp := predict.BatchResponse{Responses: make([]predict.Response, 0, len(breq.Requests))}
	for _, req := range breq.Requests {
		bresp.Responses = append(bresp.Responses, predict.Response{
			Success:     true,
			TaskID:      req.TaskID,
			Predictions: s.estimate(req),
		})
	}
	s.metrics.AIPredictionLatency.WithLabelValues("local").Observe(time.Since(start).Seconds())
	s.metrics.AIPredictions.WithLabelValues("local", "batch", "ok").Inc()
	writeJSON(w, http.StatusOK, bresp)
}

func (s *Service) handlePredictPriority(w http.ResponseWriter, r *http.Request) {
	var req predict.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	preds := s.estimate(req)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":             req.TaskID,
		"calculated_priority": preds.CalculatedPriority,
		"priority_score":      preds.PriorityScore,
		"priority_factors":    preds.PriorityFactors,
		"priority_reason":     preds.PriorityReason,
		"model_version":       preds.ModelVersion,
	})
}

func (s *Service) handlePredictDuration(w http.ResponseWriter, r *http.Request) {
	var req predict.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	preds := s.estimate(req)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":               req.TaskID,
		"predicted_duration_ms": preds.PredictedDurationMS,
		"duration_confidence":   preds.DurationConfidence,
		"model_version":         preds.ModelVersion,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	version := s.version()
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"model_version":  version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Service) handleStatistics(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	version := s.version()
	bufLen := len(s.buffer)
	s.mu.RUnlock()

	n := s.predictions.Load()
	var avgMS float64
	if n > 0 {
		avgMS = float64(s.procTimeNS.Load()) / float64(n) / float64(time.Millisecond)
	}
	writeJSON(w, http.StatusOK, predict.Statistics{
		ModelVersion:        version,
		PredictionsToday:    n,
		AvgProcessingTimeMS: avgMS,
		TrainingBufferSize:  bufLen,
	})
}

// version returns the current model version. Callers hold s.mu.
func (s *Service) version() string {
	if fe, ok := s.estimator.(*FallbackEstimator); ok {
		return fe.Version()
	}
	return "custom"
}

func (s *Service) handleTrainingRecord(w http.ResponseWriter, r *http.Request) {
	var rec predict.TrainingRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid training record")
		return
	}
	select {
	case s.obs <- rec:
		w.WriteHeader(http.StatusAccepted)
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "service not accepting records")
	}
}

func (s *Service) handleRetrain(w http.ResponseWriter, r *http.Request) {
	minRecords := s.minRecords
	if raw := r.URL.Query().Get("minRecords"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "minRecords must be a positive integer")
			return
		}
		minRecords = n
	}

	req := retrainRequest{minRecords: minRecords, reply: make(chan retrainResult, 1)}
	select {
	case s.retrains <- req:
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "service not running")
		return
	}
	res := <-req.reply
	if res.err != nil {
		writeError(w, http.StatusUnprocessableEntity, res.err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_version": res.version,
		"records_used":  res.used,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
