package predict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
)

func testMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

type fakeService struct {
	healthy      atomic.Bool
	predictCalls atomic.Int64
	batchCalls   atomic.Int64
	batchSizes   []int
	respond      func(req Request) Response
	delay        time.Duration
}

func newFakeService() *fakeService {
	s := &fakeService{}
	s.healthy.Store(true)
	s.respond = func(req Request) Response {
		return Response{
			Success: true,
			TaskID:  req.TaskID,
			Predictions: &task.Predictions{
				PredictedDurationMS:    1500,
				CalculatedPriority:     6,
				RecommendedDestination: string(task.DestHigh),
				ModelVersion:           "fallback-v1",
			},
		}
	}
	return s
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !s.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		s.predictCalls.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(s.respond(req))
	})
	mux.HandleFunc("/predict-batch", func(w http.ResponseWriter, r *http.Request) {
		s.batchCalls.Add(1)
		var breq BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&breq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.batchSizes = append(s.batchSizes, len(breq.Requests))
		var bresp BatchResponse
		for _, req := range breq.Requests {
			bresp.Responses = append(bresp.Responses, s.respond(req))
		}
		_ = json.NewEncoder(w).Encode(bresp)
	})
	return mux
}

func TestPredictOk(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	var seen Request
	svc.respond = func(req Request) Response {
		seen = req
		return Response{Success: true, TaskID: req.TaskID, Predictions: &task.Predictions{CalculatedPriority: 7}}
	}

	cl := NewClient(srv.URL, WithMetrics(testMetrics()))
	tk := task.New(task.TypeReportGeneration, "r")
	res := cl.Predict(context.Background(), tk, nil)

	preds, ok := res.Predictions()
	require.True(t, ok, "reason: %s", res.Reason())
	assert.Equal(t, 7, preds.CalculatedPriority)
	assert.Equal(t, tk.ID, seen.TaskID)
	assert.ElementsMatch(t, AllKinds(), seen.Kinds)
	require.NotNil(t, seen.Features)
	assert.Equal(t, "anonymous", seen.Features.UserID, "features pre-populated before sending")
	assert.NotNil(t, seen.Features.HourOfDay)
}

func TestPredictTimeoutIsUnavailable(t *testing.T) {
	svc := newFakeService()
	svc.delay = 200 * time.Millisecond
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	cl := NewClient(srv.URL, WithMetrics(testMetrics()), WithTimeout(30*time.Millisecond))
	cl.markHealthy() // skip the probe so only /predict is timed
	res := cl.Predict(context.Background(), task.New(task.TypeEmailNotification, "e"), nil)

	_, ok := res.Predictions()
	assert.False(t, ok)
	assert.NotEmpty(t, res.Reason())
}

func TestPredictNon2xxNoRetry(t *testing.T) {
	calls := atomic.Int64{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv2 := httptest.NewServer(mux)
	defer srv2.Close()

	cl := NewClient(srv2.URL, WithMetrics(testMetrics()))
	res := cl.Predict(context.Background(), task.New(task.TypeDataExport, "x"), nil)
	_, ok := res.Predictions()
	assert.False(t, ok)
	assert.Equal(t, int64(1), calls.Load(), "non-2xx must not be retried")
}

func TestPredictHealthNegative(t *testing.T) {
	svc := newFakeService()
	svc.healthy.Store(false)
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	cl := NewClient(srv.URL, WithMetrics(testMetrics()))
	res := cl.Predict(context.Background(), task.New(task.TypeWebhookDelivery, "w"), nil)

	_, ok := res.Predictions()
	assert.False(t, ok)
	assert.Equal(t, "health check negative", res.Reason())
	assert.Zero(t, svc.predictCalls.Load(), "predict must not be called when health is negative")
}

func TestPredictBatchChunks(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	cl := NewClient(srv.URL, WithMetrics(testMetrics()))
	tasks := make([]*task.Task, 150)
	for i := range tasks {
		tasks[i] = task.New(task.TypeBatchImport, "b")
	}
	results := cl.PredictBatch(context.Background(), tasks)

	require.Len(t, results, 150)
	assert.Equal(t, int64(2), svc.batchCalls.Load())
	assert.Equal(t, []int{100, 50}, svc.batchSizes)
	for id, res := range results {
		_, ok := res.Predictions()
		assert.True(t, ok, "task %s", id)
	}
}

func TestPredictBatchUnansweredIDUnavailable(t *testing.T) {
	svc := newFakeService()
	svc.respond = func(req Request) Response {
		// The service only ever answers for a different id.
		return Response{Success: true, TaskID: "someone-else", Predictions: &task.Predictions{}}
	}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	cl := NewClient(srv.URL, WithMetrics(testMetrics()))
	tk := task.New(task.TypeImageProcessing, "i")
	results := cl.PredictBatch(context.Background(), []*task.Task{tk})

	res, ok := results[tk.ID]
	require.True(t, ok)
	_, has := res.Predictions()
	assert.False(t, has)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var predictCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		predictCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cl := NewClient(srv.URL, WithMetrics(testMetrics()))
	tk := task.New(task.TypeEmailNotification, "e")
	for i := 0; i < 10; i++ {
		cl.markHealthy() // keep the health gate open so the breaker is what trips
		res := cl.Predict(context.Background(), tk, nil)
		_, ok := res.Predictions()
		require.False(t, ok)
	}
	assert.Equal(t, int64(5), predictCalls.Load(), "breaker must short-circuit after five consecutive failures")
}

func TestPredictCacheHit(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cl := NewClient(srv.URL, WithMetrics(testMetrics()), WithCache(rdb, time.Minute))
	tk := task.New(task.TypeReportGeneration, "r")

	first := cl.Predict(context.Background(), tk, nil)
	_, ok := first.Predictions()
	require.True(t, ok)
	require.Equal(t, int64(1), svc.predictCalls.Load())

	second := cl.Predict(context.Background(), tk, nil)
	preds, ok := second.Predictions()
	require.True(t, ok)
	assert.Equal(t, "fallback-v1", preds.ModelVersion)
	assert.Equal(t, int64(1), svc.predictCalls.Load(), "second call served from cache")
}

func TestRecordTraining(t *testing.T) {
	var got TrainingRecord
	mux := http.NewServeMux()
	mux.HandleFunc("/training/record", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cl := NewClient(srv.URL, WithMetrics(testMetrics()))
	rec := TrainingRecord{
		TaskID:           "t-1",
		TaskType:         task.TypeEmailNotification,
		ActualDurationMS: 1800,
		ActualPriority:   4,
		WasSuccessful:    true,
		QueueName:        "normal-priority-queue",
	}
	require.NoError(t, cl.RecordTraining(context.Background(), rec))
	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Equal(t, int64(1800), got.ActualDurationMS)
	assert.True(t, got.WasSuccessful)
}
