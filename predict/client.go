package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"goa.design/clue/log"

	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
)

// Default client settings.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultHealthWindow = 30 * time.Second
	defaultCacheTTL     = 15 * time.Second
)

// Metric label values.
const (
	backendRemote = "remote"
	backendCache  = "cache"

	statusOK          = "ok"
	statusUnavailable = "unavailable"
)

type (
	// Client calls the prediction service. It is safe for concurrent use
	// from many publisher invocations.
	Client struct {
		base    string
		httpc   *http.Client
		timeout time.Duration
		metrics *telemetry.Metrics
		breaker *gobreaker.CircuitBreaker
		now     func() time.Time

		cache    redis.UniversalClient
		cacheTTL time.Duration

		healthWindow time.Duration
		healthMu     sync.Mutex
		healthAt     time.Time // last successful call or positive probe
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)
)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpc = c }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.timeout = d }
}

// WithHealthWindow sets how long a successful call keeps the health gate
// open without re-probing.
func WithHealthWindow(d time.Duration) ClientOption {
	return func(cl *Client) { cl.healthWindow = d }
}

// WithCache enables the Redis prediction cache. Cache failures degrade
// silently to the HTTP call.
func WithCache(rdb redis.UniversalClient, ttl time.Duration) ClientOption {
	return func(cl *Client) {
		cl.cache = rdb
		if ttl > 0 {
			cl.cacheTTL = ttl
		}
	}
}

// WithMetrics binds the client to a metric set other than the process
// default.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// WithClock overrides the clock; tests use it to pin feature pre-population.
func WithClock(now func() time.Time) ClientOption {
	return func(cl *Client) { cl.now = now }
}

// NewClient returns a prediction client for the service at base URL.
func NewClient(base string, opts ...ClientOption) *Client {
	cl := &Client{
		base:         strings.TrimRight(base, "/"),
		httpc:        &http.Client{},
		timeout:      DefaultTimeout,
		healthWindow: DefaultHealthWindow,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.metrics == nil {
		cl.metrics = telemetry.Default()
	}
	cl.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "prediction-service",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return cl
}

// Predict returns predictions for t, requesting only the given kinds (all
// when kinds is empty). Any failure mode (timeout, non-2xx, unparseable body,
// negative health, open breaker) yields an Unavailable result; Predict never
// returns an error.
func (cl *Client) Predict(ctx context.Context, t *task.Task, kinds []Kind) Result {
	if preds, ok := cl.cacheGet(ctx, t.ID); ok {
		cl.metrics.AIPredictions.WithLabelValues(backendCache, "single", statusOK).Inc()
		return Ok(preds)
	}
	if !cl.gate(ctx) {
		cl.metrics.AIPredictions.WithLabelValues(backendRemote, "single", statusUnavailable).Inc()
		return Unavailable("health check negative")
	}
	if len(kinds) == 0 {
		kinds = AllKinds()
	}

	req := Request{
		TaskID:   t.ID,
		TaskType: t.Type,
		Features: FillFeatures(t, cl.now()),
		Kinds:    kinds,
	}

	start := cl.now()
	out, err := cl.breaker.Execute(func() (any, error) {
		var resp Response
		if err := cl.post(ctx, "/predict", req, &resp); err != nil {
			return nil, err
		}
		if !resp.Success || resp.Predictions == nil {
			return nil, fmt.Errorf("prediction rejected: %s", resp.Error)
		}
		return resp.Predictions, nil
	})
	cl.metrics.AIPredictionLatency.WithLabelValues(backendRemote).Observe(cl.now().Sub(start).Seconds())

	if err != nil {
		cl.metrics.AIPredictions.WithLabelValues(backendRemote, "single", statusUnavailable).Inc()
		log.Debug(ctx, log.KV{K: "msg", V: "prediction unavailable"},
			log.KV{K: "task_id", V: t.ID}, log.KV{K: "err", V: err.Error()})
		return Unavailable(err.Error())
	}

	preds := out.(*task.Predictions)
	cl.markHealthy()
	cl.metrics.AIPredictions.WithLabelValues(backendRemote, "single", statusOK).Inc()
	log.Debug(ctx, log.KV{K: "msg", V: "prediction ok"},
		log.KV{K: "task_id", V: t.ID}, log.KV{K: "model_version", V: preds.ModelVersion})
	cl.cacheSet(ctx, t.ID, preds)
	return Ok(preds)
}

// PredictBatch returns one Result per task id. Inputs larger than
// MaxBatchSize are split into multiple service calls. Ids the service did not
// answer for map to Unavailable.
func (cl *Client) PredictBatch(ctx context.Context, tasks []*task.Task) map[string]Result {
	results := make(map[string]Result, len(tasks))
	for _, t := range tasks {
		results[t.ID] = Unavailable("no response for task")
	}
	if !cl.gate(ctx) {
		for id := range results {
			results[id] = Unavailable("health check negative")
		}
		cl.metrics.AIPredictions.WithLabelValues(backendRemote, "batch", statusUnavailable).Inc()
		return results
	}

	now := cl.now()
	for chunkStart := 0; chunkStart < len(tasks); chunkStart += MaxBatchSize {
		end := min(chunkStart+MaxBatchSize, len(tasks))
		chunk := tasks[chunkStart:end]

		breq := BatchRequest{Requests: make([]Request, 0, len(chunk))}
		for _, t := range chunk {
			breq.Requests = append(breq.Requests, Request{
				TaskID:   t.ID,
				TaskType: t.Type,
				Features: FillFeatures(t, now),
				Kinds:    AllKinds(),
			})
		}

		start := cl.now()
		out, err := cl.breaker.Execute(func() (any, error) {
			var resp BatchResponse
			if err := cl.post(ctx, "/predict-batch", breq, &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		})
		cl.metrics.AIPredictionLatency.WithLabelValues(backendRemote).Observe(cl.now().Sub(start).Seconds())
		if err != nil {
			cl.metrics.AIPredictions.WithLabelValues(backendRemote, "batch", statusUnavailable).Inc()
			for _, t := range chunk {
				results[t.ID] = Unavailable(err.Error())
			}
			continue
		}

		cl.markHealthy()
		cl.metrics.AIPredictions.WithLabelValues(backendRemote, "batch", statusOK).Inc()
		for _, r := range out.(*BatchResponse).Responses {
			if _, known := results[r.TaskID]; !known {
				continue // service answered for an id we never asked about
			}
			if r.Success && r.Predictions != nil {
				results[r.TaskID] = Ok(r.Predictions)
				cl.cacheSet(ctx, r.TaskID, r.Predictions)
			} else {
				results[r.TaskID] = Unavailable(r.Error)
			}
		}
	}
	return results
}

// Health probes GET /health. The result of a positive probe (or any
// successful prediction) keeps the gate open for the health window.
func (cl *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cl.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := cl.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	cl.markHealthy()
	return true
}

// gate returns true when the service is assumed healthy: either a call
// succeeded within the health window or a fresh probe passes.
func (cl *Client) gate(ctx context.Context) bool {
	cl.healthMu.Lock()
	recent := !cl.healthAt.IsZero() && cl.now().Sub(cl.healthAt) < cl.healthWindow
	cl.healthMu.Unlock()
	if recent {
		return true
	}
	return cl.Health(ctx)
}

func (cl *Client) markHealthy() {
	cl.healthMu.Lock()
	cl.healthAt = cl.now()
	cl.healthMu.Unlock()
}

// post sends a JSON request with the per-call timeout and decodes the reply.
func (cl *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cl.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// RecordTraining appends one observed outcome to the service's training
// buffer. Unlike Predict this surfaces the error; the training reporter
// decides to log and drop it.
func (cl *Client) RecordTraining(ctx context.Context, rec TrainingRecord) error {
	return cl.post(ctx, "/training/record", rec, nil)
}

func (cl *Client) cacheKey(id string) string { return "taskq:predictions:" + id }

func (cl *Client) cacheGet(ctx context.Context, id string) (*task.Predictions, bool) {
	if cl.cache == nil {
		return nil, false
	}
	raw, err := cl.cache.Get(ctx, cl.cacheKey(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var preds task.Predictions
	if err := json.Unmarshal(raw, &preds); err != nil {
		return nil, false
	}
	return &preds, true
}

func (cl *Client) cacheSet(ctx context.Context, id string, preds *task.Predictions) {
	if cl.cache == nil {
		return
	}
	raw, err := json.Marshal(preds)
	if err != nil {
		return
	}
	if err := cl.cache.Set(ctx, cl.cacheKey(id), raw, cl.cacheTTL).Err(); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "prediction cache write failed"}, log.KV{K: "err", V: err.Error()})
	}
}
