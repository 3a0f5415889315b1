// Package publish enriches tasks with predictions, routes them and publishes
// them to the broker with trace context and the wire header catalog.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"goa.design/taskq/broker"
	"goa.design/taskq/predict"
	"goa.design/taskq/routing"
	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
)

// defaultBatchParallelism bounds concurrent publishes in PublishBatch.
const defaultBatchParallelism = 4

type (
	// Publisher publishes enriched tasks. It is reentrant: many submitters
	// may call Publish concurrently.
	Publisher struct {
		broker   broker.Broker
		client   *predict.Client
		metrics  *telemetry.Metrics
		tracer   trace.Tracer
		parallel int
		now      func() time.Time
	}

	// Option configures a Publisher.
	Option func(*Publisher)
)

// WithMetrics binds the publisher to a metric set other than the process
// default.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithBatchParallelism bounds concurrent publishes inside PublishBatch.
func WithBatchParallelism(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.parallel = n
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New returns a Publisher over the given broker and prediction client.
func New(b broker.Broker, client *predict.Client, opts ...Option) *Publisher {
	p := &Publisher{
		broker:   b,
		client:   client,
		tracer:   telemetry.Tracer(),
		parallel: defaultBatchParallelism,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = telemetry.Default()
	}
	return p
}

// Publish enriches t with predictions, decides its route and publishes it.
// Prediction failures degrade to fallback routing and never fail the
// publish; broker errors (including destination overflow) are returned to
// the caller.
func (p *Publisher) Publish(ctx context.Context, t *task.Task) error {
	ctx, span := p.tracer.Start(ctx, telemetry.SpanSendTask,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.type", string(t.Type)),
			attribute.String("messaging.system", "rabbitmq"),
		),
	)
	defer span.End()

	res := p.predictions(ctx, t)
	err := p.publishDecided(ctx, t, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "published")
	return nil
}

// PublishBatch predicts for all tasks in one round trip, then publishes with
// bounded parallelism. It returns the number of tasks published
// successfully; per-task failures are logged, not returned.
func (p *Publisher) PublishBatch(ctx context.Context, tasks []*task.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	results := p.client.PredictBatch(ctx, tasks)

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for _, t := range tasks {
		g.Go(func() error {
			res, ok := results[t.ID]
			if !ok {
				res = predict.Unavailable("no batch result")
			}
			p.apply(t, res)
			if err := p.publishDecided(gctx, t, res); err != nil {
				log.Error(gctx, err, log.KV{K: "msg", V: "batch publish failed"},
					log.KV{K: "task_id", V: t.ID})
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(sent.Load()), err
	}
	return int(sent.Load()), nil
}

// predictions calls the prediction service under its own span and caches the
// outcome on the task.
func (p *Publisher) predictions(ctx context.Context, t *task.Task) predict.Result {
	ctx, span := p.tracer.Start(ctx, telemetry.SpanGetPredictions)
	defer span.End()

	res := p.client.Predict(ctx, t, predict.AllKinds())
	p.apply(t, res)
	if preds, ok := res.Predictions(); ok {
		span.SetAttributes(
			attribute.Int("ai.priority", preds.CalculatedPriority),
			attribute.String("ai.destination", preds.RecommendedDestination),
			attribute.Bool("ai.anomaly", preds.IsAnomaly),
		)
	} else {
		span.SetAttributes(attribute.String("ai.unavailable", res.Reason()))
	}
	return res
}

// apply caches the prediction outcome on the task so the serialized body and
// the wire headers always agree. Both the single and batch paths run through
// it before publishing.
func (p *Publisher) apply(t *task.Task, res predict.Result) {
	preds, ok := res.Predictions()
	if !ok {
		t.AIError = res.Reason()
		return
	}
	now := p.now().UTC()
	t.Predictions = preds
	t.AIProcessed = true
	t.AIProcessedAt = &now
	t.AIError = ""
}

// publishDecided routes t from the prediction result and performs the actual
// publish. Shared by the single and batch paths.
func (p *Publisher) publishDecided(ctx context.Context, t *task.Task, res predict.Result) error {
	start := p.now()
	preds, _ := res.Predictions()
	decision := routing.Decide(t, preds)
	t.RoutingKey = decision.RoutingKey

	// The task carries the publishing span ids; wire headers stay
	// authoritative.
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		t.TraceID = sc.TraceID().String()
		t.SpanID = sc.SpanID().String()
	}

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	msg := broker.Message{
		Body:        body,
		Headers:     buildHeaders(ctx, t, decision, preds),
		ContentType: "application/json",
		Priority:    decision.Priority,
		Expiration:  decision.TTL,
		Persistent:  true,
		Timestamp:   start,
	}
	if err := p.broker.Publish(ctx, decision.Exchange, decision.RoutingKey, msg); err != nil {
		return fmt.Errorf("publish task %s to %s: %w", t.ID, decision.RoutingKey, err)
	}

	queue := decision.Destination.Queue()
	p.metrics.ProducerTasksSent.WithLabelValues(string(t.Type), queue).Inc()
	p.metrics.ProducerSendDuration.WithLabelValues(string(t.Type)).Observe(p.now().Sub(start).Seconds())
	log.Info(ctx, log.KV{K: "msg", V: "task published"},
		log.KV{K: "task_id", V: t.ID},
		log.KV{K: "task_type", V: t.Type},
		log.KV{K: "destination", V: decision.Destination},
		log.KV{K: "reason", V: decision.Reason})
	return nil
}

// buildHeaders assembles the wire header catalog for one publish.
func buildHeaders(ctx context.Context, t *task.Task, decision routing.Decision, preds *task.Predictions) broker.Headers {
	reason := decision.Reason
	if decision.Note != "" {
		reason += " (" + decision.Note + ")"
	}
	h := broker.Headers{
		broker.HeaderTaskType:            string(t.Type),
		broker.HeaderTaskID:              t.ID,
		broker.HeaderRetryCount:          int32(t.RetryCount),
		broker.HeaderMaxRetries:          int32(t.MaxRetries),
		broker.HeaderAIProcessed:         t.AIProcessed,
		broker.HeaderRoutingReason:       reason,
		broker.HeaderQueueRecommendation: string(decision.Destination),
	}
	if preds != nil {
		h[broker.HeaderAIPriority] = int32(preds.CalculatedPriority)
		h[broker.HeaderAIDurationMS] = preds.PredictedDurationMS
		h[broker.HeaderAIIsAnomaly] = preds.IsAnomaly
		h[broker.HeaderAISuccessProbability] = preds.SuccessProbability
		h[broker.HeaderAIServiceVersion] = preds.ModelVersion
	}
	broker.InjectTrace(ctx, h)
	return h
}
