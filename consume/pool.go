// Package consume runs the consumer pool: one logical consumer per priority
// destination, each with its own concurrency, prefetch and retry discipline.
// The pool owns the delivery lifecycle end to end; handlers only ever see a
// parsed task and its typed parameters.
package consume

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"goa.design/taskq/broker"
	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
)

// Terminal status labels recorded on consumer_tasks_processed_total.
const (
	StatusSuccess      = "success"
	StatusRetried      = "retried"
	StatusDeadLettered = "dead_lettered"
	StatusParseError   = "parse_error"
	StatusNoHandler    = "no_handler"
)

// criticalLatencyBudget is the handler latency above which the critical
// wrapper logs a warning.
const criticalLatencyBudget = 500 * time.Millisecond

// defaultIntrospection is the interval of the per-destination throughput
// report.
const defaultIntrospection = 10 * time.Second

type (
	// Handler processes one task. Returning nil acknowledges the delivery;
	// returning an error subjects it to the destination's retry budget. The
	// pool never propagates handler errors further.
	Handler func(ctx context.Context, t *task.Task, params task.Params) error

	// Reporter receives terminal outcomes for training feedback. All methods
	// must be non-blocking; the pool calls them on the worker goroutine.
	Reporter interface {
		TaskSucceeded(ctx context.Context, t *task.Task, queue string)
		TaskDeadLettered(ctx context.Context, t *task.Task, queue string)
	}

	// Sample is one introspection window for a destination.
	Sample struct {
		Destination task.Destination
		Processed   int64         // deliveries settled during the window
		AvgLatency  time.Duration // rolling average handler latency
	}

	// Pool consumes every priority destination concurrently.
	Pool struct {
		broker   broker.Broker
		metrics  *telemetry.Metrics
		tracer   trace.Tracer
		policies map[task.Destination]Policy
		reporter Reporter
		interval time.Duration
		hint     func(Sample)
		now      func() time.Time

		mu       sync.Mutex
		handlers map[task.Type]Handler
		stats    map[task.Destination]*destStats
	}

	destStats struct {
		processed int64
		latency   time.Duration
	}

	// PoolOption configures a Pool.
	PoolOption func(*Pool)
)

// WithMetrics binds the pool to a metric set other than the process default.
func WithMetrics(m *telemetry.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithPolicies overlays the given per-destination overrides onto the
// defaults. Zero fields keep their default.
func WithPolicies(overrides map[task.Destination]Policy) PoolOption {
	return func(p *Pool) {
		for dest, override := range overrides {
			base, ok := p.policies[dest]
			if !ok {
				continue
			}
			p.policies[dest] = merge(base, override)
		}
	}
}

// WithReporter installs the training feedback reporter.
func WithReporter(r Reporter) PoolOption {
	return func(p *Pool) { p.reporter = r }
}

// WithIntrospection sets the throughput report interval.
func WithIntrospection(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithConcurrencyHint installs a hook called with each introspection sample.
// Nothing acts on it yet; dynamic concurrency plugs in here.
func WithConcurrencyHint(hook func(Sample)) PoolOption {
	return func(p *Pool) { p.hint = hook }
}

// WithClock overrides the clock used for timestamps and latency measurement.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool returns a consumer pool over the given broker.
func NewPool(b broker.Broker, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:   b,
		tracer:   telemetry.Tracer(),
		policies: DefaultPolicies(),
		interval: defaultIntrospection,
		now:      time.Now,
		handlers: make(map[task.Type]Handler),
		stats:    make(map[task.Destination]*destStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = telemetry.Default()
	}
	for _, dest := range task.Destinations() {
		p.stats[dest] = &destStats{}
	}
	return p
}

// Register installs the handler for a task type, replacing any previous one.
func (p *Pool) Register(typ task.Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = h
}

// Run consumes every destination until ctx is canceled. Workers drain their
// in-flight delivery before returning; retry delays are interruptible.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, dest := range task.Destinations() {
		pol, ok := p.policies[dest]
		if !ok {
			continue
		}
		ch, err := p.broker.Consume(gctx, dest.Queue(), pol.Prefetch)
		if err != nil {
			return fmt.Errorf("consume %s: %w", dest.Queue(), err)
		}
		for i := 0; i < pol.Concurrency; i++ {
			g.Go(func() error {
				for d := range ch {
					p.handle(gctx, dest, pol, d)
				}
				return nil
			})
		}
		log.Info(gctx, log.KV{K: "msg", V: "consumer started"},
			log.KV{K: "queue", V: dest.Queue()},
			log.KV{K: "concurrency", V: pol.Concurrency},
			log.KV{K: "prefetch", V: pol.Prefetch})
	}
	g.Go(func() error {
		p.introspect(gctx)
		return nil
	})
	return g.Wait()
}

// handle drives one delivery through its state machine. Exactly one of
// {ack, nack-requeue, nack-dead-letter} is sent per delivery.
func (p *Pool) handle(ctx context.Context, dest task.Destination, pol Policy, d broker.Delivery) {
	ctx = broker.ExtractTrace(ctx, d.Headers())
	ctx, span := p.tracer.Start(ctx, telemetry.SpanConsumeTask,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", d.Queue()),
			attribute.String("messaging.routing_key", d.RoutingKey()),
		),
	)
	defer span.End()

	var t task.Task
	if err := json.Unmarshal(d.Body(), &t); err != nil {
		p.metrics.ConsumerTasksProcessed.WithLabelValues("unknown", d.Queue(), StatusParseError).Inc()
		span.SetStatus(codes.Error, "unparseable body")
		log.Error(ctx, err, log.KV{K: "msg", V: "dropping unparseable delivery"},
			log.KV{K: "queue", V: d.Queue()})
		p.settle(ctx, d.Nack(false))
		return
	}
	span.SetAttributes(attribute.String("task.id", t.ID), attribute.String("task.type", string(t.Type)))
	p.metrics.ConsumerQueueWait.WithLabelValues(d.Queue()).Set(p.now().Sub(t.CreatedAt).Seconds())

	params, err := t.ProjectParams()
	if err != nil {
		p.metrics.ConsumerTasksProcessed.WithLabelValues(string(t.Type), d.Queue(), StatusParseError).Inc()
		span.SetStatus(codes.Error, "invalid parameters")
		log.Error(ctx, err, log.KV{K: "msg", V: "dropping delivery with invalid parameters"},
			log.KV{K: "task_id", V: t.ID})
		p.settle(ctx, d.Nack(false))
		return
	}

	p.mu.Lock()
	h, registered := p.handlers[t.Type]
	p.mu.Unlock()
	if !registered {
		p.metrics.ConsumerTasksProcessed.WithLabelValues(string(t.Type), d.Queue(), StatusNoHandler).Inc()
		span.SetStatus(codes.Error, "no handler")
		log.Error(ctx, fmt.Errorf("no handler for task type %q", t.Type),
			log.KV{K: "task_id", V: t.ID})
		p.settle(ctx, d.Nack(false))
		return
	}

	// The wire header is authoritative for the retry count; the body still
	// carries the value from the original publish after a requeue.
	retries := t.RetryCount
	if n, ok := d.Headers().Int(broker.HeaderRetryCount); ok {
		retries = n
	}
	t.RetryCount = retries

	start := p.now()
	t.MarkStarted(start)
	handlerErr := p.invoke(ctx, dest, &t, params, h)
	elapsed := p.now().Sub(start)
	p.metrics.ConsumerProcessing.WithLabelValues(string(t.Type)).Observe(elapsed.Seconds())
	p.observe(dest, elapsed)

	if handlerErr == nil {
		t.MarkCompleted(p.now())
		p.metrics.ConsumerTasksProcessed.WithLabelValues(string(t.Type), d.Queue(), StatusSuccess).Inc()
		span.SetStatus(codes.Ok, "acked")
		p.settle(ctx, d.Ack())
		if p.reporter != nil {
			p.reporter.TaskSucceeded(ctx, &t, d.Queue())
		}
		return
	}

	t.RecordError(handlerErr.Error())
	span.RecordError(handlerErr)

	if ctx.Err() != nil {
		// Shutdown raced the handler: requeue immediately. The attempt counts
		// against the budget when it fits.
		if retries < pol.MaxRetries {
			p.bumpRetry(&t, retries+1)
		}
		span.SetStatus(codes.Error, "requeued on shutdown")
		p.metrics.ConsumerTasksProcessed.WithLabelValues(string(t.Type), d.Queue(), StatusRetried).Inc()
		p.redeliver(ctx, dest, &t, d)
		return
	}

	if retries < pol.MaxRetries {
		p.bumpRetry(&t, retries+1)
		span.SetStatus(codes.Error, "requeued")
		p.metrics.ConsumerTasksProcessed.WithLabelValues(string(t.Type), d.Queue(), StatusRetried).Inc()
		log.Info(ctx, log.KV{K: "msg", V: "task failed, requeueing"},
			log.KV{K: "task_id", V: t.ID},
			log.KV{K: "retry_count", V: t.RetryCount},
			log.KV{K: "delay", V: pol.RetryDelay})
		p.sleep(ctx, pol.RetryDelay)
		p.redeliver(ctx, dest, &t, d)
		return
	}

	span.SetStatus(codes.Error, "dead-lettered")
	p.metrics.ConsumerTasksProcessed.WithLabelValues(string(t.Type), d.Queue(), StatusDeadLettered).Inc()
	log.Error(ctx, handlerErr, log.KV{K: "msg", V: "retry budget exhausted, dead-lettering"},
		log.KV{K: "task_id", V: t.ID},
		log.KV{K: "retry_count", V: retries})
	p.settle(ctx, d.Nack(false))
	if p.reporter != nil {
		p.reporter.TaskDeadLettered(ctx, &t, d.Queue())
	}
}

// invoke runs the handler under its per-type span, wrapped in the
// destination class behavior. Wrappers add observability only; the retry
// contract is decided by the caller.
func (p *Pool) invoke(ctx context.Context, dest task.Destination, t *task.Task, params task.Params, h Handler) error {
	ctx, span := p.tracer.Start(ctx, telemetry.SpanProcessPrefix+string(t.Type))
	defer span.End()

	switch dest {
	case task.DestCritical:
		start := p.now()
		err := h(ctx, t, params)
		if elapsed := p.now().Sub(start); elapsed > criticalLatencyBudget {
			log.Warn(ctx, log.KV{K: "msg", V: "critical task over latency budget"},
				log.KV{K: "task_id", V: t.ID},
				log.KV{K: "elapsed", V: elapsed})
		}
		return err
	case task.DestAnomaly:
		score := 0.0
		if t.Predictions != nil {
			score = t.Predictions.AnomalyScore
		}
		log.Info(ctx, log.KV{K: "msg", V: "processing anomalous task"},
			log.KV{K: "task_id", V: t.ID},
			log.KV{K: "anomaly_score", V: score},
			log.KV{K: "retry_count", V: t.RetryCount})
		err := h(ctx, t, params)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "anomalous task failed"},
				log.KV{K: "task_id", V: t.ID})
		}
		return err
	case task.DestBatch:
		// Batch work may legitimately run for a long time; note the start so
		// operators can tell a long run from a hang.
		log.Debug(ctx, log.KV{K: "msg", V: "batch task started"}, log.KV{K: "task_id", V: t.ID})
		return h(ctx, t, params)
	default:
		return h(ctx, t, params)
	}
}

// bumpRetry records the upcoming attempt on the task; redeliver puts the
// incremented count on the wire.
func (p *Pool) bumpRetry(t *task.Task, count int) {
	now := p.now().UTC()
	t.RetryCount = count
	t.LastRetryAt = &now
}

// redeliver republishes the message with the task's current retry count and
// acks the original delivery. A nack-with-requeue would put the stored
// message back untouched, so the incremented count has to travel on a fresh
// publish. When the publish cannot be performed the delivery is requeued
// with its original count instead, which retries the attempt but never loses
// the message.
func (p *Pool) redeliver(ctx context.Context, dest task.Destination, t *task.Task, d broker.Delivery) {
	props, ok := dest.Props()
	if !ok {
		p.settle(ctx, d.Nack(true))
		return
	}
	body, err := json.Marshal(t)
	if err != nil {
		p.settle(ctx, d.Nack(true))
		return
	}
	headers := d.Headers().Clone()
	headers[broker.HeaderRetryCount] = int32(t.RetryCount)

	pubCtx := ctx
	if ctx.Err() != nil {
		// Shutdown already canceled ctx; give the requeue publish its own
		// bounded deadline so the message still makes it back.
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	msg := broker.Message{
		Body:        body,
		Headers:     headers,
		ContentType: "application/json",
		Priority:    d.Priority(),
		Persistent:  true,
		Timestamp:   p.now(),
	}
	if err := p.broker.Publish(pubCtx, props.Exchange, d.RoutingKey(), msg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "requeue publish failed, nacking instead"},
			log.KV{K: "task_id", V: t.ID})
		p.settle(ctx, d.Nack(true))
		return
	}
	p.settle(ctx, d.Ack())
}

// sleep waits for the retry delay or until ctx is canceled.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// settle logs a failed ack/nack; there is no recovery beyond redelivery.
func (p *Pool) settle(ctx context.Context, err error) {
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "settling delivery failed"})
	}
}

func (p *Pool) observe(dest task.Destination, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats[dest]
	s.processed++
	s.latency += latency
}

// introspect reports per-destination throughput and rolling average latency
// every interval until ctx is canceled.
func (p *Pool) introspect(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	last := make(map[task.Destination]destStats, len(p.stats))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, dest := range task.Destinations() {
			p.mu.Lock()
			cur := *p.stats[dest]
			p.mu.Unlock()
			delta := cur.processed - last[dest].processed
			if delta == 0 {
				last[dest] = cur
				continue
			}
			avg := (cur.latency - last[dest].latency) / time.Duration(delta)
			last[dest] = cur
			sample := Sample{Destination: dest, Processed: delta, AvgLatency: avg}
			log.Debug(ctx, log.KV{K: "msg", V: "consumer throughput"},
				log.KV{K: "destination", V: dest},
				log.KV{K: "processed", V: delta},
				log.KV{K: "avg_latency", V: avg})
			if p.hint != nil {
				p.hint(sample)
			}
		}
	}
}
