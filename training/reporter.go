// Package training feeds observed task outcomes back to the prediction
// service. Reporting is best effort: the core data path never waits on it and
// never fails because of it.
package training

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/taskq/predict"
	"goa.design/taskq/task"
)

// Defaults.
const (
	defaultMaxInFlight = 8
	defaultTimeout     = 5 * time.Second
)

type (
	// Reporter posts training records on terminal task outcomes. It satisfies
	// the consumer pool's reporter contract: calls return immediately and the
	// actual POST happens on a bounded set of background goroutines. When all
	// slots are busy the record is dropped, not queued.
	Reporter struct {
		client         *predict.Client
		reportFailures bool
		timeout        time.Duration
		now            func() time.Time

		slots chan struct{}
		wg    sync.WaitGroup
	}

	// ReporterOption configures a Reporter.
	ReporterOption func(*Reporter)
)

// WithFailureReporting enables records for dead-lettered tasks
// (was_successful=false). Off by default: failure outcomes usually carry
// incomplete duration data.
func WithFailureReporting() ReporterOption {
	return func(r *Reporter) { r.reportFailures = true }
}

// WithMaxInFlight bounds concurrent report posts.
func WithMaxInFlight(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// WithTimeout bounds each report post.
func WithTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) { r.now = now }
}

// NewReporter returns a reporter posting through the given prediction client.
func NewReporter(client *predict.Client, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		client:  client,
		timeout: defaultTimeout,
		now:     time.Now,
		slots:   make(chan struct{}, defaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TaskSucceeded reports an acknowledged task.
func (r *Reporter) TaskSucceeded(ctx context.Context, t *task.Task, queue string) {
	r.report(ctx, r.record(t, queue, true))
}

// TaskDeadLettered reports a dead-lettered task when failure reporting is
// enabled.
func (r *Reporter) TaskDeadLettered(ctx context.Context, t *task.Task, queue string) {
	if !r.reportFailures {
		return
	}
	r.report(ctx, r.record(t, queue, false))
}

// Wait blocks until all in-flight reports finish. Binaries call it during
// shutdown after the consumer pool stops.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

func (r *Reporter) record(t *task.Task, queue string, successful bool) predict.TrainingRecord {
	rec := predict.TrainingRecord{
		TaskID:         t.ID,
		TaskType:       t.Type,
		Features:       t.Features,
		ActualPriority: t.EffectivePriority(),
		WasSuccessful:  successful,
		QueueName:      queue,
		CreatedAt:      t.CreatedAt,
		ProcessedAt:    r.now().UTC(),
	}
	if t.DurationMS != nil {
		rec.ActualDurationMS = *t.DurationMS
	}
	if t.CompletedAt != nil {
		rec.ProcessedAt = *t.CompletedAt
	}
	return rec
}

func (r *Reporter) report(ctx context.Context, rec predict.TrainingRecord) {
	select {
	case r.slots <- struct{}{}:
	default:
		log.Debug(ctx, log.KV{K: "msg", V: "training report dropped, reporter saturated"},
			log.KV{K: "task_id", V: rec.TaskID})
		return
	}
	// The delivery context ends with the delivery; the post gets its own.
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		postCtx, cancel := context.WithTimeout(bg, r.timeout)
		defer cancel()
		if err := r.client.RecordTraining(postCtx, rec); err != nil {
			log.Debug(postCtx, log.KV{K: "msg", V: "training report failed"},
				log.KV{K: "task_id", V: rec.TaskID},
				log.KV{K: "err", V: err.Error()})
		}
	}()
}
