package main

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/taskq/consume"
	"goa.design/taskq/task"
)

// registerHandlers installs one handler per task type. The handlers simulate
// the work: they validate parameters, busy the worker for a duration derived
// from the prediction, and log the outcome.
func registerHandlers(pool *consume.Pool) {
	pool.Register(task.TypeReportGeneration, func(ctx context.Context, t *task.Task, p task.Params) error {
		if p.Report != nil && p.Report.Format != "" {
			switch p.Report.Format {
			case "pdf", "csv", "xlsx":
			default:
				return fmt.Errorf("unsupported report format %q", p.Report.Format)
			}
		}
		return simulate(ctx, t, 2*time.Second)
	})
	pool.Register(task.TypeEmailNotification, func(ctx context.Context, t *task.Task, p task.Params) error {
		return simulate(ctx, t, 200*time.Millisecond)
	})
	pool.Register(task.TypeDataExport, func(ctx context.Context, t *task.Task, p task.Params) error {
		return simulate(ctx, t, 3*time.Second)
	})
	pool.Register(task.TypeImageProcessing, func(ctx context.Context, t *task.Task, p task.Params) error {
		if p.Image != nil && p.Image.Quality > 100 {
			return fmt.Errorf("quality %d out of range", p.Image.Quality)
		}
		return simulate(ctx, t, time.Second)
	})
	pool.Register(task.TypeBatchImport, func(ctx context.Context, t *task.Task, p task.Params) error {
		return simulate(ctx, t, 5*time.Second)
	})
	pool.Register(task.TypeWebhookDelivery, func(ctx context.Context, t *task.Task, p task.Params) error {
		if p.Webhook != nil && p.Webhook.URL == "" {
			return fmt.Errorf("webhook task %s carries no url", t.ID)
		}
		return simulate(ctx, t, 300*time.Millisecond)
	})
}

// simulate stands in for the real work. It honors the predicted duration when
// one is attached, capped so a wild estimate cannot wedge a worker.
func simulate(ctx context.Context, t *task.Task, fallback time.Duration) error {
	d := fallback
	if t.Predictions != nil && t.Predictions.PredictedDurationMS > 0 {
		d = time.Duration(t.Predictions.PredictedDurationMS) * time.Millisecond
	}
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	log.Debug(ctx, log.KV{K: "msg", V: "task processed"},
		log.KV{K: "task_id", V: t.ID},
		log.KV{K: "task_type", V: t.Type},
		log.KV{K: "simulated", V: d})
	return nil
}
