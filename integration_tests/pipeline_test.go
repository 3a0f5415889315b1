// Package integrationtests exercises the full pipeline: submission through
// prediction, routing, consumption and the training feedback loop, over the
// in-memory broker and a real prediction service instance.
package integrationtests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskq/broker"
	"goa.design/taskq/broker/inmem"
	"goa.design/taskq/consume"
	"goa.design/taskq/predict"
	"goa.design/taskq/predictor"
	"goa.design/taskq/publish"
	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
	"goa.design/taskq/training"
)

type pipeline struct {
	broker    *inmem.Broker
	service   *httptest.Server
	publisher *publish.Publisher
	pool      *consume.Pool
	reporter  *training.Reporter
}

// startPipeline wires every component the way the binaries do, minus the real
// AMQP connection.
func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	broker.SetupPropagation()

	svc := predictor.NewService(predictor.WithMetricsRegistry(prometheus.NewRegistry()))
	svcCtx, svcCancel := context.WithCancel(context.Background())
	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		_ = svc.Run(svcCtx)
	}()
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svcCancel()
		<-svcDone
	})

	b := inmem.New()
	require.NoError(t, b.Declare(context.Background()))

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	client := predict.NewClient(srv.URL, predict.WithMetrics(metrics))
	pub := publish.New(b, client, publish.WithMetrics(metrics))
	reporter := training.NewReporter(client)

	overrides := make(map[task.Destination]consume.Policy)
	for dest := range consume.DefaultPolicies() {
		overrides[dest] = consume.Policy{RetryDelay: 10 * time.Millisecond}
	}
	pool := consume.NewPool(b,
		consume.WithMetrics(metrics),
		consume.WithPolicies(overrides),
		consume.WithReporter(reporter),
	)

	return &pipeline{broker: b, service: srv, publisher: pub, pool: pool, reporter: reporter}
}

func (p *pipeline) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not shut down")
		}
	})
}

func (p *pipeline) statistics(t *testing.T) predict.Statistics {
	t.Helper()
	resp, err := http.Get(p.service.URL + "/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats predict.Statistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	return stats
}

func TestEndToEndSuccessFeedsTraining(t *testing.T) {
	p := startPipeline(t)

	processed := make(chan string, 1)
	p.pool.Register(task.TypeEmailNotification, func(ctx context.Context, tk *task.Task, params task.Params) error {
		processed <- tk.ID
		return nil
	})
	p.run(t)

	tk := task.New(task.TypeEmailNotification, "welcome")
	tk.ManualPriority = 4
	require.NoError(t, p.publisher.Publish(context.Background(), tk))
	assert.True(t, tk.AIProcessed, "live prediction service enriches the task")
	require.NotNil(t, tk.Predictions)
	assert.Equal(t, "fallback-v1", tk.Predictions.ModelVersion)

	select {
	case id := <-processed:
		assert.Equal(t, tk.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("task never reached the handler")
	}

	// The ack triggers a training record; the service buffers it.
	require.Eventually(t, func() bool {
		return p.statistics(t).TrainingBufferSize == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Retraining on that single observation bumps the model version.
	resp, err := http.Post(p.service.URL+"/training/retrain?minRecords=1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback-v1.1", p.statistics(t).ModelVersion)
}

func TestEndToEndRetryExhaustionLandsOnDLQ(t *testing.T) {
	p := startPipeline(t)

	attempts := make(chan struct{}, 16)
	for _, typ := range task.Types() {
		p.pool.Register(typ, func(ctx context.Context, tk *task.Task, params task.Params) error {
			attempts <- struct{}{}
			return assert.AnError
		})
	}
	p.run(t)

	tk := task.New(task.TypeReportGeneration, "doomed")
	tk.Features = &task.Features{UserTier: task.TierPremium, BusinessPriority: task.BusinessHigh}
	require.NoError(t, p.publisher.Publish(context.Background(), tk))

	require.Eventually(t, func() bool {
		depth, err := p.broker.QueueDepth(context.Background(), task.DLQQueue)
		return err == nil && depth == 1
	}, 10*time.Second, 20*time.Millisecond, "exhausted task reaches the DLQ")

	// Drain the attempt counter: budget for its destination plus the original.
	close(attempts)
	var count int
	for range attempts {
		count++
	}
	dest := task.Destination(tk.Predictions.RecommendedDestination)
	budget := consume.DefaultPolicies()[dest].MaxRetries
	assert.Equal(t, budget+1, count)

	// The dead letter preserves the published body.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.broker.Consume(ctx, task.DLQQueue, 1)
	require.NoError(t, err)
	d := <-ch
	var dead task.Task
	require.NoError(t, json.Unmarshal(d.Body(), &dead))
	assert.Equal(t, tk.ID, dead.ID)
	assert.True(t, dead.AIProcessed)
	require.NoError(t, d.Ack())
}
