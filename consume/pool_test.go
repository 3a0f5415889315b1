package consume

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskq/broker"
	"goa.design/taskq/broker/inmem"
	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
)

func testMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

// fastRetries shrinks every retry delay so tests finish quickly without
// changing budgets.
func fastRetries() map[task.Destination]Policy {
	overrides := make(map[task.Destination]Policy, len(DefaultPolicies()))
	for dest := range DefaultPolicies() {
		overrides[dest] = Policy{RetryDelay: 10 * time.Millisecond}
	}
	return overrides
}

func newBroker(t *testing.T) *inmem.Broker {
	t.Helper()
	b := inmem.New()
	require.NoError(t, b.Declare(context.Background()))
	return b
}

func publishTask(t *testing.T, b *inmem.Broker, dest task.Destination, tk *task.Task) {
	t.Helper()
	body, err := json.Marshal(tk)
	require.NoError(t, err)
	props, ok := dest.Props()
	require.True(t, ok)
	msg := broker.Message{
		Body: body,
		Headers: broker.Headers{
			broker.HeaderTaskID:     tk.ID,
			broker.HeaderTaskType:   string(tk.Type),
			broker.HeaderRetryCount: int32(tk.RetryCount),
		},
		ContentType: "application/json",
		Persistent:  true,
	}
	require.NoError(t, b.Publish(context.Background(), props.Exchange, props.RoutingKey, msg))
}

// waitDepth polls until queue holds want messages or the deadline passes.
func waitDepth(t *testing.T, b *inmem.Broker, queue string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := b.QueueDepth(context.Background(), queue)
		require.NoError(t, err)
		if depth == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	depth, _ := b.QueueDepth(context.Background(), queue)
	t.Fatalf("queue %s depth = %d, want %d", queue, depth, want)
}

type fakeReporter struct {
	mu           sync.Mutex
	succeeded    []*task.Task
	deadLettered []*task.Task
	queues       []string
}

func (r *fakeReporter) TaskSucceeded(ctx context.Context, t *task.Task, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded = append(r.succeeded, t)
	r.queues = append(r.queues, queue)
}

func (r *fakeReporter) TaskDeadLettered(ctx context.Context, t *task.Task, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLettered = append(r.deadLettered, t)
}

func runPool(t *testing.T, p *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not shut down")
		}
	})
	return cancel
}

func TestSuccessAcksAndReports(t *testing.T) {
	b := newBroker(t)
	reporter := &fakeReporter{}
	pool := NewPool(b, WithMetrics(testMetrics()), WithReporter(reporter))

	var handled atomic.Int64
	pool.Register(task.TypeEmailNotification, func(ctx context.Context, tk *task.Task, params task.Params) error {
		handled.Add(1)
		require.NotNil(t, params.Email)
		return nil
	})

	tk := task.New(task.TypeEmailNotification, "welcome")
	tk.Parameters = map[string]any{"subject": "hi", "template": "welcome"}
	publishTask(t, b, task.DestNormal, tk)

	runPool(t, pool)
	waitDepth(t, b, task.DestNormal.Queue(), 0)

	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		return len(reporter.succeeded) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), handled.Load())
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.succeeded, 1)
	done := reporter.succeeded[0]
	assert.Equal(t, tk.ID, done.ID)
	assert.NotNil(t, done.CompletedAt, "reported task carries completion time")
	assert.NotNil(t, done.DurationMS)
	assert.Equal(t, task.DestNormal.Queue(), reporter.queues[0])
	assert.Empty(t, reporter.deadLettered)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	b := newBroker(t)
	reporter := &fakeReporter{}
	pool := NewPool(b,
		WithMetrics(testMetrics()),
		WithPolicies(fastRetries()),
		WithReporter(reporter),
	)

	var invocations atomic.Int64
	pool.Register(task.TypeReportGeneration, func(ctx context.Context, tk *task.Task, params task.Params) error {
		invocations.Add(1)
		return errors.New("report backend unavailable")
	})

	tk := task.New(task.TypeReportGeneration, "monthly")
	publishTask(t, b, task.DestHigh, tk)

	runPool(t, pool)
	waitDepth(t, b, task.DLQQueue, 1)

	// high allows 3 retries: 4 invocations total, then dead-letter.
	assert.Equal(t, int64(4), invocations.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, task.DLQQueue, 1)
	require.NoError(t, err)
	d := <-ch
	var dead task.Task
	require.NoError(t, json.Unmarshal(d.Body(), &dead))
	assert.Equal(t, tk.ID, dead.ID, "body preserved through dead-lettering")
	count, ok := d.Headers().Int(broker.HeaderRetryCount)
	require.True(t, ok)
	assert.Equal(t, 3, count, "final redelivery carries the exhausted retry count")
	require.NoError(t, d.Ack())

	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		return len(reporter.deadLettered) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRetryRedeliveriesCarryIncrementedCount(t *testing.T) {
	b := newBroker(t)
	pool := NewPool(b, WithMetrics(testMetrics()), WithPolicies(fastRetries()))

	// Fail until the authoritative wire count reaches 2. Each redelivery is a
	// fresh publish, so the count must survive the broker round trip.
	counts := make(chan int, 8)
	pool.Register(task.TypeDataExport, func(ctx context.Context, tk *task.Task, params task.Params) error {
		counts <- tk.RetryCount
		if tk.RetryCount < 2 {
			return errors.New("flaky export backend")
		}
		return nil
	})

	publishTask(t, b, task.DestNormal, task.New(task.TypeDataExport, "dump"))
	runPool(t, pool)

	for _, want := range []int{0, 1, 2} {
		select {
		case got := <-counts:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt with retry count %d never arrived", want)
		}
	}

	waitDepth(t, b, task.DestNormal.Queue(), 0)
	depth, err := b.QueueDepth(context.Background(), task.DLQQueue)
	require.NoError(t, err)
	assert.Zero(t, depth, "third attempt succeeded, nothing dead-lettered")
}

func TestRetryBudgetPerDestination(t *testing.T) {
	b := newBroker(t)
	pool := NewPool(b, WithMetrics(testMetrics()), WithPolicies(fastRetries()))

	var invocations atomic.Int64
	pool.Register(task.TypeWebhookDelivery, func(ctx context.Context, tk *task.Task, params task.Params) error {
		invocations.Add(1)
		return errors.New("endpoint gone")
	})

	// critical allows 2 retries: at most 3 invocations.
	tk := task.New(task.TypeWebhookDelivery, "notify")
	publishTask(t, b, task.DestCritical, tk)

	runPool(t, pool)
	waitDepth(t, b, task.DLQQueue, 1)
	assert.Equal(t, int64(3), invocations.Load())
}

func TestParseFailureDeadLettersWithoutRetry(t *testing.T) {
	b := newBroker(t)
	pool := NewPool(b, WithMetrics(testMetrics()), WithPolicies(fastRetries()))

	var invocations atomic.Int64
	for _, typ := range task.Types() {
		pool.Register(typ, func(ctx context.Context, tk *task.Task, params task.Params) error {
			invocations.Add(1)
			return nil
		})
	}

	props, _ := task.DestNormal.Props()
	require.NoError(t, b.Publish(context.Background(), props.Exchange, props.RoutingKey, broker.Message{
		Body: []byte("{not json"),
	}))

	runPool(t, pool)
	waitDepth(t, b, task.DLQQueue, 1)
	assert.Zero(t, invocations.Load(), "unparseable deliveries never reach a handler")
}

func TestUnregisteredTypeDeadLetters(t *testing.T) {
	b := newBroker(t)
	pool := NewPool(b, WithMetrics(testMetrics()), WithPolicies(fastRetries()))
	// No handlers registered at all.

	tk := task.New(task.TypeDataExport, "dump")
	publishTask(t, b, task.DestLow, tk)

	runPool(t, pool)
	waitDepth(t, b, task.DLQQueue, 1)
}

func TestShutdownInterruptsRetryDelay(t *testing.T) {
	b := newBroker(t)
	overrides := map[task.Destination]Policy{
		task.DestHigh: {RetryDelay: time.Minute},
	}
	pool := NewPool(b, WithMetrics(testMetrics()), WithPolicies(overrides))

	failed := make(chan struct{}, 8)
	pool.Register(task.TypeImageProcessing, func(ctx context.Context, tk *task.Task, params task.Params) error {
		failed <- struct{}{}
		return errors.New("resize failed")
	})

	publishTask(t, b, task.DestHigh, task.New(task.TypeImageProcessing, "thumb"))

	cancel := runPool(t, pool)
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never invoked")
	}

	// The worker is now inside a one-minute retry delay; cancellation must cut
	// it short. The Cleanup installed by runPool enforces the shutdown bound.
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	require.Eventually(t, func() bool {
		depth, err := b.QueueDepth(context.Background(), task.DestHigh.Queue())
		return err == nil && depth == 1
	}, 5*time.Second, 10*time.Millisecond, "delivery requeued on shutdown")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestIntrospectionHook(t *testing.T) {
	b := newBroker(t)
	samples := make(chan Sample, 16)
	pool := NewPool(b,
		WithMetrics(testMetrics()),
		WithIntrospection(50*time.Millisecond),
		WithConcurrencyHint(func(s Sample) { samples <- s }),
	)
	pool.Register(task.TypeEmailNotification, func(ctx context.Context, tk *task.Task, params task.Params) error {
		return nil
	})

	for i := 0; i < 3; i++ {
		publishTask(t, b, task.DestNormal, task.New(task.TypeEmailNotification, "e"))
	}

	runPool(t, pool)
	select {
	case s := <-samples:
		assert.Equal(t, task.DestNormal, s.Destination)
		assert.Positive(t, s.Processed)
	case <-time.After(5 * time.Second):
		t.Fatal("no introspection sample")
	}
}
