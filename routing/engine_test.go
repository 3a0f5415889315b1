package routing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskq/task"
)

func TestDecideFollowsRecommendation(t *testing.T) {
	tk := task.New(task.TypeReportGeneration, "r")
	tk.ManualPriority = 3
	preds := &task.Predictions{
		CalculatedPriority:     9,
		PriorityReason:         "enterprise tier with near deadline",
		RecommendedDestination: string(task.DestCritical),
		PredictedDurationMS:    45000,
	}
	d := Decide(tk, preds)
	assert.Equal(t, task.DestCritical, d.Destination)
	assert.Equal(t, task.PriorityExchange, d.Exchange)
	assert.Equal(t, "priority.critical", d.RoutingKey)
	assert.GreaterOrEqual(t, d.Priority, uint8(200))
	assert.Equal(t, time.Minute, d.TTL)
	assert.Equal(t, "ai-optimized: enterprise tier with near deadline", d.Reason)
	assert.Empty(t, d.Note)
}

func TestDecideUnknownRecommendationDefaultsToNormal(t *testing.T) {
	tk := task.New(task.TypeDataExport, "x")
	preds := &task.Predictions{
		CalculatedPriority:     5,
		RecommendedDestination: "express", // not in the catalog
	}
	d := Decide(tk, preds)
	assert.Equal(t, task.DestNormal, d.Destination)
	assert.Equal(t, "priority.normal", d.RoutingKey)
	assert.Equal(t, NoteUnknownRecommend, d.Note)
}

func TestDecideAnomalyRecommendation(t *testing.T) {
	tk := task.New(task.TypeWebhookDelivery, "w")
	preds := &task.Predictions{
		IsAnomaly:              true,
		AnomalyScore:           0.93,
		RecommendedDestination: string(task.DestAnomaly),
	}
	d := Decide(tk, preds)
	assert.Equal(t, task.DestAnomaly, d.Destination)
	assert.Equal(t, task.AnomalyExchange, d.Exchange)
	assert.Equal(t, "anomaly.detected", d.RoutingKey)
}

func TestDecideAnomalyWithoutRecommendation(t *testing.T) {
	tk := task.New(task.TypeWebhookDelivery, "w")
	d := Decide(tk, &task.Predictions{IsAnomaly: true})
	assert.Equal(t, task.DestAnomaly, d.Destination)
}

func TestFallbackTable(t *testing.T) {
	cases := []struct {
		manual int
		want   task.Destination
	}{
		{10, task.DestCritical},
		{8, task.DestCritical},
		{7, task.DestHigh},
		{5, task.DestHigh},
		{4, task.DestNormal},
		{2, task.DestNormal},
		{1, task.DestLow},
		{0, task.DestLow},
		{-1, task.DestBatch},
	}
	for _, tc := range cases {
		tk := task.New(task.TypeEmailNotification, "e")
		tk.ManualPriority = tc.manual
		d := Decide(tk, nil)
		assert.Equal(t, tc.want, d.Destination, "manual=%d", tc.manual)
		assert.True(t, strings.HasPrefix(d.Reason, "fallback:"), "manual=%d reason=%q", tc.manual, d.Reason)
	}
}

func TestFallbackStaleAnomalyForcesAnomaly(t *testing.T) {
	tk := task.New(task.TypeImageProcessing, "i")
	tk.ManualPriority = 9
	tk.Predictions = &task.Predictions{IsAnomaly: true}
	d := Decide(tk, nil)
	assert.Equal(t, task.DestAnomaly, d.Destination)
	assert.True(t, strings.HasPrefix(d.Reason, "fallback:"))
}

func TestBatchSuitabilityConjunction(t *testing.T) {
	base := func() *task.Task {
		tk := task.New(task.TypeBatchImport, "b")
		tk.ManualPriority = 1
		tk.Predictions = &task.Predictions{CalculatedPriority: 1, PredictedDurationMS: 60000}
		return tk
	}

	assert.True(t, BatchSuitable(base()), "all three conditions hold")

	highPrio := base()
	highPrio.Predictions.CalculatedPriority = 8
	assert.False(t, BatchSuitable(highPrio), "effective priority too high")

	short := base()
	short.Predictions.PredictedDurationMS = 5000
	assert.False(t, BatchSuitable(short), "predicted duration too short")

	unscheduled := base()
	sched := false
	unscheduled.Features = &task.Features{Scheduled: &sched}
	assert.False(t, BatchSuitable(unscheduled), "explicitly unscheduled")

	scheduledUnset := base()
	scheduledUnset.Features = &task.Features{}
	assert.True(t, BatchSuitable(scheduledUnset), "scheduled flag unset is allowed")
}

func TestDecideIsDeterministic(t *testing.T) {
	tk := task.New(task.TypeReportGeneration, "r")
	tk.ManualPriority = 6
	preds := &task.Predictions{
		CalculatedPriority:     7,
		RecommendedDestination: string(task.DestHigh),
		PriorityReason:         "steady load",
	}
	first := Decide(tk, preds)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Decide(tk, preds))
	}
}

func TestWirePriorityWithinDestinationBound(t *testing.T) {
	for _, dest := range task.Destinations() {
		props, _ := dest.Props()
		for p := 0; p <= 10; p++ {
			got := wirePriority(p, props.WirePriority)
			assert.LessOrEqual(t, got, props.WirePriority, "dest=%s p=%d", dest, p)
		}
	}
	assert.Equal(t, uint8(255), wirePriority(10, 255))
	assert.Equal(t, uint8(0), wirePriority(0, 255))
	assert.Equal(t, uint8(10), wirePriority(10, 10), "batch caps at queue max")
}
