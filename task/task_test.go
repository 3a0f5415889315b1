package task

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectivePriorityBlend(t *testing.T) {
	cases := []struct {
		name       string
		manual     int
		calculated *int
		want       int
	}{
		{"no predictions uses manual", 4, nil, 4},
		{"blend rounds", 3, ptr(9), 7}, // 0.7*9 + 0.3*3 = 7.2
		{"blend clamps high", 10, ptr(10), 10},
		{"zero both", 0, ptr(0), 0},
		{"manual clamped", 14, nil, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := New(TypeReportGeneration, "r")
			tk.ManualPriority = tc.manual
			if tc.calculated != nil {
				tk.Predictions = &Predictions{CalculatedPriority: *tc.calculated}
			}
			assert.Equal(t, tc.want, tk.EffectivePriority())
		})
	}
}

func TestRecordErrorBounded(t *testing.T) {
	tk := New(TypeEmailNotification, "e")
	for i := 0; i < 25; i++ {
		tk.RecordError(fmt.Sprintf("boom %d", i))
	}
	require.Len(t, tk.ErrorHistory, maxErrorHistory)
	assert.Equal(t, "boom 24", tk.LastError)
	assert.Equal(t, "boom 15", tk.ErrorHistory[0])
	assert.Equal(t, "boom 24", tk.ErrorHistory[len(tk.ErrorHistory)-1])
}

func TestMarkCompletedDerivesDuration(t *testing.T) {
	tk := New(TypeDataExport, "x")
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tk.MarkStarted(start)
	tk.MarkCompleted(start.Add(1800 * time.Millisecond))
	require.NotNil(t, tk.DurationMS)
	assert.Equal(t, int64(1800), *tk.DurationMS)
	require.NotNil(t, tk.CompletedAt)
}

func TestJSONRoundTrip(t *testing.T) {
	tk := New(TypeReportGeneration, "monthly")
	tk.Description = "monthly revenue report"
	tk.ManualPriority = 3
	tk.RoutingKey = "priority.high"
	tk.RetryCount = 1
	tk.RecordError("transient failure")
	tk.TraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	tk.SpanID = "00f067aa0ba902b7"
	tk.Parameters = map[string]any{"report_name": "revenue", "format": "pdf"}
	tk.Features = &Features{
		UserTier:         TierEnterprise,
		BusinessPriority: BusinessCritical,
		InputSizeBytes:   ptr64(1 << 20),
		HourOfDay:        ptr(14),
		Scheduled:        ptrBool(true),
	}
	tk.Predictions = &Predictions{
		PredictedDurationMS:    45000,
		DurationConfidence:     0.82,
		CalculatedPriority:     9,
		PriorityScore:          0.91,
		PriorityReason:         "enterprise tier with near deadline",
		PriorityFactors:        map[string]float64{"tier": 0.4, "deadline": 0.5},
		RecommendedDestination: string(DestCritical),
		DestinationConfidence:  0.88,
		SuccessProbability:     0.97,
		ModelVersion:           "fallback-v1",
	}
	tk.AIProcessed = true
	now := time.Now().UTC().Truncate(time.Millisecond)
	tk.AIProcessedAt = &now

	data, err := json.Marshal(tk)
	require.NoError(t, err)

	var got Task
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, *tk, got)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	body := []byte(`{"id":"t1","type":"EmailNotification","created_at":"2026-03-01T10:00:00Z","manual_priority":4,"future_field":{"a":1}}`)
	var got Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, TypeEmailNotification, got.Type)
	assert.Equal(t, 4, got.ManualPriority)
}

func TestDestinationCatalog(t *testing.T) {
	for _, d := range Destinations() {
		props, ok := d.Props()
		require.True(t, ok, "destination %s missing props", d)
		assert.NotEmpty(t, props.Queue)
		assert.NotEmpty(t, props.RoutingKey)
		assert.Positive(t, props.MaxLength)
		assert.Positive(t, props.TTL)
	}
	assert.False(t, Destination("express").Valid())

	props, _ := DestAnomaly.Props()
	assert.Equal(t, AnomalyExchange, props.Exchange)
	assert.Equal(t, "anomaly.detected", props.RoutingKey)

	props, _ = DestCritical.Props()
	assert.Equal(t, uint8(255), props.WirePriority)
	assert.Equal(t, time.Minute, props.TTL)
}

func ptr(v int) *int          { return &v }
func ptr64(v int64) *int64    { return &v }
func ptrBool(v bool) *bool    { return &v }
