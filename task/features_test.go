package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulatedCount(t *testing.T) {
	var empty *Features
	assert.Zero(t, empty.PopulatedCount())
	assert.Zero(t, (&Features{}).PopulatedCount())

	f := &Features{
		UserID:         "u-1",
		UserTier:       TierPremium,
		InputSizeBytes: ptr64(10),
		HourOfDay:      ptr(0), // zero value still counts as populated
		IsWeekend:      ptrBool(false),
	}
	assert.Equal(t, 5, f.PopulatedCount())
	assert.Equal(t,
		[]string{"input_size_bytes", "user_id", "user_tier", "hour_of_day", "is_weekend"},
		f.PopulatedNames())
}

func TestFieldEnumerationCoversAllFields(t *testing.T) {
	// Populate every enumerated field and check the count matches the
	// enumeration length, so new fields cannot drift the estimate silently.
	f := &Features{
		InputSizeBytes:      ptr64(1),
		RecordCount:         ptr(1),
		InputFormat:         "csv",
		InputComplexity:     ptrF(0.5),
		UserID:              "u",
		TenantID:            "t",
		UserTier:            TierFree,
		RecentTaskCount:     ptr(2),
		HourOfDay:           ptr(9),
		DayOfWeek:           ptr(1),
		IsPeakHours:         ptrBool(true),
		IsWeekend:           ptrBool(false),
		IsHoliday:           ptrBool(false),
		QueueDepth:          ptr(10),
		CPUPercent:          ptrF(40),
		MemoryPercent:       ptrF(50),
		ActiveConsumerCount: ptr(6),
		SystemLoad:          ptrF(0.7),
		Department:          "finance",
		BusinessPriority:    BusinessHigh,
		Deadline:            ptr64(1000),
		Scheduled:           ptrBool(true),
		Source:              "api",
		NeedsExternalAPI:    ptrBool(true),
		NeedsFile:           ptrBool(false),
		NeedsDatabase:       ptrBool(true),
		DataQualityScore:    ptrF(0.9),
		ComplexityScore:     ptrF(0.3),
	}
	require.Equal(t, FieldCount(), f.PopulatedCount())
}

func TestBaselineInputSize(t *testing.T) {
	for _, typ := range Types() {
		assert.Positive(t, BaselineInputSize(typ), "type %s", typ)
	}
	assert.Greater(t, BaselineInputSize(TypeBatchImport), BaselineInputSize(TypeEmailNotification))
	assert.Equal(t, int64(64*1024), BaselineInputSize(Type("unknown")))
}

func ptrF(v float64) *float64 { return &v }
