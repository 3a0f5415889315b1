package task

// Tier is the user subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// BusinessPriority is the coarse business urgency attached by the submitter.
type BusinessPriority string

const (
	BusinessLow      BusinessPriority = "low"
	BusinessNormal   BusinessPriority = "normal"
	BusinessHigh     BusinessPriority = "high"
	BusinessCritical BusinessPriority = "critical"
)

// Features carries the prediction inputs for a task. Every field is optional;
// pointer fields distinguish "absent" from a legitimate zero value. Missing
// fields may be imputed by the prediction client before sending.
type Features struct {
	// Input characteristics.
	InputSizeBytes  *int64  `json:"input_size_bytes,omitempty"`
	RecordCount     *int    `json:"record_count,omitempty"`
	InputFormat     string  `json:"input_format,omitempty"`
	InputComplexity *float64 `json:"input_complexity,omitempty"`

	// User context.
	UserID          string `json:"user_id,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
	UserTier        Tier   `json:"user_tier,omitempty"`
	RecentTaskCount *int   `json:"recent_task_count,omitempty"`

	// Temporal.
	HourOfDay   *int  `json:"hour_of_day,omitempty"`
	DayOfWeek   *int  `json:"day_of_week,omitempty"`
	IsPeakHours *bool `json:"is_peak_hours,omitempty"`
	IsWeekend   *bool `json:"is_weekend,omitempty"`
	IsHoliday   *bool `json:"is_holiday,omitempty"`

	// System state, sampled by the caller when available.
	QueueDepth          *int     `json:"queue_depth,omitempty"`
	CPUPercent          *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent       *float64 `json:"memory_percent,omitempty"`
	ActiveConsumerCount *int     `json:"active_consumer_count,omitempty"`
	SystemLoad          *float64 `json:"system_load,omitempty"`

	// Business context.
	Department       string           `json:"department,omitempty"`
	BusinessPriority BusinessPriority `json:"business_priority,omitempty"`
	Deadline         *int64           `json:"deadline_unix_ms,omitempty"`
	Scheduled        *bool            `json:"scheduled,omitempty"`
	Source           string           `json:"source,omitempty"`

	// Dependency flags.
	NeedsExternalAPI *bool `json:"needs_external_api,omitempty"`
	NeedsFile        *bool `json:"needs_file,omitempty"`
	NeedsDatabase    *bool `json:"needs_database,omitempty"`

	// Quality.
	DataQualityScore *float64 `json:"data_quality_score,omitempty"`
	ComplexityScore  *float64 `json:"complexity_score,omitempty"`
}

// featureField is one entry of the closed field enumeration used to count
// populated features and estimate payload size without reflection.
type featureField struct {
	name    string
	present func(*Features) bool
}

var featureFields = []featureField{
	{"input_size_bytes", func(f *Features) bool { return f.InputSizeBytes != nil }},
	{"record_count", func(f *Features) bool { return f.RecordCount != nil }},
	{"input_format", func(f *Features) bool { return f.InputFormat != "" }},
	{"input_complexity", func(f *Features) bool { return f.InputComplexity != nil }},
	{"user_id", func(f *Features) bool { return f.UserID != "" }},
	{"tenant_id", func(f *Features) bool { return f.TenantID != "" }},
	{"user_tier", func(f *Features) bool { return f.UserTier != "" }},
	{"recent_task_count", func(f *Features) bool { return f.RecentTaskCount != nil }},
	{"hour_of_day", func(f *Features) bool { return f.HourOfDay != nil }},
	{"day_of_week", func(f *Features) bool { return f.DayOfWeek != nil }},
	{"is_peak_hours", func(f *Features) bool { return f.IsPeakHours != nil }},
	{"is_weekend", func(f *Features) bool { return f.IsWeekend != nil }},
	{"is_holiday", func(f *Features) bool { return f.IsHoliday != nil }},
	{"queue_depth", func(f *Features) bool { return f.QueueDepth != nil }},
	{"cpu_percent", func(f *Features) bool { return f.CPUPercent != nil }},
	{"memory_percent", func(f *Features) bool { return f.MemoryPercent != nil }},
	{"active_consumer_count", func(f *Features) bool { return f.ActiveConsumerCount != nil }},
	{"system_load", func(f *Features) bool { return f.SystemLoad != nil }},
	{"department", func(f *Features) bool { return f.Department != "" }},
	{"business_priority", func(f *Features) bool { return f.BusinessPriority != "" }},
	{"deadline_unix_ms", func(f *Features) bool { return f.Deadline != nil }},
	{"scheduled", func(f *Features) bool { return f.Scheduled != nil }},
	{"source", func(f *Features) bool { return f.Source != "" }},
	{"needs_external_api", func(f *Features) bool { return f.NeedsExternalAPI != nil }},
	{"needs_file", func(f *Features) bool { return f.NeedsFile != nil }},
	{"needs_database", func(f *Features) bool { return f.NeedsDatabase != nil }},
	{"data_quality_score", func(f *Features) bool { return f.DataQualityScore != nil }},
	{"complexity_score", func(f *Features) bool { return f.ComplexityScore != nil }},
}

// PopulatedCount returns the number of feature fields carrying a value.
func (f *Features) PopulatedCount() int {
	if f == nil {
		return 0
	}
	var n int
	for _, ff := range featureFields {
		if ff.present(f) {
			n++
		}
	}
	return n
}

// PopulatedNames returns the names of feature fields carrying a value, in the
// enumeration's fixed order.
func (f *Features) PopulatedNames() []string {
	if f == nil {
		return nil
	}
	var names []string
	for _, ff := range featureFields {
		if ff.present(f) {
			names = append(names, ff.name)
		}
	}
	return names
}

// FieldCount is the total number of enumerated feature fields.
func FieldCount() int {
	return len(featureFields)
}

// BaselineInputSize returns the assumed input size in bytes for a task type
// when the submitter did not provide one.
func BaselineInputSize(typ Type) int64 {
	switch typ {
	case TypeReportGeneration:
		return 512 * 1024
	case TypeEmailNotification:
		return 4 * 1024
	case TypeDataExport:
		return 8 * 1024 * 1024
	case TypeImageProcessing:
		return 2 * 1024 * 1024
	case TypeBatchImport:
		return 32 * 1024 * 1024
	case TypeWebhookDelivery:
		return 2 * 1024
	default:
		return 64 * 1024
	}
}
