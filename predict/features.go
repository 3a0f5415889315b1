package predict

import (
	"time"

	"goa.design/taskq/task"
)

// anonymousUser is the placeholder user id sent when the submitter provided
// none.
const anonymousUser = "anonymous"

// FillFeatures returns a copy of the task's features with missing fields
// imputed deterministically from the clock and the task-type baselines.
// Observed system-state values are left absent unless the caller sampled
// them; nothing is randomized.
func FillFeatures(t *task.Task, now time.Time) *task.Features {
	var f task.Features
	if t.Features != nil {
		f = *t.Features
	}

	if f.HourOfDay == nil {
		hour := now.Hour()
		f.HourOfDay = &hour
	}
	if f.DayOfWeek == nil {
		day := int(now.Weekday())
		f.DayOfWeek = &day
	}
	if f.IsWeekend == nil {
		weekend := now.Weekday() == time.Saturday || now.Weekday() == time.Sunday
		f.IsWeekend = &weekend
	}
	if f.IsPeakHours == nil {
		peak := isPeakHours(now)
		f.IsPeakHours = &peak
	}
	if f.InputSizeBytes == nil {
		size := task.BaselineInputSize(t.Type)
		f.InputSizeBytes = &size
	}
	if f.UserID == "" {
		f.UserID = anonymousUser
	}
	return &f
}

// isPeakHours reports whether now falls in the 09:00-17:59 weekday window.
func isPeakHours(now time.Time) bool {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	return now.Hour() >= 9 && now.Hour() < 18
}
