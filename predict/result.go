package predict

import "goa.design/taskq/task"

// Result is the outcome of a prediction call: either a prediction set or an
// unavailability reason. It replaces error returns so callers branch on the
// discriminant instead of catching failures.
type Result struct {
	preds  *task.Predictions
	reason string
}

// Ok wraps a successful prediction set.
func Ok(p *task.Predictions) Result {
	return Result{preds: p}
}

// Unavailable marks the prediction as absent with a short reason used for
// logging and the routing-reason header.
func Unavailable(reason string) Result {
	return Result{reason: reason}
}

// Predictions returns the prediction set and whether one is present.
func (r Result) Predictions() (*task.Predictions, bool) {
	return r.preds, r.preds != nil
}

// Reason returns the unavailability reason, or "" for Ok results.
func (r Result) Reason() string {
	return r.reason
}
