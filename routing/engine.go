// Package routing maps a task and its optional predictions to a routing
// decision: destination, routing key, wire priority, TTL and a reason. The
// mapping is pure; it performs no I/O and holds no state.
package routing

import (
	"math"
	"time"

	"goa.design/taskq/task"
)

// Reason prefixes recorded on every decision.
const (
	ReasonAIPrefix       = "ai-optimized: "
	ReasonFallback       = "fallback: predictions unavailable"
	NoteUnknownRecommend = "unknown recommended destination, defaulted to normal"
)

// batchDurationThreshold is the minimum predicted duration for a task to be
// considered batch-suitable.
const batchDurationThreshold = 30 * time.Second

// Decision is the routing outcome for one publish.
type Decision struct {
	Destination task.Destination
	Exchange    string
	RoutingKey  string
	Priority    uint8 // wire priority, capped by the destination's maximum
	TTL         time.Duration
	Reason      string
	Note        string // validation note, set when input needed correction
}

// Decide returns the routing decision for t given the predictions obtained at
// publish time (nil when prediction was unavailable). Equal inputs always
// yield equal decisions.
func Decide(t *task.Task, preds *task.Predictions) Decision {
	if preds != nil {
		return decideAI(t, preds)
	}
	return decideFallback(t)
}

func decideAI(t *task.Task, preds *task.Predictions) Decision {
	dest := task.Destination(preds.RecommendedDestination)
	var note string
	if dest == "" && preds.IsAnomaly {
		dest = task.DestAnomaly
	}
	if !dest.Valid() {
		dest = task.DestNormal
		note = NoteUnknownRecommend
	}
	props, _ := dest.Props()

	reason := ReasonAIPrefix + preds.PriorityReason
	if preds.PriorityReason == "" {
		reason = ReasonAIPrefix + "model recommendation"
	}
	return Decision{
		Destination: dest,
		Exchange:    props.Exchange,
		RoutingKey:  props.RoutingKey,
		Priority:    wirePriority(preds.CalculatedPriority, props.WirePriority),
		TTL:         props.TTL,
		Reason:      reason,
		Note:        note,
	}
}

func decideFallback(t *task.Task) Decision {
	dest := fallbackDestination(t)
	props, _ := dest.Props()
	return Decision{
		Destination: dest,
		Exchange:    props.Exchange,
		RoutingKey:  props.RoutingKey,
		Priority:    wirePriority(t.ManualPriority, props.WirePriority),
		TTL:         props.TTL,
		Reason:      ReasonFallback,
	}
}

func fallbackDestination(t *task.Task) task.Destination {
	// Stale predictions kept on the task (for example a requeued delivery
	// whose fresh prediction timed out) still force the anomaly path.
	if t.Predictions != nil && t.Predictions.IsAnomaly {
		return task.DestAnomaly
	}
	if BatchSuitable(t) {
		return task.DestBatch
	}
	switch p := t.ManualPriority; {
	case p >= 8:
		return task.DestCritical
	case p >= 5:
		return task.DestHigh
	case p >= 2:
		return task.DestNormal
	case p >= 0:
		return task.DestLow
	default:
		return task.DestBatch
	}
}

// BatchSuitable reports whether t qualifies for the batch destination: low
// effective priority, a predicted duration above the threshold, and not
// explicitly unscheduled. All three conditions must hold.
func BatchSuitable(t *task.Task) bool {
	if t.EffectivePriority() > 2 {
		return false
	}
	if t.Predictions == nil || t.Predictions.PredictedDurationMS <= batchDurationThreshold.Milliseconds() {
		return false
	}
	if t.Features != nil && t.Features.Scheduled != nil && !*t.Features.Scheduled {
		return false
	}
	return true
}

// wirePriority scales a 0-10 priority onto the 0-255 wire scale and caps the
// result at the destination queue's maximum.
func wirePriority(priority int, destMax uint8) uint8 {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	wire := int(math.Round(float64(priority) / 10 * 255))
	if wire > int(destMax) {
		wire = int(destMax)
	}
	return uint8(wire)
}
