package consume

import (
	"time"

	"goa.design/taskq/task"
)

// Policy fixes how one destination is consumed: how many workers run, how
// many unacked deliveries the broker may hand out, and the retry discipline.
type Policy struct {
	Concurrency int
	Prefetch    int
	MaxRetries  int
	RetryDelay  time.Duration
}

// DefaultPolicies returns the per-destination consumption policy. Critical
// work gets many workers and a tight prefetch so a slow delivery never
// shadows an urgent one; batch work gets a single worker with a deep
// prefetch.
func DefaultPolicies() map[task.Destination]Policy {
	return map[task.Destination]Policy{
		task.DestCritical: {Concurrency: 5, Prefetch: 1, MaxRetries: 2, RetryDelay: time.Second},
		task.DestHigh:     {Concurrency: 3, Prefetch: 2, MaxRetries: 3, RetryDelay: 2 * time.Second},
		task.DestNormal:   {Concurrency: 2, Prefetch: 5, MaxRetries: 3, RetryDelay: 5 * time.Second},
		task.DestLow:      {Concurrency: 1, Prefetch: 10, MaxRetries: 3, RetryDelay: 5 * time.Second},
		task.DestBatch:    {Concurrency: 1, Prefetch: 20, MaxRetries: 5, RetryDelay: 10 * time.Second},
		task.DestAnomaly:  {Concurrency: 2, Prefetch: 1, MaxRetries: 1, RetryDelay: 5 * time.Second},
	}
}

// merge overlays the non-zero fields of override onto base.
func merge(base, override Policy) Policy {
	if override.Concurrency > 0 {
		base.Concurrency = override.Concurrency
	}
	if override.Prefetch > 0 {
		base.Prefetch = override.Prefetch
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.RetryDelay > 0 {
		base.RetryDelay = override.RetryDelay
	}
	return base
}
