package task

import "time"

// Destination names a broker queue with fixed routing and policy.
type Destination string

const (
	DestCritical Destination = "critical"
	DestHigh     Destination = "high"
	DestNormal   Destination = "normal"
	DestLow      Destination = "low"
	DestBatch    Destination = "batch"
	DestAnomaly  Destination = "anomaly"
)

// Exchange names declared on the broker.
const (
	PriorityExchange = "priority-exchange"
	AnomalyExchange  = "anomaly-exchange"
	DLQExchange      = "dlq-exchange"

	DLQQueue      = "dlq-queue"
	DLQRoutingKey = "failed"
)

// DestinationProps carries the fixed broker-side properties of a destination.
type DestinationProps struct {
	Queue        string
	Exchange     string
	RoutingKey   string
	WirePriority uint8 // maximum wire priority the queue supports
	TTL          time.Duration
	MaxLength    int
}

var destinationProps = map[Destination]DestinationProps{
	DestCritical: {
		Queue:        "critical-priority-queue",
		Exchange:     PriorityExchange,
		RoutingKey:   "priority.critical",
		WirePriority: 255,
		TTL:          time.Minute,
		MaxLength:    1000,
	},
	DestHigh: {
		Queue:        "high-priority-queue",
		Exchange:     PriorityExchange,
		RoutingKey:   "priority.high",
		WirePriority: 200,
		TTL:          5 * time.Minute,
		MaxLength:    5000,
	},
	DestNormal: {
		Queue:        "normal-priority-queue",
		Exchange:     PriorityExchange,
		RoutingKey:   "priority.normal",
		WirePriority: 100,
		TTL:          10 * time.Minute,
		MaxLength:    10000,
	},
	DestLow: {
		Queue:        "low-priority-queue",
		Exchange:     PriorityExchange,
		RoutingKey:   "priority.low",
		WirePriority: 50,
		TTL:          30 * time.Minute,
		MaxLength:    20000,
	},
	DestBatch: {
		Queue:        "batch-queue",
		Exchange:     PriorityExchange,
		RoutingKey:   "priority.batch",
		WirePriority: 10,
		TTL:          time.Hour,
		MaxLength:    50000,
	},
	DestAnomaly: {
		Queue:        "anomaly-queue",
		Exchange:     AnomalyExchange,
		RoutingKey:   "anomaly.detected",
		WirePriority: 150,
		TTL:          5 * time.Minute,
		MaxLength:    2000,
	},
}

// Destinations lists every priority destination in descending wire priority
// order (the order consumers are usually reported in).
func Destinations() []Destination {
	return []Destination{DestCritical, DestHigh, DestNormal, DestLow, DestBatch, DestAnomaly}
}

// Props returns the fixed properties of d. The second return is false when d
// is not part of the closed catalog.
func (d Destination) Props() (DestinationProps, bool) {
	p, ok := destinationProps[d]
	return p, ok
}

// Valid reports whether d names a catalog destination.
func (d Destination) Valid() bool {
	_, ok := destinationProps[d]
	return ok
}

// Queue returns the broker queue name for d, or "" for unknown destinations.
func (d Destination) Queue() string {
	return destinationProps[d].Queue
}
