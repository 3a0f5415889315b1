package broker

import (
	"time"

	"goa.design/taskq/task"
)

type (
	// ExchangeSpec declares one exchange.
	ExchangeSpec struct {
		Name    string
		Kind    string // "topic" or "direct"
		Durable bool
	}

	// QueueSpec declares one queue with its arguments.
	QueueSpec struct {
		Name        string
		Durable     bool
		MaxPriority uint8
		TTL         time.Duration
		MaxLength   int
		// DeadLetter routing applied when a message is rejected or expires.
		DeadLetterExchange   string
		DeadLetterRoutingKey string
	}

	// BindingSpec binds a queue to an exchange under a routing key.
	BindingSpec struct {
		Queue      string
		Exchange   string
		RoutingKey string
	}

	// Topology is the full declaration set shared by publisher and consumer
	// startup. Declaring it any number of times yields the same broker state.
	Topology struct {
		Exchanges []ExchangeSpec
		Queues    []QueueSpec
		Bindings  []BindingSpec
	}
)

// DefaultTopology returns the fixed topology: the priority and anomaly
// exchanges, the six priority destinations with dead-lettering into the DLQ,
// and the DLQ itself.
func DefaultTopology() Topology {
	t := Topology{
		Exchanges: []ExchangeSpec{
			{Name: task.PriorityExchange, Kind: "topic", Durable: true},
			{Name: task.AnomalyExchange, Kind: "direct", Durable: true},
			{Name: task.DLQExchange, Kind: "direct", Durable: true},
		},
		Queues: []QueueSpec{
			{Name: task.DLQQueue, Durable: true},
		},
		Bindings: []BindingSpec{
			{Queue: task.DLQQueue, Exchange: task.DLQExchange, RoutingKey: task.DLQRoutingKey},
		},
	}
	for _, dest := range task.Destinations() {
		props, _ := dest.Props()
		t.Queues = append(t.Queues, QueueSpec{
			Name:                 props.Queue,
			Durable:              true,
			MaxPriority:          props.WirePriority,
			TTL:                  props.TTL,
			MaxLength:            props.MaxLength,
			DeadLetterExchange:   task.DLQExchange,
			DeadLetterRoutingKey: task.DLQRoutingKey,
		})
		t.Bindings = append(t.Bindings, BindingSpec{
			Queue:      props.Queue,
			Exchange:   props.Exchange,
			RoutingKey: props.RoutingKey,
		})
	}
	return t
}
