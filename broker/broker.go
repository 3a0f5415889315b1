// Package broker defines the messaging contract between the publisher, the
// consumer pool and a concrete broker. Package broker/amqp implements it for
// RabbitMQ; broker/inmem implements it in memory for tests and local runs.
package broker

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by implementations.
var (
	// ErrOverflow reports a publish rejected because the destination queue
	// reached its maximum length.
	ErrOverflow = errors.New("broker: destination full, publish rejected")

	// ErrNotConnected reports an operation attempted on a closed or
	// never-opened connection.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrUnroutable reports a publish that matched no queue binding.
	ErrUnroutable = errors.New("broker: message unroutable")
)

type (
	// Message is one outgoing broker message.
	Message struct {
		Body        []byte
		Headers     Headers
		ContentType string
		Priority    uint8
		Expiration  time.Duration // per-message TTL; zero means none
		Persistent  bool
		Timestamp   time.Time
	}

	// Delivery is one incoming message. Exactly one of Ack or Nack must be
	// called per delivery. Headers returns a consumer-local view: mutating it
	// never changes the message stored on the broker.
	Delivery interface {
		Body() []byte
		Headers() Headers
		Queue() string
		RoutingKey() string
		Priority() uint8
		Ack() error
		Nack(requeue bool) error
	}

	// Broker is the process-wide connection handle. Implementations must be
	// safe for concurrent use; each Consume call owns an independent channel
	// with its own prefetch.
	Broker interface {
		// Declare creates the full topology. It is idempotent.
		Declare(ctx context.Context) error

		// Publish sends msg to the exchange with the routing key. Overflow
		// at the destination surfaces as ErrOverflow.
		Publish(ctx context.Context, exchange, routingKey string, msg Message) error

		// Consume opens a consumer on queue with the given prefetch. The
		// returned channel closes when ctx is canceled or the broker shuts
		// down.
		Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

		// QueueDepth returns the current ready-message count of queue.
		QueueDepth(ctx context.Context, queue string) (int, error)

		Close() error
	}
)
