// Package amqp implements the broker contract on RabbitMQ via amqp091-go.
// One connection per process; every consumer owns its channel with its own
// prefetch. Publishing runs in confirm mode so a reject-publish overflow
// surfaces as broker.ErrOverflow.
package amqp

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"goa.design/clue/log"

	"goa.design/taskq/broker"
)

// Config holds the connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

// URL renders the amqp connection string. The default vhost "/" maps to an
// empty path.
func (c Config) URL() string {
	var vhost string
	if v := strings.TrimPrefix(c.VHost, "/"); v != "" {
		vhost = "/" + url.PathEscape(v)
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, vhost)
}

// Broker is the RabbitMQ-backed broker handle.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	conn     *amqp091.Connection
	pubCh    *amqp091.Channel
	confirms chan amqp091.Confirmation
	closed   bool
}

// Dial connects to the broker. The connection is re-established lazily on the
// next operation after a failure.
func Dial(cfg Config) (*Broker, error) {
	b := &Broker{cfg: cfg}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.ensureLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// ensureLocked returns a live connection, dialing if needed. Callers hold b.mu.
func (b *Broker) ensureLocked() (*amqp091.Connection, error) {
	if b.closed {
		return nil, broker.ErrNotConnected
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp091.Dial(b.cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s:%d: %w", b.cfg.Host, b.cfg.Port, err)
	}
	b.conn = conn
	b.pubCh = nil
	return conn, nil
}

// publishChannelLocked returns the confirm-mode channel used for publishing.
func (b *Broker) publishChannelLocked() (*amqp091.Channel, error) {
	conn, err := b.ensureLocked()
	if err != nil {
		return nil, err
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	b.pubCh = ch
	b.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	return ch, nil
}

// Declare creates the exchanges, queues and bindings of the default topology.
// RabbitMQ declaration is idempotent for identical arguments.
func (b *Broker) Declare(ctx context.Context) error {
	b.mu.Lock()
	conn, err := b.ensureLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	topo := broker.DefaultTopology()
	for _, ex := range topo.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", ex.Name, err)
		}
	}
	for _, qs := range topo.Queues {
		args := amqp091.Table{}
		if qs.MaxPriority > 0 {
			args["x-max-priority"] = int32(qs.MaxPriority)
		}
		if qs.TTL > 0 {
			args["x-message-ttl"] = int32(qs.TTL / time.Millisecond)
		}
		if qs.MaxLength > 0 {
			args["x-max-length"] = int32(qs.MaxLength)
			args["x-overflow"] = "reject-publish"
		}
		if qs.DeadLetterExchange != "" {
			args["x-dead-letter-exchange"] = qs.DeadLetterExchange
			args["x-dead-letter-routing-key"] = qs.DeadLetterRoutingKey
		}
		if _, err := ch.QueueDeclare(qs.Name, qs.Durable, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %q: %w", qs.Name, err)
		}
	}
	for _, bind := range topo.Bindings {
		if err := ch.QueueBind(bind.Queue, bind.RoutingKey, bind.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %q to %q: %w", bind.Queue, bind.Exchange, err)
		}
	}
	log.Debug(ctx, log.KV{K: "msg", V: "broker topology declared"},
		log.KV{K: "exchanges", V: len(topo.Exchanges)}, log.KV{K: "queues", V: len(topo.Queues)})
	return nil
}

// Publish sends msg and waits for the broker confirmation. A negative
// confirmation means the destination rejected the publish (full queue).
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.publishChannelLocked()
	if err != nil {
		return err
	}

	pub := amqp091.Publishing{
		ContentType: msg.ContentType,
		Body:        msg.Body,
		Headers:     amqp091.Table(msg.Headers),
		Priority:    msg.Priority,
		Timestamp:   msg.Timestamp,
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp091.Persistent
	}
	if msg.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(msg.Expiration.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		b.pubCh = nil // force a fresh channel on the next publish
		return fmt.Errorf("amqp publish %s/%s: %w", exchange, routingKey, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case confirm, ok := <-b.confirms:
		if !ok {
			b.pubCh = nil
			return broker.ErrNotConnected
		}
		if !confirm.Ack {
			return broker.ErrOverflow
		}
	}
	return nil
}

// Consume opens a dedicated channel on queue with the given prefetch and
// adapts its deliveries. The returned channel closes when ctx is canceled or
// the broker closes the channel.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	conn, err := b.ensureLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	tag := queue + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume %q: %w", queue, err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				case out <- &delivery{d: d, queue: queue}:
				}
			}
		}
	}()
	return out, nil
}

// QueueDepth passively declares the queue to read its ready-message count.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	conn, err := b.ensureLocked()
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	state, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("amqp inspect %q: %w", queue, err)
	}
	return state.Messages, nil
}

// Close terminates the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

type delivery struct {
	d     amqp091.Delivery
	queue string
}

func (d *delivery) Body() []byte            { return d.d.Body }
func (d *delivery) Headers() broker.Headers { return broker.Headers(d.d.Headers) }
func (d *delivery) Queue() string           { return d.queue }
func (d *delivery) RoutingKey() string      { return d.d.RoutingKey }
func (d *delivery) Priority() uint8         { return d.d.Priority }
func (d *delivery) Ack() error              { return d.d.Ack(false) }
func (d *delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
