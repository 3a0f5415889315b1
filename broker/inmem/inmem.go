// Package inmem provides an in-memory broker implementation for tests and
// local development. It honors per-queue priority ordering, maximum length
// with reject-publish, per-message TTL and dead-letter routing, but keeps no
// state across process restarts.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/taskq/broker"
)

type (
	// Broker is the in-memory implementation of broker.Broker.
	Broker struct {
		mu       sync.Mutex
		topo     broker.Topology
		declared bool
		closed   bool

		exchanges map[string]broker.ExchangeSpec
		bindings  map[string][]broker.BindingSpec // keyed by exchange
		queues    map[string]*queue
	}

	queue struct {
		spec  broker.QueueSpec
		items []*item
	}

	item struct {
		body       []byte
		headers    broker.Headers
		priority   uint8
		routingKey string
		expiresAt  time.Time // zero when the message carries no TTL
	}

	delivery struct {
		b       *Broker
		queue   string
		item    *item
		headers broker.Headers // consumer-local copy, as a real broker decodes

		mu      sync.Mutex
		settled bool
		release func()
	}
)

// New returns an empty in-memory broker. Declare must be called before
// publishing or consuming.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]broker.ExchangeSpec),
		bindings:  make(map[string][]broker.BindingSpec),
		queues:    make(map[string]*queue),
	}
}

// Declare installs the topology. Re-declaring is a no-op for existing
// entities, so running it any number of times yields the same state.
func (b *Broker) Declare(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrNotConnected
	}
	topo := broker.DefaultTopology()
	for _, ex := range topo.Exchanges {
		if _, ok := b.exchanges[ex.Name]; !ok {
			b.exchanges[ex.Name] = ex
		}
	}
	for _, qs := range topo.Queues {
		if _, ok := b.queues[qs.Name]; !ok {
			b.queues[qs.Name] = &queue{spec: qs}
		}
	}
	for _, bind := range topo.Bindings {
		if !b.hasBinding(bind) {
			b.bindings[bind.Exchange] = append(b.bindings[bind.Exchange], bind)
		}
	}
	b.topo = topo
	b.declared = true
	return nil
}

func (b *Broker) hasBinding(bind broker.BindingSpec) bool {
	for _, existing := range b.bindings[bind.Exchange] {
		if existing == bind {
			return true
		}
	}
	return false
}

// Publish routes msg through the exchange to every bound queue with a
// matching routing key. A full destination rejects the publish.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrNotConnected
	}
	if !b.declared {
		return errors.New("inmem: topology not declared")
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("inmem: unknown exchange %q", exchange)
	}

	var matched []*queue
	for _, bind := range b.bindings[exchange] {
		if bind.RoutingKey != routingKey {
			continue
		}
		q, ok := b.queues[bind.Queue]
		if !ok {
			continue
		}
		matched = append(matched, q)
	}
	if len(matched) == 0 {
		return broker.ErrUnroutable
	}

	// Overflow policy is reject-publish: fail before delivering anywhere.
	for _, q := range matched {
		if q.spec.MaxLength > 0 && len(q.items) >= q.spec.MaxLength {
			return broker.ErrOverflow
		}
	}

	for _, q := range matched {
		q.enqueue(&item{
			body:       append([]byte(nil), msg.Body...),
			headers:    msg.Headers.Clone(),
			priority:   msg.Priority,
			routingKey: routingKey,
			expiresAt:  expiry(q.spec, msg, time.Now()),
		})
	}
	return nil
}

func expiry(spec broker.QueueSpec, msg broker.Message, now time.Time) time.Time {
	ttl := spec.TTL
	if msg.Expiration > 0 && (ttl == 0 || msg.Expiration < ttl) {
		ttl = msg.Expiration
	}
	if ttl == 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// enqueue inserts after all items of equal or higher priority, preserving
// FIFO within a priority class.
func (q *queue) enqueue(it *item) {
	idx := len(q.items)
	for i, existing := range q.items {
		if existing.priority < it.priority {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = it
}

// Consume starts a consumer on queue with the given prefetch. Each delivery
// occupies one prefetch slot until it is acked or nacked.
func (b *Broker) Consume(ctx context.Context, queueName string, prefetch int) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrNotConnected
	}
	_, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: unknown queue %q", queueName)
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	out := make(chan broker.Delivery)
	slots := make(chan struct{}, prefetch)
	go func() {
		defer close(out)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case slots <- struct{}{}:
			}
			it := b.waitPop(ctx, queueName, ticker)
			if it == nil {
				return
			}
			d := &delivery{
				b:       b,
				queue:   queueName,
				item:    it,
				headers: it.headers.Clone(),
				release: func() { <-slots },
			}
			select {
			case <-ctx.Done():
				// Shutdown raced the pop: put the message back.
				b.requeue(queueName, it)
				return
			case out <- d:
			}
		}
	}()
	return out, nil
}

// waitPop blocks until an item is available, polling on a short ticker.
// Expired items are dead-lettered instead of delivered.
func (b *Broker) waitPop(ctx context.Context, queueName string, ticker *time.Ticker) *item {
	for {
		b.mu.Lock()
		q, ok := b.queues[queueName]
		if !ok || b.closed {
			b.mu.Unlock()
			return nil
		}
		for len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
				b.deadLetterLocked(q.spec, it)
				continue
			}
			b.mu.Unlock()
			return it
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Broker) requeue(queueName string, it *item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		q.enqueue(it)
	}
}

// deadLetterLocked routes an item through the queue's dead-letter exchange.
// Callers hold b.mu.
func (b *Broker) deadLetterLocked(spec broker.QueueSpec, it *item) {
	if spec.DeadLetterExchange == "" {
		return
	}
	for _, bind := range b.bindings[spec.DeadLetterExchange] {
		if bind.RoutingKey != spec.DeadLetterRoutingKey {
			continue
		}
		if q, ok := b.queues[bind.Queue]; ok {
			q.enqueue(&item{
				body:       it.body,
				headers:    it.headers,
				priority:   it.priority,
				routingKey: spec.DeadLetterRoutingKey,
			})
		}
	}
}

// QueueDepth returns the ready-message count of queue.
func (b *Broker) QueueDepth(ctx context.Context, queueName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("inmem: unknown queue %q", queueName)
	}
	return len(q.items), nil
}

// Close shuts the broker down. In-flight deliveries can no longer be settled.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (d *delivery) Body() []byte            { return d.item.body }
func (d *delivery) Headers() broker.Headers { return d.headers }
func (d *delivery) Queue() string           { return d.queue }
func (d *delivery) RoutingKey() string      { return d.item.routingKey }
func (d *delivery) Priority() uint8         { return d.item.priority }

// Ack settles the delivery successfully. Settling twice is an error.
func (d *delivery) Ack() error {
	return d.settle(func() {})
}

// Nack settles the delivery negatively. With requeue the stored message
// returns to its queue untouched, so changes made to the delivery's header
// view are discarded; without requeue it is routed to the queue's dead-letter
// exchange.
func (d *delivery) Nack(requeue bool) error {
	return d.settle(func() {
		d.b.mu.Lock()
		defer d.b.mu.Unlock()
		q, ok := d.b.queues[d.queue]
		if !ok {
			return
		}
		if requeue {
			q.enqueue(d.item)
			return
		}
		d.b.deadLetterLocked(q.spec, d.item)
	})
}

func (d *delivery) settle(action func()) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return errors.New("inmem: delivery already settled")
	}
	d.settled = true
	d.mu.Unlock()
	action()
	d.release()
	return nil
}
