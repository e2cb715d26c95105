// Package relay forwards domain events to an AMQP topic exchange so other
// services (CRM sync, reporting) can consume them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/chatyard/internal/events"
)

// DefaultQueue is the number of events buffered between the bus and the broker.
const DefaultQueue = 1024

// Publisher sends one message to the exchange under key.
type Publisher interface {
	Publish(ctx context.Context, key string, ev events.Event) error
	Close() error
}

// RoutingKey maps "chat:transferred-in" to "chat.transferred-in".
func RoutingKey(typ string) string {
	return strings.ReplaceAll(typ, ":", ".")
}

// Relay is an events.Listener. HandleEvent only enqueues; Run drains the
// queue into the Publisher.
type Relay struct {
	pub     Publisher
	queue   chan events.Event
	dropped atomic.Int64
	failed  atomic.Int64
	timeout time.Duration
}

// New returns a Relay in front of pub.
func New(pub Publisher, size int) *Relay {
	if size <= 0 {
		size = DefaultQueue
	}
	return &Relay{pub: pub, queue: make(chan events.Event, size), timeout: 5 * time.Second}
}

// HandleEvent implements events.Listener.
func (r *Relay) HandleEvent(ev events.Event) error {
	select {
	case r.queue <- ev:
		return nil
	default:
		r.dropped.Add(1)
		return fmt.Errorf("relay: queue full, dropped %s", ev.Type)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Failed is the number of events the broker rejected.
func (r *Relay) Failed() int64 { return r.failed.Load() }

// Run publishes queued events until ctx is cancelled, then drains what is
// left and closes the publisher.
func (r *Relay) Run(ctx context.Context) error {
	defer r.pub.Close()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev := <-r.queue:
			r.publish(ctx, ev)
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.publish(ctx, ev)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev events.Event) {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.pub.Publish(pctx, RoutingKey(ev.Type), ev); err != nil {
		r.failed.Add(1)
		log.Printf("relay: publish %s: %v", ev.Type, err)
	}
}

// AMQPPublisher publishes JSON events to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// Dial connects to url and declares exchange.
func Dial(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: declare %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish implements Publisher. Run calls it from a single goroutine, so
// the channel is shared.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.ChatID,
		Type:          ev.Type,
		Timestamp:     ev.At,
		Body:          body,
	})
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.ch.Close()
	return p.conn.Close()
}
