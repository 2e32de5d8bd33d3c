// Package event connects the service to RabbitMQ: provider events can be
// consumed from queues and stored messages are published as notifications.
// Consumed and published events are appended to JSONL logs that can be
// replayed later.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const RabbitMQActionHeader string = "x-action"

// Channel is the subset of *amqp.Channel the broker uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Delivery is one event taken from a queue or from the replay log.
type Delivery struct {
	Queue  string
	Action string
	Body   []byte
	Replay bool
}

type Handler func(ctx context.Context, d Delivery) error

type Broker struct {
	conn *amqp.Connection
	ch   Channel
	logs *Logs
	log  zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// RabbitMQConnect dials url and opens a channel.
func RabbitMQConnect(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("event: connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("event: open RabbitMQ channel: %w", err)
	}
	return conn, ch, nil
}

// NewBroker wraps an open channel. conn may be nil when the channel's
// lifetime is managed elsewhere; logs may be nil to disable event logs.
func NewBroker(conn *amqp.Connection, ch Channel, logs *Logs, log zerolog.Logger) *Broker {
	return &Broker{
		conn:     conn,
		ch:       ch,
		logs:     logs,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Declare declares durable queues.
func (b *Broker) Declare(queues ...string) error {
	for _, name := range queues {
		if _, err := b.ch.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("event: declare queue %s: %w", name, err)
		}
		b.log.Info().Str("queue", name).Msg("RabbitMQ queue declared")
	}
	return nil
}

// Subscribe consumes queue until ctx is done or the channel closes. Up to
// prefetch deliveries are handled at the same time, so their order is not
// kept. A delivery is acked after handler returns nil and dropped otherwise.
func (b *Broker) Subscribe(ctx context.Context, queue string, prefetch int, handler Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}
	if err := b.ch.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	); err != nil {
		return fmt.Errorf("event: set prefetch on %s: %w", queue, err)
	}

	msgs, err := b.ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("event: consume %s: %w", queue, err)
	}

	b.mu.Lock()
	b.handlers[queue] = handler
	b.mu.Unlock()
	b.log.Info().Str("queue", queue).Int("prefetch", prefetch).Msg("subscribed to RabbitMQ queue")

	for i := 0; i < prefetch; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					b.consume(ctx, queue, msg, handler)
				}
			}
		}()
	}
	return nil
}

func (b *Broker) consume(ctx context.Context, queue string, msg amqp.Delivery, handler Handler) {
	action, _ := msg.Headers[RabbitMQActionHeader].(string)
	if action == "" {
		action = queue
	}

	if err := b.logs.In(Record{
		Time:    time.Now().UnixMicro(),
		Service: queue,
		Action:  action,
		Data:    string(msg.Body),
	}); err != nil {
		b.log.Warn().Err(err).Str("queue", queue).Msg("event in-log write failed")
	}

	err := handler(ctx, Delivery{Queue: queue, Action: action, Body: msg.Body})
	if err != nil {
		b.log.Error().Err(err).Str("queue", queue).Str("action", action).Msg("event handling failed")
		if nerr := msg.Nack(false, false); nerr != nil {
			b.log.Warn().Err(nerr).Str("queue", queue).Msg("nack failed")
		}
		return
	}
	if aerr := msg.Ack(false); aerr != nil {
		b.log.Warn().Err(aerr).Str("queue", queue).Msg("ack failed")
	}
}

// Emit publishes body to queue through the default exchange.
func (b *Broker) Emit(ctx context.Context, queue, action string, body []byte) error {
	if b.ch == nil {
		return errors.New("event: broker has no channel")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := b.ch.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Headers: amqp.Table{
				RabbitMQActionHeader: action,
			},
			Body: body,
		},
	)
	if err != nil {
		return fmt.Errorf("event: publish to %s: %w", queue, err)
	}

	if err := b.logs.Out(Record{
		Time:    time.Now().UnixMicro(),
		Service: queue,
		Action:  action,
		Data:    string(body),
	}); err != nil {
		b.log.Warn().Err(err).Str("queue", queue).Msg("event out-log write failed")
	}
	return nil
}

// Register binds handler to queue without consuming it, so logged events of
// that queue can be replayed.
func (b *Broker) Register(queue string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = handler
}

// Replay feeds every record of the in-log to the handler registered for its
// queue. Records of unknown queues are skipped.
func (b *Broker) Replay(ctx context.Context) (int, error) {
	replayed := 0
	err := b.logs.ReadIn(func(r Record) error {
		b.mu.RLock()
		handler, ok := b.handlers[r.Service]
		b.mu.RUnlock()
		if !ok {
			b.log.Warn().Str("queue", r.Service).Msg("no handler for logged event")
			return nil
		}
		if err := handler(ctx, Delivery{Queue: r.Service, Action: r.Action, Body: []byte(r.Data), Replay: true}); err != nil {
			b.log.Error().Err(err).Str("queue", r.Service).Msg("replayed event failed")
			return nil
		}
		replayed++
		return ctx.Err()
	})
	return replayed, err
}

// Close waits for the consumers to stop and releases the channel, the
// connection and the logs.
func (b *Broker) Close() error {
	var errs []error
	if b.ch != nil {
		errs = append(errs, b.ch.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	b.wg.Wait()
	errs = append(errs, b.logs.Close())
	return errors.Join(errs...)
}
