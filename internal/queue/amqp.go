package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/model"
)

const retryHeader = "x-retry-count"

// AMQPBus publishes domain events to a topic exchange keyed by event name.
// Consume binds one durable queue to every subscribed name.
type AMQPBus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pubMu    sync.Mutex
	exchange string
	queue    string
	log      *zap.Logger

	mu         sync.Mutex
	handlers   map[string]Handler
	MaxRetries int
}

func DialAMQP(url, exchange, queueName string, log *zap.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPBus{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		queue:      queueName,
		log:        log.Named("amqp"),
		handlers:   map[string]Handler{},
		MaxRetries: defaultMaxRetries,
	}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, evt model.DomainEvent) error {
	return b.publish(ctx, evt, 0)
}

func (b *AMQPBus) publish(_ context.Context, evt model.DomainEvent, retry int32) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.ch.Publish(b.exchange, evt.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryHeader: retry},
		Body:         body,
	})
}

func (b *AMQPBus) Subscribe(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("handler already registered for %s", name)
	}
	b.handlers[name] = handler
	return nil
}

// Consume processes deliveries until ctx is cancelled or the channel closes.
func (b *AMQPBus) Consume(ctx context.Context) error {
	q, err := b.ch.QueueDeclare(
		b.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	b.mu.Lock()
	for name := range b.handlers {
		if err := b.ch.QueueBind(q.Name, name, b.exchange, false, nil); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	b.mu.Unlock()

	msgs, err := b.ch.Consume(
		q.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	b.log.Info("consuming domain events", zap.String("queue", q.Name))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			b.handleDelivery(ctx, d)
		}
	}
}

func (b *AMQPBus) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var evt model.DomainEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		b.log.Warn("invalid event payload", zap.Error(err))
		d.Ack(false)
		return
	}

	b.mu.Lock()
	h, ok := b.handlers[d.RoutingKey]
	b.mu.Unlock()
	if !ok {
		d.Ack(false)
		return
	}

	if err := h(ctx, evt); err != nil {
		retry := retryCount(d.Headers)
		if retry < int32(b.MaxRetries) {
			b.log.Warn("event failed, republishing",
				zap.String("event", evt.Name), zap.Int32("retry", retry+1), zap.Error(err))
			if perr := b.publish(ctx, evt, retry+1); perr != nil {
				b.log.Error("republish failed, requeueing", zap.Error(perr))
				d.Nack(false, true)
				return
			}
		} else {
			b.log.Error("event permanently failed", zap.String("event", evt.Name), zap.Error(err))
		}
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	case int16:
		return int32(v)
	case int8:
		return int32(v)
	}
	return 0
}

func (b *AMQPBus) Close() error {
	b.ch.Close()
	return b.conn.Close()
}
