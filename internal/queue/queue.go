package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/model"
)

// Handler processes one domain event; a returned error triggers a retry.
type Handler func(ctx context.Context, evt model.DomainEvent) error

// Bus carries domain events such as lead.created and message.received.
type Bus interface {
	Publish(ctx context.Context, evt model.DomainEvent) error
	Subscribe(name string, handler Handler) error
}

var ErrNoSubscribers = errors.New("no subscribers for event")

const defaultMaxRetries = 3

// InMemoryBus delivers events to in-process subscribers with retry and backoff.
type InMemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	log      *zap.Logger

	MaxRetries int
	// Backoff returns the pause before the given retry attempt.
	Backoff func(attempt int) time.Duration
}

func NewInMemoryBus(log *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		handlers:   make(map[string][]Handler),
		log:        log.Named("bus"),
		MaxRetries: defaultMaxRetries,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*500) * time.Millisecond
		},
	}
}

// job wraps an event with retry info
type job struct {
	event      model.DomainEvent
	retryCount int
}

// Publish fans the event out to every subscriber of its name.
func (q *InMemoryBus) Publish(ctx context.Context, evt model.DomainEvent) error {
	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[evt.Name]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return ErrNoSubscribers
	}

	// handlers outlive the publishing request
	ctx = context.WithoutCancel(ctx)
	for _, h := range handlers {
		q.wg.Add(1)
		go q.process(ctx, h, job{event: evt})
	}
	return nil
}

func (q *InMemoryBus) process(ctx context.Context, h Handler, j job) {
	defer q.wg.Done()
	for {
		err := h(ctx, j.event)
		if err == nil {
			q.log.Debug("event processed", zap.String("event", j.event.Name))
			return
		}

		j.retryCount++
		q.log.Warn("event handler failed",
			zap.String("event", j.event.Name),
			zap.Int("attempt", j.retryCount),
			zap.Int("max_retries", q.MaxRetries),
			zap.Error(err),
		)
		if j.retryCount > q.MaxRetries {
			q.log.Error("event permanently failed", zap.String("event", j.event.Name), zap.Error(err))
			return
		}
		time.Sleep(q.Backoff(j.retryCount))
	}
}

func (q *InMemoryBus) Subscribe(name string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = append(q.handlers[name], handler)
	return nil
}

// Drain blocks until every published event has been handled or given up on.
func (q *InMemoryBus) Drain() {
	q.wg.Wait()
}
