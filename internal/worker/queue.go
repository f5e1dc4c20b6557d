package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/leshachaplin/spyglass/internal/domain"
)

const defaultQueueCapacity = 1024

var ErrUnsupportedPayload = errors.New("unsupported payload type")

type Queue interface {
	Publish(ctx context.Context, key string, payload any) error
	Consume(ctx context.Context, taskPayload chan<- domain.EventBatch, done <-chan struct{})
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg any) error
}

type Consumer interface {
	Consume(ctx context.Context, eventChan chan<- domain.EventBatch, done <-chan struct{})
}

// RedpandaQueue hands batches to a broker topic and reads them back on the
// consumer side. A queue without a consumer is publish-only, e.g. a dead letter topic.
type RedpandaQueue struct {
	producer Publisher
	consumer Consumer
}

func NewRedpandaQueue(producer Publisher, consumer Consumer) *RedpandaQueue {
	return &RedpandaQueue{
		producer: producer,
		consumer: consumer,
	}
}

func (r *RedpandaQueue) Publish(ctx context.Context, key string, payload any) error {
	if err := r.producer.Publish(ctx, key, payload); err != nil {
		return fmt.Errorf("publish batch %s: %w", key, err)
	}
	return nil
}

func (r *RedpandaQueue) Consume(ctx context.Context, taskPayload chan<- domain.EventBatch, done <-chan struct{}) {
	if r.consumer == nil {
		return
	}
	r.consumer.Consume(ctx, taskPayload, done)
}

// MemoryQueue is a bounded in-process queue used when no brokers are configured.
type MemoryQueue struct {
	ch chan domain.EventBatch
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &MemoryQueue{ch: make(chan domain.EventBatch, capacity)}
}

// Publish blocks while the queue is full until ctx is done.
func (m *MemoryQueue) Publish(ctx context.Context, key string, payload any) error {
	batch, ok := payload.(domain.EventBatch)
	if !ok {
		return fmt.Errorf("publish %s: %w: %T", key, ErrUnsupportedPayload, payload)
	}

	select {
	case m.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryQueue) Consume(ctx context.Context, taskPayload chan<- domain.EventBatch, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case batch := <-m.ch:
			select {
			case taskPayload <- batch:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}
}

func (m *MemoryQueue) Len() int {
	return len(m.ch)
}
