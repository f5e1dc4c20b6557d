package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
	"github.com/leshachaplin/spyglass/internal/worker"
)

type Storage interface {
	StoreEvents(ctx context.Context, batch domain.EventBatch) error
}

type Processor interface {
	Event
	Storage
}

type Service struct {
	eventPool    worker.WorkerPool
	eventStorage Storage
	logger       zerolog.Logger
	metrics      *metrics.Collector
}

// New starts the pool with the storage as its sink.
func New(eventPool worker.WorkerPool, eventStorage Storage, logger zerolog.Logger, m *metrics.Collector) *Service {
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	s := &Service{
		eventPool:    eventPool,
		eventStorage: eventStorage,
		logger:       logger,
		metrics:      m,
	}
	eventPool.Start(s.StoreEvents)
	return s
}

func (s *Service) StoreEvents(ctx context.Context, batch domain.EventBatch) error {
	if err := s.eventStorage.StoreEvents(ctx, batch); err != nil {
		s.metrics.StoreFailures.Inc()
		return err
	}
	s.metrics.EventsStored.Add(float64(len(batch.Events)))
	return nil
}
