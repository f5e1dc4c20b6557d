package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/wire"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnavailable means the payload was valid but could not be queued for storage.
	ErrUnavailable = errors.New("event queue unavailable")
)

type Event interface {
	ProcessPayload(formValue string, clientIP string, serverTime time.Time) (int, error)
}

// ProcessPayload decodes the data form value of a track request and queues the
// events for storage. It returns the number of accepted events.
func (s *Service) ProcessPayload(formValue string, clientIP string, serverTime time.Time) (int, error) {
	data, err := wire.DecodeFormValue(formValue)
	if err != nil {
		s.metrics.PayloadsInvalid.Inc()
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	records, err := wire.Decode(data)
	if err != nil {
		s.metrics.PayloadsInvalid.Inc()
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	batch := domain.EventBatch{
		ID:     uuid.NewString(),
		Events: make([]domain.ReceivedEvent, 0, len(records)),
	}
	for _, r := range records {
		if r.Event == "" {
			s.logger.Warn().Str("batch_id", batch.ID).Msg("Skipping record without event name.")
			continue
		}
		e := r.ToReceived()
		e.EnrichWith(clientIP, serverTime)
		batch.Events = append(batch.Events, e)
	}
	if len(batch.Events) == 0 {
		return 0, nil
	}

	if err := s.eventPool.Process(batch); err != nil {
		s.metrics.PayloadsUnavailable.Inc()
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.metrics.EventsReceived.Add(float64(len(batch.Events)))
	s.logger.Debug().
		Str("batch_id", batch.ID).
		Str("ip", clientIP).
		Int("events", len(batch.Events)).
		Msg("Payload accepted.")
	return len(batch.Events), nil
}
