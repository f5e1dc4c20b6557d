// Package logstore is an event sink that writes received events to the log.
package logstore

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/domain"
)

type Store struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Store {
	return &Store{logger: logger}
}

func (s *Store) StoreEvents(_ context.Context, batch domain.EventBatch) error {
	for _, e := range batch.Events {
		s.logger.Info().
			Str("batch_id", batch.ID).
			Str("event", e.Event).
			Str("device_id", e.DeviceID).
			Str("user_id", e.UserID).
			Time("client_time", e.ClientTime).
			Str("ip", e.IP).
			Interface("properties", e.Properties).
			Msg("Event received.")
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
