//go:build integration

package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/testingh"
)

func TestClickhouse_StoreEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var cfg Config
	container, err := testingh.NewClickhouse(func(addr string) error {
		cfg = Config{Addr: addr, DB: "test_db", Username: "su", Password: "su"}
		ch, err := New(ctx, cfg, zerolog.Nop())
		if err != nil {
			return err
		}
		defer ch.Close()
		return ch.Migrate(ctx)
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, container.Purge())
	}()

	ch, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer ch.Close()

	now := time.Now()
	batch := domain.EventBatch{ID: "b1"}
	for i := 0; i < 3; i++ {
		batch.Events = append(batch.Events, domain.ReceivedEvent{
			ServerTime: now,
			ClientTime: now.Add(-time.Second),
			IP:         "127.0.0.1",
			DeviceID:   "device-1",
			Event:      "signup",
			Properties: domain.Properties{"plan": "pro"},
		})
	}
	require.NoError(t, ch.StoreEvents(ctx, batch))

	n, err := ch.CountEvents(ctx, "signup")
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}
