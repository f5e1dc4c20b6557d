package clickhouse

import (
	"context"
	"fmt"

	"github.com/leshachaplin/spyglass/internal/domain"
)

func (c *Clickhouse) StoreEvents(ctx context.Context, batch domain.EventBatch) error {
	events, err := eventsFromBatch(batch)
	if err != nil {
		return err
	}

	chBatch, err := c.conn.PrepareBatch(ctx, `INSERT INTO events`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range events {
		if errAppend := chBatch.AppendStruct(&events[i]); errAppend != nil {
			return fmt.Errorf("append event: %w", errAppend)
		}
	}
	if err := chBatch.Send(); err != nil {
		return fmt.Errorf("send batch %s: %w", batch.ID, err)
	}
	return nil
}

// CountEvents returns the number of stored events with the given name.
func (c *Clickhouse) CountEvents(ctx context.Context, name string) (uint64, error) {
	var n uint64
	if err := c.conn.QueryRow(ctx, `SELECT count() FROM events WHERE event = ?`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
