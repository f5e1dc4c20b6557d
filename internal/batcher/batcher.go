package batcher

import (
	"context"
	"fmt"

	"github.com/leshachaplin/spyglass/internal/domain"
)

// DefaultMaxBatchSize bounds a single wire payload.
const DefaultMaxBatchSize = 50

// Peeker is the read side of the persistent queue.
type Peeker interface {
	PeekBatch(ctx context.Context, max int) ([]domain.Event, error)
}

// NextBatch takes up to maxBatchSize oldest events from the queue head. An empty
// queue yields an empty batch, not an error.
func NextBatch(ctx context.Context, q Peeker, maxBatchSize int) (domain.Batch, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	events, err := q.PeekBatch(ctx, maxBatchSize)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("peek batch: %w", err)
	}
	return domain.Batch{Events: events}, nil
}
