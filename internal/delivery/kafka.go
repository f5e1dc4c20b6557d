package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/leshachaplin/spyglass/internal/worker/redpanda/producer"
)

// Publisher is satisfied by *producer.Producer.
type Publisher interface {
	PublishRaw(ctx context.Context, key string, value []byte) error
}

// KafkaTransport produces each batch as one record on the producer's topic.
// The record key is the endpoint URL followed by a random payload id.
type KafkaTransport struct {
	publisher Publisher
}

func NewKafkaTransport(publisher Publisher) *KafkaTransport {
	return &KafkaTransport{publisher: publisher}
}

func (k *KafkaTransport) Send(ctx context.Context, endpointURL string, payload []byte) Result {
	key := endpointURL + "/" + uuid.NewString()
	if err := k.publisher.PublishRaw(ctx, key, payload); err != nil {
		err = fmt.Errorf("publish batch: %w", err)
		if producer.IsPermanent(err) {
			return ClientError(err)
		}
		return TransientError(err)
	}
	return Success()
}
