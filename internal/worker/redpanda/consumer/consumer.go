package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/leshachaplin/spyglass/internal/domain"
)

const (
	defaultPollFetchesTimeout = 15 * time.Second
	defaultPingTimeout        = 15 * time.Second
)

type Config struct {
	Brokers            []string      `mapstructure:"brokers"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	Topics             []string      `mapstructure:"topics"`
	PollFetchesTimeout time.Duration `mapstructure:"poll_fetches_timeout"`
}

type Consumer struct {
	client             *kgo.Client
	pollFetchesTimeout time.Duration
	errChan            chan<- error
	logger             zerolog.Logger
}

func NewConsumer(cfg Config, errChan chan<- error, logger zerolog.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kgo new client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping brokers: %w", err)
	}

	consumer := &Consumer{
		client:             client,
		errChan:            errChan,
		pollFetchesTimeout: cfg.PollFetchesTimeout,
		logger:             logger,
	}
	if consumer.pollFetchesTimeout <= 0 {
		consumer.pollFetchesTimeout = defaultPollFetchesTimeout
	}

	return consumer, nil
}

func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Consume decodes event batches and commits each record once it is handed to eventChan.
// Records that cannot be decoded are committed and skipped.
func (c *Consumer) Consume(ctx context.Context, eventChan chan<- domain.EventBatch, done <-chan struct{}) {
	c.consume(ctx, done, func(fetches kgo.Fetches) error {
		for iter := fetches.RecordIter(); !iter.Done(); {
			record := iter.Next()

			var batch domain.EventBatch
			if err := json.Unmarshal(record.Value, &batch); err != nil {
				c.logger.Error().Str("record", string(record.Value)).Err(err).Msg("Consume: unmarshal event batch.")

				if commitErr := c.client.CommitRecords(ctx, record); commitErr != nil {
					return fmt.Errorf("commit record: %w", commitErr)
				}
				continue
			}

			select {
			case eventChan <- batch:
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
				return nil
			}
			if commitErr := c.client.CommitRecords(ctx, record); commitErr != nil {
				return fmt.Errorf("commit record: %w", commitErr)
			}
		}
		return nil
	})
}

func (c *Consumer) consume(ctx context.Context, done <-chan struct{}, fn func(fetches kgo.Fetches) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
			fetchCtx, cancel := context.WithTimeout(ctx, c.pollFetchesTimeout)
			fetches := c.client.PollFetches(fetchCtx)
			cancel()

			if fetches.IsClientClosed() {
				c.report(errors.New("client closed"))
				return
			}

			if err := fetches.Err(); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}

				c.report(fmt.Errorf("stream poll fetches: %w", err))
				continue
			}

			if err := fn(fetches); err != nil {
				c.logger.Warn().Err(err).Msg("Consume: handle fetches.")
			}
		}
	}
}

func (c *Consumer) report(err error) {
	select {
	case c.errChan <- err:
	default:
		c.logger.Error().Err(err).Msg("Consume: error channel is full.")
	}
}
