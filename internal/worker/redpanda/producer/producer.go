package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryDelay     = time.Second
	defaultPublishTimeout = 5 * time.Second
)

type Config struct {
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
}

type Producer struct {
	retryAttempts  int
	retryDelay     time.Duration
	publishTimeout time.Duration
	client         *kgo.Client
	logger         zerolog.Logger
}

func NewProducer(
	ctx context.Context,
	cfg Config,
	logger zerolog.Logger,
) (*Producer, error) {
	clientOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}

	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("kgo new client: %w", err)
	}

	if err = client.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	producer := &Producer{
		client:         client,
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger,
	}
	if producer.retryAttempts <= 0 {
		producer.retryAttempts = defaultRetryAttempts
	}
	if producer.retryDelay <= 0 {
		producer.retryDelay = defaultRetryDelay
	}
	if producer.publishTimeout <= 0 {
		producer.publishTimeout = defaultPublishTimeout
	}

	return producer, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Publish JSON-encodes msg and produces it under key.
func (p *Producer) Publish(ctx context.Context, key string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.PublishRaw(ctx, key, b)
}

// PublishRaw produces an already encoded value. Non-retriable broker errors are
// returned immediately without further attempts.
func (p *Producer) PublishRaw(ctx context.Context, key string, value []byte) error {
	record := kgo.KeySliceRecord([]byte(key), value)

	return linearBackOff(&p.logger, p.retryAttempts, p.retryDelay, func() error {
		produceCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		res := p.client.ProduceSync(produceCtx, record)
		cancel()

		if err := res.FirstErr(); err != nil {
			return fmt.Errorf("produce sync: %w", err)
		}
		return nil
	})
}

// IsPermanent reports whether a publish error cannot be fixed by retrying.
func IsPermanent(err error) bool {
	var kErr *kerr.Error
	if errors.As(err, &kErr) {
		return !kErr.Retriable
	}
	return false
}

func linearBackOff(log *zerolog.Logger, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err != nil {
			if errors.Is(err, context.Canceled) || IsPermanent(err) {
				return err
			}
		} else {
			return nil
		}

		log.Warn().Err(err).Msgf("Retry: %d.", i)

		if i < attempts-1 {
			time.Sleep(delay * time.Duration(i+1))
		}
	}
	return err
}
