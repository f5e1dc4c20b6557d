package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leshachaplin/spyglass/internal/delivery"
	"github.com/leshachaplin/spyglass/internal/queue"
	"github.com/leshachaplin/spyglass/internal/storage/event/clickhouse"
	"github.com/leshachaplin/spyglass/internal/worker"
	"github.com/leshachaplin/spyglass/internal/worker/redpanda/consumer"
	"github.com/leshachaplin/spyglass/internal/worker/redpanda/producer"
	"github.com/leshachaplin/spyglass/tracker"
)

const envPrefix = "spyglass"

// Config is the main config for the application
type Config struct {
	LogLevel        string            `mapstructure:"log_level"`
	Addr            string            `mapstructure:"addr"`
	Tracker         TrackerConfig     `mapstructure:"tracker"`
	Clickhouse      clickhouse.Config `mapstructure:"clickhouse"`
	EventWorker     worker.Config     `mapstructure:"event_worker"`
	EventProducer   producer.Config   `mapstructure:"event_producer"`
	EventConsumer   consumer.Config   `mapstructure:"event_consumer"`
	DeadLetterTopic string            `mapstructure:"dead_letter_topic"`
}

// TrackerConfig describes a tracker built from a file, e.g. by a load generator
// pointed at the collector.
type TrackerConfig struct {
	DeviceIdentifier   string              `mapstructure:"device_id"`
	UserIdentifier     string              `mapstructure:"user_id"`
	ServerURL          string              `mapstructure:"server_url"`
	FlushInterval      time.Duration       `mapstructure:"flush_interval"`
	MaxBatchSize       int                 `mapstructure:"max_batch_size"`
	AutoFlushThreshold int                 `mapstructure:"auto_flush_threshold"`
	FlushOnClose       bool                `mapstructure:"flush_on_close"`
	Queue              queue.Config        `mapstructure:"queue"`
	HTTP               delivery.HTTPConfig `mapstructure:"http"`
	// KafkaTopic receives raw payloads when the tracker publishes to brokers
	// instead of posting to the collector.
	KafkaTopic string `mapstructure:"kafka_topic"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("addr", ":5403")

	v.SetDefault("tracker.flush_interval", tracker.DefaultFlushInterval)
	v.SetDefault("tracker.max_batch_size", 50)
	v.SetDefault("tracker.queue.path", "")
	v.SetDefault("tracker.queue.max_size", queue.DefaultMaxSize)
	v.SetDefault("tracker.queue.eviction_policy", string(queue.EvictOldest))
	v.SetDefault("tracker.server_url", "")
	v.SetDefault("tracker.device_id", "")
	v.SetDefault("tracker.user_id", "")
	v.SetDefault("tracker.kafka_topic", "spyglass-raw")

	v.SetDefault("event_worker.num_workers", 4)
	v.SetDefault("event_worker.queue_capacity", 1024)

	v.SetDefault("clickhouse.addr", "")
	v.SetDefault("event_producer.brokers", []string{})
	v.SetDefault("event_producer.topic", "events")
	v.SetDefault("event_consumer.brokers", []string{})
	v.SetDefault("event_consumer.topics", []string{"events"})
	v.SetDefault("event_consumer.consumer_group", "spyglass-collector")
}

func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Tracker.FlushInterval < 0 {
		errs = append(errs, errors.New("tracker.flush_interval must not be negative"))
	}
	if c.Tracker.MaxBatchSize < 0 {
		errs = append(errs, errors.New("tracker.max_batch_size must not be negative"))
	}
	switch c.Tracker.Queue.EvictionPolicy {
	case "", queue.EvictOldest, queue.DropNewest:
	default:
		errs = append(errs, fmt.Errorf("tracker.queue.eviction_policy %q is unknown", c.Tracker.Queue.EvictionPolicy))
	}
	if c.Tracker.ServerURL != "" {
		if u, err := url.Parse(c.Tracker.ServerURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("tracker.server_url %q is not an absolute URL", c.Tracker.ServerURL))
		}
	}
	if c.UsesRedpanda() && len(c.EventConsumer.Brokers) == 0 {
		errs = append(errs, errors.New("event_consumer.brokers is required when event_producer.brokers is set"))
	}

	return errors.Join(errs...)
}

// UsesRedpanda reports whether the collector queue runs through brokers
// rather than in memory.
func (c Config) UsesRedpanda() bool {
	return len(c.EventProducer.Brokers) > 0
}

func (c Config) UsesClickhouse() bool {
	return c.Clickhouse.Addr != ""
}

func (t TrackerConfig) ToTracker() tracker.Config {
	return tracker.Config{
		DeviceIdentifier:   t.DeviceIdentifier,
		UserIdentifier:     t.UserIdentifier,
		ServerURL:          t.ServerURL,
		FlushInterval:      t.FlushInterval,
		MaxBatchSize:       t.MaxBatchSize,
		QueuePath:          t.Queue.Path,
		MaxQueueSize:       t.Queue.MaxSize,
		EvictionPolicy:     t.Queue.EvictionPolicy,
		AutoFlushThreshold: t.AutoFlushThreshold,
		FlushOnClose:       t.FlushOnClose,
	}
}
