package worker

type Config struct {
	NumWorkers int `mapstructure:"num_workers"`
	// QueueCapacity bounds the in-memory queue used when no brokers are configured.
	QueueCapacity int `mapstructure:"queue_capacity"`
}
