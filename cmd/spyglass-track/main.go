// Command spyglass-track records events through a tracker configured from file
// and flushes them, either to a collector over HTTP or straight to a broker topic.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leshachaplin/spyglass/app"
	"github.com/leshachaplin/spyglass/internal/config"
	"github.com/leshachaplin/spyglass/internal/delivery"
	"github.com/leshachaplin/spyglass/internal/worker/redpanda/producer"
	"github.com/leshachaplin/spyglass/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath   = flag.String("config", "", "path to config file")
		transport = flag.String("transport", "http", "http or kafka")
		name      = flag.String("event", "app_open", "event name")
		props     = flag.String("props", "", "comma separated key=value properties")
		count     = flag.Int("count", 1, "number of events to track")
		wait      = flag.Duration("wait", 30*time.Second, "how long to wait for delivery")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config.")
	}
	logger := app.NewZeroLogger(app.Level(cfg.LogLevel))

	var t delivery.Transport
	switch *transport {
	case "http":
		t = delivery.NewHTTPTransport(cfg.Tracker.HTTP, logger.With().Str("transport", "http").Logger())
	case "kafka":
		producerCfg := cfg.EventProducer
		producerCfg.Topic = cfg.Tracker.KafkaTopic
		p, err := producer.NewProducer(context.Background(), producerCfg, logger.With().Str("transport", "kafka").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("Could not setup producer.")
		}
		defer p.Close()
		t = delivery.NewKafkaTransport(p)
	default:
		logger.Fatal().Str("transport", *transport).Msg("Unknown transport.")
	}

	trackerCfg := cfg.Tracker.ToTracker()
	trackerCfg.FlushOnClose = true
	tr, err := tracker.New(trackerCfg, t,
		tracker.WithLogger(logger),
		tracker.WithIdentifierProvider(tracker.IdentifierFunc(hostname)),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not create tracker.")
	}

	properties := parseProps(*props)
	for i := 0; i < *count; i++ {
		tr.TrackWithProperties(*name, properties)
	}
	tr.Flush()

	deadline := time.Now().Add(*wait)
	for tr.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	pending := tr.Pending()
	if err := tr.Close(); err != nil {
		logger.Error().Err(err).Msg("Could not close tracker.")
	}
	if pending > 0 {
		logger.Warn().Int("pending", pending).Msg("Events left in the queue.")
		return 1
	}
	logger.Info().Int("events", *count).Msg("Delivered.")
	return 0
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func parseProps(s string) tracker.Properties {
	out := tracker.Properties{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
