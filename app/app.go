package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/leshachaplin/spyglass/app/waiter"
	"github.com/leshachaplin/spyglass/internal/config"
	"github.com/leshachaplin/spyglass/internal/metrics"
	appServer "github.com/leshachaplin/spyglass/internal/server/http"
	"github.com/leshachaplin/spyglass/internal/service"
	"github.com/leshachaplin/spyglass/internal/storage/event/clickhouse"
	"github.com/leshachaplin/spyglass/internal/storage/event/logstore"
	"github.com/leshachaplin/spyglass/internal/worker"
	"github.com/leshachaplin/spyglass/internal/worker/redpanda/consumer"
	"github.com/leshachaplin/spyglass/internal/worker/redpanda/producer"
)

const shutdownTimeout = time.Minute

type LoadConfigFn func() (config.Config, error)

type eventStorage interface {
	service.Storage
	Close() error
}

// App is the reference collector: it accepts tracker payloads over HTTP and
// stores the decoded events.
type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	server   *appServer.Server
	waiter   waiter.Waiter
	ctx      context.Context
	cancelFn context.CancelFunc
}

func New(loadConfigFn LoadConfigFn) *App {
	ctx, cancelFn := context.WithCancel(context.Background())
	cfg, err := loadConfigFn()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := NewZeroLogger(Level(cfg.LogLevel))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	w := waiter.NewWaiter(ctx, cancelFn, waiter.WithLogger(logger.With().Str("component", "waiter").Logger()))

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		waiter:   w,
		ctx:      w.Context(),
		cancelFn: w.CancelFunc(),
	}
}

func (a *App) Start() {
	defer a.cancelFn()

	eventQueue, closeQueue, err := a.newEventQueue()
	if err != nil {
		a.logger.Fatal().Err(err).Msg("Could not setup event queue.")
	}
	defer closeQueue()

	var poolOpts []worker.Option
	if a.cfg.UsesRedpanda() && a.cfg.DeadLetterTopic != "" {
		dlCfg := a.cfg.EventProducer
		dlCfg.Topic = a.cfg.DeadLetterTopic
		deadLetterProducer, err := producer.NewProducer(a.ctx, dlCfg, a.logger.With().Str("producer", "dead_letter").Logger())
		if err != nil {
			a.logger.Fatal().Err(err).Msg("Could not setup dead letter producer.")
		}
		defer deadLetterProducer.Close()
		poolOpts = append(poolOpts, worker.WithErrorQueue(worker.NewRedpandaQueue(deadLetterProducer, nil)))
	}

	l := a.logger.With().Str("WORKER", "EVENT").Logger()
	eventWorker := worker.New(a.ctx, a.cfg.EventWorker, eventQueue, l, poolOpts...)

	eventStorage, err := a.newEventStorage()
	if err != nil {
		a.logger.Fatal().Err(err).Msg("Could not setup event storage.")
	}
	defer eventStorage.Close()

	collectorMetrics := metrics.NewCollector(a.registry)
	eventProcessor := service.New(eventWorker, eventStorage, a.logger.With().Str("service", "event").Logger(), collectorMetrics)
	handler := appServer.NewHandler(eventProcessor, a.logger)

	a.server = appServer.New(handler, a.registry)

	a.waitForServer()
	a.waitForWorker(eventWorker)

	if err = a.waiter.Wait(); err != nil {
		a.logger.Fatal().Err(err).Msg("App crash.")
	}
}

func (a *App) Stop() {
	a.cancelFn()
}

func (a *App) newEventQueue() (worker.Queue, func(), error) {
	if !a.cfg.UsesRedpanda() {
		a.logger.Info().Int("capacity", a.cfg.EventWorker.QueueCapacity).Msg("Using in-memory event queue.")
		return worker.NewMemoryQueue(a.cfg.EventWorker.QueueCapacity), func() {}, nil
	}

	consumerErrorChan := make(chan error, 1)
	eventConsumer, err := consumer.NewConsumer(a.cfg.EventConsumer, consumerErrorChan, a.logger.With().Str("consumer", "event").Logger())
	if err != nil {
		return nil, nil, err
	}

	eventProducer, err := producer.NewProducer(
		a.ctx,
		a.cfg.EventProducer,
		a.logger.With().Str("event producer", "Publish").Logger(),
	)
	if err != nil {
		_ = eventConsumer.Close()
		return nil, nil, err
	}

	a.waiter.Add(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-consumerErrorChan:
				a.logger.Error().Err(err).Msg("Event consumer failed.")
			}
		}
	})

	return worker.NewRedpandaQueue(eventProducer, eventConsumer), func() {
		_ = eventConsumer.Close()
		_ = eventProducer.Close()
	}, nil
}

func (a *App) newEventStorage() (eventStorage, error) {
	if !a.cfg.UsesClickhouse() {
		a.logger.Info().Msg("ClickHouse is not configured, events are written to the log.")
		return logstore.New(a.logger.With().Str("storage", "log").Logger()), nil
	}

	storage, err := clickhouse.New(a.ctx, a.cfg.Clickhouse, a.logger.With().Str("storage", "clickhouse").Logger())
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(a.ctx); err != nil {
		_ = storage.Close()
		return nil, err
	}
	return storage, nil
}

func (a *App) waitForServer() {
	a.waiter.Add(func(ctx context.Context) error {
		defer a.logger.Debug().Msg("server has been shutdown")

		group, gCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			defer a.logger.Debug().Msg("public server exited")
			a.logger.Info().Str("addr", a.cfg.Addr).Msg("Starting server.")
			err := a.server.ServePublic(a.cfg.Addr)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		group.Go(func() error {
			<-gCtx.Done()
			a.logger.Debug().Msg("shutting down the server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := a.server.ShutdownPublic(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("error while shutting down the server")
			}
			return nil
		})

		return group.Wait()
	})
}

func (a *App) waitForWorker(eventWorker worker.WorkerPool) {
	a.waiter.Add(func(ctx context.Context) error {
		<-ctx.Done()
		eventWorker.GracefulStop()
		return nil
	})
}
