// Package tracker buffers named telemetry events on disk and delivers them to a
// collector in batches, on a timer and on demand.
//
// A Tracker is safe for concurrent use. Track and Flush never return errors and
// never wait on the network.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/batcher"
	"github.com/leshachaplin/spyglass/internal/delivery"
	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
	"github.com/leshachaplin/spyglass/internal/queue"
	"github.com/leshachaplin/spyglass/internal/scheduler"
)

const DefaultFlushInterval = 10 * time.Second

var (
	ErrEmptyName    = errors.New("event name is empty")
	ErrNilTransport = errors.New("transport is nil")
)

type (
	// Properties are caller-supplied event attributes.
	Properties = domain.Properties
	Ticker     = scheduler.Ticker
	TickerFunc = scheduler.TickerFunc
)

type EvictionPolicy = queue.EvictionPolicy

const (
	EvictOldest = queue.EvictOldest
	DropNewest  = queue.DropNewest
)

type Config struct {
	DeviceIdentifier string
	UserIdentifier   string
	ServerURL        string
	// FlushInterval of zero disables the timer; only Flush triggers delivery.
	FlushInterval time.Duration
	MaxBatchSize  int
	// QueuePath is the SQLite file holding pending events. Empty keeps them in memory.
	QueuePath      string
	MaxQueueSize   int
	EvictionPolicy EvictionPolicy
	// AutoFlushThreshold triggers a flush once this many events are pending. Zero disables it.
	AutoFlushThreshold int
	// FlushOnClose runs one last flush cycle from Close.
	FlushOnClose bool
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:  DefaultFlushInterval,
		MaxBatchSize:   batcher.DefaultMaxBatchSize,
		MaxQueueSize:   queue.DefaultMaxSize,
		EvictionPolicy: EvictOldest,
	}
}

// IdentifierProvider supplies the platform device identifier.
type IdentifierProvider interface {
	Current() string
}

type IdentifierFunc func() string

func (f IdentifierFunc) Current() string {
	return f()
}

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	ticker     TickerFunc
	provider   IdentifierProvider
}

type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the tracker metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func WithTicker(fn TickerFunc) Option {
	return func(o *options) {
		o.ticker = fn
	}
}

// WithIdentifierProvider sets the source of the device identifier used while
// Config.DeviceIdentifier is empty.
func WithIdentifierProvider(p IdentifierProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

type Tracker struct {
	logger    zerolog.Logger
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	provider  IdentifierProvider

	flushOnClose bool

	mu        sync.RWMutex
	device    string
	user      string
	serverURL string

	closeOnce sync.Once
	closeErr  error
}

// New restores pending events from cfg.QueuePath and starts the flush timer.
func New(cfg Config, transport delivery.Transport, opts ...Option) (*Tracker, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.FlushInterval < 0 {
		cfg.FlushInterval = 0
	}

	m := metrics.New(o.registerer)
	ctx := context.Background()

	q, err := queue.Open(ctx, queue.Config{
		Path:           cfg.QueuePath,
		MaxSize:        cfg.MaxQueueSize,
		EvictionPolicy: cfg.EvictionPolicy,
	}, o.logger.With().Str("component", "queue").Logger(), m)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	t := &Tracker{
		logger:       o.logger.With().Str("component", "tracker").Logger(),
		queue:        q,
		provider:     o.provider,
		flushOnClose: cfg.FlushOnClose,
		device:       cfg.DeviceIdentifier,
		user:         cfg.UserIdentifier,
		serverURL:    cfg.ServerURL,
	}

	client := delivery.NewClient(transport, o.logger.With().Str("component", "delivery").Logger(), m)
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger.With().Str("component", "scheduler").Logger()),
		scheduler.WithMetrics(m),
	}
	if o.ticker != nil {
		schedOpts = append(schedOpts, scheduler.WithTicker(o.ticker))
	}
	t.scheduler = scheduler.New(ctx, scheduler.Config{
		FlushInterval:      cfg.FlushInterval,
		MaxBatchSize:       cfg.MaxBatchSize,
		AutoFlushThreshold: cfg.AutoFlushThreshold,
	}, q, client, t.ServerURL, schedOpts...)
	t.scheduler.Start()

	if n := q.Len(); n > 0 {
		t.logger.Info().Int("pending", n).Msg("Restored pending events.")
	}
	return t, nil
}

// Track records an event without properties.
func (t *Tracker) Track(name string) {
	t.TrackWithProperties(name, nil)
}

// TrackWithProperties records an event stamped with the identifiers in effect now.
// Failures are logged and the event is dropped.
func (t *Tracker) TrackWithProperties(name string, props Properties) {
	if name == "" {
		t.logger.Warn().Err(ErrEmptyName).Msg("Event dropped.")
		return
	}

	t.mu.RLock()
	e := domain.Event{
		Name:             name,
		Properties:       props.Clone(),
		DeviceIdentifier: t.device,
		UserIdentifier:   t.user,
		Timestamp:        time.Now().UTC(),
	}
	t.mu.RUnlock()
	if e.DeviceIdentifier == "" && t.provider != nil {
		e.DeviceIdentifier = t.provider.Current()
	}

	if _, err := t.queue.Append(context.Background(), e); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			t.logger.Warn().Str("event", name).Msg("Queue is full, event dropped.")
			return
		}
		t.logger.Error().Err(err).Str("event", name).Msg("Could not queue event.")
		return
	}
	t.scheduler.NotifyDepth(t.queue.Len())
}

// Flush requests a flush cycle and returns immediately.
func (t *Tracker) Flush() {
	t.scheduler.Trigger()
}

// Pending is the number of events waiting for delivery.
func (t *Tracker) Pending() int {
	return t.queue.Len()
}

func (t *Tracker) DeviceIdentifier() string {
	t.mu.RLock()
	device := t.device
	t.mu.RUnlock()
	if device == "" && t.provider != nil {
		return t.provider.Current()
	}
	return device
}

func (t *Tracker) SetDeviceIdentifier(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.device = id
}

func (t *Tracker) UserIdentifier() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.user
}

func (t *Tracker) SetUserIdentifier(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.user = id
}

func (t *Tracker) ServerURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.serverURL
}

// SetServerURL applies from the next flush cycle.
func (t *Tracker) SetServerURL(u string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverURL = u
}

func (t *Tracker) FlushInterval() time.Duration {
	return t.scheduler.Interval()
}

// SetFlushInterval cancels the running timer and reschedules it. Zero stops it.
func (t *Tracker) SetFlushInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.scheduler.SetInterval(d)
}

// Close stops the timer, waits for an in-flight delivery and closes the queue.
// Events still pending are restored by the next New on the same QueuePath.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.scheduler.Stop()
		if t.flushOnClose {
			t.scheduler.RunCycle(context.Background())
		}
		if err := t.queue.Close(); err != nil {
			t.closeErr = fmt.Errorf("close queue: %w", err)
		}
	})
	return t.closeErr
}
