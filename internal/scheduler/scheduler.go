package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/batcher"
	"github.com/leshachaplin/spyglass/internal/delivery"
	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
)

type State int32

const (
	Idle State = iota
	Flushing
)

func (s State) String() string {
	if s == Flushing {
		return "flushing"
	}
	return "idle"
}

// Queue is the part of the persistent queue a flush cycle needs.
type Queue interface {
	batcher.Peeker
	Remove(ctx context.Context, ids []uint64) (int, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, serverURL string, batch domain.Batch) delivery.Outcome
}

type Config struct {
	FlushInterval      time.Duration
	MaxBatchSize       int
	AutoFlushThreshold int
}

// CycleReport summarizes one flush cycle.
type CycleReport struct {
	Batches   int
	Delivered int
	Rejected  int
	Transient bool
}

// Scheduler runs flush cycles on a timer and on demand. At most one cycle runs at
// a time; triggers arriving during a cycle collapse into a single follow-up cycle.
type Scheduler struct {
	queue     Queue
	deliverer Deliverer
	serverURL func() string
	newTicker TickerFunc
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	maxBatchSize int
	threshold    int

	mu       sync.Mutex
	interval time.Duration

	trigger    chan struct{}
	reschedule chan struct{}
	state      atomic.Int32
	cycles     atomic.Uint64

	start    sync.Once
	stop     sync.Once
	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
}

type Option func(*Scheduler)

// WithTicker replaces the wall-clock ticker, mainly for synthetic ticks in tests.
func WithTicker(fn TickerFunc) Option {
	return func(s *Scheduler) {
		s.newTicker = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func New(ctx context.Context, cfg Config, queue Queue, deliverer Deliverer, serverURL func() string, opts ...Option) *Scheduler {
	c, cancelFn := context.WithCancel(ctx)
	s := &Scheduler{
		queue:        queue,
		deliverer:    deliverer,
		serverURL:    serverURL,
		newTicker:    NewTimeTicker,
		logger:       zerolog.Nop(),
		maxBatchSize: cfg.MaxBatchSize,
		threshold:    cfg.AutoFlushThreshold,
		interval:     cfg.FlushInterval,
		trigger:      make(chan struct{}, 1),
		reschedule:   make(chan struct{}, 1),
		ctx:          c,
		cancelFn:     cancelFn,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.maxBatchSize <= 0 {
		s.maxBatchSize = batcher.DefaultMaxBatchSize
	}
	return s
}

func (s *Scheduler) Start() {
	s.start.Do(func() {
		go s.run()
	})
}

// Stop cancels the timer and waits for the loop to exit. A delivery already in
// flight is allowed to finish; remaining batches wait for the next run.
func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		s.cancelFn()
		s.start.Do(func() {
			close(s.done)
		})
		<-s.done
	})
}

// Trigger requests a flush cycle without waiting for it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NotifyDepth triggers an eager flush once the queue reaches the configured threshold.
func (s *Scheduler) NotifyDepth(depth int) {
	if s.threshold > 0 && depth >= s.threshold {
		s.Trigger()
	}
}

// SetInterval cancels the current timer and reschedules it. Zero disables the timer.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Cycles is the number of completed flush cycles.
func (s *Scheduler) Cycles() uint64 {
	return s.cycles.Load()
}

func (s *Scheduler) run() {
	defer close(s.done)

	var (
		ticker Ticker
		tickC  <-chan time.Time
	)
	resetTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		if d := s.Interval(); d > 0 {
			ticker = s.newTicker(d)
			tickC = ticker.C()
		}
	}
	resetTicker()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reschedule:
			resetTicker()
			s.logger.Debug().Dur("interval", s.Interval()).Msg("Flush timer rescheduled.")
		case <-tickC:
			s.RunCycle(s.ctx)
		case <-s.trigger:
			s.RunCycle(s.ctx)
		}
	}
}

// RunCycle drains the queue batch by batch until it is empty, a transient failure
// occurs, or ctx is cancelled between batches. Callers must not run cycles concurrently;
// outside the loop it is only used after Stop.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	s.state.Store(int32(Flushing))
	defer s.state.Store(int32(Idle))

	// delivery and removal are never interrupted half way
	opCtx := context.WithoutCancel(ctx)
	serverURL := s.serverURL()

	var report CycleReport
	for ctx.Err() == nil {
		batch, err := batcher.NextBatch(opCtx, s.queue, s.maxBatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("Could not read next batch.")
			break
		}
		if batch.IsEmpty() {
			break
		}
		report.Batches++

		outcome := s.deliverer.Deliver(opCtx, serverURL, batch)
		if outcome == delivery.TransientFailure {
			report.Transient = true
			break
		}

		removed, err := s.queue.Remove(opCtx, batch.SequenceIDs())
		if err != nil {
			s.logger.Error().Err(err).Str("outcome", outcome.String()).Msg("Could not remove batch from queue.")
			break
		}
		if outcome == delivery.Delivered {
			report.Delivered += removed
		} else {
			report.Rejected += removed
		}
	}

	s.cycles.Add(1)
	s.metrics.FlushCycles.Inc()
	if report.Batches > 0 {
		s.logger.Debug().
			Int("batches", report.Batches).
			Int("delivered", report.Delivered).
			Int("rejected", report.Rejected).
			Bool("transient_failure", report.Transient).
			Msg("Flush cycle finished.")
	}
	return report
}
