package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leshachaplin/spyglass/internal/delivery"
	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
	"github.com/leshachaplin/spyglass/internal/queue"
	"github.com/leshachaplin/spyglass/internal/sharedtest"
)

const (
	testServerURL = "http://collector"
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

type fakeTicker struct {
	d       time.Duration
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeClock struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (c *fakeClock) newTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{d: d, c: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) all() []*fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTicker(nil), c.tickers...)
}

type fixture struct {
	queue     *queue.Queue
	transport *sharedtest.RecordingTransport
	metrics   *metrics.Metrics
	clock     *fakeClock
	scheduler *Scheduler
}

func newFixture(t *testing.T, cfg Config, script ...delivery.Result) *fixture {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())
	q, err := queue.Open(context.Background(), queue.Config{}, zerolog.Nop(), m)
	require.NoError(t, err)

	f := &fixture{
		queue:     q,
		transport: sharedtest.NewRecordingTransport(script...),
		metrics:   m,
		clock:     &fakeClock{},
	}
	client := delivery.NewClient(f.transport, zerolog.Nop(), m)
	f.scheduler = New(context.Background(), cfg, q, client,
		func() string { return testServerURL },
		WithTicker(f.clock.newTicker),
		WithMetrics(m),
	)
	t.Cleanup(func() {
		f.transport.Unblock()
		f.scheduler.Stop()
		_ = q.Close()
	})
	return f
}

func (f *fixture) track(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.queue.Append(context.Background(), domain.Event{
			Name:      "e" + strconv.Itoa(i),
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}
}

func (f *fixture) waitCycles(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.scheduler.Cycles() >= n && f.scheduler.State() == Idle
	}, waitFor, tick)
}

func (f *fixture) pendingIDs(t *testing.T) []uint64 {
	t.Helper()
	events, err := f.queue.PeekBatch(context.Background(), 1000)
	require.NoError(t, err)
	return domain.Batch{Events: events}.SequenceIDs()
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestScheduler_TransientFailureStopsCycleAndKeepsOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{MaxBatchSize: 10},
		delivery.Success(),
		delivery.Success(),
		delivery.TransientError(errors.New("503")),
	)
	f.track(t, 50)

	f.scheduler.Start()
	f.scheduler.Trigger()
	f.waitCycles(t, 1)

	require.Equal(t, 3, f.transport.Calls())
	require.Equal(t, seqRange(21, 50), f.pendingIDs(t))

	records, err := f.transport.Records()
	require.NoError(t, err)
	require.Equal(t, "e0", records[0][0].Event)
	require.Equal(t, "e10", records[1][0].Event)
	require.Equal(t, "e20", records[2][0].Event)
}

func TestScheduler_RejectedBatchIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{MaxBatchSize: 5},
		delivery.ClientError(errors.New("400")),
	)
	f.track(t, 12)

	report := f.scheduler.RunCycle(context.Background())

	require.Equal(t, CycleReport{Batches: 3, Delivered: 7, Rejected: 5}, report)
	require.Empty(t, f.pendingIDs(t))
	require.Equal(t, float64(5), testutil.ToFloat64(f.metrics.EventsRejected))
	require.Equal(t, float64(7), testutil.ToFloat64(f.metrics.EventsDelivered))
}

func TestScheduler_AtMostOneFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{MaxBatchSize: 50})
	f.track(t, 5)
	f.transport.Block()

	f.scheduler.Start()
	f.scheduler.Trigger()
	<-f.transport.Started()
	require.Equal(t, Flushing, f.scheduler.State())

	f.track(t, 3)
	f.scheduler.Trigger()
	f.scheduler.Trigger()
	f.scheduler.Trigger()

	f.transport.Unblock()
	f.waitCycles(t, 2)
	require.Never(t, func() bool { return f.scheduler.Cycles() > 2 }, 100*time.Millisecond, tick)

	require.Equal(t, 1, f.transport.MaxInFlight())
	require.Equal(t, 2, f.transport.Calls())
	require.Empty(t, f.pendingIDs(t))

	records, err := f.transport.Records()
	require.NoError(t, err)
	require.Len(t, records[0], 5)
	require.Len(t, records[1], 3)
}

func TestScheduler_ZeroIntervalNeverTicks(t *testing.T) {
	f := newFixture(t, Config{FlushInterval: 0})
	f.track(t, 3)

	f.scheduler.Start()
	require.Never(t, func() bool { return f.transport.Calls() > 0 }, 100*time.Millisecond, tick)
	require.Empty(t, f.clock.all())

	f.scheduler.Trigger()
	f.waitCycles(t, 1)
	require.Equal(t, 1, f.transport.Calls())
}

func TestScheduler_TimerTickFlushes(t *testing.T) {
	f := newFixture(t, Config{FlushInterval: 10 * time.Second})
	f.track(t, 2)

	f.scheduler.Start()
	require.Eventually(t, func() bool { return len(f.clock.all()) == 1 }, waitFor, tick)
	ticker := f.clock.all()[0]
	require.Equal(t, 10*time.Second, ticker.d)

	ticker.c <- time.Now()
	f.waitCycles(t, 1)
	require.Equal(t, 1, f.transport.Calls())
	require.Empty(t, f.pendingIDs(t))
}

func TestScheduler_SetIntervalReschedules(t *testing.T) {
	f := newFixture(t, Config{FlushInterval: 10 * time.Second})
	f.scheduler.Start()
	require.Eventually(t, func() bool { return len(f.clock.all()) == 1 }, waitFor, tick)

	f.scheduler.SetInterval(time.Second)
	require.Eventually(t, func() bool { return len(f.clock.all()) == 2 }, waitFor, tick)
	tickers := f.clock.all()
	require.True(t, tickers[0].isStopped())
	require.Equal(t, time.Second, tickers[1].d)

	f.scheduler.SetInterval(0)
	require.Eventually(t, func() bool { return tickers[1].isStopped() }, waitFor, tick)
	require.Len(t, f.clock.all(), 2)
}

func TestScheduler_TransientThenSuccessDeliversOnce(t *testing.T) {
	transient := delivery.TransientError(errors.New("network down"))
	f := newFixture(t, Config{MaxBatchSize: 50}, transient, transient, transient)
	f.track(t, 7)
	f.scheduler.Start()

	for attempt := uint64(1); attempt <= 4; attempt++ {
		f.scheduler.Trigger()
		f.waitCycles(t, attempt)
	}

	require.Equal(t, 4, f.transport.Calls())
	require.Empty(t, f.pendingIDs(t))
	require.Equal(t, float64(7), testutil.ToFloat64(f.metrics.EventsDelivered))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeDelivered)))
	require.Equal(t, float64(3), testutil.ToFloat64(f.metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeTransient)))

	records, err := f.transport.Records()
	require.NoError(t, err)
	require.Len(t, records[3], 7)
}

func TestScheduler_AutoFlushThreshold(t *testing.T) {
	f := newFixture(t, Config{AutoFlushThreshold: 5})
	f.scheduler.Start()

	f.track(t, 4)
	f.scheduler.NotifyDepth(f.queue.Len())
	require.Never(t, func() bool { return f.scheduler.Cycles() > 0 }, 50*time.Millisecond, tick)

	f.track(t, 1)
	f.scheduler.NotifyDepth(f.queue.Len())
	f.waitCycles(t, 1)
	require.Empty(t, f.pendingIDs(t))
}

func TestScheduler_StopLetsInFlightDeliveryFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{MaxBatchSize: 2})
	f.track(t, 4)
	f.transport.Block()

	f.scheduler.Start()
	f.scheduler.Trigger()
	<-f.transport.Started()

	stopped := make(chan struct{})
	go func() {
		f.scheduler.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	f.transport.Release()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("stop did not return")
	}

	require.Equal(t, 1, f.transport.Calls())
	require.Equal(t, []uint64{3, 4}, f.pendingIDs(t))
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{})
	f.scheduler.Stop()
	f.scheduler.Start()
	f.scheduler.Trigger()
	require.Zero(t, f.scheduler.Cycles())
}
