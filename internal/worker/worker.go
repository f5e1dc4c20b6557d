package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leshachaplin/spyglass/internal/domain"
)

const defaultNumWorkers = 4

type ExecuteFn func(ctx context.Context, batch domain.EventBatch) error

type WorkerPool interface {
	Start(executeFn ExecuteFn)
	GracefulStop()
	Process(batch domain.EventBatch) error
}

type Pool struct {
	numWorkers  int
	taskPayload chan domain.EventBatch
	queue       Queue
	errorQueue  Queue
	start       sync.Once
	stop        sync.Once
	doneChan    chan struct{}
	ctx         context.Context
	cancelFn    context.CancelFunc
	wg          *sync.WaitGroup
	logger      zerolog.Logger
}

type Option func(*Pool)

// WithErrorQueue publishes batches that failed to process to q.
func WithErrorQueue(q Queue) Option {
	return func(p *Pool) {
		p.errorQueue = q
	}
}

func New(ctx context.Context, cfg Config, queue Queue, logger zerolog.Logger, opts ...Option) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = defaultNumWorkers
	}

	c, cancelFn := context.WithCancel(ctx)
	p := &Pool{
		numWorkers:  numWorkers,
		taskPayload: make(chan domain.EventBatch, numWorkers),
		doneChan:    make(chan struct{}),
		queue:       queue,
		ctx:         c,
		cancelFn:    cancelFn,
		wg:          &sync.WaitGroup{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (w *Pool) Start(executeFn ExecuteFn) {
	w.start.Do(func() {
		for i := 0; i < w.numWorkers; i++ {
			w.wg.Add(1)
			l := w.logger.With().Int("worker", i).Logger()
			go w.work(w.ctx, l, executeFn)
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.queue.Consume(w.ctx, w.taskPayload, w.doneChan)
		}()
	})
}

func (w *Pool) GracefulStop() {
	w.stop.Do(func() {
		close(w.doneChan)
		w.cancelFn()
		w.wg.Wait()
	})
}

// Process queues a batch for the workers. A batch that cannot be queued but lands
// in the error queue counts as accepted; otherwise the publish error is returned.
func (w *Pool) Process(eventBatch domain.EventBatch) error {
	err := w.queue.Publish(w.ctx, eventBatch.ID, eventBatch)
	if err == nil {
		return nil
	}
	if w.onFailure(eventBatch, err) {
		return nil
	}
	return fmt.Errorf("publish batch %s: %w", eventBatch.ID, err)
}

// onFailure reports whether the batch was moved to the error queue.
func (w *Pool) onFailure(eventBatch domain.EventBatch, err error) bool {
	if w.errorQueue != nil {
		p := payload{Payload: eventBatch}
		p.SetErrorReason(err)
		errPublish := w.errorQueue.Publish(w.ctx, eventBatch.ID, p)
		if errPublish == nil {
			return true
		}
		w.logger.Error().Err(errPublish).Str("batch_id", eventBatch.ID).Msg("Failed to publish to error queue.")
	}
	w.logger.Error().Err(err).
		Str("batch_id", eventBatch.ID).
		Int("events", len(eventBatch.Events)).
		Msg("Failed to process events.")
	return false
}

func (w *Pool) work(ctx context.Context, logger zerolog.Logger, executeFn ExecuteFn) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneChan:
			return
		case pld, ok := <-w.taskPayload:
			if !ok {
				return
			}

			logger.Debug().Str("batch_id", pld.ID).Int("events", len(pld.Events)).Msg("Start processing events.")
			if err := executeFn(ctx, pld); err != nil {
				w.onFailure(pld, err)
			}
			logger.Debug().Str("batch_id", pld.ID).Msg("End processing events.")
		}
	}
}

type payload struct {
	Payload domain.EventBatch `json:"payload"`
	Error   *errorReason      `json:"error_reason"`
}

func (c *payload) SetErrorReason(err error) {
	if c.Error == nil {
		c.Error = new(errorReason)
	}
	c.Error.Reason = err
}

func (c *payload) GetErrorReason() error {
	if c.Error != nil {
		return c.Error.Reason
	}
	return nil
}

type errorReason struct {
	Reason error
}

func (e errorReason) MarshalJSON() ([]byte, error) {
	if e.Reason != nil {
		return json.Marshal(e.Reason.Error())
	}
	return json.Marshal(nil)
}

func (e *errorReason) UnmarshalJSON(data []byte) error {
	var reason string
	if err := json.Unmarshal(data, &reason); err != nil {
		return err
	}
	e.Reason = errors.New(reason)
	return nil
}
