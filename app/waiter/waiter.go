package waiter

import (
	"context"
	"os/signal"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type WaitFunc func(ctx context.Context) error

// Waiter runs functions until the first of them fails, the parent context is
// cancelled or a termination signal arrives.
type Waiter interface {
	Add(fns ...WaitFunc)
	Wait() error
	Context() context.Context
	CancelFunc() context.CancelFunc
}

type waiter struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	fns      []WaitFunc
	logger   zerolog.Logger
}

func NewWaiter(ctx context.Context, cancelFn context.CancelFunc, options ...Option) Waiter {
	cfg := defaultCfg()
	for _, option := range options {
		option(cfg)
	}

	w := &waiter{
		fns:    []WaitFunc{},
		logger: cfg.logger,
	}

	c, stop := context.WithCancel(ctx)
	w.ctx = c
	w.cancelFn = func() {
		stop()
		cancelFn()
	}
	if len(cfg.signals) > 0 {
		sigCtx, sigStop := signal.NotifyContext(c, cfg.signals...)
		w.ctx = sigCtx
		w.cancelFn = func() {
			sigStop()
			stop()
			cancelFn()
		}
	}

	return w
}

func (w *waiter) Add(fns ...WaitFunc) {
	w.fns = append(w.fns, fns...)
}

func (w *waiter) Wait() error {
	g, ctx := errgroup.WithContext(w.ctx)

	g.Go(func() error {
		<-ctx.Done()
		w.cancelFn()
		return nil
	})

	for _, fn := range w.fns {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}

	err := g.Wait()
	if err != nil {
		w.logger.Error().Err(err).Msg("Stopped on error.")
		return err
	}
	w.logger.Info().Msg("Stopped.")
	return nil
}

func (w *waiter) Context() context.Context {
	return w.ctx
}

func (w *waiter) CancelFunc() context.CancelFunc {
	return w.cancelFn
}
