package waiter

import (
	"os"
	"syscall"

	"github.com/rs/zerolog"
)

type waiterCfg struct {
	signals []os.Signal
	logger  zerolog.Logger
}

func defaultCfg() *waiterCfg {
	return &waiterCfg{
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		logger:  zerolog.Nop(),
	}
}

type Option func(*waiterCfg)

// WithSignals replaces the signals that stop the waiter. No signals disables signal handling.
func WithSignals(signals ...os.Signal) Option {
	return func(cfg *waiterCfg) {
		cfg.signals = signals
	}
}

// WithLogger reports why the waiter stopped.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *waiterCfg) {
		cfg.logger = logger
	}
}
