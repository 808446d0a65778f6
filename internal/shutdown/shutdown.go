// Package shutdown turns process signals into context cancellation. Both the
// supervisor and every agent use it so that one interrupt stops everything
// at its next suspension point.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// DefaultSignals are trapped when Notify is called without signals.
var DefaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// Notify returns a context that is cancelled on the first of signals. stop
// releases the signal handler; call it once the process no longer needs it.
func Notify(parent context.Context, logger zerolog.Logger, signals ...os.Signal) (ctx context.Context, stop context.CancelFunc) {
	if len(signals) == 0 {
		signals = DefaultSignals
	}

	ctx, cancel := context.WithCancelCause(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signals...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
			cancel(&SignalError{Signal: sig})
		case <-done:
		case <-ctx.Done():
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
			cancel(context.Canceled)
		})
	}
}

// Requested reports whether ctx has been cancelled.
func Requested(ctx context.Context) bool {
	return ctx.Err() != nil
}

// SignalError is the cancellation cause recorded when a signal arrives.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "received signal " + e.Signal.String()
}
