// Package lifecycle reports when the hosting session is being torn down.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"modalityd/internal/logging"
)

// Reason says why teardown started.
type Reason string

const (
	ReasonSignal   Reason = "signal"
	ReasonShutdown Reason = "system-shutdown"
	ReasonLock     Reason = "session-lock"
	ReasonContext  Reason = "context-done"
)

// ErrUnsupported is returned by platform watchers that do not exist on the
// running platform.
var ErrUnsupported = errors.New("lifecycle: not supported on this platform")

// Options configures Watch.
type Options struct {
	// Signals that start teardown. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
	// Logind listens for PrepareForShutdown on the system bus.
	Logind bool
	// EndOnLock also treats a session Lock as teardown. Requires Logind.
	EndOnLock bool
	// Triggers are extra sources of teardown.
	Triggers []<-chan Reason

	Logger *logging.Logger
}

// Watch delivers the first teardown reason on the returned channel and then
// closes it. A watcher that cannot start is logged and skipped.
func Watch(ctx context.Context, opts Options) <-chan Reason {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("lifecycle")

	signals := opts.Signals
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(ctx)
	merged := make(chan Reason, 1+len(opts.Triggers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	forward := func(src <-chan Reason) {
		select {
		case r, ok := <-src:
			if ok {
				select {
				case merged <- r:
				default:
				}
			}
		case <-ctx.Done():
		}
	}

	if opts.Logind {
		src, err := watchLogind(ctx, opts.EndOnLock, logger)
		if err != nil {
			logger.Warn("logind unavailable, relying on signals", "error", err)
		} else {
			go forward(src)
		}
	}
	for _, trig := range opts.Triggers {
		go forward(trig)
	}

	out := make(chan Reason, 1)
	go func() {
		defer close(out)
		defer cancel()
		defer signal.Stop(sigCh)

		var reason Reason
		select {
		case sig := <-sigCh:
			logger.Info("teardown requested", "signal", sig.String())
			reason = ReasonSignal
		case reason = <-merged:
			logger.Info("teardown requested", "reason", string(reason))
		case <-ctx.Done():
			reason = ReasonContext
		}
		out <- reason
	}()
	return out
}
