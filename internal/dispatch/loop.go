// Package dispatch provides the single event-dispatch goroutine that the
// interaction tracker runs on.
//
// A Loop is both the interaction.Target that listeners attach to and the
// interaction.Scheduler that runs deferred callbacks. Events, timer
// callbacks and queued functions all execute on the goroutine running
// Loop.Run, in the order they were enqueued, so code running on the loop
// needs no locking.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"modalityd/internal/interaction"
)

// ErrClosed is returned when enqueuing onto a closed loop.
var ErrClosed = errors.New("dispatch: loop closed")

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 256

type task struct {
	event *interaction.Event
	fn    func()
}

type listener struct {
	id      uint64
	name    string
	handler interaction.Handler
	removed atomic.Bool
}

// Loop serializes event delivery, timer callbacks and queued functions.
type Loop struct {
	queue  chan task
	done   chan struct{}
	closed sync.Once
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string][]*listener
	nextID    uint64
	hooks     []func(interaction.Event)

	running   atomic.Bool
	delivered atomic.Uint64
}

// Config configures a Loop.
type Config struct {
	// QueueSize bounds the number of pending tasks.
	QueueSize int
	// Logger receives handler panics. Defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a loop. Nothing is processed until Run is called.
func New(cfg Config) *Loop {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:     make(chan task, size),
		done:      make(chan struct{}),
		logger:    logger,
		listeners: make(map[string][]*listener),
	}
}

// Run processes tasks until ctx is done or Close is called. Either way the
// loop is closed when Run returns, so pending timers and callers of Do are
// released.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("dispatch: loop already running")
	}
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case t := <-l.queue:
			l.execute(t)
		}
	}
}

// Close stops the loop. Pending tasks are discarded. Safe to call more
// than once.
func (l *Loop) Close() {
	l.closed.Do(func() { close(l.done) })
}

// Dispatch enqueues an event for delivery to its listeners. It blocks while
// the queue is full.
func (l *Loop) Dispatch(ctx context.Context, e interaction.Event) error {
	return l.enqueue(ctx, task{event: &e})
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.enqueue(ctx, task{fn: func() {
		defer close(finished)
		fn()
	}}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

func (l *Loop) enqueue(ctx context.Context, t task) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// post enqueues from a timer goroutine, giving up only when the loop closes.
func (l *Loop) post(fn func()) {
	select {
	case l.queue <- task{fn: fn}:
	case <-l.done:
	}
}

func (l *Loop) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch task panicked", "panic", r)
		}
	}()

	if t.fn != nil {
		t.fn()
		return
	}
	l.deliver(*t.event)
}

func (l *Loop) deliver(e interaction.Event) {
	l.mu.Lock()
	targets := append([]*listener(nil), l.listeners[e.Name]...)
	hooks := slices.Clone(l.hooks)
	l.mu.Unlock()

	for _, ln := range targets {
		// A handler earlier in this delivery may have removed a later one.
		if ln.removed.Load() {
			continue
		}
		ln.handler(e)
	}
	l.delivered.Add(1)

	for _, hook := range hooks {
		hook(e)
	}
}

// Delivered returns the number of events delivered so far.
func (l *Loop) Delivered() uint64 {
	return l.delivered.Load()
}

// OnDelivered registers fn to run on the loop after each event has been
// delivered to its listeners.
func (l *Loop) OnDelivered(fn func(interaction.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// AddListener implements interaction.Target.
func (l *Loop) AddListener(name string, h interaction.Handler) interaction.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	ln := &listener{id: l.nextID, name: name, handler: h}
	l.listeners[name] = append(l.listeners[name], ln)
	return &subscription{loop: l, ln: ln}
}

// ListenerCount returns the number of listeners attached for name.
func (l *Loop) ListenerCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners[name])
}

type subscription struct {
	loop *Loop
	ln   *listener
}

func (s *subscription) Remove() {
	if s.ln.removed.Swap(true) {
		return
	}

	l := s.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.listeners[s.ln.name]
	for i, ln := range current {
		if ln.id == s.ln.id {
			l.listeners[s.ln.name] = append(current[:i:i], current[i+1:]...)
			break
		}
	}
	if len(l.listeners[s.ln.name]) == 0 {
		delete(l.listeners, s.ln.name)
	}
}

// AfterFunc implements interaction.Scheduler. The callback runs on the
// loop. Stopping the timer from the loop guarantees the callback never
// runs, even if the underlying timer already fired and queued it.
func (l *Loop) AfterFunc(d time.Duration, f func()) interaction.Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.post(func() {
			if t.done.Swap(true) {
				return
			}
			f()
		})
	})
	return t
}

type timer struct {
	t    *time.Timer
	done atomic.Bool
}

func (t *timer) Stop() bool {
	if t.done.Swap(true) {
		return false
	}
	t.t.Stop()
	return true
}
