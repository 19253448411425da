package interaction

import (
	"errors"
	"time"
)

const (
	// DefaultBufferWindow is how long a touch event suppresses further
	// events. It must exceed the touch-to-synthetic-mouse latency of common
	// platforms while staying below what a user notices.
	DefaultBufferWindow = 650 * time.Millisecond

	// DefaultUserInvokedDelay is the recency window used by IsUserInvoked.
	DefaultUserInvokedDelay = 15 * time.Millisecond
)

type state int

const (
	stateIdle state = iota
	stateBuffering
)

func (s state) String() string {
	if s == stateBuffering {
		return "buffering"
	}
	return "idle"
}

// Options configures a Tracker.
type Options struct {
	// Target receives the tracker's listeners. Required.
	Target Target
	// Scheduler runs the buffer-expiry callback. Required.
	Scheduler Scheduler
	// Clock stamps interactions. Defaults to SystemClock.
	Clock Clock
	// Features selects which events are subscribed.
	Features Features
	// BufferWindow defaults to DefaultBufferWindow.
	BufferWindow time.Duration
	// UserInvokedDelay defaults to DefaultUserInvokedDelay.
	UserInvokedDelay time.Duration
}

// Tracker records the last classified interaction.
type Tracker struct {
	target    Target
	scheduler Scheduler
	clock     Clock
	features  Features
	window    time.Duration
	delay     time.Duration

	state    state
	timer    Timer
	last     Interaction
	recorded bool

	started      bool
	pointerEvent string
	subs         []Subscription
}

// New validates opts and returns an unstarted Tracker.
func New(opts Options) (*Tracker, error) {
	if opts.Target == nil {
		return nil, errors.New("interaction: target is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("interaction: scheduler is required")
	}
	if opts.BufferWindow < 0 {
		return nil, errors.New("interaction: buffer window must not be negative")
	}
	if opts.UserInvokedDelay < 0 {
		return nil, errors.New("interaction: user invoked delay must not be negative")
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	window := opts.BufferWindow
	if window == 0 {
		window = DefaultBufferWindow
	}
	delay := opts.UserInvokedDelay
	if delay == 0 {
		delay = DefaultUserInvokedDelay
	}

	return &Tracker{
		target:    opts.Target,
		scheduler: opts.Scheduler,
		clock:     clock,
		features:  opts.Features,
		window:    window,
		delay:     delay,
	}, nil
}

// Start subscribes the tracker's listeners. Calling Start on a started
// tracker does nothing.
func (t *Tracker) Start() {
	if t.started {
		return
	}
	t.started = true
	t.pointerEvent = t.features.PointerDownEvent()

	t.listen(EventKeyDown, t.HandleEvent)
	t.listen(EventMouseDown, t.HandleEvent)
	if t.pointerEvent != "" {
		t.listen(t.pointerEvent, t.HandleEvent)
	}
	if t.features.Touch {
		t.listen(EventTouchStart, t.HandleBufferedEvent)
	}
}

func (t *Tracker) listen(name string, h Handler) {
	if sub := t.target.AddListener(name, h); sub != nil {
		t.subs = append(t.subs, sub)
	}
}

// Subscribed returns the event names the tracker is listening to, in
// subscription order.
func (t *Tracker) Subscribed() []string {
	if !t.started {
		return nil
	}
	names := []string{EventKeyDown, EventMouseDown}
	if t.pointerEvent != "" {
		names = append(names, t.pointerEvent)
	}
	if t.features.Touch {
		names = append(names, EventTouchStart)
	}
	return names
}

// HandleEvent classifies e and records it, unless a buffering window is
// open, in which case e is dropped.
func (t *Tracker) HandleEvent(e Event) {
	if t.state == stateBuffering {
		return
	}
	typ, ok := Classify(e)
	if !ok {
		return
	}
	t.last = Interaction{Type: typ, Time: t.clock.Now()}
	t.recorded = true
}

// HandleBufferedEvent records e and opens a buffering window. An already
// open window is cancelled and replaced, so the window always ends
// BufferWindow after the most recent buffered event.
func (t *Tracker) HandleBufferedEvent(e Event) {
	t.cancelWindow()
	t.HandleEvent(e)
	t.state = stateBuffering

	var timer Timer
	timer = t.scheduler.AfterFunc(t.window, func() {
		// A stale timer from a replaced window must not close the new one.
		if t.timer != timer {
			return
		}
		t.state = stateIdle
		t.timer = nil
	})
	t.timer = timer
}

// cancelWindow stops the pending expiry and returns to idle. Cancel and
// reschedule happen in one call on the dispatch goroutine, so observers
// never see the idle state in between.
func (t *Tracker) cancelWindow() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.state = stateIdle
}

// LastInteractionType returns the last recorded type. It reports false if
// nothing has been recorded yet.
func (t *Tracker) LastInteractionType() (Type, bool) {
	if !t.recorded {
		return "", false
	}
	return t.last.Type, true
}

// LastInteraction returns the last recorded type and time as one value.
func (t *Tracker) LastInteraction() (Interaction, bool) {
	return t.last, t.recorded
}

// IsUserInvoked reports whether an interaction was recorded within the
// default delay.
func (t *Tracker) IsUserInvoked() bool {
	return t.IsUserInvokedWithin(t.delay)
}

// IsUserInvokedWithin reports whether an interaction was recorded no more
// than delay ago.
func (t *Tracker) IsUserInvokedWithin(delay time.Duration) bool {
	if !t.recorded {
		return false
	}
	return t.clock.Now().Sub(t.last.Time) <= delay
}

// Buffering reports whether a touch buffering window is open.
func (t *Tracker) Buffering() bool {
	return t.state == stateBuffering
}

// BufferWindow returns the configured buffering window.
func (t *Tracker) BufferWindow() time.Duration {
	return t.window
}

// Shutdown removes every listener added by Start and cancels a pending
// buffering window. It is safe on a tracker that was never started and on
// one already shut down.
func (t *Tracker) Shutdown() {
	for _, sub := range t.subs {
		sub.Remove()
	}
	t.subs = nil
	t.cancelWindow()
	t.started = false
	t.pointerEvent = ""
}
