package interaction

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeTarget struct {
	nextID    int
	listeners map[int]fakeListener
}

type fakeListener struct {
	name string
	h    Handler
}

type fakeSubscription struct {
	target *fakeTarget
	id     int
}

func (s fakeSubscription) Remove() { delete(s.target.listeners, s.id) }

func newFakeTarget() *fakeTarget {
	return &fakeTarget{listeners: make(map[int]fakeListener)}
}

func (f *fakeTarget) AddListener(name string, h Handler) Subscription {
	f.nextID++
	f.listeners[f.nextID] = fakeListener{name: name, h: h}
	return fakeSubscription{target: f, id: f.nextID}
}

func (f *fakeTarget) fire(e Event) {
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if l, ok := f.listeners[id]; ok && l.name == e.Name {
			l.h(e)
		}
	}
}

func (f *fakeTarget) names() []string {
	var out []string
	for _, l := range f.listeners {
		out = append(out, l.name)
	}
	sort.Strings(out)
	return out
}

// fakeTime is a manual clock and scheduler.
type fakeTime struct {
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{at: f.now.Add(d), f: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward, firing due timers in deadline order.
func (f *fakeTime) Advance(d time.Duration) {
	end := f.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if t.stopped || t.fired || t.at.After(end) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		f.now = next.at
		next.fired = true
		next.f()
	}
	f.now = end
}

func (f *fakeTime) pending() int {
	n := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T, features Features) (*Tracker, *fakeTarget, *fakeTime) {
	t.Helper()
	target := newFakeTarget()
	clock := newFakeTime()
	tr, err := New(Options{
		Target:    target,
		Scheduler: clock,
		Clock:     clock,
		Features:  features,
	})
	require.NoError(t, err)
	tr.Start()
	return tr, target, clock
}

var allFeatures = Features{PointerEvents: true, Touch: true}

// =============================================================================
// Construction and subscription
// =============================================================================

func TestNew_Validation(t *testing.T) {
	clock := newFakeTime()

	_, err := New(Options{Scheduler: clock})
	assert.Error(t, err, "missing target")

	_, err = New(Options{Target: newFakeTarget()})
	assert.Error(t, err, "missing scheduler")

	_, err = New(Options{Target: newFakeTarget(), Scheduler: clock, BufferWindow: -time.Second})
	assert.Error(t, err, "negative window")

	tr, err := New(Options{Target: newFakeTarget(), Scheduler: clock})
	require.NoError(t, err)
	assert.Equal(t, DefaultBufferWindow, tr.BufferWindow())
	assert.Equal(t, 650*time.Millisecond, tr.BufferWindow())
}

func TestStart_Subscriptions(t *testing.T) {
	tests := []struct {
		name     string
		features Features
		want     []string
	}{
		{
			name:     "no pointer no touch",
			features: Features{},
			want:     []string{"keydown", "mousedown"},
		},
		{
			name:     "standard pointer",
			features: Features{PointerEvents: true},
			want:     []string{"keydown", "mousedown", "pointerdown"},
		},
		{
			name:     "legacy pointer preferred",
			features: Features{PointerEvents: true, LegacyPointerEvents: true},
			want:     []string{"MSPointerDown", "keydown", "mousedown"},
		},
		{
			name:     "touch",
			features: Features{Touch: true},
			want:     []string{"keydown", "mousedown", "touchstart"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, target, _ := newTestTracker(t, tc.features)
			assert.Equal(t, tc.want, target.names())
		})
	}
}

func TestStart_Idempotent(t *testing.T) {
	tr, target, _ := newTestTracker(t, allFeatures)
	before := len(target.listeners)
	tr.Start()
	assert.Equal(t, before, len(target.listeners))
	assert.Equal(t, []string{"keydown", "mousedown", "pointerdown", "touchstart"}, tr.Subscribed())
}

// =============================================================================
// Classification
// =============================================================================

func TestQueriesBeforeAnyInteraction(t *testing.T) {
	tr, _, _ := newTestTracker(t, allFeatures)

	_, ok := tr.LastInteractionType()
	assert.False(t, ok)
	assert.False(t, tr.IsUserInvoked())
	assert.False(t, tr.IsUserInvokedWithin(time.Hour))
	assert.False(t, tr.Buffering())
}

func TestKeyboardAndMouseAreNeverBuffered(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	sequence := []struct {
		name string
		want Type
	}{
		{"keydown", Keyboard},
		{"mousedown", Mouse},
		{"mousedown", Mouse},
		{"keydown", Keyboard},
	}
	for _, step := range sequence {
		target.fire(Event{Name: step.name})
		typ, ok := tr.LastInteractionType()
		require.True(t, ok)
		assert.Equal(t, step.want, typ)
		assert.False(t, tr.Buffering())
		clock.Advance(time.Millisecond)
	}
	assert.Equal(t, 0, clock.pending())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  Type
		ok    bool
	}{
		{"keydown", Event{Name: "keydown"}, Keyboard, true},
		{"mousedown", Event{Name: "mousedown"}, Mouse, true},
		{"mouseenter", Event{Name: "mouseenter"}, Mouse, true},
		{"touchstart", Event{Name: "touchstart"}, Touch, true},
		{"legacy code 2", Event{Name: "MSPointerDown", LegacyPointerType: 2}, Touch, true},
		{"legacy code 3", Event{Name: "MSPointerDown", LegacyPointerType: 3}, Touch, true},
		{"legacy code 4", Event{Name: "MSPointerDown", LegacyPointerType: 4}, Mouse, true},
		{"legacy code as string", Event{Name: "pointerdown", PointerType: "4"}, Mouse, true},
		{"modern touch", Event{Name: "pointerdown", PointerType: "touch"}, Touch, true},
		{"modern pen passes through", Event{Name: "pointerdown", PointerType: "pen"}, Type("pen"), true},
		{"unknown legacy code passes through", Event{Name: "MSPointerDown", LegacyPointerType: 5}, Type("5"), true},
		{"pointer without type", Event{Name: "pointerdown"}, Pointer, true},
		{"unknown event", Event{Name: "keyup"}, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Classify(tc.event)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPointerDisambiguationThroughTracker(t *testing.T) {
	tr, target, _ := newTestTracker(t, Features{LegacyPointerEvents: true})

	target.fire(Event{Name: "MSPointerDown", LegacyPointerType: 2})
	typ, _ := tr.LastInteractionType()
	assert.Equal(t, Touch, typ)

	target.fire(Event{Name: "MSPointerDown", LegacyPointerType: 4})
	typ, _ = tr.LastInteractionType()
	assert.Equal(t, Mouse, typ)

	target.fire(Event{Name: "MSPointerDown", PointerType: "pen"})
	typ, _ = tr.LastInteractionType()
	assert.Equal(t, Type("pen"), typ)
}

func TestUnknownEventLeavesStateUnchanged(t *testing.T) {
	tr, _, _ := newTestTracker(t, allFeatures)
	tr.HandleEvent(Event{Name: "keydown"})
	before, _ := tr.LastInteraction()

	tr.HandleEvent(Event{Name: "wheel"})
	after, _ := tr.LastInteraction()
	assert.Equal(t, before, after)
}

func TestLastInteractionUpdatesTypeAndTimeTogether(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "keydown"})
	first, ok := tr.LastInteraction()
	require.True(t, ok)
	assert.Equal(t, Keyboard, first.Type)
	assert.Equal(t, clock.Now(), first.Time)

	clock.Advance(40 * time.Millisecond)
	target.fire(Event{Name: "mousedown"})
	second, _ := tr.LastInteraction()
	assert.Equal(t, Mouse, second.Type)
	assert.Equal(t, first.Time.Add(40*time.Millisecond), second.Time)
}

// =============================================================================
// Touch buffering
// =============================================================================

func TestTouchOpensBufferingWindow(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "touchstart"})
	typ, _ := tr.LastInteractionType()
	assert.Equal(t, Touch, typ)
	assert.True(t, tr.Buffering())

	// Everything inside the window is dropped.
	clock.Advance(100 * time.Millisecond)
	target.fire(Event{Name: "mousedown"})
	target.fire(Event{Name: "keydown"})
	target.fire(Event{Name: "pointerdown", PointerType: "mouse"})
	typ, _ = tr.LastInteractionType()
	assert.Equal(t, Touch, typ)

	clock.Advance(549 * time.Millisecond)
	assert.True(t, tr.Buffering(), "window still open at 649ms")
	target.fire(Event{Name: "mousedown"})
	typ, _ = tr.LastInteractionType()
	assert.Equal(t, Touch, typ)

	clock.Advance(time.Millisecond)
	assert.False(t, tr.Buffering(), "window closes at 650ms")

	target.fire(Event{Name: "mousedown"})
	typ, _ = tr.LastInteractionType()
	assert.Equal(t, Mouse, typ)
}

func TestSecondTouchRestartsWindow(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "touchstart"})
	clock.Advance(100 * time.Millisecond)
	target.fire(Event{Name: "touchstart"})
	assert.True(t, tr.Buffering())
	assert.Equal(t, 1, clock.pending(), "only one live timer")

	// 650ms after the first touch the window is still open.
	clock.Advance(550 * time.Millisecond)
	assert.True(t, tr.Buffering())

	// It closes 650ms after the second touch.
	clock.Advance(99 * time.Millisecond)
	assert.True(t, tr.Buffering())
	clock.Advance(time.Millisecond)
	assert.False(t, tr.Buffering())
	assert.Equal(t, 0, clock.pending())
}

func TestTouchIsRecordedAtEveryBufferedEvent(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "touchstart"})
	clock.Advance(300 * time.Millisecond)
	target.fire(Event{Name: "touchstart"})

	last, _ := tr.LastInteraction()
	assert.Equal(t, Touch, last.Type)
	assert.Equal(t, clock.Now(), last.Time)
}

func TestStaleTimerDoesNotCloseNewWindow(t *testing.T) {
	target := newFakeTarget()
	clock := newFakeTime()
	sched := &leakyScheduler{clock: clock}
	tr, err := New(Options{Target: target, Scheduler: sched, Clock: clock, Features: allFeatures})
	require.NoError(t, err)
	tr.Start()

	target.fire(Event{Name: "touchstart"})
	clock.Advance(100 * time.Millisecond)
	target.fire(Event{Name: "touchstart"})

	// The first timer ignores Stop and fires anyway at 650ms.
	clock.Advance(560 * time.Millisecond)
	assert.True(t, tr.Buffering())
	clock.Advance(100 * time.Millisecond)
	assert.False(t, tr.Buffering())
}

// leakyScheduler returns timers whose Stop has no effect.
type leakyScheduler struct{ clock *fakeTime }

type leakyTimer struct{ at time.Time }

func (*leakyTimer) Stop() bool { return true }

func (l *leakyScheduler) AfterFunc(d time.Duration, f func()) Timer {
	l.clock.AfterFunc(d, f)
	return &leakyTimer{at: l.clock.Now().Add(d)}
}

func TestTouchIgnoredWithoutTouchSupport(t *testing.T) {
	tr, target, _ := newTestTracker(t, Features{PointerEvents: true})
	target.fire(Event{Name: "touchstart"})
	_, ok := tr.LastInteractionType()
	assert.False(t, ok)
	assert.False(t, tr.Buffering())
}

// =============================================================================
// Recency
// =============================================================================

func TestIsUserInvoked(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "keydown"})
	assert.True(t, tr.IsUserInvoked())
	assert.True(t, tr.IsUserInvokedWithin(15*time.Millisecond))

	clock.Advance(15 * time.Millisecond)
	assert.True(t, tr.IsUserInvoked(), "boundary is inclusive")

	clock.Advance(time.Millisecond)
	assert.False(t, tr.IsUserInvoked())
	assert.False(t, tr.IsUserInvokedWithin(15*time.Millisecond))

	clock.Advance(484 * time.Millisecond)
	assert.True(t, tr.IsUserInvokedWithin(1000*time.Millisecond))
}

func TestIsUserInvokedCustomDefault(t *testing.T) {
	target := newFakeTarget()
	clock := newFakeTime()
	tr, err := New(Options{Target: target, Scheduler: clock, Clock: clock, UserInvokedDelay: 100 * time.Millisecond})
	require.NoError(t, err)
	tr.Start()

	target.fire(Event{Name: "mousedown"})
	clock.Advance(80 * time.Millisecond)
	assert.True(t, tr.IsUserInvoked())
}

// =============================================================================
// Teardown
// =============================================================================

func TestShutdownRemovesSubscriptions(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "keydown"})
	tr.Shutdown()
	assert.Empty(t, target.listeners)

	for _, name := range []string{"mousedown", "touchstart", "pointerdown"} {
		target.fire(Event{Name: name, PointerType: "touch"})
	}
	typ, _ := tr.LastInteractionType()
	assert.Equal(t, Keyboard, typ)
	assert.Equal(t, 0, clock.pending())
}

func TestShutdownCancelsPendingWindow(t *testing.T) {
	tr, target, clock := newTestTracker(t, allFeatures)

	target.fire(Event{Name: "touchstart"})
	require.Equal(t, 1, clock.pending())

	tr.Shutdown()
	assert.Equal(t, 0, clock.pending())
	assert.False(t, tr.Buffering())
}

func TestShutdownWithoutStart(t *testing.T) {
	tr, err := New(Options{Target: newFakeTarget(), Scheduler: newFakeTime()})
	require.NoError(t, err)

	assert.NotPanics(t, tr.Shutdown)
	assert.NotPanics(t, tr.Shutdown)
}

func TestRestartAfterShutdown(t *testing.T) {
	tr, target, _ := newTestTracker(t, allFeatures)
	tr.Shutdown()
	tr.Start()

	assert.Len(t, target.listeners, 4)
	target.fire(Event{Name: "mousedown"})
	typ, _ := tr.LastInteractionType()
	assert.Equal(t, Mouse, typ)
}
