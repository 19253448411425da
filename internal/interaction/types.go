// Package interaction classifies the most recent user-input modality.
//
// A Tracker subscribes to a small fixed set of input events on a Target,
// maps each event to a canonical Type, and remembers the last Type together
// with the time it was observed. Touch events open a short buffering window
// during which every further event is dropped, so a single physical gesture
// (and the synthetic mouse events some platforms emit after it) is counted
// once.
//
// The package does no locking. All calls into a Tracker, including timer
// callbacks delivered through the Scheduler, must happen on one logical
// dispatch goroutine; see package dispatch.
package interaction

import (
	"strconv"
	"time"
)

// Type is the canonical tag for an input modality.
//
// Values outside the constants below can appear: an unrecognized native
// pointer type (for example "pen") is passed through unchanged.
type Type string

const (
	Keyboard Type = "keyboard"
	Mouse    Type = "mouse"
	Touch    Type = "touch"
	// Pointer is an intermediate mapping result. It is resolved from the
	// event's native pointer type before being recorded.
	Pointer Type = "pointer"
)

// Event names understood by the tracker.
const (
	EventKeyDown           = "keydown"
	EventMouseDown         = "mousedown"
	EventMouseEnter        = "mouseenter"
	EventTouchStart        = "touchstart"
	EventPointerDown       = "pointerdown"
	EventLegacyPointerDown = "MSPointerDown"
)

// eventTypes maps event names to their interaction type.
var eventTypes = map[string]Type{
	EventKeyDown:           Keyboard,
	EventMouseDown:         Mouse,
	EventMouseEnter:        Mouse,
	EventTouchStart:        Touch,
	EventPointerDown:       Pointer,
	EventLegacyPointerDown: Pointer,
}

// legacyPointerTypes maps the numeric pointer codes of the legacy pointer
// API to interaction types.
var legacyPointerTypes = map[int]Type{
	2: Touch,
	3: Touch,
	4: Mouse,
}

// Event is a raw input event as delivered by a Target.
type Event struct {
	// Name is the DOM-style event name, e.g. "keydown".
	Name string `json:"type"`

	// PointerType is the native string pointer type of a modern pointer
	// event ("mouse", "touch", "pen"). Empty for non-pointer events.
	PointerType string `json:"pointer_type,omitempty"`

	// LegacyPointerType is the numeric pointer code of the legacy pointer
	// API. Zero when absent.
	LegacyPointerType int `json:"legacy_pointer_type,omitempty"`

	// Timestamp is when the source observed the event. Informational only;
	// the tracker stamps interactions with its own Clock.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Interaction is a classified event: its type and when it was recorded.
type Interaction struct {
	Type Type
	Time time.Time
}

// Classify maps an event to its interaction type, resolving pointer events
// through their native pointer type. It reports false for event names the
// tracker does not understand.
func Classify(e Event) (Type, bool) {
	t, ok := eventTypes[e.Name]
	if !ok {
		return "", false
	}
	if t == Pointer {
		t = resolvePointer(e)
	}
	return t, true
}

func resolvePointer(e Event) Type {
	if t, ok := legacyPointerTypes[e.LegacyPointerType]; ok {
		return t
	}
	if e.PointerType != "" {
		// Legacy implementations sometimes report the numeric code as a
		// string.
		if code, err := strconv.Atoi(e.PointerType); err == nil {
			if t, ok := legacyPointerTypes[code]; ok {
				return t
			}
		}
		return Type(e.PointerType)
	}
	if e.LegacyPointerType != 0 {
		return Type(strconv.Itoa(e.LegacyPointerType))
	}
	return Pointer
}

// Handler receives events from a Target.
type Handler func(Event)

// Subscription is the handle returned by Target.AddListener.
type Subscription interface {
	// Remove detaches the listener. Calling it more than once is harmless.
	Remove()
}

// Target is the shared root that input events are delivered on.
type Target interface {
	AddListener(name string, h Handler) Subscription
}

// Clock supplies monotonic timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads time.Now, which carries a monotonic reading.
var SystemClock Clock = ClockFunc(time.Now)

// Timer is a pending deferred callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped the
	// timer; false means it had already fired or been stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay on the dispatch goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Features describes what the input environment supports.
type Features struct {
	// LegacyPointerEvents reports support for the vendor-prefixed
	// MSPointerDown event.
	LegacyPointerEvents bool `json:"legacy_pointer_events"`
	// PointerEvents reports support for the standard pointerdown event.
	PointerEvents bool `json:"pointer_events"`
	// Touch reports whether the environment has touch input.
	Touch bool `json:"touch"`
}

// PointerDownEvent returns the pointer-down event name to subscribe to,
// preferring the legacy name, or "" when pointer events are unsupported.
func (f Features) PointerDownEvent() string {
	switch {
	case f.LegacyPointerEvents:
		return EventLegacyPointerDown
	case f.PointerEvents:
		return EventPointerDown
	default:
		return ""
	}
}
