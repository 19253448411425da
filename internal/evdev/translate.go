package evdev

import (
	"time"

	"modalityd/internal/interaction"
)

// RawEvent is one input_event record.
type RawEvent struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

const (
	valueRelease = 0
	valuePress   = 1
)

// Translator turns raw events from one device into tracker events.
type Translator struct {
	kind       Kind
	multitouch bool
}

// NewTranslator returns a translator for d. Multitouch screens are
// translated per contact from tracking IDs; others from BTN_TOUCH.
func NewTranslator(d Device) *Translator {
	return &Translator{
		kind:       d.Kind,
		multitouch: d.ev.has(evAbs) && d.abs.has(absMTTrackingID),
	}
}

// Translate maps a raw event to a tracker event. Key repeats, releases and
// motion produce nothing.
func (t *Translator) Translate(ev RawEvent) (interaction.Event, bool) {
	switch ev.Type {
	case evKey:
		if ev.Value != valuePress {
			return interaction.Event{}, false
		}
		return t.translateKey(ev)
	case evAbs:
		// A tracking ID of -1 ends a contact; any other value starts one.
		if t.kind == KindTouchscreen && t.multitouch && ev.Code == absMTTrackingID && ev.Value >= 0 {
			return event(interaction.EventTouchStart, "", ev.Time), true
		}
	}
	return interaction.Event{}, false
}

func (t *Translator) translateKey(ev RawEvent) (interaction.Event, bool) {
	code := ev.Code

	switch t.kind {
	case KindTouchscreen:
		if code == btnTouch && !t.multitouch {
			return event(interaction.EventTouchStart, "", ev.Time), true
		}
		return interaction.Event{}, false

	case KindTablet:
		if code == btnTouch {
			return event(interaction.EventPointerDown, "pen", ev.Time), true
		}
		return interaction.Event{}, false
	}

	switch {
	case isMouseButton(code):
		return event(interaction.EventMouseDown, "", ev.Time), true
	case isKeyboardKey(code):
		return event(interaction.EventKeyDown, "", ev.Time), true
	}
	return interaction.Event{}, false
}

func isMouseButton(code uint16) bool {
	return code >= btnLeft && code <= btnTask
}

func isKeyboardKey(code uint16) bool {
	return (code > 0 && code < btnMisc) || code >= keyOK
}

func event(name, pointerType string, at time.Time) interaction.Event {
	return interaction.Event{Name: name, PointerType: pointerType, Timestamp: at}
}
