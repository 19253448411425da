package replay

import (
	"context"
	"io"
	"sort"
	"time"

	"modalityd/internal/interaction"
)

// Simulator is a virtual-time event target for replays. It implements
// interaction.Target, interaction.Clock and interaction.Scheduler on one
// goroutine, so a recording replays deterministically and instantly.
type Simulator struct {
	now       time.Time
	listeners []*simListener
	timers    []*simTimer
	seq       uint64
}

type simListener struct {
	name    string
	h       interaction.Handler
	removed bool
}

func (l *simListener) Remove() { l.removed = true }

type simTimer struct {
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

func (t *simTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewSimulator returns a simulator whose clock reads start.
func NewSimulator(start time.Time) *Simulator {
	return &Simulator{now: start}
}

// Now returns the virtual time.
func (s *Simulator) Now() time.Time { return s.now }

// AddListener registers h for events named name.
func (s *Simulator) AddListener(name string, h interaction.Handler) interaction.Subscription {
	l := &simListener{name: name, h: h}
	s.listeners = append(s.listeners, l)
	return l
}

// AfterFunc schedules f at Now()+d in virtual time.
func (s *Simulator) AfterFunc(d time.Duration, f func()) interaction.Timer {
	s.seq++
	t := &simTimer{at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

// AdvanceTo moves the clock to at, firing due timers in order with the
// clock set to each timer's deadline.
func (s *Simulator) AdvanceTo(at time.Time) {
	for {
		next := s.nextTimer(at)
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		next.f()
	}
	if at.After(s.now) {
		s.now = at
	}
}

// Drain fires every pending timer.
func (s *Simulator) Drain() {
	for {
		next := s.nextTimer(time.Time{})
		if next == nil {
			return
		}
		if next.at.After(s.now) {
			s.now = next.at
		}
		next.fired = true
		next.f()
	}
}

// nextTimer removes and returns the earliest live timer due by limit. A
// zero limit matches any deadline.
func (s *Simulator) nextTimer(limit time.Time) *simTimer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	if len(live) == 0 {
		return nil
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	first := live[0]
	if !limit.IsZero() && first.at.After(limit) {
		return nil
	}
	s.timers = live[1:]
	return first
}

// Pending returns the number of live timers.
func (s *Simulator) Pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Pace advances virtual time. It satisfies PaceFunc.
func (s *Simulator) Pace(ctx context.Context, at time.Time) error {
	s.AdvanceTo(at)
	return ctx.Err()
}

// Dispatch delivers e to the listeners registered for its name.
func (s *Simulator) Dispatch(ctx context.Context, e interaction.Event) error {
	for _, l := range append([]*simListener(nil), s.listeners...) {
		if !l.removed && l.name == e.Name {
			l.h(e)
		}
	}
	return nil
}

// Entry is one line of a classification timeline. Recorded is false when
// the event left the last interaction unchanged.
type Entry struct {
	OffsetMs  int64            `json:"offset_ms"`
	Event     string           `json:"event"`
	Type      interaction.Type `json:"type,omitempty"`
	Recorded  bool             `json:"recorded"`
	Buffering bool             `json:"buffering"`
}

// TimelineOptions configures Timeline.
type TimelineOptions struct {
	Features     interaction.Features
	BufferWindow time.Duration
}

// DefaultFeatures subscribes the tracker to keydown, mousedown, pointerdown
// and touchstart. MSPointerDown is only listened for when
// LegacyPointerEvents is set, in which case it replaces pointerdown.
var DefaultFeatures = interaction.Features{
	LegacyPointerEvents: false,
	PointerEvents:       true,
	Touch:               true,
}

// Timeline replays a recording through a tracker in virtual time and
// reports, for each event, what the tracker recorded.
func Timeline(ctx context.Context, r io.Reader, opts TimelineOptions) ([]Entry, error) {
	start := time.Unix(0, 0).UTC()
	sim := NewSimulator(start)

	tracker, err := interaction.New(interaction.Options{
		Target:       sim,
		Scheduler:    sim,
		Clock:        sim,
		Features:     opts.Features,
		BufferWindow: opts.BufferWindow,
	})
	if err != nil {
		return nil, err
	}
	tracker.Start()
	defer tracker.Shutdown()

	var entries []Entry
	dispatch := func(ctx context.Context, e interaction.Event) error {
		before, hadBefore := tracker.LastInteraction()
		if err := sim.Dispatch(ctx, e); err != nil {
			return err
		}
		after, ok := tracker.LastInteraction()

		entry := Entry{
			OffsetMs:  e.Timestamp.Sub(start).Milliseconds(),
			Event:     e.Name,
			Buffering: tracker.Buffering(),
		}
		if ok && (!hadBefore || after != before) {
			entry.Type = after.Type
			entry.Recorded = true
		}
		entries = append(entries, entry)
		return nil
	}

	if _, err := Replay(ctx, r, dispatch, Options{Start: start, Pace: sim.Pace}); err != nil {
		return entries, err
	}
	sim.Drain()
	return entries, nil
}
