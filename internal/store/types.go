// Package store provides the SQLite interaction journal for modalityd.
package store

import "time"

// Session is one tracker lifetime, from start to teardown.
type Session struct {
	ID        string
	StartedNs int64
	EndedNs   *int64
	Hostname  string
}

// Started returns the session start time.
func (s Session) Started() time.Time {
	return time.Unix(0, s.StartedNs)
}

// Ended reports when the session ended, if it has.
func (s Session) Ended() (time.Time, bool) {
	if s.EndedNs == nil {
		return time.Time{}, false
	}
	return time.Unix(0, *s.EndedNs), true
}

// Interaction is a journaled modality transition.
type Interaction struct {
	ID          int64
	SessionID   string
	Type        string
	EventName   string
	TimestampNs int64
}

// Time returns the interaction time.
func (i Interaction) Time() time.Time {
	return time.Unix(0, i.TimestampNs)
}

// TypeCount is the number of journaled transitions into one modality.
type TypeCount struct {
	Type  string
	Count int64
}
