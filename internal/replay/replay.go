// Package replay feeds recorded input events to the tracker.
//
// A recording is a JSON Lines file. Each line holds one event and its
// offset from the start of the recording:
//
//	{"offset_ms": 0, "type": "touchstart"}
//	{"offset_ms": 40, "type": "mousedown"}
//
// Blank lines and lines starting with '#' are ignored. Every line is
// validated against an embedded JSON Schema before it is decoded.
package replay

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"modalityd/internal/interaction"
)

//go:embed schema/event-v1.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "https://modalityd.local/schema/replay-event-v1.schema.json"

var eventSchema = jsonschema.MustCompileString(eventSchemaURL, string(eventSchemaJSON))

// SchemaJSON returns the JSON Schema a recording line must satisfy.
func SchemaJSON() []byte {
	return bytes.Clone(eventSchemaJSON)
}

// Record is one line of a recording.
type Record struct {
	OffsetMs          int64  `json:"offset_ms"`
	Type              string `json:"type"`
	PointerType       string `json:"pointer_type,omitempty"`
	LegacyPointerType int    `json:"legacy_pointer_type,omitempty"`
	Comment           string `json:"comment,omitempty"`
}

// Offset returns the record's offset as a duration.
func (r Record) Offset() time.Duration {
	return time.Duration(r.OffsetMs) * time.Millisecond
}

// Event converts the record to a tracker event observed at at.
func (r Record) Event(at time.Time) interaction.Event {
	return interaction.Event{
		Name:              r.Type,
		PointerType:       r.PointerType,
		LegacyPointerType: r.LegacyPointerType,
		Timestamp:         at,
	}
}

// LineError reports a malformed recording line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ErrOffsetDecreased is returned for a record earlier than its predecessor.
var ErrOffsetDecreased = errors.New("offset_ms goes backwards")

// Decoder reads records from a recording.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
	last    int64
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &Decoder{scanner: s}
}

// Next returns the next record, or io.EOF at the end of the recording.
func (d *Decoder) Next() (Record, error) {
	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		rec, err := decodeLine(line)
		if err != nil {
			return Record{}, &LineError{Line: d.line, Err: err}
		}
		if rec.OffsetMs < d.last {
			return Record{}, &LineError{Line: d.line, Err: ErrOffsetDecreased}
		}
		d.last = rec.OffsetMs
		return rec, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func decodeLine(line []byte) (Record, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := eventSchema.Validate(doc); err != nil {
		return Record{}, fmt.Errorf("schema: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// DispatchFunc delivers one event.
type DispatchFunc func(ctx context.Context, e interaction.Event) error

// PaceFunc blocks until the recording reaches at.
type PaceFunc func(ctx context.Context, at time.Time) error

// Options controls Replay.
type Options struct {
	// Start is the time of offset zero. Defaults to time.Now.
	Start time.Time
	// Pace waits for each record's time. Nil dispatches without waiting.
	Pace PaceFunc
}

// Stats summarizes a replay.
type Stats struct {
	Events   int
	Duration time.Duration
}

// Replay reads records from r and dispatches each one at Start plus its
// offset.
func Replay(ctx context.Context, r io.Reader, dispatch DispatchFunc, opts Options) (Stats, error) {
	start := opts.Start
	if start.IsZero() {
		start = time.Now()
	}

	var stats Stats
	dec := NewDecoder(r)
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		at := start.Add(rec.Offset())
		if opts.Pace != nil {
			if err := opts.Pace(ctx, at); err != nil {
				return stats, err
			}
		} else if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := dispatch(ctx, rec.Event(at)); err != nil {
			return stats, fmt.Errorf("dispatch %s at %s: %w", rec.Type, rec.Offset(), err)
		}
		stats.Events++
		stats.Duration = rec.Offset()
	}
}

// Realtime returns a PaceFunc that sleeps until each record's wall time.
func Realtime() PaceFunc {
	return func(ctx context.Context, at time.Time) error {
		d := time.Until(at)
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}
