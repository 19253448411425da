package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Primitive tests
// =============================================================================

func TestCounterAndGauge(t *testing.T) {
	c := NewCounter("c", "help", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())

	g := NewGauge("g", "help", nil)
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(9), g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("h", "help", nil, []float64{1, 0.1, 0.5})
	h.Observe(0.05)
	h.Observe(0.1)
	h.Observe(0.7)
	h.Observe(3)

	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 3.85, h.Sum(), 1e-9)
	// le=0.1 includes the boundary value; +Inf holds everything.
	assert.Equal(t, []uint64{2, 2, 3, 4}, h.cumulative())
}

func TestLabelsString(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{a="1",b="x\"y"}`, Labels{"b": `x"y`, "a": "1"}.String())
}

// =============================================================================
// Registry tests
// =============================================================================

func TestRegistryKeepsSeriesPerLabelSet(t *testing.T) {
	r := NewRegistry("test")

	touch := r.RegisterCounter("interactions_total", "by type", Labels{"type": "touch"})
	mouse := r.RegisterCounter("interactions_total", "by type", Labels{"type": "mouse"})
	require.NotSame(t, touch, mouse)
	assert.Same(t, touch, r.RegisterCounter("interactions_total", "by type", Labels{"type": "touch"}))

	touch.Add(2)
	mouse.Inc()

	assert.Equal(t, uint64(2), r.GetCounter("interactions_total", Labels{"type": "touch"}).Value())
	assert.Nil(t, r.GetCounter("interactions_total", Labels{"type": "pen"}))

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE test_interactions_total counter"))
	assert.Contains(t, out, `test_interactions_total{type="mouse"} 1`)
	assert.Contains(t, out, `test_interactions_total{type="touch"} 2`)
	assert.Less(t, strings.Index(out, `type="mouse"`), strings.Index(out, `type="touch"`))
}

func TestWritePrometheusHistogram(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("latency_seconds", "latency", nil, []float64{0.01, 0.1})
	h.Observe(0.005)
	h.Observe(0.5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, `latency_seconds_bucket{le="0.01"} 1`)
	assert.Contains(t, out, `latency_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `latency_seconds_bucket{le="+Inf"} 2`)
	assert.Contains(t, out, "latency_seconds_count 2")
}

func TestWriteJSONAndSnapshot(t *testing.T) {
	r := NewRegistry("m")
	r.RegisterCounter("events_total", "events", nil).Add(3)
	r.RegisterGauge("buffering", "buffering", nil).Set(1)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "counter", decoded["m_events_total"]["type"])
	assert.EqualValues(t, 3, decoded["m_events_total"]["value"])

	snap := r.Snapshot()
	assert.Equal(t, 3.0, snap["m_events_total"])
	assert.Equal(t, 1.0, snap["m_buffering"])

	r.Reset()
	assert.Equal(t, 0.0, r.Snapshot()["m_events_total"])
}

// =============================================================================
// Tracker metric tests
// =============================================================================

func TestTrackerMetrics(t *testing.T) {
	m := NewTrackerMetrics(NewRegistry("modalityd"))

	at := time.UnixMilli(1700000000123)
	m.RecordInteraction("touch", at)
	m.RecordInteraction("touch", at)
	m.RecordInteraction("pen", at)
	m.EventsSuppressed.Inc()
	m.SetBuffering(true)
	m.RecordJournalWrite(time.Millisecond, nil)
	m.RecordJournalWrite(time.Millisecond, assert.AnError)

	snap := m.Snapshot()
	assert.Equal(t, 2.0, snap[`modalityd_interactions_total{type="touch"}`])
	assert.Equal(t, 1.0, snap[`modalityd_interactions_total{type="pen"}`])
	assert.Equal(t, 1.0, snap["modalityd_events_suppressed_total"])
	assert.Equal(t, float64(at.UnixMilli()), snap["modalityd_last_interaction_unix_ms"])
	assert.Equal(t, 1.0, snap["modalityd_buffering"])
	assert.Equal(t, 1.0, snap["modalityd_journal_writes_total"])
	assert.Equal(t, 1.0, snap["modalityd_journal_errors_total"])
	assert.Equal(t, 2.0, snap["modalityd_journal_write_seconds_count"])

	m.SetBuffering(false)
	assert.Equal(t, int64(0), m.Buffering.Value())
}

func TestServeListener(t *testing.T) {
	m := NewTrackerMetrics(nil)
	m.EventsReceived.Add(7)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ping := Route{Pattern: "/livez", Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "alive")
	})}
	go func() { done <- ServeListener(ctx, ln, m, ping) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "modalityd_events_received_total 7")

	resp, err = http.Get("http://" + ln.Addr().String() + "/livez")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "alive", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
