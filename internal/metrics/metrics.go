// Package metrics keeps modalityd's counters, gauges and histograms and
// exposes them in the Prometheus text format, as JSON, and as a flat
// snapshot for the query socket.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels distinguish series that share a name.
type Labels map[string]string

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// String renders labels in Prometheus syntax with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `%s="%s"`, k, labelEscaper.Replace(l[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// with returns l plus one more label, rendered for a histogram bucket line.
func (l Labels) with(key, value string) string {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[key] = value
	return out.String()
}

// desc is what every series carries.
type desc struct {
	name   string
	help   string
	labels Labels
}

func (d *desc) key() string { return d.name + d.labels.String() }

// series is one registered metric.
type series interface {
	describe() *desc
	kind() string
	writeProm(w io.Writer)
	snapshot(into map[string]float64)
	jsonValue() map[string]any
	reset()
}

// Counter only goes up.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter creates an unregistered counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{desc: desc{name, help, labels}}
}

func (c *Counter) Inc()          { c.value.Add(1) }
func (c *Counter) Add(v uint64)  { c.value.Add(v) }
func (c *Counter) Value() uint64 { return c.value.Load() }
func (c *Counter) Name() string  { return c.name }

func (c *Counter) describe() *desc { return &c.desc }
func (c *Counter) kind() string    { return "counter" }
func (c *Counter) reset()          { c.value.Store(0) }

func (c *Counter) writeProm(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
}

func (c *Counter) snapshot(into map[string]float64) { into[c.key()] = float64(c.Value()) }

func (c *Counter) jsonValue() map[string]any { return map[string]any{"value": c.Value()} }

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates an unregistered gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{desc: desc{name, help, labels}}
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) Name() string { return g.name }

func (g *Gauge) describe() *desc { return &g.desc }
func (g *Gauge) kind() string    { return "gauge" }
func (g *Gauge) reset()          { g.value.Store(0) }

func (g *Gauge) writeProm(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
}

func (g *Gauge) snapshot(into map[string]float64) { into[g.key()] = float64(g.Value()) }

func (g *Gauge) jsonValue() map[string]any { return map[string]any{"value": g.Value()} }

// DurationBuckets are upper bounds in seconds, from 100µs to 1s.
var DurationBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// Histogram counts observations into fixed buckets.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// NewHistogram creates an unregistered histogram. Nil bounds mean
// DurationBuckets.
func NewHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DurationBuckets
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		desc:   desc{name, help, labels},
		bounds: sorted,
		counts: make([]uint64, len(sorted)+1),
	}
}

// Observe records v. A value on a bound falls into that bucket.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// cumulative returns running bucket totals ending with +Inf. Callers hold
// h.mu.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var total uint64
	for i, c := range h.counts {
		total += c
		out[i] = total
	}
	return out
}

func (h *Histogram) describe() *desc { return &h.desc }
func (h *Histogram) kind() string    { return "histogram" }

func (h *Histogram) reset() {
	h.mu.Lock()
	clear(h.counts)
	h.sum, h.count = 0, 0
	h.mu.Unlock()
}

func (h *Histogram) writeProm(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := h.cumulative()
	for i, bound := range h.bounds {
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", fmt.Sprintf("%g", bound)), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cum[len(cum)-1])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
}

func (h *Histogram) snapshot(into map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	into[h.name+"_sum"+h.labels.String()] = h.sum
	into[h.name+"_count"+h.labels.String()] = float64(h.count)
}

func (h *Histogram) jsonValue() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := h.cumulative()
	buckets := make(map[string]uint64, len(cum))
	for i, bound := range h.bounds {
		buckets[fmt.Sprintf("%g", bound)] = cum[i]
	}
	buckets["+Inf"] = cum[len(cum)-1]
	return map[string]any{"buckets": buckets, "sum": h.sum, "count": h.count}
}

// Registry owns a set of series under one namespace.
type Registry struct {
	namespace string

	mu     sync.RWMutex
	series map[string]series
}

// NewRegistry creates a registry whose metric names are prefixed with
// namespace and an underscore.
func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace, series: make(map[string]series)}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register returns the existing series under name and labels if it has
// type T, or stores the one built by create.
func register[T series](r *Registry, name string, labels Labels, create func(full string) T) T {
	full := r.fullName(name)
	key := full + labels.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[key].(T); ok {
		return s
	}
	s := create(full)
	r.series[key] = s
	return s
}

func lookup[T series](r *Registry, name string, labels Labels) T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, _ := r.series[r.fullName(name)+labels.String()].(T)
	return s
}

// RegisterCounter returns the counter for name and labels, creating it.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, labels, func(full string) *Counter { return NewCounter(full, help, labels) })
}

// RegisterGauge returns the gauge for name and labels, creating it.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, labels, func(full string) *Gauge { return NewGauge(full, help, labels) })
}

// RegisterHistogram returns the histogram for name and labels, creating it.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return register(r, name, labels, func(full string) *Histogram { return NewHistogram(full, help, labels, bounds) })
}

// GetCounter returns a registered counter or nil.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	return lookup[*Counter](r, name, labels)
}

// GetGauge returns a registered gauge or nil.
func (r *Registry) GetGauge(name string, labels Labels) *Gauge {
	return lookup[*Gauge](r, name, labels)
}

// sorted returns the series ordered by kind, then by key, so each
// metric's HELP and TYPE lines precede all of its series.
func (r *Registry) sorted() []series {
	r.mu.RLock()
	out := make([]series, 0, len(r.series))
	for _, s := range r.series {
		out = append(out, s)
	}
	r.mu.RUnlock()

	rank := map[string]int{"counter": 0, "gauge": 1, "histogram": 2}
	sort.Slice(out, func(i, j int) bool {
		if a, b := rank[out[i].kind()], rank[out[j].kind()]; a != b {
			return a < b
		}
		return out[i].describe().key() < out[j].describe().key()
	})
	return out
}

// WritePrometheus writes the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var last string
	for _, s := range r.sorted() {
		d := s.describe()
		if d.name != last {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, s.kind())
			last = d.name
		}
		s.writeProm(w)
	}
	return nil
}

// WriteJSON writes every series keyed by name and labels.
func (r *Registry) WriteJSON(w io.Writer) error {
	out := make(map[string]map[string]any)
	for _, s := range r.sorted() {
		d := s.describe()
		v := s.jsonValue()
		v["type"] = s.kind()
		v["help"] = d.help
		v["labels"] = d.labels
		out[d.key()] = v
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Snapshot flattens counters and gauges to their values and histograms to
// their _sum and _count, keyed by series.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range r.sorted() {
		s.snapshot(out)
	}
	return out
}

// Reset zeroes every series.
func (r *Registry) Reset() {
	for _, s := range r.sorted() {
		s.reset()
	}
}

// HTTPHandler serves Prometheus text, or JSON when the client accepts it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
