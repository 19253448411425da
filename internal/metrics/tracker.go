package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// TrackerMetrics holds the daemon's interaction metrics.
type TrackerMetrics struct {
	registry *Registry
	started  time.Time

	EventsReceived   *Counter
	EventsSuppressed *Counter
	BufferWindows    *Counter
	JournalWrites    *Counter
	JournalErrors    *Counter
	SourceErrors     *Counter

	LastInteractionUnixMs *Gauge
	Buffering             *Gauge
	Devices               *Gauge
	UptimeSeconds         *Gauge

	DispatchLatency *Histogram
	JournalDuration *Histogram
}

// NewTrackerMetrics creates and registers all tracker metrics.
func NewTrackerMetrics(registry *Registry) *TrackerMetrics {
	if registry == nil {
		registry = NewRegistry("modalityd")
	}

	return &TrackerMetrics{
		registry: registry,
		started:  time.Now(),

		EventsReceived: registry.RegisterCounter(
			"events_received_total",
			"Input events delivered to the tracker",
			nil,
		),
		EventsSuppressed: registry.RegisterCounter(
			"events_suppressed_total",
			"Input events ignored during a touch buffering window",
			nil,
		),
		BufferWindows: registry.RegisterCounter(
			"buffer_windows_total",
			"Touch buffering windows opened",
			nil,
		),
		JournalWrites: registry.RegisterCounter(
			"journal_writes_total",
			"Modality transitions written to the journal",
			nil,
		),
		JournalErrors: registry.RegisterCounter(
			"journal_errors_total",
			"Failed journal writes",
			nil,
		),
		SourceErrors: registry.RegisterCounter(
			"source_errors_total",
			"Input source read failures",
			nil,
		),

		LastInteractionUnixMs: registry.RegisterGauge(
			"last_interaction_unix_ms",
			"Unix time in milliseconds of the last classified interaction",
			nil,
		),
		Buffering: registry.RegisterGauge(
			"buffering",
			"1 while a touch buffering window is open",
			nil,
		),
		Devices: registry.RegisterGauge(
			"input_devices",
			"Input devices currently attached",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the daemon started",
			nil,
		),

		DispatchLatency: registry.RegisterHistogram(
			"dispatch_latency_seconds",
			"Delay between an input event and its delivery to the tracker",
			nil,
			DurationBuckets,
		),
		JournalDuration: registry.RegisterHistogram(
			"journal_write_seconds",
			"Duration of journal writes",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *TrackerMetrics) Registry() *Registry {
	return m.registry
}

// Interactions returns the classified-interaction counter for one type.
func (m *TrackerMetrics) Interactions(typ string) *Counter {
	return m.registry.RegisterCounter(
		"interactions_total",
		"Classified interactions by input type",
		Labels{"type": typ},
	)
}

// RecordInteraction counts a classified interaction and updates the
// last-interaction gauge.
func (m *TrackerMetrics) RecordInteraction(typ string, at time.Time) {
	m.Interactions(typ).Inc()
	m.LastInteractionUnixMs.Set(at.UnixMilli())
}

// SetBuffering mirrors the tracker's buffering state.
func (m *TrackerMetrics) SetBuffering(on bool) {
	if on {
		m.Buffering.Set(1)
		return
	}
	m.Buffering.Set(0)
}

// RecordJournalWrite records one journal write and its outcome.
func (m *TrackerMetrics) RecordJournalWrite(d time.Duration, err error) {
	m.JournalDuration.ObserveDuration(d)
	if err != nil {
		m.JournalErrors.Inc()
		return
	}
	m.JournalWrites.Inc()
}

// UpdateUptime updates the uptime gauge.
func (m *TrackerMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Snapshot refreshes uptime and returns every series in the registry.
func (m *TrackerMetrics) Snapshot() map[string]float64 {
	m.UpdateUptime()
	return m.registry.Snapshot()
}

// Route mounts an extra handler next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Serve exposes the registry at /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *TrackerMetrics, routes ...Route) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, m, routes...)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, m *TrackerMetrics, routes ...Route) error {
	mux := http.NewServeMux()
	handler := m.registry.HTTPHandler()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.UpdateUptime()
		handler.ServeHTTP(w, r)
	}))
	for _, route := range routes {
		mux.Handle(route.Pattern, route.Handler)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
