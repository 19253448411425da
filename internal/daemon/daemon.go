// Package daemon assembles the modalityd service: the dispatch loop and the
// interaction tracker running on it, the input sources feeding it, the
// interaction journal, metrics and the query socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"modalityd/internal/config"
	"modalityd/internal/dispatch"
	"modalityd/internal/evdev"
	"modalityd/internal/health"
	"modalityd/internal/interaction"
	"modalityd/internal/ipc"
	"modalityd/internal/lifecycle"
	"modalityd/internal/logging"
	"modalityd/internal/metrics"
	"modalityd/internal/replay"
	"modalityd/internal/security"
)

// DispatchFunc delivers one event to the dispatch loop.
type DispatchFunc func(ctx context.Context, e interaction.Event) error

// Source produces input events until its context is cancelled.
type Source struct {
	Name string
	Run  func(ctx context.Context, dispatch DispatchFunc) error
	// Features are the capabilities the source can report. They are
	// combined with the tracker configuration when the daemon starts.
	Features interaction.Features
}

// Options are the parts of a daemon not taken from the configuration.
type Options struct {
	Version string
	Logger  *logging.Logger
	// Sources replace the configured evdev and replay sources.
	Sources []Source
	// CrashDir receives crash reports. Empty disables report files.
	CrashDir string
	// Triggers are extra teardown sources, e.g. a test harness.
	Triggers []<-chan lifecycle.Reason
}

// Daemon is one run of the modalityd service.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *logging.Logger
	crash   *logging.CrashHandler

	loop    *dispatch.Loop
	tracker *interaction.Tracker
	metrics *metrics.TrackerMetrics
	journal *journal
	server  *ipc.Server
	evdev   *evdev.Source
	health  *health.Checker
	lock    *security.Lock
	noisy   *security.KeyedLimiter

	sources  []Source
	triggers []<-chan lifecycle.Reason
	features interaction.Features
	delay    time.Duration

	startedAt time.Time
	tracking  atomic.Bool
	running   atomic.Int32
	ready     chan struct{}

	// Owned by the dispatch loop.
	last      interaction.Interaction
	lastKnown bool
}

// New validates cfg and prepares a daemon. Nothing is opened until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	d := &Daemon{
		cfg:      cfg.Clone(),
		version:  version,
		logger:   logger.WithComponent("daemon"),
		crash:    logging.NewCrashHandler(opts.CrashDir, version, logger),
		metrics:  metrics.NewTrackerMetrics(metrics.NewRegistry("modalityd")),
		health:   health.NewChecker(),
		noisy:    security.NewKeyedLimiter(0.2, 3),
		sources:  opts.Sources,
		triggers: opts.Triggers,
		delay:    cfg.UserInvokedDelay(),
		ready:    make(chan struct{}),
	}
	if d.delay == 0 {
		d.delay = interaction.DefaultUserInvokedDelay
	}
	if d.sources == nil {
		d.sources = d.configuredSources()
	}
	return d, nil
}

func (d *Daemon) configuredSources() []Source {
	var sources []Source

	if d.cfg.Sources.Evdev.Enabled {
		d.evdev = evdev.NewSource(evdev.Config{
			InputDir:  d.cfg.Sources.Evdev.InputDir,
			Devices:   d.cfg.Sources.Evdev.Devices,
			Hotplug:   d.cfg.Sources.Evdev.Hotplug,
			Logger:    d.logger,
			OnDevices: func(n int) { d.metrics.Devices.Set(int64(n)) },
			OnError: d.deviceError,
		})
		var features interaction.Features
		if _, err := d.evdev.Discover(); err != nil {
			d.logger.Warn("input device discovery failed", "error", err)
		} else {
			features = d.evdev.Features()
		}
		src := d.evdev
		sources = append(sources, Source{
			Name:     "evdev",
			Features: features,
			Run: func(ctx context.Context, dispatch DispatchFunc) error {
				return src.Run(ctx, evdev.DispatchFunc(dispatch))
			},
		})
	}

	if path := d.cfg.Sources.Replay.Path; path != "" {
		realtime := d.cfg.Sources.Replay.Realtime
		sources = append(sources, Source{
			Name:     "replay",
			Features: replay.DefaultFeatures,
			Run: func(ctx context.Context, dispatch DispatchFunc) error {
				return replayFile(ctx, path, realtime, dispatch)
			},
		})
	}

	return sources
}

// deviceError counts every device failure but throttles the warnings per
// device.
func (d *Daemon) deviceError(path string, err error) {
	d.metrics.SourceErrors.Inc()
	ok, dropped := d.noisy.Allow(path)
	if !ok {
		return
	}
	if dropped > 0 {
		d.logger.Warn("input device error", "path", path, "error", err, "suppressed", dropped)
		return
	}
	d.logger.Warn("input device error", "path", path, "error", err)
}

// lockPath is the single-instance lock beside the socket, or beside the
// journal when IPC is off.
func (d *Daemon) lockPath() string {
	switch {
	case d.cfg.IPC.Enabled:
		return d.cfg.IPC.SocketPath + ".lock"
	case d.cfg.Storage.Type == "sqlite":
		return d.cfg.Storage.Path + ".lock"
	}
	return ""
}

func replayFile(ctx context.Context, path string, realtime bool, dispatch DispatchFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var opts replay.Options
	if realtime {
		opts.Pace = replay.Realtime()
	}
	_, err = replay.Replay(ctx, f, replay.DispatchFunc(dispatch), opts)
	return err
}

// resolveFeatures combines what the sources detected with the tracker's
// auto/on/off settings.
func (d *Daemon) resolveFeatures() interaction.Features {
	var detected interaction.Features
	for _, s := range d.sources {
		detected.Touch = detected.Touch || s.Features.Touch
		detected.PointerEvents = detected.PointerEvents || s.Features.PointerEvents
	}
	return interaction.Features{
		Touch:               config.ResolveMode(d.cfg.Tracker.Touch, detected.Touch),
		PointerEvents:       config.ResolveMode(d.cfg.Tracker.PointerEvents, detected.PointerEvents),
		LegacyPointerEvents: d.cfg.Tracker.LegacyPointerEvents,
	}
}

// Ready is closed once the tracker is listening and the socket accepts
// connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Metrics returns the daemon's metrics.
func (d *Daemon) Metrics() *metrics.TrackerMetrics {
	return d.metrics
}

// SocketPath returns the query socket path, or "" when IPC is disabled.
func (d *Daemon) SocketPath() string {
	if d.server == nil {
		return ""
	}
	return d.server.SocketPath()
}

// Dispatch delivers an event as if a source had produced it.
func (d *Daemon) Dispatch(ctx context.Context, e interaction.Event) error {
	if d.loop == nil {
		return dispatch.ErrClosed
	}
	return d.loop.Dispatch(ctx, e)
}

// Run starts every component and blocks until ctx is done or teardown is
// requested. It returns the reason teardown started.
func (d *Daemon) Run(ctx context.Context) (lifecycle.Reason, error) {
	defer d.crash.Recover("daemon")

	d.startedAt = time.Now()
	if err := d.cfg.EnsureDirectories(); err != nil {
		return "", err
	}
	if path := d.lockPath(); path != "" {
		lock, err := security.AcquireLock(path)
		if err != nil {
			return "", fmt.Errorf("another modalityd is running: %w", err)
		}
		d.lock = lock
		defer d.lock.Release()
	}

	if d.cfg.Storage.Type == "sqlite" {
		j, err := openJournal(d.cfg.Storage, d.metrics, d.logger)
		if err != nil {
			return "", fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		d.crash.SetSessionID(j.SessionID())
	}

	d.loop = dispatch.New(dispatch.Config{
		QueueSize: d.cfg.Tracker.QueueSize,
		Logger:    d.logger.WithComponent("dispatch").Logger,
	})
	d.features = d.resolveFeatures()
	tracker, err := interaction.New(interaction.Options{
		Target:           d.loop,
		Scheduler:        d.loop,
		Features:         d.features,
		BufferWindow:     d.cfg.BufferWindow(),
		UserInvokedDelay: d.delay,
	})
	if err != nil {
		d.closeJournal()
		return "", err
	}
	d.tracker = tracker
	d.loop.OnDelivered(d.afterDelivery)
	d.registerChecks()

	// Components stop in order below once teardown starts, so they must not
	// see the caller's cancellation directly.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var loopWG sync.WaitGroup
	loopWG.Add(1)
	go func() {
		defer loopWG.Done()
		defer d.crash.Recover("dispatch")
		d.loop.Run(runCtx)
	}()

	if err := d.loop.Do(runCtx, d.tracker.Start); err != nil {
		d.stopLoop(&loopWG)
		d.closeJournal()
		return "", fmt.Errorf("start tracker: %w", err)
	}
	d.tracking.Store(true)

	if d.cfg.IPC.Enabled {
		if err := d.startServer(); err != nil {
			d.stopLoop(&loopWG)
			d.closeJournal()
			return "", err
		}
	}

	var workers sync.WaitGroup
	if d.journal != nil {
		workers.Add(1)
		d.crash.Go("journal", func() {
			defer workers.Done()
			d.journal.run(runCtx)
		})
	}
	if d.cfg.Metrics.Enabled {
		workers.Add(1)
		d.crash.Go("metrics", func() {
			defer workers.Done()
			err := metrics.Serve(runCtx, d.cfg.Metrics.ListenAddr, d.metrics,
				metrics.Route{Pattern: "/livez", Handler: d.health.LivenessHandler()},
				metrics.Route{Pattern: "/readyz", Handler: d.health.ReadinessHandler()},
				metrics.Route{Pattern: "/healthz", Handler: d.health.HealthHandler()},
			)
			if err != nil {
				d.logger.Error("metrics endpoint failed", "addr", d.cfg.Metrics.ListenAddr, "error", err)
			}
		})
	}

	sourceCtx, stopSources := context.WithCancel(runCtx)
	defer stopSources()
	var sources sync.WaitGroup
	for _, src := range d.sources {
		sources.Add(1)
		d.crash.Go("source/"+src.Name, func() {
			defer sources.Done()
			d.runSource(sourceCtx, src)
		})
	}

	d.logger.Info("modalityd started",
		"version", d.version,
		"features", d.features,
		"subscribed", d.subscribed(runCtx),
		"buffer_window", d.tracker.BufferWindow(),
		"socket", d.SocketPath(),
	)
	d.health.SetReady(true)
	close(d.ready)

	reason := <-lifecycle.Watch(ctx, lifecycle.Options{
		Logind:    d.cfg.Lifecycle.Logind,
		EndOnLock: d.cfg.Lifecycle.EndOnLock,
		Triggers:  d.triggers,
		Logger:    d.logger,
	})
	d.logger.Info("shutting down", "reason", reason)
	d.health.SetReady(false)

	stopSources()
	sources.Wait()

	teardown, cancelTeardown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTeardown()
	if err := d.loop.Do(teardown, d.tracker.Shutdown); err != nil {
		d.logger.Warn("tracker teardown did not complete", "error", err)
	}
	d.tracking.Store(false)
	d.stopLoop(&loopWG)

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("stop ipc server", "error", err)
		}
	}

	cancel()
	workers.Wait()
	d.closeJournal()

	d.logger.Info("modalityd stopped", "events_delivered", d.loop.Delivered())
	return reason, nil
}

func (d *Daemon) stopLoop(wg *sync.WaitGroup) {
	d.loop.Close()
	wg.Wait()
}

func (d *Daemon) closeJournal() {
	if d.journal == nil {
		return
	}
	if err := d.journal.Close(time.Now()); err != nil {
		d.logger.Warn("close journal", "error", err)
	}
}

func (d *Daemon) startServer() error {
	dir := filepath.Dir(d.cfg.IPC.SocketPath)
	scfg := ipc.DefaultServerConfig(dir)
	scfg.SocketPath = d.cfg.IPC.SocketPath
	scfg.Version = d.version
	scfg.Permissions = d.cfg.SocketMode()
	scfg.MaxConnections = d.cfg.IPC.MaxConnections
	scfg.RequestTimeout = d.cfg.IPCTimeout()
	scfg.Logger = d.logger

	server, err := ipc.NewServer(scfg, d)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	d.server = server
	return nil
}

func (d *Daemon) runSource(ctx context.Context, src Source) {
	logger := d.logger.With("source", src.Name)
	logger.Info("input source started")
	d.running.Add(1)
	defer d.running.Add(-1)

	err := src.Run(ctx, DispatchFunc(d.loop.Dispatch))
	switch {
	case err == nil:
		logger.Info("input source finished")
	case errors.Is(err, context.Canceled), errors.Is(err, dispatch.ErrClosed):
	case errors.Is(err, evdev.ErrNotAvailable), errors.Is(err, evdev.ErrNoDevices):
		logger.Warn("input source unavailable", "error", err)
	default:
		d.metrics.SourceErrors.Inc()
		logger.Error("input source failed", "error", err)
	}
}

// Health returns the daemon's health checker.
func (d *Daemon) Health() *health.Checker {
	return d.health
}

func (d *Daemon) registerChecks() {
	d.health.RegisterFunc("dispatch", true, func(ctx context.Context) health.CheckResult {
		start := time.Now()
		if err := d.loop.Do(ctx, func() {}); err != nil {
			return health.Unhealthy(err)
		}
		return health.Healthy("loop answered in %s", time.Since(start).Round(time.Microsecond))
	})

	if d.journal != nil {
		d.health.RegisterFunc("journal", true, func(ctx context.Context) health.CheckResult {
			if _, err := d.journal.Store().SchemaVersion(); err != nil {
				return health.Unhealthy(err)
			}
			if n := d.journal.Pending(); n >= journalQueueSize*3/4 {
				return health.Degraded("%d writes pending", n)
			}
			return health.Healthy("")
		})
	}

	d.health.RegisterFunc("sources", false, func(ctx context.Context) health.CheckResult {
		n := d.running.Load()
		if n == 0 && len(d.sources) > 0 {
			return health.Degraded("no input source running")
		}
		return health.Healthy("%d running", n)
	})
}

func (d *Daemon) subscribed(ctx context.Context) []string {
	var names []string
	d.loop.Do(ctx, func() { names = d.tracker.Subscribed() })
	return names
}

// afterDelivery runs on the loop after each event. It compares the
// tracker's last interaction with the one seen before the event to tell
// recorded events from ignored ones.
func (d *Daemon) afterDelivery(e interaction.Event) {
	d.metrics.EventsReceived.Inc()
	if !e.Timestamp.IsZero() {
		if lag := time.Since(e.Timestamp); lag >= 0 {
			d.metrics.DispatchLatency.ObserveDuration(lag)
		}
	}

	cur, known := d.tracker.LastInteraction()
	buffering := d.tracker.Buffering()
	recorded := known && (!d.lastKnown || !cur.Time.Equal(d.last.Time) || cur.Type != d.last.Type)

	if !recorded {
		if _, ok := interaction.Classify(e); ok && buffering {
			d.metrics.EventsSuppressed.Inc()
		}
		return
	}

	transition := !d.lastKnown || cur.Type != d.last.Type
	d.last, d.lastKnown = cur, true

	d.metrics.RecordInteraction(string(cur.Type), cur.Time)
	d.metrics.SetBuffering(buffering)
	if e.Name == interaction.EventTouchStart && buffering {
		d.metrics.BufferWindows.Inc()
		// The gauge follows the window closing, which the tracker does
		// not announce.
		d.loop.AfterFunc(d.tracker.BufferWindow()+time.Millisecond, func() {
			d.metrics.SetBuffering(d.tracker.Buffering())
		})
	}

	if !transition {
		return
	}
	if d.journal != nil {
		d.journal.Record(cur, e.Name)
	}
	if d.server != nil {
		d.server.Broadcast(&ipc.InteractionEvent{
			Type:      string(cur.Type),
			EventName: e.Name,
			Timestamp: cur.Time,
			Buffering: buffering,
		})
	}
}

// Reload applies the settings that can change without a restart and logs
// the ones that cannot.
func (d *Daemon) Reload(next *config.Config) {
	if next == nil {
		return
	}

	var pending []string
	for _, section := range config.Changes(d.cfg, next) {
		switch section {
		case "storage":
			if d.journal != nil {
				d.journal.SetRetention(next.Retention())
			}
			d.cfg.Storage.RetentionDays = next.Storage.RetentionDays
			if next.Storage.Path != d.cfg.Storage.Path || next.Storage.Type != d.cfg.Storage.Type {
				pending = append(pending, section)
			}
		case "logging":
			if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
				d.logger.SetLevel(level)
				d.cfg.Logging.Level = next.Logging.Level
			}
			rest := next.Logging
			rest.Level = d.cfg.Logging.Level
			if rest != d.cfg.Logging {
				pending = append(pending, section)
			}
		default:
			pending = append(pending, section)
		}
	}

	if len(pending) > 0 {
		d.logger.Warn("configuration changes need a restart", "sections", pending)
	}
	d.logger.Info("configuration reloaded",
		"retention_days", d.cfg.Storage.RetentionDays,
		"log_level", d.cfg.Logging.Level,
	)
}
