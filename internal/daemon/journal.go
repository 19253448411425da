package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"modalityd/internal/config"
	"modalityd/internal/interaction"
	"modalityd/internal/logging"
	"modalityd/internal/metrics"
	"modalityd/internal/store"
)

const (
	journalQueueSize = 256
	pruneInterval    = time.Hour
)

// journal writes modality transitions to the store off the dispatch loop.
type journal struct {
	store   *store.Store
	session store.Session
	metrics *metrics.TrackerMetrics
	logger  *logging.Logger

	queue     chan store.Interaction
	pending   atomic.Int64
	retention atomic.Int64

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func openJournal(cfg config.StorageConfig, m *metrics.TrackerMetrics, logger *logging.Logger) (*journal, error) {
	busy := time.Duration(cfg.BusyTimeoutMs) * time.Millisecond
	if busy <= 0 {
		busy = store.DefaultBusyTimeout
	}
	s, err := store.OpenWithTimeout(cfg.Path, busy)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	session, err := s.BeginSession(host)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("begin session: %w", err)
	}

	j := &journal{
		store:   s,
		session: session,
		metrics: m,
		logger:  logger.WithComponent("journal"),
		queue:   make(chan store.Interaction, journalQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	j.retention.Store(int64(time.Duration(cfg.RetentionDays) * 24 * time.Hour))
	j.logger.Info("journal session started", "session", session.ID, "path", cfg.Path)
	return j, nil
}

// SessionID returns the session transitions are recorded under.
func (j *journal) SessionID() string {
	return j.session.ID
}

// Store returns the underlying store for queries.
func (j *journal) Store() *store.Store {
	return j.store
}

// Pending returns the number of queued, unwritten transitions.
func (j *journal) Pending() int {
	return int(j.pending.Load())
}

// SetRetention changes how long transitions are kept. Zero keeps them
// forever.
func (j *journal) SetRetention(d time.Duration) {
	j.retention.Store(int64(d))
}

// Record queues a transition. It never blocks the dispatch loop; a full
// queue drops the record and counts a journal error.
func (j *journal) Record(i interaction.Interaction, eventName string) {
	rec := store.Interaction{
		SessionID:   j.session.ID,
		Type:        string(i.Type),
		EventName:   eventName,
		TimestampNs: i.Time.UnixNano(),
	}
	select {
	case <-j.done:
		return
	default:
	}
	select {
	case j.queue <- rec:
		j.pending.Add(1)
	default:
		j.metrics.JournalErrors.Inc()
		j.logger.Warn("journal queue full, dropping transition", "type", rec.Type)
	}
}

// run writes queued transitions and prunes old ones until Close.
func (j *journal) run(ctx context.Context) {
	j.started.Store(true)
	defer close(j.stopped)

	j.prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-j.queue:
			j.write(rec)
		case <-ticker.C:
			j.prune()
		case <-j.done:
			j.drain()
			return
		case <-ctx.Done():
			j.drain()
			return
		}
	}
}

func (j *journal) drain() {
	for {
		select {
		case rec := <-j.queue:
			j.write(rec)
		default:
			return
		}
	}
}

func (j *journal) write(rec store.Interaction) {
	start := time.Now()
	_, err := j.store.RecordInteraction(&rec)
	j.pending.Add(-1)
	j.metrics.RecordJournalWrite(time.Since(start), err)
	if err != nil {
		j.logger.Error("journal write failed", "type", rec.Type, "error", err)
	}
}

func (j *journal) prune() {
	retention := time.Duration(j.retention.Load())
	if retention <= 0 {
		return
	}
	n, err := j.store.PruneBefore(time.Now().Add(-retention))
	if err != nil {
		j.logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned old transitions", "count", n)
	}
}

// Close flushes queued transitions, ends the session and closes the store.
// It waits for run to return when run was started.
func (j *journal) Close(at time.Time) error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		if j.started.Load() {
			<-j.stopped
		}
		j.drain()
		if endErr := j.store.EndSession(j.session.ID, at); endErr != nil {
			err = fmt.Errorf("end session: %w", endErr)
		}
		if closeErr := j.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
