package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrSessionEnded is returned when ending a session twice.
	ErrSessionEnded = errors.New("store: session already ended")
)

// DefaultBusyTimeout is used by Open.
const DefaultBusyTimeout = 5 * time.Second

// Store is the SQLite interaction journal.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal at path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, DefaultBusyTimeout)
}

// OpenWithTimeout is Open with an explicit SQLite busy timeout.
func OpenWithTimeout(path string, busyTimeout time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginSession records the start of a tracking session.
func (s *Store) BeginSession(hostname string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		StartedNs: s.now().UnixNano(),
		Hostname:  hostname,
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, started_ns, hostname) VALUES (?, ?, ?)`,
		sess.ID, sess.StartedNs, sess.Hostname,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// EndSession marks a session as ended at the given time.
func (s *Store) EndSession(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_ns = ? WHERE id = ? AND ended_ns IS NULL`,
		at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetSession(id); err != nil {
		return err
	}
	return ErrSessionEnded
}

// GetSession returns the session with the given ID.
func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var hostname sql.NullString
	var ended sql.NullInt64

	err := s.db.QueryRow(
		`SELECT id, started_ns, ended_ns, hostname FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.StartedNs, &ended, &hostname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	sess.Hostname = hostname.String
	if ended.Valid {
		sess.EndedNs = &ended.Int64
	}
	return sess, nil
}

// Sessions returns up to limit sessions, most recent first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, started_ns, ended_ns, hostname FROM sessions
		ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var hostname sql.NullString
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.StartedNs, &ended, &hostname); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Hostname = hostname.String
		if ended.Valid {
			v := ended.Int64
			sess.EndedNs = &v
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RecordInteraction journals one interaction and sets its ID.
func (s *Store) RecordInteraction(i *Interaction) (int64, error) {
	if i.SessionID == "" {
		return 0, fmt.Errorf("record interaction: empty session id")
	}
	if i.Type == "" {
		return 0, fmt.Errorf("record interaction: empty type")
	}

	result, err := s.db.Exec(`
		INSERT INTO interactions (session_id, type, event_name, timestamp_ns)
		VALUES (?, ?, ?, ?)`,
		i.SessionID, i.Type, i.EventName, i.TimestampNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert interaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	i.ID = id
	return id, nil
}

// RecentInteractions returns up to limit interactions, most recent first.
func (s *Store) RecentInteractions(limit int) ([]Interaction, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, type, event_name, timestamp_ns FROM interactions
		ORDER BY timestamp_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		if err := rows.Scan(&i.ID, &i.SessionID, &i.Type, &i.EventName, &i.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// CountsByType returns per-type transition counts for a session, ordered
// by type. An empty sessionID counts across all sessions.
func (s *Store) CountsByType(sessionID string) ([]TypeCount, error) {
	query := `SELECT type, COUNT(*) FROM interactions GROUP BY type ORDER BY type`
	args := []any{}
	if sessionID != "" {
		query = `SELECT type, COUNT(*) FROM interactions WHERE session_id = ? GROUP BY type ORDER BY type`
		args = append(args, sessionID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("count interactions: %w", err)
	}
	defer rows.Close()

	var counts []TypeCount
	for rows.Next() {
		var c TypeCount
		if err := rows.Scan(&c.Type, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PruneBefore deletes interactions older than t, then ended sessions that
// no longer hold any. It returns the number of interactions deleted.
func (s *Store) PruneBefore(t time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM interactions WHERE timestamp_ns < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune interactions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune interactions: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM sessions
		WHERE ended_ns IS NOT NULL AND ended_ns < ?
		AND NOT EXISTS (SELECT 1 FROM interactions WHERE interactions.session_id = sessions.id)`,
		t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	return currentSchemaVersion(s.db)
}

// ValidateSchema checks that the journal tables exist.
func (s *Store) ValidateSchema() error {
	return ValidateSchema(s.db)
}

// IntegrityCheck runs SQLite's quick_check over the database file.
func (s *Store) IntegrityCheck() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
