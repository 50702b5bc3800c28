package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ccremote/ccremote/internal/schedule"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("statedb: session not found")
	// ErrEnded is returned when a patch would move an ended session to another status.
	ErrEnded = errors.New("statedb: session has ended")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("statedb: session already exists")
)

// Status is the lifecycle state of a supervised session.
type Status string

const (
	StatusActive          Status = "active"
	StatusWaiting         Status = "waiting"
	StatusWaitingApproval Status = "waiting_approval"
	StatusEnded           Status = "ended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusWaitingApproval, StatusEnded:
		return true
	}
	return false
}

// SessionRecord is the durable metadata for one supervised session.
type SessionRecord struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	TmuxSession  string                  `json:"tmuxSession"`
	ChannelID    string                  `json:"channelId,omitempty"`
	Status       Status                  `json:"status"`
	CreatedAt    time.Time               `json:"createdAt"`
	LastActivity time.Time               `json:"lastActivity"`
	Quota        *schedule.QuotaSchedule `json:"quotaSchedule,omitempty"`
}

// Patch lists the fields to change in Update. Nil fields are left alone.
type Patch struct {
	Name         *string
	ChannelID    *string
	Status       *Status
	LastActivity *time.Time
	Quota        *schedule.QuotaSchedule
	ClearQuota   bool
}

// StatusPatch is a shorthand for a status change stamped with now.
func StatusPatch(s Status, now time.Time) Patch {
	return Patch{Status: &s, LastActivity: &now}
}

// StateDB wraps a SQLite database for session persistence.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes (CLI and workers) can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// DSN pragmas apply to every pooled connection. _txlock=immediate takes
	// the write lock at BEGIN; writers from other processes wait on busy_timeout.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB (tests only).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			tmux_session   TEXT NOT NULL,
			channel_id     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     INTEGER NOT NULL,
			last_activity  INTEGER NOT NULL DEFAULT 0,
			quota_schedule TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("statedb: create sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS worker_heartbeats (
			session_id TEXT PRIMARY KEY,
			pid        INTEGER NOT NULL,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// IsEmpty returns true if the sessions table has no rows.
func (s *StateDB) IsEmpty() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// --- Session CRUD ---

const sessionColumns = `id, name, tmux_session, channel_id, status, created_at, last_activity, quota_schedule`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (SessionRecord, error) {
	var r SessionRecord
	var status, quota string
	var createdMs, activityMs int64
	if err := sc.Scan(&r.ID, &r.Name, &r.TmuxSession, &r.ChannelID, &status, &createdMs, &activityMs, &quota); err != nil {
		return SessionRecord{}, err
	}
	r.Status = Status(status)
	r.CreatedAt = time.UnixMilli(createdMs)
	if activityMs > 0 {
		r.LastActivity = time.UnixMilli(activityMs)
	}
	if quota != "" {
		var q schedule.QuotaSchedule
		if err := json.Unmarshal([]byte(quota), &q); err != nil {
			return SessionRecord{}, fmt.Errorf("statedb: decode quota for %s: %w", r.ID, err)
		}
		r.Quota = &q
	}
	return r, nil
}

func encodeQuota(q *schedule.QuotaSchedule) (string, error) {
	if q == nil {
		return "", nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("statedb: encode quota: %w", err)
	}
	return string(b), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Create inserts a new session. Status defaults to active.
func (s *StateDB) Create(rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("statedb: session id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("statedb: invalid status %q", rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	quota, err := encodeQuota(rec.Quota)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Name, rec.TmuxSession, rec.ChannelID, string(rec.Status),
		rec.CreatedAt.UnixMilli(), unixMilli(rec.LastActivity), quota,
	)
	if err != nil {
		return fmt.Errorf("statedb: create %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return nil
}

// Get returns the session with id, or ErrNotFound.
func (s *StateDB) Get(id string) (SessionRecord, error) {
	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns all sessions, oldest first.
func (s *StateDB) List() ([]SessionRecord, error) {
	rows, err := s.db.Query("SELECT " + sessionColumns + " FROM sessions ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Update applies p to the session with id inside one transaction and writes
// the whole row back. The updated record is returned.
func (s *StateDB) Update(id string, p Patch) (SessionRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return SessionRecord{}, fmt.Errorf("statedb: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSession(tx.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return SessionRecord{}, err
	}

	if p.Status != nil {
		if !p.Status.Valid() {
			return SessionRecord{}, fmt.Errorf("statedb: invalid status %q", *p.Status)
		}
		if rec.Status == StatusEnded && *p.Status != StatusEnded {
			return SessionRecord{}, fmt.Errorf("%w: %s", ErrEnded, id)
		}
		rec.Status = *p.Status
	}
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.ChannelID != nil {
		rec.ChannelID = *p.ChannelID
	}
	if p.LastActivity != nil {
		rec.LastActivity = *p.LastActivity
	}
	if p.ClearQuota {
		rec.Quota = nil
	}
	if p.Quota != nil {
		q := *p.Quota
		rec.Quota = &q
	}

	quota, err := encodeQuota(rec.Quota)
	if err != nil {
		return SessionRecord{}, err
	}
	if _, err := tx.Exec(`
		UPDATE sessions
		SET name = ?, tmux_session = ?, channel_id = ?, status = ?,
		    created_at = ?, last_activity = ?, quota_schedule = ?
		WHERE id = ?
	`,
		rec.Name, rec.TmuxSession, rec.ChannelID, string(rec.Status),
		rec.CreatedAt.UnixMilli(), unixMilli(rec.LastActivity), quota, rec.ID,
	); err != nil {
		return SessionRecord{}, fmt.Errorf("statedb: update %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return SessionRecord{}, fmt.Errorf("statedb: commit update: %w", err)
	}
	return rec, nil
}

// Delete removes a session and its heartbeat. Deleting a missing id is not an error.
func (s *StateDB) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM worker_heartbeats WHERE session_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Worker heartbeats ---

// Heartbeat is one worker's liveness row.
type Heartbeat struct {
	SessionID string
	PID       int
	Started   time.Time
	Last      time.Time
}

// RegisterWorker records this process as the worker for sessionID.
func (s *StateDB) RegisterWorker(sessionID string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO worker_heartbeats (session_id, pid, started, heartbeat)
		VALUES (?, ?, ?, ?)
	`, sessionID, s.pid, now, now)
	return err
}

// Beat updates the heartbeat timestamp for sessionID.
func (s *StateDB) Beat(sessionID string) error {
	_, err := s.db.Exec(
		"UPDATE worker_heartbeats SET heartbeat = ? WHERE session_id = ? AND pid = ?",
		time.Now().Unix(), sessionID, s.pid,
	)
	return err
}

// UnregisterWorker removes this process's heartbeat for sessionID.
func (s *StateDB) UnregisterWorker(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM worker_heartbeats WHERE session_id = ? AND pid = ?", sessionID, s.pid)
	return err
}

// Heartbeats returns every recorded worker heartbeat keyed by session id.
func (s *StateDB) Heartbeats() (map[string]Heartbeat, error) {
	rows, err := s.db.Query("SELECT session_id, pid, started, heartbeat FROM worker_heartbeats")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]Heartbeat)
	for rows.Next() {
		var hb Heartbeat
		var started, last int64
		if err := rows.Scan(&hb.SessionID, &hb.PID, &started, &last); err != nil {
			return nil, err
		}
		hb.Started = time.Unix(started, 0)
		hb.Last = time.Unix(last, 0)
		result[hb.SessionID] = hb
	}
	return result, rows.Err()
}

// CleanStaleHeartbeats removes heartbeats not updated within timeout.
func (s *StateDB) CleanStaleHeartbeats(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM worker_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
