package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// Process lifecycle events.
const (
	EventProcessStarted    = "process.started"
	EventProcessStopped    = "process.stopped"
	EventWorkerSpawned     = "worker.spawned"
	EventWorkerExited      = "worker.exited"
	EventCrashLoopDetected = "crash_loop.detected"
)

// Polling events.
const (
	EventBatchFetched  = "batch.fetched"
	EventOffsetStored  = "offset.stored"
	EventStopRequested = "stop.requested"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: events, offsets, supervisor_state.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS offsets (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS supervisor_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// GetState returns a supervisor_state value, or "" if unset.
func GetState(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM supervisor_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetState upserts a supervisor_state value.
func SetState(db *sql.DB, key, value string) error {
	_, err := db.Exec(
		`INSERT INTO supervisor_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// NextWorkerInstanceID bumps the persisted worker sequence and returns an
// id like "W000042".
func NextWorkerInstanceID(db *sql.DB) (string, error) {
	current, err := GetState(db, "worker_instance_seq")
	if err != nil {
		return "", err
	}
	seq := 0
	if current != "" {
		if seq, err = strconv.Atoi(current); err != nil {
			return "", fmt.Errorf("corrupt worker_instance_seq %q: %w", current, err)
		}
	}
	seq++
	if err := SetState(db, "worker_instance_seq", strconv.Itoa(seq)); err != nil {
		return "", err
	}
	return fmt.Sprintf("W%06d", seq), nil
}
