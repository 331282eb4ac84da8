// Package events implements the append-only event journal that backs
// sessions and memories. Events are never mutated; all durable session state
// is a replay of this log.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"contextd/internal/logging"
)

// Event kinds understood by the memory manager. Additional types pass
// through the store opaquely.
const (
	TypeSessionStarted = "SESSION_STARTED"
	TypeSessionEnded   = "SESSION_ENDED"
	TypeMemorySaved    = "MEMORY_SAVED"
	TypeMemoryUpdated  = "MEMORY_UPDATED"
	TypeMemoryDeleted  = "MEMORY_DELETED"
	TypeMemoryRecalled = "MEMORY_RECALLED"
	TypeCheckpoint     = "CHECKPOINT"
)

// deleteChunkSize bounds parameterized IN-lists in DeleteSessions.
const deleteChunkSize = 100

// Event is one journal row.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Indexed   IndexedFacets   `json:"indexed"`
}

// IndexedFacets are the payload fields promoted to their own columns for
// filtered queries.
type IndexedFacets struct {
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Checkpoint is a replay reference point.
type Checkpoint struct {
	SessionID   string    `json:"sessionId"`
	MemoryCount int       `json:"memoryCount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the durable append-only event log plus a checkpoint table.
// Writes for a given session are serialized by a per-session lock.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	sessionLocks sync.Map // sessionID -> *sync.Mutex
}

// Open initializes the SQLite journal at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryEvents, "Open")
	defer timer.Stop()

	logging.Events("Opening event store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryEvents).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryEvents).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.EventsDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.EventsDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.EventsDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryEvents).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Events("Event store ready")
	return store, nil
}

// initialize creates the journal and checkpoint tables.
func (s *Store) initialize() error {
	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT NOT NULL,
		category TEXT,
		priority TEXT,
		channel TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		memory_count INTEGER NOT NULL,
		description TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
	`

	for _, table := range []string{eventsTable, checkpointsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Events("Closing event store")
	return s.db.Close()
}

// DB exposes the underlying handle for components sharing the journal file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// sessionLock returns the write lock for a session, creating it on first use.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	actual, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Append writes one event and returns its journal id. payload must marshal
// to JSON. Never fails for valid input except on storage errors.
func (s *Store) Append(sessionID, eventType string, payload interface{}, facets IndexedFacets) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("append: session id required")
	}
	if eventType == "" {
		return 0, fmt.Errorf("append: event type required")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("append: failed to marshal payload: %w", err)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	logging.EventsDebug("Appending event: session=%s type=%s payload_len=%d", sessionID, eventType, len(payloadJSON))

	res, err := s.db.Exec(
		`INSERT INTO events (session_id, type, timestamp, payload, category, priority, channel)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, eventType, time.Now().UTC(), string(payloadJSON),
		nullable(facets.Category), nullable(facets.Priority), nullable(facets.Channel),
	)
	if err != nil {
		logging.Get(logging.CategoryEvents).Error("Append failed: session=%s type=%s: %v", sessionID, eventType, err)
		return 0, fmt.Errorf("append event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event id: %w", err)
	}
	return id, nil
}

// GetBySession returns all events for a session in sequence order.
func (s *Store) GetBySession(sessionID string) ([]Event, error) {
	timer := logging.StartTimer(logging.CategoryEvents, "GetBySession")
	defer timer.Stop()

	rows, err := s.db.Query(
		`SELECT id, session_id, type, timestamp, payload, category, priority, channel
		 FROM events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		logging.Get(logging.CategoryEvents).Error("GetBySession query failed for %s: %v", sessionID, err)
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		var category, priority, channel sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Timestamp, &payload, &category, &priority, &channel); err != nil {
			logging.Get(logging.CategoryEvents).Warn("Event row scan failed: %v", err)
			continue
		}
		ev.Payload = json.RawMessage(payload)
		ev.Indexed = IndexedFacets{Category: category.String, Priority: priority.String, Channel: channel.String}
		events = append(events, ev)
	}

	logging.EventsDebug("GetBySession returned %d events for session=%s", len(events), sessionID)
	return events, rows.Err()
}

// CreateCheckpoint writes a checkpoint row for the session.
func (s *Store) CreateCheckpoint(sessionID string, memoryCount int, description string) error {
	if sessionID == "" {
		return fmt.Errorf("checkpoint: session id required")
	}

	_, err := s.db.Exec(
		`INSERT INTO checkpoints (session_id, memory_count, description) VALUES (?, ?, ?)`,
		sessionID, memoryCount, nullable(description),
	)
	if err != nil {
		logging.Get(logging.CategoryEvents).Error("Checkpoint failed for %s: %v", sessionID, err)
		return fmt.Errorf("create checkpoint: %w", err)
	}

	logging.EventsDebug("Checkpoint created: session=%s memories=%d", sessionID, memoryCount)
	return nil
}

// ListCheckpoints returns checkpoints for a session, newest first.
func (s *Store) ListCheckpoints(sessionID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT session_id, memory_count, description, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var desc sql.NullString
		if err := rows.Scan(&cp.SessionID, &cp.MemoryCount, &desc, &cp.CreatedAt); err != nil {
			continue
		}
		cp.Description = desc.String
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// FindSessionIDsByProjectDir returns ids of sessions whose SESSION_STARTED
// event carries the given projectDir. Matching is byte-literal equality
// against the stored normalized absolute path.
func (s *Store) FindSessionIDsByProjectDir(dir string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryEvents, "FindSessionIDsByProjectDir")
	defer timer.Stop()

	rows, err := s.db.Query(
		`SELECT DISTINCT session_id FROM events
		 WHERE type = ? AND json_extract(payload, '$.projectDir') = ?`,
		TypeSessionStarted, dir,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by project dir: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSessions removes all events and checkpoints for the listed sessions.
// Uses parameterized IN-lists, chunked to bound statement size. Callers
// should enumerate ids via FindSessionIDsByProjectDir first (two-phase
// delete; no locks held across the phases).
func (s *Store) DeleteSessions(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryEvents, "DeleteSessions")
	defer timer.Stop()

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		if _, err := s.db.Exec("DELETE FROM events WHERE session_id IN ("+placeholders+")", args...); err != nil {
			return fmt.Errorf("delete events chunk: %w", err)
		}
		if _, err := s.db.Exec("DELETE FROM checkpoints WHERE session_id IN ("+placeholders+")", args...); err != nil {
			return fmt.Errorf("delete checkpoints chunk: %w", err)
		}
	}

	logging.Events("Deleted %d sessions from journal", len(ids))
	return nil
}

// CountBySession returns the number of events for a session.
func (s *Store) CountBySession(sessionID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// LastEventTime returns the timestamp of the most recent event for a session,
// or the zero time when the session has no events.
func (s *Store) LastEventTime(sessionID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRow(
		`SELECT MAX(timestamp) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last event time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// SessionIDsByType returns distinct session ids that have at least one event
// of the given type.
func (s *Store) SessionIDsByType(eventType string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT session_id FROM events WHERE type = ?`, eventType)
	if err != nil {
		return nil, fmt.Errorf("query sessions by type: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
