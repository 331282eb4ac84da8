// Package session implements the session lifecycle state machine on top of
// the event journal: (none) -> active -> ended, with an abandoned terminal
// for unclean shutdowns detected on startup. Session state is never stored
// directly; it is always derived by replaying the session's events.
package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"contextd/internal/events"
	"contextd/internal/ident"
	"contextd/internal/logging"
)

// Status values. Ended and abandoned are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusAbandoned Status = "abandoned"
)

// Session is the derived view of one session's lifecycle events.
type Session struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	ProjectDir     string     `json:"projectDir,omitempty"`
	ContinueFrom   string     `json:"continueFrom,omitempty"`
	DefaultChannel string     `json:"defaultChannel,omitempty"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	MemoryCount    int        `json:"memoryCount"`
}

// StartOptions configures a new session.
type StartOptions struct {
	Name           string `json:"name,omitempty"`
	ProjectDir     string `json:"projectDir,omitempty"`
	ContinueFrom   string `json:"continueFrom,omitempty"`
	DefaultChannel string `json:"defaultChannel,omitempty"`
}

// ErrSessionNotFound is returned when a session id has no events.
var ErrSessionNotFound = fmt.Errorf("session not found")

// startedPayload is the SESSION_STARTED event body.
type startedPayload struct {
	SessionID      string    `json:"sessionId"`
	Name           string    `json:"name,omitempty"`
	ProjectDir     string    `json:"projectDir,omitempty"`
	ContinueFrom   string    `json:"continueFrom,omitempty"`
	DefaultChannel string    `json:"defaultChannel,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
}

// endedPayload is the SESSION_ENDED event body. Abandoned marks the
// unclean-shutdown terminal.
type endedPayload struct {
	SessionID string    `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
	Abandoned bool      `json:"abandoned,omitempty"`
}

// Manager drives session lifecycle transitions.
// Concurrent sessions are a first-class feature; the manager keeps no
// process-wide current session.
type Manager struct {
	store *events.Store
}

// NewManager creates a session manager over the journal.
func NewManager(store *events.Store) *Manager {
	return &Manager{store: store}
}

// Start creates a new active session and emits SESSION_STARTED. When
// ContinueFrom names a prior session, the new session records the link; the
// memory manager replays the prior session's MEMORY_* events read-only when
// it hydrates (prior events stay on the prior session).
func (m *Manager) Start(opts StartOptions) (*Session, error) {
	timer := logging.StartTimer(logging.CategorySession, "Start")
	defer timer.Stop()

	if opts.ContinueFrom != "" {
		if _, err := m.Get(opts.ContinueFrom); err != nil {
			return nil, fmt.Errorf("continueFrom session %s: %w", opts.ContinueFrom, err)
		}
	}

	id := ident.NewID()
	now := time.Now().UTC()

	projectDir := opts.ProjectDir
	if projectDir != "" {
		// Stored normalized so FindSessionIDsByProjectDir byte-literal
		// matching behaves predictably.
		if abs, err := filepath.Abs(projectDir); err == nil {
			projectDir = filepath.ToSlash(abs)
		}
	}

	payload := startedPayload{
		SessionID:      id,
		Name:           opts.Name,
		ProjectDir:     projectDir,
		ContinueFrom:   opts.ContinueFrom,
		DefaultChannel: opts.DefaultChannel,
		StartedAt:      now,
	}

	if _, err := m.store.Append(id, events.TypeSessionStarted, payload, events.IndexedFacets{}); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	logging.Session("Session started: id=%s name=%q projectDir=%q continueFrom=%q", id, opts.Name, projectDir, opts.ContinueFrom)

	return &Session{
		ID:             id,
		Name:           opts.Name,
		ProjectDir:     projectDir,
		ContinueFrom:   opts.ContinueFrom,
		DefaultChannel: opts.DefaultChannel,
		Status:         StatusActive,
		StartedAt:      now,
	}, nil
}

// End transitions a session to ended. Idempotent once the session is in a
// terminal state: no second SESSION_ENDED is emitted.
func (m *Manager) End(id string) (*Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		logging.SessionDebug("End on terminal session %s (status=%s); no-op", id, sess.Status)
		return sess, nil
	}

	now := time.Now().UTC()
	payload := endedPayload{SessionID: id, EndedAt: now}
	if _, err := m.store.Append(id, events.TypeSessionEnded, payload, events.IndexedFacets{}); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	logging.Session("Session ended: id=%s", id)

	sess.Status = StatusEnded
	sess.EndedAt = &now
	return sess, nil
}

// Abandon marks an active session abandoned. Used by the startup sweep for
// sessions that died without a clean SESSION_ENDED.
func (m *Manager) Abandon(id string) (*Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return sess, nil
	}

	now := time.Now().UTC()
	payload := endedPayload{SessionID: id, EndedAt: now, Abandoned: true}
	if _, err := m.store.Append(id, events.TypeSessionEnded, payload, events.IndexedFacets{}); err != nil {
		return nil, fmt.Errorf("abandon session: %w", err)
	}

	logging.Session("Session abandoned: id=%s", id)

	sess.Status = StatusAbandoned
	sess.EndedAt = &now
	return sess, nil
}

// SweepAbandoned finds active sessions whose most recent event is older than
// maxIdle and abandons them. Returns the abandoned ids.
func (m *Manager) SweepAbandoned(maxIdle time.Duration) ([]string, error) {
	timer := logging.StartTimer(logging.CategorySession, "SweepAbandoned")
	defer timer.Stop()

	ids, err := m.store.SessionIDsByType(events.TypeSessionStarted)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxIdle)
	var abandoned []string
	for _, id := range ids {
		sess, err := m.Get(id)
		if err != nil || sess.Status != StatusActive {
			continue
		}
		last, err := m.store.LastEventTime(id)
		if err != nil || last.IsZero() {
			continue
		}
		if last.Before(cutoff) {
			if _, err := m.Abandon(id); err != nil {
				logging.Get(logging.CategorySession).Warn("Failed to abandon stale session %s: %v", id, err)
				continue
			}
			abandoned = append(abandoned, id)
		}
	}

	if len(abandoned) > 0 {
		logging.Session("Abandoned %d stale sessions on sweep", len(abandoned))
	}
	return abandoned, nil
}

// Get derives a session's current state by replaying its events.
func (m *Manager) Get(id string) (*Session, error) {
	evs, err := m.store.GetBySession(id)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return fromEvents(id, evs), nil
}

// List returns all sessions, optionally filtered by status, ordered by
// start time (ids are time-sortable).
func (m *Manager) List(status Status) ([]*Session, error) {
	ids, err := m.store.SessionIDsByType(events.TypeSessionStarted)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := m.Get(id)
		if err != nil {
			logging.Get(logging.CategorySession).Warn("Skipping unreadable session %s: %v", id, err)
			continue
		}
		if status != "" && sess.Status != status {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// fromEvents folds a session's event stream into its derived state.
// Malformed payloads are skipped; lifecycle state comes from the last
// lifecycle event, memory count from the surviving key set.
func fromEvents(id string, evs []events.Event) *Session {
	sess := &Session{ID: id, Status: StatusActive}
	keys := make(map[string]struct{})

	for _, ev := range evs {
		switch ev.Type {
		case events.TypeSessionStarted:
			var p startedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				logging.Get(logging.CategorySession).Warn("Malformed SESSION_STARTED for %s: %v", id, err)
				continue
			}
			sess.Name = p.Name
			sess.ProjectDir = p.ProjectDir
			sess.ContinueFrom = p.ContinueFrom
			sess.DefaultChannel = p.DefaultChannel
			if !p.StartedAt.IsZero() {
				sess.StartedAt = p.StartedAt
			} else {
				sess.StartedAt = ev.Timestamp
			}
		case events.TypeSessionEnded:
			var p endedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			ended := p.EndedAt
			if ended.IsZero() {
				ended = ev.Timestamp
			}
			sess.EndedAt = &ended
			if p.Abandoned {
				sess.Status = StatusAbandoned
			} else {
				sess.Status = StatusEnded
			}
		case events.TypeMemorySaved:
			if key := payloadKey(ev.Payload); key != "" {
				keys[key] = struct{}{}
			}
		case events.TypeMemoryDeleted:
			if key := payloadKey(ev.Payload); key != "" {
				delete(keys, key)
			}
		}
	}

	sess.MemoryCount = len(keys)
	return sess
}

func payloadKey(raw json.RawMessage) string {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Key
}
