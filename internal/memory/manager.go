// Package memory materializes a session's memories from the event journal
// and mediates all writes. A Manager instance is single-writer per session;
// its cache is rebuilt by replaying events (hydration), so durable state is
// always the journal, never the cache.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"contextd/internal/events"
	"contextd/internal/ident"
	"contextd/internal/logging"
	"contextd/internal/vector"
)

// Priority levels for a memory.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Privacy scopes.
type Privacy string

const (
	PrivacySession Privacy = "session"
	PrivacyGlobal  Privacy = "global"
)

// Memory is one key/value record scoped to a session. Uniqueness is
// (sessionId, key).
type Memory struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Key       string                 `json:"key"`
	Value     string                 `json:"value"`
	Category  string                 `json:"category,omitempty"`
	Priority  Priority               `json:"priority"`
	Privacy   Privacy                `json:"privacy"`
	Channel   string                 `json:"channel,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// Sentinel errors for key collisions and misses.
var (
	ErrMemoryKeyExists   = fmt.Errorf("memory key already exists")
	ErrMemoryKeyNotFound = fmt.Errorf("memory key not found")
)

// SaveOptions carries the optional fields of save.
type SaveOptions struct {
	Category  string
	Priority  Priority
	Privacy   Privacy
	Channel   string
	Metadata  map[string]interface{}
	Embedding []float32
}

// Update is a partial memory update. Nil pointers mean "leave unchanged";
// Metadata merges shallowly by key.
type Update struct {
	Value     *string
	Category  *string
	Priority  *Priority
	Channel   *string
	Metadata  map[string]interface{}
	Embedding []float32
}

// updatedPayload is the MEMORY_UPDATED event body. Only changed fields are
// serialized so hydration can apply the same merge.
type updatedPayload struct {
	Key       string                 `json:"key"`
	Value     *string                `json:"value,omitempty"`
	Category  *string                `json:"category,omitempty"`
	Priority  *Priority              `json:"priority,omitempty"`
	Channel   *string                `json:"channel,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float32              `json:"embedding,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// deletedPayload is the MEMORY_DELETED event body.
type deletedPayload struct {
	Key string `json:"key"`
	ID  string `json:"id,omitempty"`
}

// recalledPayload is the MEMORY_RECALLED audit event body.
type recalledPayload struct {
	Key        string `json:"key,omitempty"`
	KeyPattern string `json:"keyPattern,omitempty"`
	Category   string `json:"category,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Count      int    `json:"count"`
}

// Sort orders accepted by Recall.
const (
	SortCreatedAsc  = "created_asc"
	SortCreatedDesc = "created_desc"
	SortUpdatedAsc  = "updated_asc"
	SortUpdatedDesc = "updated_desc"
)

// defaultRecallLimit caps unpaginated recalls.
const defaultRecallLimit = 100

// RecallQuery is the server-side filter for Recall.
type RecallQuery struct {
	Key        string
	KeyPattern string
	Category   string
	Channel    string
	Priority   Priority
	Sort       string
	Offset     int
	Limit      int
}

// Filter narrows List.
type Filter struct {
	Category string
	Channel  string
	Priority Priority
}

// Stats summarizes the cache state.
type Stats struct {
	Count             int            `json:"count"`
	ByCategory        map[string]int `json:"byCategory"`
	ByPriority        map[string]int `json:"byPriority"`
	HydrationWarnings int            `json:"hydrationWarnings"`
}

// SemanticHit joins a vector hit back to its memory record.
type SemanticHit struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// Options configures a new Manager.
type Options struct {
	// ContinueFrom seeds the cache by replaying the prior session's
	// MEMORY_* events read-only before this session's own events.
	ContinueFrom   string
	DefaultChannel string
}

// Manager owns one session's memory cache.
type Manager struct {
	sessionID      string
	defaultChannel string

	store *events.Store
	index *vector.Index // nil when vector search is disabled

	mu                sync.RWMutex
	memories          map[string]*Memory // key -> memory
	byID              map[string]*Memory // id -> memory
	hydrationWarnings int
}

// NewManager hydrates a manager for the session from the journal.
func NewManager(store *events.Store, index *vector.Index, sessionID string, opts Options) (*Manager, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("memory manager: session id required")
	}

	m := &Manager{
		sessionID:      sessionID,
		defaultChannel: opts.DefaultChannel,
		store:          store,
		index:          index,
		memories:       make(map[string]*Memory),
		byID:           make(map[string]*Memory),
	}

	timer := logging.StartTimer(logging.CategoryMemory, "Hydrate")
	defer timer.Stop()

	if opts.ContinueFrom != "" {
		if err := m.hydrateFrom(opts.ContinueFrom); err != nil {
			return nil, fmt.Errorf("hydrate continueFrom %s: %w", opts.ContinueFrom, err)
		}
	}
	if err := m.hydrateFrom(sessionID); err != nil {
		return nil, fmt.Errorf("hydrate session %s: %w", sessionID, err)
	}

	logging.Memory("Hydrated session %s: %d memories, %d warnings", sessionID, len(m.memories), m.hydrationWarnings)
	return m, nil
}

// hydrateFrom replays one session's events into the cache.
func (m *Manager) hydrateFrom(sessionID string) error {
	evs, err := m.store.GetBySession(sessionID)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		m.applyEvent(ev)
	}
	return nil
}

// applyEvent folds one journal event into the cache. Malformed payloads are
// logged, counted, and skipped. Unknown event types are ignored.
func (m *Manager) applyEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeMemorySaved:
		var mem Memory
		if err := json.Unmarshal(ev.Payload, &mem); err != nil || mem.Key == "" {
			m.hydrationWarnings++
			logging.Get(logging.CategoryMemory).Warn("Skipping malformed MEMORY_SAVED event %d: %v", ev.ID, err)
			return
		}
		m.memories[mem.Key] = &mem
		m.byID[mem.ID] = &mem

	case events.TypeMemoryUpdated:
		var p updatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Key == "" {
			m.hydrationWarnings++
			logging.Get(logging.CategoryMemory).Warn("Skipping malformed MEMORY_UPDATED event %d: %v", ev.ID, err)
			return
		}
		mem, ok := m.memories[p.Key]
		if !ok {
			return // update for a key deleted or never saved
		}
		mergeUpdate(mem, p)

	case events.TypeMemoryDeleted:
		var p deletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Key == "" {
			m.hydrationWarnings++
			return
		}
		if mem, ok := m.memories[p.Key]; ok {
			delete(m.byID, mem.ID)
			delete(m.memories, p.Key)
		}
	}
}

// mergeUpdate applies an update payload to a cached memory. Metadata merge is
// shallow key-level overwrite.
func mergeUpdate(mem *Memory, p updatedPayload) {
	if p.Value != nil {
		mem.Value = *p.Value
	}
	if p.Category != nil {
		mem.Category = *p.Category
	}
	if p.Priority != nil {
		mem.Priority = *p.Priority
	}
	if p.Channel != nil {
		mem.Channel = *p.Channel
	}
	if len(p.Metadata) > 0 {
		if mem.Metadata == nil {
			mem.Metadata = make(map[string]interface{}, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			mem.Metadata[k] = v
		}
	}
	if len(p.Embedding) > 0 {
		mem.Embedding = p.Embedding
	}
	if !p.UpdatedAt.IsZero() {
		mem.UpdatedAt = p.UpdatedAt
	}
}

// SessionID returns the owning session id.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Save creates a new memory under key. Fails with ErrMemoryKeyExists when the
// key is already present.
func (m *Manager) Save(ctx context.Context, key, value string, opts SaveOptions) (*Memory, error) {
	if key == "" {
		return nil, fmt.Errorf("save: key required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.memories[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMemoryKeyExists, key)
	}

	now := time.Now().UTC()
	mem := &Memory{
		ID:        ident.NewID(),
		SessionID: m.sessionID,
		Key:       key,
		Value:     value,
		Category:  opts.Category,
		Priority:  opts.Priority,
		Privacy:   opts.Privacy,
		Channel:   opts.Channel,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Embedding: opts.Embedding,
	}
	if mem.Priority == "" {
		mem.Priority = PriorityNormal
	}
	if mem.Privacy == "" {
		mem.Privacy = PrivacySession
	}
	if mem.Channel == "" {
		mem.Channel = m.defaultChannel
	}

	// Full snapshot: the event alone is sufficient to rehydrate the memory.
	facets := events.IndexedFacets{Category: mem.Category, Priority: string(mem.Priority), Channel: mem.Channel}
	if _, err := m.store.Append(m.sessionID, events.TypeMemorySaved, mem, facets); err != nil {
		return nil, fmt.Errorf("save memory %s: %w", key, err)
	}

	m.memories[key] = mem
	m.byID[mem.ID] = mem

	if m.index != nil && len(mem.Embedding) > 0 {
		if err := m.index.Upsert(ctx, vector.Entry{
			MemoryID:  mem.ID,
			SessionID: m.sessionID,
			Category:  mem.Category,
			Content:   mem.Value,
			Embedding: mem.Embedding,
		}); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Vector index upsert failed for %s: %v", mem.ID, err)
		}
	}

	logging.MemoryDebug("Saved memory: session=%s key=%s id=%s", m.sessionID, key, mem.ID)
	return clone(mem), nil
}

// SaveOrUpdate saves when the key is absent, otherwise applies an update.
func (m *Manager) SaveOrUpdate(ctx context.Context, key, value string, opts SaveOptions) (*Memory, error) {
	if m.Has(key) {
		upd := Update{Value: &value, Metadata: opts.Metadata, Embedding: opts.Embedding}
		if opts.Category != "" {
			upd.Category = &opts.Category
		}
		if opts.Priority != "" {
			upd.Priority = &opts.Priority
		}
		if opts.Channel != "" {
			upd.Channel = &opts.Channel
		}
		return m.UpdateMemory(ctx, key, upd)
	}
	return m.Save(ctx, key, value, opts)
}

// UpdateMemory applies a partial update to an existing memory. Fails with
// ErrMemoryKeyNotFound when the key is absent.
func (m *Manager) UpdateMemory(ctx context.Context, key string, upd Update) (*Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemoryKeyNotFound, key)
	}

	now := time.Now().UTC()
	payload := updatedPayload{
		Key:       key,
		Value:     upd.Value,
		Category:  upd.Category,
		Priority:  upd.Priority,
		Channel:   upd.Channel,
		Metadata:  upd.Metadata,
		Embedding: upd.Embedding,
		UpdatedAt: now,
	}

	// Append first; the cache only changes once the journal accepted it.
	facets := events.IndexedFacets{Category: mem.Category, Priority: string(mem.Priority), Channel: mem.Channel}
	if upd.Category != nil {
		facets.Category = *upd.Category
	}
	if upd.Priority != nil {
		facets.Priority = string(*upd.Priority)
	}
	if upd.Channel != nil {
		facets.Channel = *upd.Channel
	}
	if _, err := m.store.Append(m.sessionID, events.TypeMemoryUpdated, payload, facets); err != nil {
		return nil, fmt.Errorf("update memory %s: %w", key, err)
	}

	mergeUpdate(mem, payload)

	if m.index != nil && len(mem.Embedding) > 0 && (upd.Value != nil || len(upd.Embedding) > 0) {
		if err := m.index.Upsert(ctx, vector.Entry{
			MemoryID:  mem.ID,
			SessionID: m.sessionID,
			Category:  mem.Category,
			Content:   mem.Value,
			Embedding: mem.Embedding,
		}); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Vector index upsert failed for %s: %v", mem.ID, err)
		}
	}

	logging.MemoryDebug("Updated memory: session=%s key=%s", m.sessionID, key)
	return clone(mem), nil
}

// Delete removes a memory by key. Returns false when the key was absent.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[key]
	if !ok {
		return false, nil
	}

	payload := deletedPayload{Key: key, ID: mem.ID}
	if _, err := m.store.Append(m.sessionID, events.TypeMemoryDeleted, payload, events.IndexedFacets{}); err != nil {
		return false, fmt.Errorf("delete memory %s: %w", key, err)
	}

	delete(m.byID, mem.ID)
	delete(m.memories, key)

	if m.index != nil {
		if err := m.index.Delete(ctx, mem.ID); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Vector index delete failed for %s: %v", mem.ID, err)
		}
	}

	logging.MemoryDebug("Deleted memory: session=%s key=%s", m.sessionID, key)
	return true, nil
}

// Get returns the memory for key, or nil when absent.
func (m *Manager) Get(key string) *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mem, ok := m.memories[key]; ok {
		return clone(mem)
	}
	return nil
}

// GetByID returns the memory with the given id, or nil.
func (m *Manager) GetByID(id string) *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mem, ok := m.byID[id]; ok {
		return clone(mem)
	}
	return nil
}

// Has reports whether key is present.
func (m *Manager) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.memories[key]
	return ok
}

// List returns memories matching the filter, ordered by creation time.
func (m *Manager) List(filter Filter) []Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Memory
	for _, mem := range m.memories {
		if filter.Category != "" && mem.Category != filter.Category {
			continue
		}
		if filter.Channel != "" && mem.Channel != filter.Channel {
			continue
		}
		if filter.Priority != "" && mem.Priority != filter.Priority {
			continue
		}
		out = append(out, *clone(mem))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Count returns the number of live memories.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memories)
}

// GetStats summarizes the cache.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Count:             len(m.memories),
		ByCategory:        make(map[string]int),
		ByPriority:        make(map[string]int),
		HydrationWarnings: m.hydrationWarnings,
	}
	for _, mem := range m.memories {
		if mem.Category != "" {
			stats.ByCategory[mem.Category]++
		}
		stats.ByPriority[string(mem.Priority)]++
	}
	return stats
}

// Recall filters the cache server-side and emits a MEMORY_RECALLED audit
// event with the matched count. Never mutates memories.
func (m *Manager) Recall(q RecallQuery) ([]Memory, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Recall")
	defer timer.Stop()

	var pattern *regexp.Regexp
	if q.KeyPattern != "" {
		re, err := globToRegexp(q.KeyPattern)
		if err != nil {
			return nil, fmt.Errorf("recall: invalid key pattern %q: %w", q.KeyPattern, err)
		}
		pattern = re
	}

	m.mu.RLock()
	var matched []Memory
	for _, mem := range m.memories {
		if q.Key != "" && mem.Key != q.Key {
			continue
		}
		if pattern != nil && !pattern.MatchString(mem.Key) {
			continue
		}
		if q.Category != "" && mem.Category != q.Category {
			continue
		}
		if q.Channel != "" && mem.Channel != q.Channel {
			continue
		}
		if q.Priority != "" && mem.Priority != q.Priority {
			continue
		}
		matched = append(matched, *clone(mem))
	}
	m.mu.RUnlock()

	sortMemories(matched, q.Sort)

	total := len(matched)
	offset := q.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	payload := recalledPayload{
		Key:        q.Key,
		KeyPattern: q.KeyPattern,
		Category:   q.Category,
		Channel:    q.Channel,
		Priority:   string(q.Priority),
		Count:      total,
	}
	if _, err := m.store.Append(m.sessionID, events.TypeMemoryRecalled, payload, events.IndexedFacets{}); err != nil {
		logging.Get(logging.CategoryMemory).Warn("Failed to record recall audit event: %v", err)
	}

	logging.MemoryDebug("Recall matched %d memories (returned %d)", total, len(matched))
	return matched, nil
}

// SemanticSearch delegates to the vector index filtered to this session and
// joins hits back to cached memory records.
func (m *Manager) SemanticSearch(ctx context.Context, queryEmbedding []float32, limit int, threshold float64, category string) ([]SemanticHit, error) {
	if m.index == nil {
		return nil, fmt.Errorf("semantic search: vector index not enabled")
	}

	hits, err := m.index.Search(ctx, queryEmbedding, limit, threshold, vector.Filter{
		SessionID: m.sessionID,
		Category:  category,
	})
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []SemanticHit
	for _, hit := range hits {
		mem, ok := m.byID[hit.MemoryID]
		if !ok {
			continue // index row outlived the memory; Reindex reconciles
		}
		results = append(results, SemanticHit{Memory: *clone(mem), Similarity: hit.Similarity})
	}
	return results, nil
}

// Reindex rebuilds this session's vector rows from the cache, dropping rows
// for deleted memories. Returns the number of memories reindexed.
func (m *Manager) Reindex(ctx context.Context) (int, error) {
	if m.index == nil {
		return 0, nil
	}

	timer := logging.StartTimer(logging.CategoryMemory, "Reindex")
	defer timer.Stop()

	m.mu.RLock()
	entries := make([]vector.Entry, 0, len(m.memories))
	for _, mem := range m.memories {
		if len(mem.Embedding) == 0 {
			continue
		}
		entries = append(entries, vector.Entry{
			MemoryID:  mem.ID,
			SessionID: m.sessionID,
			Category:  mem.Category,
			Content:   mem.Value,
			Embedding: mem.Embedding,
		})
	}
	m.mu.RUnlock()

	if err := m.index.DeleteSession(ctx, m.sessionID); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	for _, entry := range entries {
		if err := m.index.Upsert(ctx, entry); err != nil {
			return 0, fmt.Errorf("reindex %s: %w", entry.MemoryID, err)
		}
	}

	logging.Memory("Reindexed %d memories for session %s", len(entries), m.sessionID)
	return len(entries), nil
}

// HydrationWarnings returns the count of malformed events skipped at replay.
func (m *Manager) HydrationWarnings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hydrationWarnings
}

// sortMemories orders by the requested sort, defaulting to created_desc.
func sortMemories(list []Memory, order string) {
	less := func(a, b Memory) bool { return a.CreatedAt.After(b.CreatedAt) }
	switch order {
	case SortCreatedAsc:
		less = func(a, b Memory) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case SortUpdatedAsc:
		less = func(a, b Memory) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case SortUpdatedDesc:
		less = func(a, b Memory) bool { return a.UpdatedAt.After(b.UpdatedAt) }
	case SortCreatedDesc, "":
	default:
	}
	sort.SliceStable(list, func(a, b int) bool {
		if less(list[a], list[b]) {
			return true
		}
		if less(list[b], list[a]) {
			return false
		}
		return list[a].ID < list[b].ID
	})
}

// globToRegexp compiles a glob pattern (* and ? wildcards) to an anchored
// regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// clone copies a memory so callers cannot alias the cache.
func clone(mem *Memory) *Memory {
	cp := *mem
	if mem.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(mem.Metadata))
		for k, v := range mem.Metadata {
			cp.Metadata[k] = v
		}
	}
	if mem.Embedding != nil {
		cp.Embedding = append([]float32(nil), mem.Embedding...)
	}
	return &cp
}
