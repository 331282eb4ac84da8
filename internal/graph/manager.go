// Package graph implements CRUD over the entity/relationship property graph,
// batch merge, and the traversal primitives the lineage and search layers
// build on. All queries are parameterized; properties are stored as canonical
// JSON so equal property sets serialize identically.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"contextd/internal/ident"
	"contextd/internal/logging"
)

// RelDerivedFrom is the lineage edge type: child -> parent.
const RelDerivedFrom = "DERIVED_FROM"

// Sentinel errors.
var (
	ErrEntityNotFound       = errors.New("entity not found")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrLineageCycle         = errors.New("relationship would close a DERIVED_FROM cycle")
)

// Entity is one graph node. EventTime is domain time; IngestionTime is when
// the row was written. eventTime <= ingestionTime is not required.
type Entity struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Name          string                 `json:"name"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	EventTime     time.Time              `json:"eventTime"`
	IngestionTime time.Time              `json:"ingestionTime"`
}

// Relationship is one typed, weighted edge.
type Relationship struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	SourceID      string                 `json:"sourceId"`
	TargetID      string                 `json:"targetId"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
	Weight        float64                `json:"weight"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	EventTime     time.Time              `json:"eventTime"`
	IngestionTime time.Time              `json:"ingestionTime"`
}

// EntityInput creates an entity.
type EntityInput struct {
	Type       string
	Name       string
	Properties map[string]interface{}
	EventTime  time.Time // zero means now
}

// EntityUpdate is a partial entity update.
type EntityUpdate struct {
	Name       *string
	Properties map[string]interface{} // replaces the property map when non-nil
}

// RelationshipInput creates a relationship.
type RelationshipInput struct {
	Type       string
	SourceID   string
	TargetID   string
	Properties map[string]interface{}
	Weight     float64
	EventTime  time.Time
}

// Config tunes the manager.
type Config struct {
	DefaultBatchSize int
	EnableAutoMerge  bool
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{DefaultBatchSize: 100, EnableAutoMerge: true}
}

// BatchError reports a batch that failed partway. Chunks already committed
// stay committed.
type BatchError struct {
	ChunksCommitted int
	Err             error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted after %d committed chunks: %v", e.ChunksCommitted, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Manager owns the graph tables.
type Manager struct {
	db  *sql.DB
	mu  sync.RWMutex
	cfg Config
}

// NewManager creates the graph tables on the shared store handle.
func NewManager(db *sql.DB, cfg Config) (*Manager, error) {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}

	schema := `
	CREATE TABLE IF NOT EXISTS graph_entities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		properties TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		event_time DATETIME NOT NULL,
		ingestion_time DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_graph_entities_type ON graph_entities(type);
	CREATE INDEX IF NOT EXISTS idx_graph_entities_name ON graph_entities(name COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS graph_relationships (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		properties TEXT,
		weight REAL NOT NULL DEFAULT 1.0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		event_time DATETIME NOT NULL,
		ingestion_time DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_graph_rel_source ON graph_relationships(source_id, type);
	CREATE INDEX IF NOT EXISTS idx_graph_rel_target ON graph_relationships(target_id, type);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create graph schema: %w", err)
	}

	logging.Graph("Graph manager ready (batch=%d autoMerge=%v)", cfg.DefaultBatchSize, cfg.EnableAutoMerge)
	return &Manager{db: db, cfg: cfg}, nil
}

// CreateEntity inserts a new entity with a generated id.
func (m *Manager) CreateEntity(ctx context.Context, input EntityInput) (*Entity, error) {
	if input.Type == "" || input.Name == "" {
		return nil, fmt.Errorf("create entity: type and name required")
	}

	now := time.Now().UTC()
	eventTime := input.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	entity := &Entity{
		ID:            ident.NewID(),
		Type:          input.Type,
		Name:          input.Name,
		Properties:    input.Properties,
		CreatedAt:     now,
		UpdatedAt:     now,
		EventTime:     eventTime,
		IngestionTime: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertEntity(ctx, m.db, entity); err != nil {
		return nil, err
	}

	logging.GraphDebug("Created entity %s (%s %q)", entity.ID, entity.Type, entity.Name)
	return entity, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (m *Manager) insertEntity(ctx context.Context, db execer, entity *Entity) error {
	props, err := propertiesJSON(entity.Properties)
	if err != nil {
		return fmt.Errorf("entity properties: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO graph_entities (id, type, name, properties, created_at, updated_at, event_time, ingestion_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.Type, entity.Name, props,
		entity.CreatedAt, entity.UpdatedAt, entity.EventTime, entity.IngestionTime,
	)
	if err != nil {
		logging.Get(logging.CategoryGraph).Error("Entity insert failed for %s: %v", entity.ID, err)
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// GetEntity returns the entity with the given id.
func (m *Manager) GetEntity(ctx context.Context, id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntityLocked(ctx, id)
}

func (m *Manager) getEntityLocked(ctx context.Context, id string) (*Entity, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, type, name, properties, created_at, updated_at, event_time, ingestion_time
		 FROM graph_entities WHERE id = ?`, id)
	return scanEntity(row)
}

// UpdateEntity applies a partial update and bumps updatedAt.
func (m *Manager) UpdateEntity(ctx context.Context, id string, upd EntityUpdate) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entity, err := m.getEntityLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		entity.Name = *upd.Name
	}
	if upd.Properties != nil {
		entity.Properties = upd.Properties
	}
	entity.UpdatedAt = time.Now().UTC()

	props, err := propertiesJSON(entity.Properties)
	if err != nil {
		return nil, fmt.Errorf("entity properties: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE graph_entities SET name = ?, properties = ?, updated_at = ? WHERE id = ?`,
		entity.Name, props, entity.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	logging.GraphDebug("Updated entity %s", id)
	return entity, nil
}

// DeleteEntity removes an entity and its incident relationships.
func (m *Manager) DeleteEntity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.ExecContext(ctx, `DELETE FROM graph_entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM graph_relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete entity relationships: %w", err)
	}

	logging.GraphDebug("Deleted entity %s", id)
	return nil
}

// CreateRelationship inserts a typed edge. Weight is clamped into [0,1].
// Both endpoints must exist; DERIVED_FROM edges that would close a cycle are
// rejected.
func (m *Manager) CreateRelationship(ctx context.Context, input RelationshipInput) (*Relationship, error) {
	if input.Type == "" || input.SourceID == "" || input.TargetID == "" {
		return nil, fmt.Errorf("create relationship: type, source, and target required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getEntityLocked(ctx, input.SourceID); err != nil {
		return nil, fmt.Errorf("relationship source: %w", err)
	}
	if _, err := m.getEntityLocked(ctx, input.TargetID); err != nil {
		return nil, fmt.Errorf("relationship target: %w", err)
	}

	if input.Type == RelDerivedFrom {
		if input.SourceID == input.TargetID {
			return nil, fmt.Errorf("%w: self edge %s", ErrLineageCycle, input.SourceID)
		}
		// source DERIVED_FROM target: cycle iff target already reaches source.
		reaches, err := m.reachesDerived(ctx, input.TargetID, input.SourceID)
		if err != nil {
			return nil, err
		}
		if reaches {
			return nil, fmt.Errorf("%w: %s -> %s", ErrLineageCycle, input.SourceID, input.TargetID)
		}
	}

	weight := input.Weight
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	now := time.Now().UTC()
	eventTime := input.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	rel := &Relationship{
		ID:            ident.NewID(),
		Type:          input.Type,
		SourceID:      input.SourceID,
		TargetID:      input.TargetID,
		Properties:    input.Properties,
		Weight:        weight,
		CreatedAt:     now,
		UpdatedAt:     now,
		EventTime:     eventTime,
		IngestionTime: now,
	}

	props, err := propertiesJSON(rel.Properties)
	if err != nil {
		return nil, fmt.Errorf("relationship properties: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO graph_relationships (id, type, source_id, target_id, properties, weight,
			created_at, updated_at, event_time, ingestion_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.Type, rel.SourceID, rel.TargetID, props, rel.Weight,
		rel.CreatedAt, rel.UpdatedAt, rel.EventTime, rel.IngestionTime,
	)
	if err != nil {
		return nil, fmt.Errorf("insert relationship: %w", err)
	}

	logging.GraphDebug("Created relationship %s: %s -[%s]-> %s (w=%.2f)", rel.ID, rel.SourceID, rel.Type, rel.TargetID, rel.Weight)
	return rel, nil
}

// reachesDerived reports whether from transitively reaches to following
// DERIVED_FROM edges outward (source -> target).
func (m *Manager) reachesDerived(ctx context.Context, from, to string) (bool, error) {
	visited := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := m.db.QueryContext(ctx,
				`SELECT target_id FROM graph_relationships WHERE source_id = ? AND type = ?`,
				id, RelDerivedFrom)
			if err != nil {
				return false, fmt.Errorf("cycle check: %w", err)
			}
			for rows.Next() {
				var target string
				if err := rows.Scan(&target); err != nil {
					continue
				}
				if target == to {
					rows.Close()
					return true, nil
				}
				if !visited[target] {
					visited[target] = true
					next = append(next, target)
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return false, err
			}
			rows.Close()
		}
		frontier = next
	}
	return false, nil
}

// GetRelationship returns the relationship with the given id.
func (m *Manager) GetRelationship(ctx context.Context, id string) (*Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.QueryRowContext(ctx,
		`SELECT id, type, source_id, target_id, properties, weight,
			created_at, updated_at, event_time, ingestion_time
		 FROM graph_relationships WHERE id = ?`, id)
	return scanRelationship(row)
}

// DeleteRelationship removes an edge.
func (m *Manager) DeleteRelationship(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.ExecContext(ctx, `DELETE FROM graph_relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRelationshipNotFound, id)
	}
	return nil
}

// FindEntitiesByType returns all entities of a type, newest first.
func (m *Manager) FindEntitiesByType(ctx context.Context, entityType string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, type, name, properties, created_at, updated_at, event_time, ingestion_time
		 FROM graph_entities WHERE type = ? ORDER BY created_at DESC, id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("find entities by type: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// FindEntitiesByName returns entities whose name matches case-insensitively.
func (m *Manager) FindEntitiesByName(ctx context.Context, name string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, type, name, properties, created_at, updated_at, event_time, ingestion_time
		 FROM graph_entities WHERE name = ? COLLATE NOCASE ORDER BY created_at DESC, id`, name)
	if err != nil {
		return nil, fmt.Errorf("find entities by name: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// FindRelationshipsByEntity returns all edges incident to an entity, in both
// directions.
func (m *Manager) FindRelationshipsByEntity(ctx context.Context, entityID string) ([]Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, type, source_id, target_id, properties, weight,
			created_at, updated_at, event_time, ingestion_time
		 FROM graph_relationships WHERE source_id = ? OR target_id = ?
		 ORDER BY created_at, id`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("find relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		rel, err := scanRelationshipRows(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}

// MergeEntity upserts by id: the existing row is updated in place, keeping
// its id and createdAt. When auto-merge is disabled it falls back to
// get-then-create.
func (m *Manager) MergeEntity(ctx context.Context, entity Entity) (*Entity, error) {
	if entity.ID == "" {
		return m.CreateEntity(ctx, EntityInput{
			Type: entity.Type, Name: entity.Name,
			Properties: entity.Properties, EventTime: entity.EventTime,
		})
	}

	if !m.cfg.EnableAutoMerge {
		existing, err := m.GetEntity(ctx, entity.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrEntityNotFound) {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	eventTime := entity.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	props, err := propertiesJSON(entity.Properties)
	if err != nil {
		return nil, fmt.Errorf("entity properties: %w", err)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO graph_entities (id, type, name, properties, created_at, updated_at, event_time, ingestion_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			properties = excluded.properties,
			updated_at = excluded.updated_at,
			event_time = excluded.event_time`,
		entity.ID, entity.Type, entity.Name, props, now, now, eventTime, now,
	)
	if err != nil {
		return nil, fmt.Errorf("merge entity: %w", err)
	}

	return m.getEntityLocked(ctx, entity.ID)
}

// BatchCreateEntities inserts entities in chunks of the configured batch
// size, one transaction per chunk. A failure aborts the batch; committed
// chunks stay, and the error reports how many.
func (m *Manager) BatchCreateEntities(ctx context.Context, inputs []EntityInput) ([]Entity, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "BatchCreateEntities")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	var created []Entity
	committed := 0
	for start := 0; start < len(inputs); start += m.cfg.DefaultBatchSize {
		end := start + m.cfg.DefaultBatchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return created, &BatchError{ChunksCommitted: committed, Err: err}
		}

		chunkOK := true
		var chunk []Entity
		for _, input := range inputs[start:end] {
			if input.Type == "" || input.Name == "" {
				tx.Rollback()
				return created, &BatchError{ChunksCommitted: committed, Err: fmt.Errorf("entity type and name required")}
			}
			now := time.Now().UTC()
			eventTime := input.EventTime
			if eventTime.IsZero() {
				eventTime = now
			}
			entity := Entity{
				ID: ident.NewID(), Type: input.Type, Name: input.Name,
				Properties: input.Properties,
				CreatedAt:  now, UpdatedAt: now,
				EventTime: eventTime, IngestionTime: now,
			}
			if err := m.insertEntity(ctx, tx, &entity); err != nil {
				tx.Rollback()
				chunkOK = false
				break
			}
			chunk = append(chunk, entity)
		}
		if !chunkOK {
			return created, &BatchError{ChunksCommitted: committed, Err: fmt.Errorf("chunk insert failed")}
		}
		if err := tx.Commit(); err != nil {
			return created, &BatchError{ChunksCommitted: committed, Err: err}
		}
		committed++
		created = append(created, chunk...)
	}

	logging.Graph("Batch created %d entities in %d chunks", len(created), committed)
	return created, nil
}

// NeighborEntry is one BFS result with its hop distance and the edge types
// seen on the shortest path frontier.
type NeighborEntry struct {
	Hops     int
	RelTypes []string
}

// Neighborhood returns entity ids reachable from start within maxHops over
// any relationship type, ignoring direction. The start entity is excluded.
func (m *Manager) Neighborhood(ctx context.Context, startID string, maxHops int) (map[string]NeighborEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if maxHops <= 0 {
		maxHops = 2
	}

	result := make(map[string]NeighborEntry)
	visited := map[string]bool{startID: true}
	frontier := []string{startID}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			rows, err := m.db.QueryContext(ctx,
				`SELECT source_id, target_id, type FROM graph_relationships
				 WHERE source_id = ? OR target_id = ?`, id, id)
			if err != nil {
				return nil, fmt.Errorf("neighborhood: %w", err)
			}
			for rows.Next() {
				var src, tgt, relType string
				if err := rows.Scan(&src, &tgt, &relType); err != nil {
					continue
				}
				neighbor := src
				if src == id {
					neighbor = tgt
				}
				if visited[neighbor] {
					if entry, ok := result[neighbor]; ok && entry.Hops == hop {
						entry.RelTypes = appendUnique(entry.RelTypes, relType)
						result[neighbor] = entry
					}
					continue
				}
				visited[neighbor] = true
				result[neighbor] = NeighborEntry{Hops: hop, RelTypes: []string{relType}}
				next = append(next, neighbor)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
		frontier = next
	}

	return result, nil
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

func propertiesJSON(props map[string]interface{}) (interface{}, error) {
	if len(props) == 0 {
		return nil, nil
	}
	b, err := ident.CanonicalJSON(props)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var props sql.NullString
	err := row.Scan(&e.ID, &e.Type, &e.Name, &props, &e.CreatedAt, &e.UpdatedAt, &e.EventTime, &e.IngestionTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Malformed properties for entity %s: %v", e.ID, err)
		}
	}
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]Entity, error) {
	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func scanRelationship(row *sql.Row) (*Relationship, error) {
	return scanRelationshipFrom(row)
}

func scanRelationshipRows(rows *sql.Rows) (*Relationship, error) {
	return scanRelationshipFrom(rows)
}

func scanRelationshipFrom(row rowScanner) (*Relationship, error) {
	var r Relationship
	var props sql.NullString
	err := row.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &props, &r.Weight,
		&r.CreatedAt, &r.UpdatedAt, &r.EventTime, &r.IngestionTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRelationshipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan relationship: %w", err)
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &r.Properties); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Malformed properties for relationship %s: %v", r.ID, err)
		}
	}
	return &r, nil
}

// DerivedEdges returns DERIVED_FROM edges in the requested direction:
// outgoing (source = id, toward parents) or incoming (target = id, toward
// children). Used by the lineage engine.
func (m *Manager) DerivedEdges(ctx context.Context, entityID string, outgoing bool) ([]Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	column := "source_id"
	if !outgoing {
		column = "target_id"
	}
	// column is one of two fixed identifiers, never user input
	query := strings.Replace(
		`SELECT id, type, source_id, target_id, properties, weight,
			created_at, updated_at, event_time, ingestion_time
		 FROM graph_relationships WHERE COL = ? AND type = ? ORDER BY created_at, id`,
		"COL", column, 1)

	rows, err := m.db.QueryContext(ctx, query, entityID, RelDerivedFrom)
	if err != nil {
		return nil, fmt.Errorf("derived edges: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		rel, err := scanRelationshipRows(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}
