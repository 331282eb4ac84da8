// Package temporal adds bi-temporal versioning over graph entities and
// relationships. Every versioned write closes the current row (validTo=now)
// and inserts version n+1 with validTo=null, so exactly one row per entity
// is current at any instant. eventTime (domain time) and ingestionTime
// (write time) are carried independently; eventTime <= ingestionTime is not
// required.
package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"contextd/internal/graph"
	"contextd/internal/ident"
	"contextd/internal/logging"
)

// Sentinel errors.
var (
	ErrNoVersionHistory   = errors.New("no version history for entity")
	ErrVersioningDisabled = errors.New("versioning disabled")
)

// EntityVersion is one row of an entity's history.
type EntityVersion struct {
	EntityID      string                 `json:"entityId"`
	Version       int                    `json:"version"`
	Type          string                 `json:"type"`
	Name          string                 `json:"name"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
	EventTime     time.Time              `json:"eventTime"`
	IngestionTime time.Time              `json:"ingestionTime"`
	ValidFrom     time.Time              `json:"validFrom"`
	ValidTo       *time.Time             `json:"validTo,omitempty"`
}

// RelationshipVersion is one row of a relationship's history.
type RelationshipVersion struct {
	RelationshipID string                 `json:"relationshipId"`
	Version        int                    `json:"version"`
	Type           string                 `json:"type"`
	SourceID       string                 `json:"sourceId"`
	TargetID       string                 `json:"targetId"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
	Weight         float64                `json:"weight"`
	EventTime      time.Time              `json:"eventTime"`
	IngestionTime  time.Time              `json:"ingestionTime"`
	ValidFrom      time.Time              `json:"validFrom"`
	ValidTo        *time.Time             `json:"validTo,omitempty"`
}

// Config tunes the store.
type Config struct {
	Enabled       bool
	RetentionDays int
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{Enabled: true, RetentionDays: 365}
}

// Store owns the version tables.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	cfg Config
}

// NewStore creates the version tables on the shared store handle.
func NewStore(db *sql.DB, cfg Config) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_versions (
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		properties TEXT,
		event_time DATETIME NOT NULL,
		ingestion_time DATETIME NOT NULL,
		valid_from DATETIME NOT NULL,
		valid_to DATETIME,
		PRIMARY KEY (entity_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_versions_current ON entity_versions(entity_id, valid_to);

	CREATE TABLE IF NOT EXISTS relationship_versions (
		relationship_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		properties TEXT,
		weight REAL NOT NULL,
		event_time DATETIME NOT NULL,
		ingestion_time DATETIME NOT NULL,
		valid_from DATETIME NOT NULL,
		valid_to DATETIME,
		PRIMARY KEY (relationship_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_versions_current ON relationship_versions(relationship_id, valid_to);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create temporal schema: %w", err)
	}

	logging.Temporal("Temporal store ready (enabled=%v retention=%dd)", cfg.Enabled, cfg.RetentionDays)
	return &Store{db: db, cfg: cfg}, nil
}

// Enabled reports whether versioning is active.
func (s *Store) Enabled() bool {
	return s.cfg.Enabled
}

// StoreEntity records a new version of an entity, closing the previous
// current row. Returns (nil, nil) when versioning is disabled.
func (s *Store) StoreEntity(ctx context.Context, entity graph.Entity) (*EntityVersion, error) {
	if !s.cfg.Enabled {
		logging.TemporalDebug("Versioning disabled; skipping StoreEntity for %s", entity.ID)
		return nil, nil
	}
	if entity.ID == "" {
		return nil, fmt.Errorf("store entity version: entity id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store entity version: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM entity_versions WHERE entity_id = ?`, entity.ID,
	).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("store entity version: max: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entity_versions SET valid_to = ? WHERE entity_id = ? AND valid_to IS NULL`,
		now, entity.ID,
	); err != nil {
		return nil, fmt.Errorf("store entity version: close current: %w", err)
	}

	version := int(maxVersion.Int64) + 1
	eventTime := entity.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	props, err := propertiesJSON(entity.Properties)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entity_versions (entity_id, version, type, name, properties,
			event_time, ingestion_time, valid_from, valid_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		entity.ID, version, entity.Type, entity.Name, props, eventTime, now, now,
	); err != nil {
		return nil, fmt.Errorf("store entity version: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logging.TemporalDebug("Stored entity %s version %d", entity.ID, version)
	return &EntityVersion{
		EntityID: entity.ID, Version: version,
		Type: entity.Type, Name: entity.Name, Properties: entity.Properties,
		EventTime: eventTime, IngestionTime: now, ValidFrom: now,
	}, nil
}

// EntityUpdate is a partial versioned update.
type EntityUpdate struct {
	Name       *string
	Properties map[string]interface{}
}

// UpdateEntity derives version n+1 from the current row with the partial
// applied. Fails when the entity has no history.
func (s *Store) UpdateEntity(ctx context.Context, entityID string, upd EntityUpdate) (*EntityVersion, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	current, err := s.currentVersion(ctx, entityID)
	if err != nil {
		return nil, err
	}

	entity := graph.Entity{
		ID: entityID, Type: current.Type, Name: current.Name,
		Properties: current.Properties, EventTime: time.Now().UTC(),
	}
	if upd.Name != nil {
		entity.Name = *upd.Name
	}
	if upd.Properties != nil {
		entity.Properties = upd.Properties
	}
	return s.StoreEntity(ctx, entity)
}

// InvalidateEntity closes the current row without inserting a tombstone. A
// later StoreEntity continues the version sequence from history.
func (s *Store) InvalidateEntity(ctx context.Context, entityID string) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_versions SET valid_to = ? WHERE entity_id = ? AND valid_to IS NULL`,
		time.Now().UTC(), entityID,
	)
	if err != nil {
		return fmt.Errorf("invalidate entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNoVersionHistory, entityID)
	}

	logging.TemporalDebug("Invalidated entity %s", entityID)
	return nil
}

// GetEntityAtTime returns the version valid at t: validFrom <= t and
// (t < validTo or validTo is null).
func (s *Store) GetEntityAtTime(ctx context.Context, entityID string, t time.Time) (*EntityVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, version, type, name, properties, event_time, ingestion_time, valid_from, valid_to
		 FROM entity_versions
		 WHERE entity_id = ? AND valid_from <= ? AND (valid_to IS NULL OR ? < valid_to)
		 ORDER BY version DESC LIMIT 1`,
		entityID, t, t,
	)
	version, err := scanEntityVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s at %s", ErrNoVersionHistory, entityID, t.Format(time.RFC3339))
	}
	return version, err
}

// GetEntityHistory returns all versions, newest first.
func (s *Store) GetEntityHistory(ctx context.Context, entityID string) ([]EntityVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, version, type, name, properties, event_time, ingestion_time, valid_from, valid_to
		 FROM entity_versions WHERE entity_id = ? ORDER BY version DESC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("entity history: %w", err)
	}
	defer rows.Close()

	var versions []EntityVersion
	for rows.Next() {
		v, err := scanEntityVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoVersionHistory, entityID)
	}
	return versions, nil
}

// currentVersion returns the row with validTo=null.
func (s *Store) currentVersion(ctx context.Context, entityID string) (*EntityVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, version, type, name, properties, event_time, ingestion_time, valid_from, valid_to
		 FROM entity_versions WHERE entity_id = ? AND valid_to IS NULL`,
		entityID,
	)
	version, err := scanEntityVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoVersionHistory, entityID)
	}
	return version, err
}

// StoreRelationship records a new version of a relationship, same pattern as
// StoreEntity.
func (s *Store) StoreRelationship(ctx context.Context, rel graph.Relationship) (*RelationshipVersion, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	if rel.ID == "" {
		return nil, fmt.Errorf("store relationship version: relationship id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store relationship version: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM relationship_versions WHERE relationship_id = ?`, rel.ID,
	).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("store relationship version: max: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE relationship_versions SET valid_to = ? WHERE relationship_id = ? AND valid_to IS NULL`,
		now, rel.ID,
	); err != nil {
		return nil, fmt.Errorf("store relationship version: close current: %w", err)
	}

	version := int(maxVersion.Int64) + 1
	eventTime := rel.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}
	props, err := propertiesJSON(rel.Properties)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relationship_versions (relationship_id, version, type, source_id, target_id,
			properties, weight, event_time, ingestion_time, valid_from, valid_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rel.ID, version, rel.Type, rel.SourceID, rel.TargetID, props, rel.Weight, eventTime, now, now,
	); err != nil {
		return nil, fmt.Errorf("store relationship version: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &RelationshipVersion{
		RelationshipID: rel.ID, Version: version,
		Type: rel.Type, SourceID: rel.SourceID, TargetID: rel.TargetID,
		Properties: rel.Properties, Weight: rel.Weight,
		EventTime: eventTime, IngestionTime: now, ValidFrom: now,
	}, nil
}

// GetRelationshipHistory returns all versions of a relationship, newest
// first.
func (s *Store) GetRelationshipHistory(ctx context.Context, relationshipID string) ([]RelationshipVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT relationship_id, version, type, source_id, target_id, properties, weight,
			event_time, ingestion_time, valid_from, valid_to
		 FROM relationship_versions WHERE relationship_id = ? ORDER BY version DESC`,
		relationshipID,
	)
	if err != nil {
		return nil, fmt.Errorf("relationship history: %w", err)
	}
	defer rows.Close()

	var versions []RelationshipVersion
	for rows.Next() {
		var v RelationshipVersion
		var props sql.NullString
		var validTo sql.NullTime
		if err := rows.Scan(&v.RelationshipID, &v.Version, &v.Type, &v.SourceID, &v.TargetID,
			&props, &v.Weight, &v.EventTime, &v.IngestionTime, &v.ValidFrom, &validTo); err != nil {
			return nil, fmt.Errorf("scan relationship version: %w", err)
		}
		if validTo.Valid {
			t := validTo.Time
			v.ValidTo = &t
		}
		if props.Valid && props.String != "" {
			json.Unmarshal([]byte(props.String), &v.Properties)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Prune deletes closed versions older than the retention window. Current
// rows (validTo=null) are never pruned. Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}

	timer := logging.StartTimer(logging.CategoryTemporal, "Prune")
	defer timer.Stop()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	var total int64
	for _, table := range []string{"entity_versions", "relationship_versions"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE valid_to IS NOT NULL AND valid_to < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if total > 0 {
		logging.Temporal("Pruned %d expired versions", total)
	}
	return total, nil
}

func propertiesJSON(props map[string]interface{}) (interface{}, error) {
	if len(props) == 0 {
		return nil, nil
	}
	b, err := ident.CanonicalJSON(props)
	if err != nil {
		return nil, fmt.Errorf("version properties: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntityVersion(row rowScanner) (*EntityVersion, error) {
	var v EntityVersion
	var props sql.NullString
	var validTo sql.NullTime
	err := row.Scan(&v.EntityID, &v.Version, &v.Type, &v.Name, &props,
		&v.EventTime, &v.IngestionTime, &v.ValidFrom, &validTo)
	if err != nil {
		return nil, err
	}
	if validTo.Valid {
		t := validTo.Time
		v.ValidTo = &t
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &v.Properties); err != nil {
			logging.Get(logging.CategoryTemporal).Warn("Malformed properties for %s v%d: %v", v.EntityID, v.Version, err)
		}
	}
	return &v, nil
}
