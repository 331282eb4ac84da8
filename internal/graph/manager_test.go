package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mgr, err := NewManager(db, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return mgr
}

func TestEntityCRUD(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	created, err := mgr.CreateEntity(ctx, EntityInput{
		Type: "CODE_FILE", Name: "auth.go",
		Properties: map[string]interface{}{"lang": "go"},
	})
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if created.ID == "" || created.EventTime.IsZero() || created.IngestionTime.IsZero() {
		t.Errorf("Missing generated fields: %+v", created)
	}

	got, err := mgr.GetEntity(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Name != "auth.go" || got.Properties["lang"] != "go" {
		t.Errorf("Round-trip mismatch: %+v", got)
	}

	name := "auth_v2.go"
	updated, err := mgr.UpdateEntity(ctx, created.ID, EntityUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	if updated.Name != name {
		t.Errorf("Name not updated: %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
		t.Errorf("UpdatedAt not bumped")
	}

	if err := mgr.DeleteEntity(ctx, created.ID); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if _, err := mgr.GetEntity(ctx, created.ID); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("Expected ErrEntityNotFound, got %v", err)
	}
	if err := mgr.DeleteEntity(ctx, created.ID); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("Second delete should report not found, got %v", err)
	}
}

func TestRelationshipWeightClamped(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	a, _ := mgr.CreateEntity(ctx, EntityInput{Type: "CONCEPT", Name: "a"})
	b, _ := mgr.CreateEntity(ctx, EntityInput{Type: "CONCEPT", Name: "b"})

	rel, err := mgr.CreateRelationship(ctx, RelationshipInput{
		Type: "USES", SourceID: a.ID, TargetID: b.ID, Weight: 1.7,
	})
	if err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	if rel.Weight != 1.0 {
		t.Errorf("Weight should clamp to 1.0, got %v", rel.Weight)
	}

	rel2, _ := mgr.CreateRelationship(ctx, RelationshipInput{
		Type: "USES", SourceID: b.ID, TargetID: a.ID, Weight: -0.5,
	})
	if rel2.Weight != 0 {
		t.Errorf("Weight should clamp to 0, got %v", rel2.Weight)
	}
}

func TestRelationshipRequiresEndpoints(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	a, _ := mgr.CreateEntity(ctx, EntityInput{Type: "CONCEPT", Name: "a"})
	_, err := mgr.CreateRelationship(ctx, RelationshipInput{Type: "USES", SourceID: a.ID, TargetID: "ghost"})
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("Expected ErrEntityNotFound for missing target, got %v", err)
	}
}

func TestDerivedFromCycleRejected(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	e1, _ := mgr.CreateEntity(ctx, EntityInput{Type: "DOC", Name: "e1"})
	e2, _ := mgr.CreateEntity(ctx, EntityInput{Type: "DOC", Name: "e2"})
	e3, _ := mgr.CreateEntity(ctx, EntityInput{Type: "DOC", Name: "e3"})

	// e1 -> e2 -> e3
	if _, err := mgr.CreateRelationship(ctx, RelationshipInput{Type: RelDerivedFrom, SourceID: e1.ID, TargetID: e2.ID}); err != nil {
		t.Fatalf("First edge failed: %v", err)
	}
	if _, err := mgr.CreateRelationship(ctx, RelationshipInput{Type: RelDerivedFrom, SourceID: e2.ID, TargetID: e3.ID}); err != nil {
		t.Fatalf("Second edge failed: %v", err)
	}

	// e3 -> e1 would close the cycle.
	_, err := mgr.CreateRelationship(ctx, RelationshipInput{Type: RelDerivedFrom, SourceID: e3.ID, TargetID: e1.ID})
	if !errors.Is(err, ErrLineageCycle) {
		t.Errorf("Expected ErrLineageCycle, got %v", err)
	}

	// Self edge.
	_, err = mgr.CreateRelationship(ctx, RelationshipInput{Type: RelDerivedFrom, SourceID: e1.ID, TargetID: e1.ID})
	if !errors.Is(err, ErrLineageCycle) {
		t.Errorf("Expected ErrLineageCycle for self edge, got %v", err)
	}

	// Non-lineage types are free to form cycles.
	if _, err := mgr.CreateRelationship(ctx, RelationshipInput{Type: "REFERENCES", SourceID: e3.ID, TargetID: e1.ID}); err != nil {
		t.Errorf("Non-lineage cycle should be allowed: %v", err)
	}
}

func TestFindByTypeAndName(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	mgr.CreateEntity(ctx, EntityInput{Type: "PERSON", Name: "Ada"})
	mgr.CreateEntity(ctx, EntityInput{Type: "PERSON", Name: "Grace"})
	mgr.CreateEntity(ctx, EntityInput{Type: "CONCEPT", Name: "ada"})

	people, err := mgr.FindEntitiesByType(ctx, "PERSON")
	if err != nil {
		t.Fatalf("FindEntitiesByType failed: %v", err)
	}
	if len(people) != 2 {
		t.Errorf("Expected 2 people, got %d", len(people))
	}

	byName, err := mgr.FindEntitiesByName(ctx, "ADA")
	if err != nil {
		t.Fatalf("FindEntitiesByName failed: %v", err)
	}
	if len(byName) != 2 {
		t.Errorf("Name match should be case-insensitive across types, got %d", len(byName))
	}
}

func TestFindRelationshipsBothDirections(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	a, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "a"})
	b, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "b"})
	c, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "c"})

	mgr.CreateRelationship(ctx, RelationshipInput{Type: "USES", SourceID: a.ID, TargetID: b.ID})
	mgr.CreateRelationship(ctx, RelationshipInput{Type: "USES", SourceID: c.ID, TargetID: a.ID})

	rels, err := mgr.FindRelationshipsByEntity(ctx, a.ID)
	if err != nil {
		t.Fatalf("FindRelationshipsByEntity failed: %v", err)
	}
	if len(rels) != 2 {
		t.Errorf("Expected both directions, got %d", len(rels))
	}
}

func TestMergeEntityUpsert(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	original, _ := mgr.CreateEntity(ctx, EntityInput{Type: "CONCEPT", Name: "old"})

	merged, err := mgr.MergeEntity(ctx, Entity{ID: original.ID, Type: "CONCEPT", Name: "new"})
	if err != nil {
		t.Fatalf("MergeEntity failed: %v", err)
	}
	if merged.ID != original.ID {
		t.Error("Merge must preserve the existing id")
	}
	if merged.Name != "new" {
		t.Errorf("Merge should update name, got %q", merged.Name)
	}

	// Merge without id creates.
	fresh, err := mgr.MergeEntity(ctx, Entity{Type: "CONCEPT", Name: "created"})
	if err != nil {
		t.Fatalf("MergeEntity create failed: %v", err)
	}
	if fresh.ID == "" || fresh.ID == original.ID {
		t.Errorf("Expected new id, got %q", fresh.ID)
	}
}

func TestBatchCreateEntitiesChunks(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	mgr, err := NewManager(db, Config{DefaultBatchSize: 10, EnableAutoMerge: true})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	inputs := make([]EntityInput, 25)
	for i := range inputs {
		inputs[i] = EntityInput{Type: "DOC", Name: fmt.Sprintf("doc-%d", i)}
	}

	created, err := mgr.BatchCreateEntities(context.Background(), inputs)
	if err != nil {
		t.Fatalf("BatchCreateEntities failed: %v", err)
	}
	if len(created) != 25 {
		t.Errorf("Expected 25 created, got %d", len(created))
	}

	all, _ := mgr.FindEntitiesByType(context.Background(), "DOC")
	if len(all) != 25 {
		t.Errorf("Expected 25 persisted, got %d", len(all))
	}
}

func TestBatchAbortsOnInvalidInput(t *testing.T) {
	db, _ := sql.Open("sqlite3", ":memory:")
	defer db.Close()
	mgr, _ := NewManager(db, Config{DefaultBatchSize: 2, EnableAutoMerge: true})

	inputs := []EntityInput{
		{Type: "DOC", Name: "a"},
		{Type: "DOC", Name: "b"},
		{Type: "", Name: "invalid"}, // third chunk fails validation
	}
	created, err := mgr.BatchCreateEntities(context.Background(), inputs)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Expected BatchError, got %v", err)
	}
	if batchErr.ChunksCommitted != 1 {
		t.Errorf("Expected 1 committed chunk, got %d", batchErr.ChunksCommitted)
	}
	if len(created) != 2 {
		t.Errorf("Committed chunk entities should be returned, got %d", len(created))
	}
}

func TestNeighborhoodHops(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	a, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "a"})
	b, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "b"})
	c, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "c"})
	d, _ := mgr.CreateEntity(ctx, EntityInput{Type: "C", Name: "d"})

	mgr.CreateRelationship(ctx, RelationshipInput{Type: "USES", SourceID: a.ID, TargetID: b.ID})
	mgr.CreateRelationship(ctx, RelationshipInput{Type: "REFERENCES", SourceID: c.ID, TargetID: b.ID})
	mgr.CreateRelationship(ctx, RelationshipInput{Type: "USES", SourceID: c.ID, TargetID: d.ID})

	neighbors, err := mgr.Neighborhood(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("Neighborhood failed: %v", err)
	}
	if neighbors[b.ID].Hops != 1 {
		t.Errorf("Expected b at 1 hop, got %+v", neighbors[b.ID])
	}
	if neighbors[c.ID].Hops != 2 {
		t.Errorf("Expected c at 2 hops (via b, direction-agnostic), got %+v", neighbors[c.ID])
	}
	if _, ok := neighbors[d.ID]; ok {
		t.Error("d is 3 hops away and should be excluded at maxHops=2")
	}
	if _, ok := neighbors[a.ID]; ok {
		t.Error("Start entity must be excluded")
	}
}
