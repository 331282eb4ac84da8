package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"contextd/internal/events"
	"contextd/internal/vector"
)

func openTestStore(t *testing.T) *events.Store {
	t.Helper()
	store, err := events.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestManager(t *testing.T, store *events.Store, sessionID string) *Manager {
	t.Helper()
	mgr, err := NewManager(store, nil, sessionID, Options{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return mgr
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	saved, err := mgr.Save(ctx, "k", "v", SaveOptions{Category: "task"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved.ID == "" || saved.Priority != PriorityNormal || saved.Privacy != PrivacySession {
		t.Errorf("Defaults not applied: %+v", saved)
	}

	// Rehydrate in a fresh manager; the journal alone must reproduce the memory.
	reopened := newTestManager(t, store, "s1")
	got := reopened.Get("k")
	if got == nil {
		t.Fatal("Expected memory after rehydration")
	}
	if got.Value != "v" || got.Category != "task" || got.ID != saved.ID {
		t.Errorf("Rehydrated memory differs: %+v vs %+v", got, saved)
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	mgr.Save(ctx, "a", "1", SaveOptions{Category: "task", Metadata: map[string]interface{}{"x": "1"}})
	mgr.Save(ctx, "b", "2", SaveOptions{Priority: PriorityHigh})
	mgr.Save(ctx, "c", "3", SaveOptions{})
	v := "updated"
	mgr.UpdateMemory(ctx, "a", Update{Value: &v, Metadata: map[string]interface{}{"y": "2"}})
	mgr.Delete(ctx, "c")

	replayed := newTestManager(t, store, "s1")

	want := mgr.List(Filter{})
	got := replayed.List(Filter{})
	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("Replayed state differs from live state (-live +replayed):\n%s", diff)
	}
}

func TestSaveDuplicateKey(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	mgr.Save(ctx, "k", "v", SaveOptions{})
	_, err := mgr.Save(ctx, "k", "v2", SaveOptions{})
	if !errors.Is(err, ErrMemoryKeyExists) {
		t.Errorf("Expected ErrMemoryKeyExists, got %v", err)
	}
}

func TestUpdateMissingKey(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")

	v := "x"
	_, err := mgr.UpdateMemory(context.Background(), "ghost", Update{Value: &v})
	if !errors.Is(err, ErrMemoryKeyNotFound) {
		t.Errorf("Expected ErrMemoryKeyNotFound, got %v", err)
	}
}

func TestMetadataShallowMerge(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	mgr.Save(ctx, "k", "v", SaveOptions{Metadata: map[string]interface{}{"keep": "old", "replace": "old"}})
	mgr.UpdateMemory(ctx, "k", Update{Metadata: map[string]interface{}{"replace": "new", "added": "yes"}})

	got := mgr.Get("k")
	if got.Metadata["keep"] != "old" || got.Metadata["replace"] != "new" || got.Metadata["added"] != "yes" {
		t.Errorf("Shallow merge wrong: %+v", got.Metadata)
	}

	// The same merge must hold after replay.
	replayed := newTestManager(t, store, "s1")
	rg := replayed.Get("k")
	if rg.Metadata["keep"] != "old" || rg.Metadata["replace"] != "new" {
		t.Errorf("Replayed merge wrong: %+v", rg.Metadata)
	}
}

func TestDeleteReturnsPresence(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	mgr.Save(ctx, "k", "v", SaveOptions{})
	ok, err := mgr.Delete(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Expected delete true, got ok=%v err=%v", ok, err)
	}
	ok, err = mgr.Delete(ctx, "k")
	if err != nil || ok {
		t.Errorf("Expected delete false on absent key, got ok=%v err=%v", ok, err)
	}
	if mgr.Has("k") {
		t.Error("Key should be gone")
	}
}

func TestSaveOrUpdate(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	first, err := mgr.SaveOrUpdate(ctx, "k", "v1", SaveOptions{})
	if err != nil {
		t.Fatalf("SaveOrUpdate (save) failed: %v", err)
	}
	second, err := mgr.SaveOrUpdate(ctx, "k", "v2", SaveOptions{Category: "note"})
	if err != nil {
		t.Fatalf("SaveOrUpdate (update) failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("Update must keep the original memory id")
	}
	if second.Value != "v2" || second.Category != "note" {
		t.Errorf("Update not applied: %+v", second)
	}
	if mgr.Count() != 1 {
		t.Errorf("Expected single memory, got %d", mgr.Count())
	}
}

func TestRecallFiltersAndPagination(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mgr.Save(ctx, fmt.Sprintf("task.%d", i), "v", SaveOptions{Category: "task"})
	}
	mgr.Save(ctx, "note.0", "v", SaveOptions{Category: "note", Priority: PriorityHigh})

	// Glob key pattern.
	got, err := mgr.Recall(RecallQuery{KeyPattern: "task.*", Sort: SortCreatedAsc})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Expected 5 glob matches, got %d", len(got))
	}
	if got[0].Key != "task.0" {
		t.Errorf("Expected created_asc order, got %s first", got[0].Key)
	}

	// ? wildcard matches exactly one character.
	got, _ = mgr.Recall(RecallQuery{KeyPattern: "task.?"})
	if len(got) != 5 {
		t.Errorf("Expected 5 single-char matches, got %d", len(got))
	}

	// Category + priority filters.
	got, _ = mgr.Recall(RecallQuery{Category: "note", Priority: PriorityHigh})
	if len(got) != 1 || got[0].Key != "note.0" {
		t.Errorf("Expected only note.0, got %+v", got)
	}

	// Pagination.
	got, _ = mgr.Recall(RecallQuery{KeyPattern: "task.*", Sort: SortCreatedAsc, Offset: 3, Limit: 10})
	if len(got) != 2 || got[0].Key != "task.3" {
		t.Errorf("Expected offset window [task.3 task.4], got %+v", got)
	}

	// Exact key.
	got, _ = mgr.Recall(RecallQuery{Key: "task.2"})
	if len(got) != 1 || got[0].Key != "task.2" {
		t.Errorf("Expected exact match, got %+v", got)
	}
}

func TestRecallEmitsAuditEvent(t *testing.T) {
	store := openTestStore(t)
	mgr := newTestManager(t, store, "s1")
	ctx := context.Background()

	mgr.Save(ctx, "k", "v", SaveOptions{})
	before, _ := store.CountBySession("s1")
	mgr.Recall(RecallQuery{Key: "k"})
	after, _ := store.CountBySession("s1")
	if after != before+1 {
		t.Errorf("Expected one MEMORY_RECALLED event, count %d -> %d", before, after)
	}
}

func TestHydrationSkipsMalformedEvents(t *testing.T) {
	store := openTestStore(t)
	store.Append("s1", events.TypeMemorySaved, map[string]string{"not": "a memory"}, events.IndexedFacets{})
	store.Append("s1", events.TypeMemorySaved, Memory{ID: "m1", SessionID: "s1", Key: "good", Value: "v"}, events.IndexedFacets{})
	store.Append("s1", "SOME_FUTURE_EVENT", map[string]string{"ignored": "yes"}, events.IndexedFacets{})

	mgr := newTestManager(t, store, "s1")
	if mgr.Count() != 1 {
		t.Errorf("Expected 1 memory, got %d", mgr.Count())
	}
	if mgr.HydrationWarnings() != 1 {
		t.Errorf("Expected 1 hydration warning, got %d", mgr.HydrationWarnings())
	}
}

func TestContinueFromSeedsCache(t *testing.T) {
	store := openTestStore(t)
	prior := newTestManager(t, store, "old")
	ctx := context.Background()
	prior.Save(ctx, "inherited", "v", SaveOptions{})

	mgr, err := NewManager(store, nil, "new", Options{ContinueFrom: "old"})
	if err != nil {
		t.Fatalf("NewManager with continueFrom failed: %v", err)
	}
	if !mgr.Has("inherited") {
		t.Error("Expected inherited memory in new session cache")
	}

	// Inheritance is read-only: the prior session gained no events.
	count, _ := store.CountBySession("new")
	if count != 0 {
		t.Errorf("ContinueFrom must not write events to the new session, got %d", count)
	}
}

func TestSemanticSearchJoinsCache(t *testing.T) {
	store := openTestStore(t)
	idx, err := vector.NewIndex(store.DB())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}

	mgr, err := NewManager(store, idx, "s1", Options{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()

	mgr.Save(ctx, "a", "alpha", SaveOptions{Embedding: []float32{1, 0}})
	mgr.Save(ctx, "b", "beta", SaveOptions{Embedding: []float32{0, 1}})

	hits, err := mgr.SemanticSearch(ctx, []float32{1, 0}, 10, 0.5, "")
	if err != nil {
		t.Fatalf("SemanticSearch failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Memory.Key != "a" {
		t.Errorf("Expected only memory a, got %+v", hits)
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("Expected similarity ~1, got %v", hits[0].Similarity)
	}
}

func TestReindexReconciles(t *testing.T) {
	store := openTestStore(t)
	idx, _ := vector.NewIndex(store.DB())
	mgr, _ := NewManager(store, idx, "s1", Options{})
	ctx := context.Background()

	mgr.Save(ctx, "a", "alpha", SaveOptions{Embedding: []float32{1, 0}})
	mgr.Save(ctx, "b", "beta", SaveOptions{Embedding: []float32{0, 1}})

	// Orphan a row by deleting through the index directly.
	idx.Upsert(ctx, vector.Entry{MemoryID: "ghost", SessionID: "s1", Content: "stale", Embedding: []float32{1, 1}})

	n, err := mgr.Reindex(ctx)
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 reindexed, got %d", n)
	}
	count, _ := idx.Count("s1")
	if count != 2 {
		t.Errorf("Expected orphan row dropped, count=%d", count)
	}
}
