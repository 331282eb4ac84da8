package search

import (
	"context"
	"math"
	"testing"
)

func keywordIndex() *BM25Index {
	idx := NewBM25Index(DefaultBM25Params())
	idx.Add(Doc{ID: "m1", SessionID: "s1", Content: "database connection pool settings"})
	idx.Add(Doc{ID: "m2", SessionID: "s1", Content: "authentication token refresh"})
	idx.Add(Doc{ID: "m3", SessionID: "s1", Content: "database migration scripts"})
	return idx
}

func TestWeightsNormalize(t *testing.T) {
	w, err := Weights{Semantic: 1, Keyword: 1, Graph: 2}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if math.Abs(w.Semantic-0.25) > 1e-9 || math.Abs(w.Graph-0.5) > 1e-9 {
		t.Errorf("Unexpected normalized weights: %+v", w)
	}

	if _, err := (Weights{Semantic: -1, Keyword: 1, Graph: 1}).Normalize(); err == nil {
		t.Error("Expected error for negative weight")
	}
	if _, err := (Weights{}).Normalize(); err == nil {
		t.Error("Expected error for all-zero weights")
	}
}

func TestKeywordOnlyFallback(t *testing.T) {
	// No semantic or graph engines: their weight redistributes to keyword.
	engine, err := NewEngine(keywordIndex(), nil, nil, DefaultWeights())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	results, err := engine.Search(context.Background(), "database", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 keyword hits, got %d", len(results))
	}
	for _, r := range results {
		if len(r.SearchModes) != 1 || r.SearchModes[0] != ModeKeyword {
			t.Errorf("Expected keyword-only modes, got %v", r.SearchModes)
		}
	}
	// Full weight lands on keyword, so the top normalized hit scores 1.0.
	if math.Abs(results[0].HybridScore-1.0) > 1e-9 {
		t.Errorf("Expected top score 1.0 after redistribution, got %v", results[0].HybridScore)
	}
}

func TestFusionOrdersByHybridScore(t *testing.T) {
	semantic := func(ctx context.Context, query, sessionID string, limit int) ([]Hit, error) {
		return []Hit{
			{ID: "m2", Score: 0.95, Content: "authentication token refresh"},
			{ID: "m1", Score: 0.40, Content: "database connection pool settings"},
		}, nil
	}
	engine, err := NewEngine(keywordIndex(), semantic, nil, DefaultWeights())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	results, err := engine.Search(context.Background(), "database", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected results")
	}

	for i := 1; i < len(results); i++ {
		if results[i].HybridScore > results[i-1].HybridScore {
			t.Errorf("Results not ordered by hybrid score: %v then %v", results[i-1].HybridScore, results[i].HybridScore)
		}
	}

	// m2 only matched semantically; it must still appear with that mode.
	var m2 *Result
	for i := range results {
		if results[i].MemoryID == "m2" {
			m2 = &results[i]
		}
	}
	if m2 == nil {
		t.Fatal("Expected semantic-only candidate m2 in results")
	}
	if m2.Similarity != 0.95 {
		t.Errorf("Similarity should carry the raw semantic score, got %v", m2.Similarity)
	}
}

func TestGraphModeAddsContext(t *testing.T) {
	graph := func(ctx context.Context, query, sessionID string) (map[string]GraphContext, error) {
		return map[string]GraphContext{
			"m1": {RelatedEntityIDs: []string{"e1"}, RelationshipTypes: []string{"USES"}, HopDistance: 1},
		}, nil
	}
	engine, err := NewEngine(keywordIndex(), nil, graph, DefaultWeights())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	results, err := engine.Search(context.Background(), "database", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	var m1 *Result
	for i := range results {
		if results[i].MemoryID == "m1" {
			m1 = &results[i]
		}
	}
	if m1 == nil || m1.GraphContext == nil {
		t.Fatal("Expected graph context on m1")
	}
	if m1.GraphContext.HopDistance != 1 {
		t.Errorf("Expected hop distance 1, got %d", m1.GraphContext.HopDistance)
	}
	found := false
	for _, mode := range m1.SearchModes {
		if mode == ModeGraph {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected graph mode recorded, got %v", m1.SearchModes)
	}
}

func TestPerQueryWeightOverride(t *testing.T) {
	semantic := func(ctx context.Context, query, sessionID string, limit int) ([]Hit, error) {
		return []Hit{{ID: "m2", Score: 1.0, Content: "authentication token refresh"}}, nil
	}
	engine, err := NewEngine(keywordIndex(), semantic, nil, DefaultWeights())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	// All weight on semantic: keyword-only candidates score 0.
	results, err := engine.Search(context.Background(), "database", Options{
		SessionID: "s1",
		Weights:   &Weights{Semantic: 1},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if results[0].MemoryID != "m2" {
		t.Errorf("Expected semantic hit first with semantic-only weights, got %s", results[0].MemoryID)
	}
}

func TestLimitApplied(t *testing.T) {
	engine, _ := NewEngine(keywordIndex(), nil, nil, DefaultWeights())
	results, err := engine.Search(context.Background(), "database", Options{Limit: 1})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected limit 1, got %d results", len(results))
	}
}
