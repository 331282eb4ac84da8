package infer

import (
	"testing"

	"contextd/internal/extract"
)

func findEdge(edges []Inference, src, tgt, relType string) *Inference {
	for i := range edges {
		if edges[i].SourceID == src && edges[i].TargetID == tgt && edges[i].Type == relType {
			return &edges[i]
		}
	}
	return nil
}

func TestInferDependsOn(t *testing.T) {
	inf := NewInferencer(DefaultConfig())

	edges := inf.Infer("auth.go depends on token.go for parsing", []Entity{
		{ID: "f1", Type: extract.TypeCodeFile, Name: "auth.go"},
		{ID: "f2", Type: extract.TypeCodeFile, Name: "token.go"},
	})

	edge := findEdge(edges, "f1", "f2", RelDependsOn)
	if edge == nil {
		t.Fatalf("Expected DEPENDS_ON edge, got %+v", edges)
	}
	if edge.Weight != 0.85 {
		t.Errorf("Expected trigger weight 0.85, got %v", edge.Weight)
	}
}

func TestTypeConstraintsFilterRules(t *testing.T) {
	inf := NewInferencer(DefaultConfig())

	// BLOCKS requires a task or error source and a task target.
	edges := inf.Infer("the outage blocks the migration", []Entity{
		{ID: "c1", Type: extract.TypeConcept, Name: "outage"},
		{ID: "t1", Type: extract.TypeTask, Name: "migration"},
	})
	if findEdge(edges, "c1", "t1", RelBlocks) != nil {
		t.Errorf("Concept source should not satisfy BLOCKS: %+v", edges)
	}

	edges = inf.Infer("the outage blocks the migration", []Entity{
		{ID: "e1", Type: extract.TypeError, Name: "outage"},
		{ID: "t1", Type: extract.TypeTask, Name: "migration"},
	})
	if findEdge(edges, "e1", "t1", RelBlocks) == nil {
		t.Errorf("Error source should satisfy BLOCKS: %+v", edges)
	}
}

func TestDedupKeepsMaxWeight(t *testing.T) {
	inf := NewInferencer(DefaultConfig())

	// Both "depends on" (0.85) and "requires" (0.75) fire for the same pair.
	edges := inf.Infer("auth.go depends on token.go and requires it at startup", []Entity{
		{ID: "f1", Type: extract.TypeCodeFile, Name: "auth.go"},
		{ID: "f2", Type: extract.TypeCodeFile, Name: "token.go"},
	})
	edge := findEdge(edges, "f1", "f2", RelDependsOn)
	if edge == nil || edge.Weight != 0.85 {
		t.Errorf("Dedup should keep max weight, got %+v", edge)
	}
}

func TestMaxPerPairCap(t *testing.T) {
	inf := NewInferencer(Config{MinConfidence: 0.5, MaxPerPair: 2})

	// A window matching many rules for the same code pair.
	window := "parser.go depends on lexer.go, uses it, implements and references it with the scanner"
	edges := inf.Infer(window, []Entity{
		{ID: "f1", Type: extract.TypeCodeFile, Name: "parser.go"},
		{ID: "f2", Type: extract.TypeCodeFile, Name: "lexer.go"},
	})

	perPair := make(map[[2]string]int)
	for _, e := range edges {
		perPair[[2]string{e.SourceID, e.TargetID}]++
	}
	for pair, n := range perPair {
		if n > 2 {
			t.Errorf("Pair %v exceeded cap: %d edges", pair, n)
		}
	}

	// The cap keeps the strongest edges.
	if findEdge(edges, "f1", "f2", RelDependsOn) == nil {
		t.Errorf("Strongest edge should survive the cap: %+v", edges)
	}
}

func TestMinConfidenceFilters(t *testing.T) {
	inf := NewInferencer(Config{MinConfidence: 0.8, MaxPerPair: 3})

	// "needs" carries weight 0.6, below the raised threshold.
	edges := inf.Infer("task one needs task two", []Entity{
		{ID: "t1", Type: extract.TypeTask, Name: "one"},
		{ID: "t2", Type: extract.TypeTask, Name: "two"},
	})
	if findEdge(edges, "t1", "t2", RelDependsOn) != nil {
		t.Errorf("Weak trigger should be filtered: %+v", edges)
	}
}

func TestOrderedPairsBothDirections(t *testing.T) {
	inf := NewInferencer(DefaultConfig())

	edges := inf.Infer("handler.go and router.go ship together", []Entity{
		{ID: "f1", Type: extract.TypeCodeFile, Name: "handler.go"},
		{ID: "f2", Type: extract.TypeCodeFile, Name: "router.go"},
	})
	if findEdge(edges, "f1", "f2", RelRelatedTo) == nil || findEdge(edges, "f2", "f1", RelRelatedTo) == nil {
		t.Errorf("RELATED_TO should fire in both directions: %+v", edges)
	}
}

func TestEmptyInputs(t *testing.T) {
	inf := NewInferencer(DefaultConfig())

	if got := inf.Infer("", []Entity{{ID: "a"}, {ID: "b"}}); got != nil {
		t.Errorf("Expected nil for empty window, got %+v", got)
	}
	if got := inf.Infer("some text", []Entity{{ID: "a"}}); got != nil {
		t.Errorf("Expected nil for single entity, got %+v", got)
	}
}
