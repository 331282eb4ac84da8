package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"contextd/internal/config"
	"contextd/internal/diagnostics"
	"contextd/internal/evolution"
	"contextd/internal/graph"
	"contextd/internal/memory"
	"contextd/internal/search"
	"contextd/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "context.db")
	cfg.DiagnosticsDBPath = filepath.Join(dir, "diagnostics.db")
	cfg.EmbeddingProvider = ""
	cfg.LLMProvider = ""
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *Registry) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	svc, err := NewService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, DefaultRegistry(svc)
}

func call(t *testing.T, r *Registry, name string, args map[string]interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Failed to marshal args: %v", err)
	}
	result, terr := r.Call(context.Background(), name, raw)
	if terr != nil {
		t.Fatalf("Tool %s failed: %v", name, terr)
	}
	return result
}

func callErr(t *testing.T, r *Registry, name string, args map[string]interface{}) *Error {
	t.Helper()
	raw, _ := json.Marshal(args)
	_, terr := r.Call(context.Background(), name, raw)
	if terr == nil {
		t.Fatalf("Tool %s should have failed", name)
	}
	return terr
}

func startSession(t *testing.T, r *Registry) string {
	t.Helper()
	result := call(t, r, "context_session_start", map[string]interface{}{"name": "test"})
	sess, ok := result.(*session.Session)
	if !ok {
		t.Fatalf("Unexpected session result: %T", result)
	}
	return sess.ID
}

func TestSessionAndMemoryToolFlow(t *testing.T) {
	_, r := newTestService(t, nil)
	sid := startSession(t, r)

	saved := call(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "k1", "value": "decided to use sqlite", "category": "decision",
	}).(map[string]interface{})
	if saved["success"] != true || saved["memoryId"] == "" {
		t.Errorf("Unexpected save result: %+v", saved)
	}

	got := call(t, r, "context_get", map[string]interface{}{
		"sessionId": sid, "key": "k1",
	}).(*memory.Memory)
	if got.Value != "decided to use sqlite" || got.Category != "decision" {
		t.Errorf("Unexpected memory: %+v", got)
	}

	results := call(t, r, "context_search", map[string]interface{}{
		"sessionId": sid, "query": "k*",
	}).([]memory.Memory)
	if len(results) != 1 {
		t.Errorf("Expected 1 recall hit, got %d", len(results))
	}

	stats := call(t, r, "context_stats", map[string]interface{}{"sessionId": sid}).(*Stats)
	if stats.MemoryCount != 1 || stats.EventCount == 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	call(t, r, "context_checkpoint", map[string]interface{}{"sessionId": sid, "description": "after save"})
	call(t, r, "context_delete", map[string]interface{}{"sessionId": sid, "key": "k1"})

	terr := callErr(t, r, "context_get", map[string]interface{}{"sessionId": sid, "key": "k1"})
	if terr.Kind != KindNotFound {
		t.Errorf("Expected NotFound after delete, got %s", terr.Kind)
	}

	call(t, r, "context_session_end", map[string]interface{}{"sessionId": sid})
	sessions := call(t, r, "context_session_list", map[string]interface{}{"status": "ended"}).([]*session.Session)
	if len(sessions) != 1 || sessions[0].ID != sid {
		t.Errorf("Expected ended session in list, got %+v", sessions)
	}
}

func TestStrictSessionEnforcement(t *testing.T) {
	_, r := newTestService(t, nil)

	terr := callErr(t, r, "context_save", map[string]interface{}{"key": "k", "value": "v"})
	if terr.Kind != KindInvalidSession {
		t.Errorf("Expected InvalidSession without sessionId, got %s", terr.Kind)
	}

	terr = callErr(t, r, "context_save", map[string]interface{}{
		"sessionId": "no-such-session", "key": "k", "value": "v",
	})
	if terr.Kind != KindInvalidSession {
		t.Errorf("Expected InvalidSession for unknown session, got %s", terr.Kind)
	}
}

func TestUnknownToolAndUnknownField(t *testing.T) {
	_, r := newTestService(t, nil)

	terr := callErr(t, r, "context_teleport", nil)
	if terr.Kind != KindNotFound {
		t.Errorf("Expected NotFound for unknown tool, got %s", terr.Kind)
	}

	sid := startSession(t, r)
	terr = callErr(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "k", "value": "v", "bogus": 1,
	})
	if terr.Kind != KindInvalidArgument {
		t.Errorf("Expected InvalidArgument for unknown field, got %s", terr.Kind)
	}
}

func TestDuplicateKeyMapsToAlreadyExists(t *testing.T) {
	_, r := newTestService(t, nil)
	sid := startSession(t, r)

	call(t, r, "context_save", map[string]interface{}{"sessionId": sid, "key": "k", "value": "v"})
	terr := callErr(t, r, "context_save", map[string]interface{}{"sessionId": sid, "key": "k", "value": "v2"})
	if terr.Kind != KindAlreadyExists {
		t.Errorf("Expected AlreadyExists, got %s", terr.Kind)
	}
}

func TestHybridSearchKeywordFallback(t *testing.T) {
	// No embedding provider: semantic mode is unconfigured and its weight
	// redistributes onto keyword and graph.
	_, r := newTestService(t, nil)
	sid := startSession(t, r)

	call(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "auth-1", "value": "authentication decisions for the login service",
	})
	call(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "auth-2", "value": "session token decisions",
	})
	call(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "db-1", "value": "database migration notes",
	})

	results := call(t, r, "context_hybrid_search", map[string]interface{}{
		"sessionId": sid, "query": "authentication decisions",
	}).([]search.Result)
	if len(results) == 0 {
		t.Fatal("Expected results")
	}

	prev := 1.1
	for _, res := range results {
		if res.HybridScore < 0 || res.HybridScore > 1 {
			t.Errorf("Hybrid score out of bounds: %v", res.HybridScore)
		}
		if res.HybridScore > prev {
			t.Errorf("Scores not non-increasing: %v after %v", res.HybridScore, prev)
		}
		prev = res.HybridScore
		for _, mode := range res.SearchModes {
			if mode == search.ModeSemantic {
				t.Error("Semantic mode should be absent without an embedder")
			}
		}
	}
	if results[0].MemoryID == "" {
		t.Error("Missing memory id on top result")
	}
}

func TestSemanticSearchWithHashEmbedder(t *testing.T) {
	cfg := testConfig(t)
	cfg.EmbeddingProvider = "hash"
	_, r := newTestService(t, cfg)
	sid := startSession(t, r)

	call(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "k1", "value": "vector indexes and cosine similarity",
	})

	hits := call(t, r, "context_semantic_search", map[string]interface{}{
		"sessionId": sid, "query": "vector indexes and cosine similarity",
	}).([]memory.SemanticHit)
	if len(hits) == 0 {
		t.Fatal("Expected the identical text to match itself")
	}
	if hits[0].Memory.Key != "k1" {
		t.Errorf("Unexpected top hit: %+v", hits[0])
	}
}

func TestSemanticSearchUnavailable(t *testing.T) {
	_, r := newTestService(t, nil)
	sid := startSession(t, r)

	terr := callErr(t, r, "context_semantic_search", map[string]interface{}{
		"sessionId": sid, "query": "anything",
	})
	if terr.Kind != KindServiceUnavailable {
		t.Errorf("Expected ServiceUnavailable, got %s", terr.Kind)
	}
}

func TestSaveWithEntityExtraction(t *testing.T) {
	svc, r := newTestService(t, nil)
	sid := startSession(t, r)

	saved := call(t, r, "context_save", map[string]interface{}{
		"sessionId": sid, "key": "bug-7",
		"value":           "parser.go depends on lexer.go, hit a TokenizeError",
		"category":        "debug",
		"extractEntities": true,
	}).(map[string]interface{})

	entityIDs, ok := saved["entityIds"].([]string)
	if !ok || len(entityIDs) == 0 {
		t.Fatalf("Expected extracted entity ids, got %+v", saved["entityIds"])
	}

	// Extracted entities landed in the graph with provenance.
	entity, err := svc.graph.GetEntity(context.Background(), entityIDs[0])
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if entity.Properties["contextKey"] != "bug-7" {
		t.Errorf("Missing provenance: %+v", entity.Properties)
	}
}

func TestLineageAndEvolutionTools(t *testing.T) {
	svc, r := newTestService(t, nil)
	ctx := context.Background()

	parent, _ := svc.graph.CreateEntity(ctx, graph.EntityInput{Type: "CONCEPT", Name: "v1"})
	child, _ := svc.graph.CreateEntity(ctx, graph.EntityInput{Type: "CONCEPT", Name: "v2"})
	svc.graph.CreateRelationship(ctx, graph.RelationshipInput{
		Type: graph.RelDerivedFrom, SourceID: child.ID, TargetID: parent.ID, Weight: 1,
	})
	svc.temporal.StoreEntity(ctx, *parent)

	report := call(t, r, "context_get_lineage", map[string]interface{}{
		"entityId": child.ID, "direction": "upstream",
	}).(*LineageReport)
	if report.UpstreamCount != 1 || report.Upstream[0].ID != parent.ID {
		t.Errorf("Unexpected lineage report: %+v", report)
	}

	timeline := call(t, r, "context_query_evolution", map[string]interface{}{
		"entityId": parent.ID,
	}).([]evolution.Change)
	if len(timeline) == 0 || timeline[0].ChangeType != evolution.ChangeCreated {
		t.Errorf("Expected created change first, got %+v", timeline)
	}

	terr := callErr(t, r, "context_get_lineage", map[string]interface{}{
		"entityId": child.ID, "direction": "sideways",
	})
	if terr.Kind != KindInvalidArgument {
		t.Errorf("Expected InvalidArgument, got %s", terr.Kind)
	}
}

func TestDiagnosticsToolsRoundTrip(t *testing.T) {
	_, r := newTestService(t, nil)

	ingest := func(tree string, line int) map[string]interface{} {
		return call(t, r, "diagnostics_ingest", map[string]interface{}{
			"projectId": "p1", "treeHash": tree, "configHash": "c1",
			"toolName": "lint", "toolVersion": "1.0",
			"findings": []map[string]interface{}{
				{"ruleId": "R1", "level": "warning", "message": "suspicious", "filePath": "a.go", "startLine": line},
			},
		}).(map[string]interface{})
	}

	first := ingest("t1", 10)
	second := ingest("t1", 10)
	if first["analysisId"] != second["analysisId"] {
		t.Errorf("Identical ingests should share an analysis id")
	}

	findings := call(t, r, "diagnostics_findings", map[string]interface{}{
		"analysisId": first["analysisId"],
	}).([]diagnostics.Finding)
	if len(findings) != 1 {
		t.Errorf("Expected 1 deduped finding, got %d", len(findings))
	}

	third := ingest("t2", 11)
	diff := call(t, r, "diagnostics_diff", map[string]interface{}{
		"analysisIdA": first["analysisId"], "analysisIdB": third["analysisId"],
	}).(*diagnostics.Diff)
	if len(diff.Introduced) != 1 || len(diff.Resolved) != 1 || len(diff.Unchanged) != 0 {
		t.Errorf("Unexpected diff: %+v", diff)
	}

	latest := call(t, r, "diagnostics_latest", map[string]interface{}{"projectId": "p1"})
	if run, ok := latest.(*diagnostics.Run); !ok || run.TreeHash != "t2" {
		t.Errorf("Unexpected latest run: %+v", latest)
	}

	missing := call(t, r, "diagnostics_latest", map[string]interface{}{"projectId": "nobody"})
	if m, ok := missing.(map[string]interface{}); !ok || m["found"] != false {
		t.Errorf("Expected found:false, got %+v", missing)
	}

	call(t, r, "diagnostics_delete_project", map[string]interface{}{"projectId": "p1"})
	gone := call(t, r, "diagnostics_latest", map[string]interface{}{"projectId": "p1"})
	if m, ok := gone.(map[string]interface{}); !ok || m["found"] != false {
		t.Errorf("Expected found:false after delete, got %+v", gone)
	}
}

func TestSummarizeUnavailableWithoutProvider(t *testing.T) {
	_, r := newTestService(t, nil)

	terr := callErr(t, r, "diagnostics_summarize", map[string]interface{}{"analysisId": "any"})
	if terr.Kind != KindServiceUnavailable {
		t.Errorf("Expected ServiceUnavailable, got %s", terr.Kind)
	}
}

func TestPing(t *testing.T) {
	_, r := newTestService(t, nil)
	if got := call(t, r, "ping", nil); got != "pong" {
		t.Errorf("Expected pong, got %v", got)
	}
}

func TestDeleteProjectSessionsTwoPhase(t *testing.T) {
	svc, r := newTestService(t, nil)

	dir := t.TempDir()
	result := call(t, r, "context_session_start", map[string]interface{}{"projectDir": dir})
	sid := result.(*session.Session).ID
	call(t, r, "context_save", map[string]interface{}{"sessionId": sid, "key": "k", "value": "v"})

	deleted, err := svc.DeleteProjectSessions(context.Background(), result.(*session.Session).ProjectDir)
	if err != nil {
		t.Fatalf("DeleteProjectSessions failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != sid {
		t.Errorf("Expected [%s], got %v", sid, deleted)
	}

	terr := callErr(t, r, "context_stats", map[string]interface{}{"sessionId": sid})
	if terr.Kind != KindInvalidSession {
		t.Errorf("Deleted session should be unknown, got %s", terr.Kind)
	}
}
