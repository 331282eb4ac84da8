package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"contextd/internal/config"
	"contextd/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "context.db")
	cfg.DiagnosticsDBPath = filepath.Join(dir, "diagnostics.db")
	cfg.EmbeddingProvider = ""
	cfg.LLMProvider = ""

	svc, err := tools.NewService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	srv, err := New(svc, tools.DefaultRegistry(svc), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("New server failed: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("Response is not a JSON object: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("Unexpected health response: %d %v", rec.Code, body)
	}
}

func TestRESTSessionFlow(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, sess := doJSON(t, h, http.MethodPost, "/api/sessions", map[string]interface{}{"name": "rest"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Session start failed: %d %v", rec.Code, sess)
	}
	sid, _ := sess["id"].(string)
	if sid == "" {
		t.Fatalf("Missing session id: %v", sess)
	}

	rec, saved := doJSON(t, h, http.MethodPost, "/api/sessions/"+sid+"/memories", map[string]interface{}{
		"key": "k1", "value": "rest roundtrip",
	})
	if rec.Code != http.StatusOK || saved["success"] != true {
		t.Fatalf("Save failed: %d %v", rec.Code, saved)
	}

	rec, mem := doJSON(t, h, http.MethodGet, "/api/sessions/"+sid+"/memories?key=k1", nil)
	if rec.Code != http.StatusOK || mem["value"] != "rest roundtrip" {
		t.Errorf("Get failed: %d %v", rec.Code, mem)
	}

	rec, stats := doJSON(t, h, http.MethodGet, "/api/sessions/"+sid+"/stats", nil)
	if rec.Code != http.StatusOK || stats["memoryCount"] != float64(1) {
		t.Errorf("Stats failed: %d %v", rec.Code, stats)
	}

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/sessions/"+sid+"/memories/k1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Delete failed: %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/sessions/"+sid+"/memories?key=k1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/sessions/"+sid+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("End failed: %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	// Unknown session on a mutating route.
	rec, body := doJSON(t, h, http.MethodPost, "/api/sessions/ghost/memories", map[string]interface{}{
		"key": "k", "value": "v",
	})
	if rec.Code != http.StatusBadRequest || body["error"] != string(tools.KindInvalidSession) {
		t.Errorf("Expected 400 InvalidSession, got %d %v", rec.Code, body)
	}

	// Duplicate key conflicts.
	_, sess := doJSON(t, h, http.MethodPost, "/api/sessions", nil)
	sid := sess["id"].(string)
	doJSON(t, h, http.MethodPost, "/api/sessions/"+sid+"/memories", map[string]interface{}{"key": "k", "value": "v"})
	rec, body = doJSON(t, h, http.MethodPost, "/api/sessions/"+sid+"/memories", map[string]interface{}{"key": "k", "value": "v"})
	if rec.Code != http.StatusConflict || body["error"] != string(tools.KindAlreadyExists) {
		t.Errorf("Expected 409 AlreadyExists, got %d %v", rec.Code, body)
	}

	// Summarizer not configured.
	rec, body = doJSON(t, h, http.MethodPost, "/api/diagnostics/any/summarize", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d %v", rec.Code, body)
	}
}

func mcpCall(t *testing.T, h http.Handler, method string, params interface{}) map[string]interface{} {
	t.Helper()
	_, resp := doJSON(t, h, http.MethodPost, "/mcp", map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": params,
	})
	return resp
}

func TestMCPInitializeAndList(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	resp := mcpCall(t, h, "initialize", nil)
	result, _ := resp["result"].(map[string]interface{})
	if result["protocolVersion"] != mcpProtocolVersion {
		t.Errorf("Unexpected initialize result: %v", resp)
	}

	resp = mcpCall(t, h, "tools/list", nil)
	result, _ = resp["result"].(map[string]interface{})
	toolList, _ := result["tools"].([]interface{})
	if len(toolList) != 20 {
		t.Errorf("Expected 20 tools, got %d", len(toolList))
	}
}

func TestMCPToolCall(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	resp := mcpCall(t, h, "tools/call", map[string]interface{}{"name": "ping"})
	result, _ := resp["result"].(map[string]interface{})
	content, _ := result["content"].([]interface{})
	if len(content) != 1 {
		t.Fatalf("Expected one content block, got %v", resp)
	}
	block := content[0].(map[string]interface{})
	if block["type"] != "text" || block["text"] != `"pong"` {
		t.Errorf("Unexpected content: %v", block)
	}

	// Tool errors surface as JSON-RPC errors with the kind attached.
	resp = mcpCall(t, h, "tools/call", map[string]interface{}{"name": "no_such_tool"})
	rpcErr, _ := resp["error"].(map[string]interface{})
	if rpcErr == nil {
		t.Fatalf("Expected error, got %v", resp)
	}
	data, _ := rpcErr["data"].(map[string]interface{})
	if data["error"] != string(tools.KindNotFound) {
		t.Errorf("Expected NotFound kind, got %v", rpcErr)
	}

	resp = mcpCall(t, h, "bogus/method", nil)
	rpcErr, _ = resp["error"].(map[string]interface{})
	if rpcErr == nil || rpcErr["code"] != float64(codeMethodNotFound) {
		t.Errorf("Expected method-not-found, got %v", resp)
	}
}
