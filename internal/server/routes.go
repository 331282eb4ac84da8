package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"contextd/internal/tools"
)

// mountREST maps the tool table onto REST routes. Handlers synthesize tool
// arguments and dispatch through the registry so both transports share
// validation and error mapping.
func (s *Server) mountREST(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.toolFromBody("context_session_start", nil))
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				s.callTool(w, req, "context_session_list", map[string]interface{}{
					"status": req.URL.Query().Get("status"),
				})
			})
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Post("/end", s.toolFromPath("context_session_end"))
				r.Get("/stats", s.toolFromPath("context_stats"))
				r.Post("/checkpoint", s.toolFromBody("context_checkpoint", sessionFromPath))
				r.Post("/memories", s.toolFromBody("context_save", sessionFromPath))
				r.Get("/memories", s.handleGetMemories)
				r.Delete("/memories/{key}", func(w http.ResponseWriter, req *http.Request) {
					s.callTool(w, req, "context_delete", map[string]interface{}{
						"sessionId": chi.URLParam(req, "sessionID"),
						"key":       chi.URLParam(req, "key"),
					})
				})
				r.Post("/search/hybrid", s.toolFromBody("context_hybrid_search", sessionFromPath))
				r.Post("/search/semantic", s.toolFromBody("context_semantic_search", sessionFromPath))
			})
		})

		r.Route("/entities/{entityID}", func(r chi.Router) {
			r.Get("/lineage", s.handleLineage)
			r.Get("/evolution", s.handleEvolution)
		})

		r.Route("/diagnostics", func(r chi.Router) {
			r.Post("/ingest", s.toolFromBody("diagnostics_ingest", nil))
			r.Post("/diff", s.toolFromBody("diagnostics_diff", nil))
			r.Get("/latest", func(w http.ResponseWriter, req *http.Request) {
				q := req.URL.Query()
				s.callTool(w, req, "diagnostics_latest", map[string]interface{}{
					"projectId":   q.Get("projectId"),
					"toolName":    q.Get("toolName"),
					"toolVersion": q.Get("toolVersion"),
					"treeHash":    q.Get("treeHash"),
				})
			})
			r.Get("/{analysisID}/findings", func(w http.ResponseWriter, req *http.Request) {
				s.callTool(w, req, "diagnostics_findings", map[string]interface{}{
					"analysisId": chi.URLParam(req, "analysisID"),
				})
			})
			r.Post("/{analysisID}/summarize", func(w http.ResponseWriter, req *http.Request) {
				s.callTool(w, req, "diagnostics_summarize", map[string]interface{}{
					"analysisId":   chi.URLParam(req, "analysisID"),
					"forceRefresh": req.URL.Query().Get("forceRefresh") == "true",
				})
			})
			r.Delete("/projects/{projectID}", func(w http.ResponseWriter, req *http.Request) {
				s.callTool(w, req, "diagnostics_delete_project", map[string]interface{}{
					"projectId": chi.URLParam(req, "projectID"),
				})
			})
		})

		r.Delete("/projects/sessions", s.handleDeleteProjectSessions)
	})
}

// sessionFromPath injects the path session id into body-derived arguments.
func sessionFromPath(req *http.Request, args map[string]interface{}) {
	args["sessionId"] = chi.URLParam(req, "sessionID")
}

// toolFromBody decodes a JSON body into tool arguments, applies the
// enricher, and dispatches.
func (s *Server) toolFromBody(name string, enrich func(*http.Request, map[string]interface{})) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		args := make(map[string]interface{})
		if req.Body != nil && req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
				writeToolError(w, tools.Errf(tools.KindInvalidArgument, "invalid request body: %v", err))
				return
			}
		}
		if enrich != nil {
			enrich(req, args)
		}
		s.callTool(w, req, name, args)
	}
}

// toolFromPath dispatches a tool whose only argument is the session id.
func (s *Server) toolFromPath(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s.callTool(w, req, name, map[string]interface{}{
			"sessionId": chi.URLParam(req, "sessionID"),
		})
	}
}

func (s *Server) handleGetMemories(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	args := map[string]interface{}{
		"sessionId": chi.URLParam(req, "sessionID"),
	}
	if key := q.Get("key"); key != "" {
		args["key"] = key
		s.callTool(w, req, "context_get", args)
		return
	}
	for _, field := range []string{"query", "category", "channel", "priority", "sort"} {
		if v := q.Get(field); v != "" {
			args[field] = v
		}
	}
	for _, field := range []string{"offset", "limit"} {
		if v := q.Get(field); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeToolError(w, tools.Errf(tools.KindInvalidArgument, "invalid %s: %v", field, err))
				return
			}
			args[field] = n
		}
	}
	s.callTool(w, req, "context_search", args)
}

func (s *Server) handleLineage(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	args := map[string]interface{}{
		"entityId": chi.URLParam(req, "entityID"),
	}
	if d := q.Get("direction"); d != "" {
		args["direction"] = d
	}
	if v := q.Get("maxDepth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeToolError(w, tools.Errf(tools.KindInvalidArgument, "invalid maxDepth: %v", err))
			return
		}
		args["maxDepth"] = n
	}
	s.callTool(w, req, "context_get_lineage", args)
}

func (s *Server) handleEvolution(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	args := map[string]interface{}{
		"entityId": chi.URLParam(req, "entityID"),
	}
	if v := q.Get("startTime"); v != "" {
		args["startTime"] = v
	}
	if v := q.Get("endTime"); v != "" {
		args["endTime"] = v
	}
	s.callTool(w, req, "context_query_evolution", args)
}

// handleDeleteProjectSessions is the two-phase bulk delete; it is not a
// tool because it spans sessions.
func (s *Server) handleDeleteProjectSessions(w http.ResponseWriter, req *http.Request) {
	projectDir := req.URL.Query().Get("projectDir")
	if projectDir == "" {
		writeToolError(w, tools.Errf(tools.KindInvalidArgument, "projectDir is required"))
		return
	}
	deleted, err := s.svc.DeleteProjectSessions(req.Context(), projectDir)
	if err != nil {
		writeToolError(w, tools.Classify(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deletedSessionIds": deleted,
		"count":             len(deleted),
	})
}

// callTool dispatches through the registry and translates the classified
// error onto the HTTP status line.
func (s *Server) callTool(w http.ResponseWriter, req *http.Request, name string, args map[string]interface{}) {
	raw, err := json.Marshal(args)
	if err != nil {
		writeToolError(w, tools.Errf(tools.KindInvalidArgument, "encode arguments: %v", err))
		return
	}
	result, terr := s.registry.Call(req.Context(), name, raw)
	if terr != nil {
		writeToolError(w, terr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
