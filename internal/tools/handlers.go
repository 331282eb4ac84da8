package tools

import (
	"context"
	"encoding/json"
	"time"

	"contextd/internal/diagnostics"
	"contextd/internal/memory"
	"contextd/internal/search"
	"contextd/internal/session"
)

// DefaultRegistry builds the full dispatch table over a service.
func DefaultRegistry(s *Service) *Registry {
	r := NewRegistry()
	registerSessionTools(r, s)
	registerMemoryTools(r, s)
	registerSearchTools(r, s)
	registerGraphTools(r, s)
	registerDiagnosticsTools(r, s)

	r.Register(&Tool{
		Name:        "ping",
		Description: "Liveness check.",
		InputSchema: schema(nil, map[string]interface{}{}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return "pong", nil
		},
	})
	return r
}

type messageResult struct {
	Message string `json:"message"`
}

func registerSessionTools(r *Registry, s *Service) {
	r.Register(&Tool{
		Name:        "context_session_start",
		Description: "Start a new memory session, optionally inheriting a prior session's memories.",
		InputSchema: schema(nil, map[string]interface{}{
			"name":           prop("string", "Human-readable session name"),
			"projectDir":     prop("string", "Project directory the session belongs to"),
			"continueFrom":   prop("string", "Session id to inherit memories from"),
			"defaultChannel": prop("string", "Default channel for saved memories"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req session.StartOptions
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			return s.sessions.Start(req)
		},
	})

	r.Register(&Tool{
		Name:        "context_session_end",
		Description: "End a session. Idempotent once the session is terminal.",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": prop("string", "Session to end"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string `json:"sessionId"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.SessionID == "" {
				return nil, Errf(KindInvalidSession, "sessionId is required")
			}
			if _, err := s.sessions.End(req.SessionID); err != nil {
				return nil, err
			}
			s.dropManager(req.SessionID)
			return messageResult{Message: "session ended"}, nil
		},
	})

	r.Register(&Tool{
		Name:        "context_session_list",
		Description: "List sessions, optionally filtered by status.",
		InputSchema: schema(nil, map[string]interface{}{
			"status": prop("string", "active, ended, or abandoned"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				Status string `json:"status"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			switch session.Status(req.Status) {
			case "", session.StatusActive, session.StatusEnded, session.StatusAbandoned:
			default:
				return nil, Errf(KindInvalidArgument, "unknown status %q", req.Status)
			}
			return s.sessions.List(session.Status(req.Status))
		},
	})

	r.Register(&Tool{
		Name:        "context_stats",
		Description: "Memory and event counts for one session, including hydration warnings.",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": prop("string", "Session to report on"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string `json:"sessionId"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			return s.GetStats(req.SessionID)
		},
	})

	r.Register(&Tool{
		Name:        "context_checkpoint",
		Description: "Record a named checkpoint in the session journal.",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId":   prop("string", "Session to checkpoint"),
			"description": prop("string", "Checkpoint label"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID   string `json:"sessionId"`
				Description string `json:"description"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if err := s.Checkpoint(req.SessionID, req.Description); err != nil {
				return nil, err
			}
			return messageResult{Message: "checkpoint created"}, nil
		},
	})
}

type saveRequest struct {
	SessionID       string                 `json:"sessionId"`
	Key             string                 `json:"key"`
	Value           string                 `json:"value"`
	Category        string                 `json:"category,omitempty"`
	Priority        string                 `json:"priority,omitempty"`
	Channel         string                 `json:"channel,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ExtractEntities bool                   `json:"extractEntities,omitempty"`
}

func registerMemoryTools(r *Registry, s *Service) {
	r.Register(&Tool{
		Name:        "context_save",
		Description: "Save a memory under a unique key, optionally extracting entities into the graph.",
		InputSchema: schema([]string{"sessionId", "key", "value"}, map[string]interface{}{
			"sessionId":       prop("string", "Owning session"),
			"key":             prop("string", "Unique memory key"),
			"value":           prop("string", "Memory content"),
			"category":        prop("string", "Grouping category"),
			"priority":        prop("string", "high, normal, or low"),
			"channel":         prop("string", "Channel override"),
			"metadata":        prop("object", "Arbitrary metadata"),
			"extractEntities": prop("boolean", "Run entity extraction on the value"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req saveRequest
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.Key == "" || req.Value == "" {
				return nil, Errf(KindInvalidArgument, "key and value are required")
			}
			if req.Priority != "" {
				switch memory.Priority(req.Priority) {
				case memory.PriorityHigh, memory.PriorityNormal, memory.PriorityLow:
				default:
					return nil, Errf(KindInvalidArgument, "unknown priority %q", req.Priority)
				}
			}
			result, err := s.SaveMemory(ctx, req.SessionID, req.Key, req.Value, memory.SaveOptions{
				Category: req.Category,
				Priority: memory.Priority(req.Priority),
				Channel:  req.Channel,
				Metadata: req.Metadata,
			}, req.ExtractEntities)
			if err != nil {
				return nil, err
			}
			resp := map[string]interface{}{
				"success":  true,
				"memoryId": result.Memory.ID,
				"key":      result.Memory.Key,
			}
			if len(result.EntityIDs) > 0 {
				resp["entityIds"] = result.EntityIDs
			}
			return resp, nil
		},
	})

	r.Register(&Tool{
		Name:        "context_get",
		Description: "Fetch one memory by key, or several by glob pattern.",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": prop("string", "Owning session"),
			"key":       prop("string", "Exact memory key"),
			"query":     prop("string", "Glob pattern over keys (* and ?)"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string `json:"sessionId"`
				Key       string `json:"key,omitempty"`
				Query     string `json:"query,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			mgr, err := s.manager(req.SessionID)
			if err != nil {
				return nil, err
			}
			switch {
			case req.Key != "":
				mem := mgr.Get(req.Key)
				if mem == nil {
					return nil, Errf(KindNotFound, "memory key %q not found", req.Key)
				}
				return mem, nil
			case req.Query != "":
				return mgr.Recall(memory.RecallQuery{KeyPattern: req.Query})
			default:
				return nil, Errf(KindInvalidArgument, "key or query is required")
			}
		},
	})

	r.Register(&Tool{
		Name:        "context_search",
		Description: "Filtered, paginated recall over a session's memories.",
		InputSchema: schema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": prop("string", "Owning session"),
			"query":     prop("string", "Glob pattern over keys"),
			"category":  prop("string", "Category filter"),
			"channel":   prop("string", "Channel filter"),
			"priority":  prop("string", "Priority filter"),
			"sort":      prop("string", "created_asc, created_desc, updated_asc, updated_desc"),
			"offset":    prop("integer", "Pagination offset"),
			"limit":     prop("integer", "Page size"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string `json:"sessionId"`
				Query     string `json:"query,omitempty"`
				Category  string `json:"category,omitempty"`
				Channel   string `json:"channel,omitempty"`
				Priority  string `json:"priority,omitempty"`
				Sort      string `json:"sort,omitempty"`
				Offset    int    `json:"offset,omitempty"`
				Limit     int    `json:"limit,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			mgr, err := s.manager(req.SessionID)
			if err != nil {
				return nil, err
			}
			return mgr.Recall(memory.RecallQuery{
				KeyPattern: req.Query,
				Category:   req.Category,
				Channel:    req.Channel,
				Priority:   memory.Priority(req.Priority),
				Sort:       req.Sort,
				Offset:     req.Offset,
				Limit:      req.Limit,
			})
		},
	})

	r.Register(&Tool{
		Name:        "context_delete",
		Description: "Delete a memory by key.",
		InputSchema: schema([]string{"sessionId", "key"}, map[string]interface{}{
			"sessionId": prop("string", "Owning session"),
			"key":       prop("string", "Memory key to delete"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string `json:"sessionId"`
				Key       string `json:"key"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.Key == "" {
				return nil, Errf(KindInvalidArgument, "key is required")
			}
			if err := s.DeleteMemory(ctx, req.SessionID, req.Key); err != nil {
				return nil, err
			}
			return messageResult{Message: "memory deleted"}, nil
		},
	})
}

func registerSearchTools(r *Registry, s *Service) {
	r.Register(&Tool{
		Name:        "context_hybrid_search",
		Description: "Fused semantic, keyword, and graph search over a session's memories.",
		InputSchema: schema([]string{"sessionId", "query"}, map[string]interface{}{
			"sessionId": prop("string", "Session to search"),
			"query":     prop("string", "Free-text query"),
			"limit":     prop("integer", "Max results (default 10)"),
			"weights":   prop("object", "Per-query {semantic, keyword, graph} overrides"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string          `json:"sessionId"`
				Query     string          `json:"query"`
				Limit     int             `json:"limit,omitempty"`
				Weights   *search.Weights `json:"weights,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.Query == "" {
				return nil, Errf(KindInvalidArgument, "query is required")
			}
			return s.HybridSearch(ctx, req.Query, req.SessionID, req.Limit, req.Weights)
		},
	})

	r.Register(&Tool{
		Name:        "context_semantic_search",
		Description: "Vector-only similarity search over a session's memories.",
		InputSchema: schema([]string{"sessionId", "query"}, map[string]interface{}{
			"sessionId": prop("string", "Session to search"),
			"query":     prop("string", "Free-text query"),
			"limit":     prop("integer", "Max results (default 10)"),
			"threshold": prop("number", "Minimum cosine similarity"),
			"category":  prop("string", "Category filter"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				SessionID string  `json:"sessionId"`
				Query     string  `json:"query"`
				Limit     int     `json:"limit,omitempty"`
				Threshold float64 `json:"threshold,omitempty"`
				Category  string  `json:"category,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.Query == "" {
				return nil, Errf(KindInvalidArgument, "query is required")
			}
			if req.Limit <= 0 {
				req.Limit = 10
			}
			return s.SemanticSearch(ctx, req.SessionID, req.Query, req.Limit, req.Threshold, req.Category)
		},
	})
}

func registerGraphTools(r *Registry, s *Service) {
	r.Register(&Tool{
		Name:        "context_get_lineage",
		Description: "Walk DERIVED_FROM ancestry around an entity.",
		InputSchema: schema([]string{"entityId"}, map[string]interface{}{
			"entityId":  prop("string", "Entity to start from"),
			"direction": prop("string", "upstream, downstream, or both (default both)"),
			"maxDepth":  prop("integer", "Traversal depth cap"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				EntityID  string `json:"entityId"`
				Direction string `json:"direction,omitempty"`
				MaxDepth  int    `json:"maxDepth,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.EntityID == "" {
				return nil, Errf(KindInvalidArgument, "entityId is required")
			}
			return s.GetLineage(ctx, req.EntityID, req.Direction, req.MaxDepth)
		},
	})

	r.Register(&Tool{
		Name:        "context_query_evolution",
		Description: "Change timeline for an entity, oldest change first.",
		InputSchema: schema([]string{"entityId"}, map[string]interface{}{
			"entityId":  prop("string", "Entity to report on"),
			"startTime": prop("string", "RFC 3339 window start"),
			"endTime":   prop("string", "RFC 3339 window end"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				EntityID  string `json:"entityId"`
				StartTime string `json:"startTime,omitempty"`
				EndTime   string `json:"endTime,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.EntityID == "" {
				return nil, Errf(KindInvalidArgument, "entityId is required")
			}
			start, err := parseTimePtr(req.StartTime)
			if err != nil {
				return nil, err
			}
			end, err := parseTimePtr(req.EndTime)
			if err != nil {
				return nil, err
			}
			return s.QueryEvolution(ctx, req.EntityID, start, end)
		},
	})
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, Errf(KindInvalidArgument, "invalid timestamp %q: %v", s, err)
	}
	return &t, nil
}

type ingestRequest struct {
	ProjectID       string                   `json:"projectId"`
	TreeHash        string                   `json:"treeHash"`
	CommitHash      string                   `json:"commitHash,omitempty"`
	ConfigHash      string                   `json:"configHash,omitempty"`
	EnvironmentHash string                   `json:"environmentHash,omitempty"`
	Status          string                   `json:"status,omitempty"`
	DurationMs      *int64                   `json:"durationMs,omitempty"`
	SARIF           json.RawMessage          `json:"sarif,omitempty"`
	Findings        []diagnostics.RawFinding `json:"findings,omitempty"`
	ToolName        string                   `json:"toolName,omitempty"`
	ToolVersion     string                   `json:"toolVersion,omitempty"`
	Metadata        map[string]interface{}   `json:"metadata,omitempty"`
	KeepRaw         bool                     `json:"keepRaw,omitempty"`
}

func registerDiagnosticsTools(r *Registry, s *Service) {
	r.Register(&Tool{
		Name:        "diagnostics_ingest",
		Description: "Ingest a SARIF document or structured findings into the content-addressed store.",
		InputSchema: schema([]string{"projectId", "treeHash"}, map[string]interface{}{
			"projectId":       prop("string", "Project identity"),
			"treeHash":        prop("string", "Source tree hash the analysis ran on"),
			"commitHash":      prop("string", "Commit hash, if known"),
			"configHash":      prop("string", "Tool configuration hash"),
			"environmentHash": prop("string", "Execution environment hash"),
			"status":          prop("string", "passed, failed, or partial; derived when omitted"),
			"durationMs":      prop("integer", "Tool runtime in milliseconds"),
			"sarif":           prop("object", "SARIF 2.1.0 document"),
			"findings":        prop("array", "Structured findings, alternative to sarif"),
			"toolName":        prop("string", "Tool name, required with findings"),
			"toolVersion":     prop("string", "Tool version, used with findings"),
			"metadata":        prop("object", "Arbitrary run metadata"),
			"keepRaw":         prop("boolean", "Persist the raw SARIF input"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req ingestRequest
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.ProjectID == "" || req.TreeHash == "" {
				return nil, Errf(KindInvalidArgument, "projectId and treeHash are required")
			}

			input := diagnostics.IngestInput{
				ProjectID:       req.ProjectID,
				TreeHash:        req.TreeHash,
				CommitHash:      req.CommitHash,
				ConfigHash:      req.ConfigHash,
				EnvironmentHash: req.EnvironmentHash,
				Status:          req.Status,
				DurationMs:      req.DurationMs,
				Metadata:        req.Metadata,
				KeepRaw:         req.KeepRaw,
			}

			var (
				run      *diagnostics.Run
				findings []diagnostics.Finding
				err      error
			)
			switch {
			case len(req.SARIF) > 0:
				input.SARIF = req.SARIF
				run, findings, err = s.diag.Ingest(ctx, input)
			case len(req.Findings) > 0:
				run, findings, err = s.diag.IngestFindings(ctx, input, req.ToolName, req.ToolVersion, req.Findings)
			default:
				return nil, Errf(KindInvalidArgument, "sarif or findings is required")
			}
			if err != nil {
				return nil, Errf(KindInvalidArgument, "%v", err)
			}
			return map[string]interface{}{
				"success":       true,
				"runId":         run.RunID,
				"analysisId":    run.AnalysisID,
				"findingsCount": len(findings),
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "diagnostics_diff",
		Description: "Set difference of two analyses' finding ids.",
		InputSchema: schema([]string{"analysisIdA", "analysisIdB"}, map[string]interface{}{
			"analysisIdA": prop("string", "Baseline analysis"),
			"analysisIdB": prop("string", "Comparison analysis"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				AnalysisIDA string `json:"analysisIdA"`
				AnalysisIDB string `json:"analysisIdB"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.AnalysisIDA == "" || req.AnalysisIDB == "" {
				return nil, Errf(KindInvalidArgument, "analysisIdA and analysisIdB are required")
			}
			return s.diag.DiffAnalyses(ctx, req.AnalysisIDA, req.AnalysisIDB)
		},
	})

	r.Register(&Tool{
		Name:        "diagnostics_latest",
		Description: "Most recent run for a project, optionally narrowed by tool or tree.",
		InputSchema: schema([]string{"projectId"}, map[string]interface{}{
			"projectId":   prop("string", "Project identity"),
			"toolName":    prop("string", "Tool filter"),
			"toolVersion": prop("string", "Tool version filter"),
			"treeHash":    prop("string", "Tree hash filter"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req diagnostics.LatestRunFilter
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.ProjectID == "" {
				return nil, Errf(KindInvalidArgument, "projectId is required")
			}
			run, err := s.diag.GetLatestRun(ctx, req)
			if err != nil {
				if terr := Classify(err); terr.Kind == KindNotFound {
					return map[string]interface{}{"found": false}, nil
				}
				return nil, err
			}
			return run, nil
		},
	})

	r.Register(&Tool{
		Name:        "diagnostics_findings",
		Description: "Normalized findings of one analysis, in stable order.",
		InputSchema: schema([]string{"analysisId"}, map[string]interface{}{
			"analysisId": prop("string", "Analysis to list"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				AnalysisID string `json:"analysisId"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.AnalysisID == "" {
				return nil, Errf(KindInvalidArgument, "analysisId is required")
			}
			return s.diag.ListFindings(ctx, req.AnalysisID)
		},
	})

	r.Register(&Tool{
		Name:        "diagnostics_summarize",
		Description: "LLM summary of an analysis, memoized per analysis id.",
		InputSchema: schema([]string{"analysisId"}, map[string]interface{}{
			"analysisId":   prop("string", "Analysis to summarize"),
			"forceRefresh": prop("boolean", "Bypass and overwrite the cached summary"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				AnalysisID   string `json:"analysisId"`
				ForceRefresh bool   `json:"forceRefresh,omitempty"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.AnalysisID == "" {
				return nil, Errf(KindInvalidArgument, "analysisId is required")
			}
			return s.Summarize(ctx, req.AnalysisID, req.ForceRefresh)
		},
	})

	r.Register(&Tool{
		Name:        "diagnostics_delete_project",
		Description: "Delete every run, finding, and summary recorded for a project.",
		InputSchema: schema([]string{"projectId"}, map[string]interface{}{
			"projectId": prop("string", "Project to purge"),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req struct {
				ProjectID string `json:"projectId"`
			}
			if err := decode(args, &req); err != nil {
				return nil, err
			}
			if req.ProjectID == "" {
				return nil, Errf(KindInvalidArgument, "projectId is required")
			}
			if err := s.diag.DeleteProject(ctx, req.ProjectID); err != nil {
				return nil, err
			}
			return messageResult{Message: "project diagnostics deleted"}, nil
		},
	})
}
