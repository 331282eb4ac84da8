package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"contextd/internal/config"
	"contextd/internal/diagnostics"
	"contextd/internal/embedding"
	"contextd/internal/events"
	"contextd/internal/evolution"
	"contextd/internal/extract"
	"contextd/internal/graph"
	"contextd/internal/infer"
	"contextd/internal/lineage"
	"contextd/internal/llm"
	"contextd/internal/logging"
	"contextd/internal/memory"
	"contextd/internal/search"
	"contextd/internal/session"
	"contextd/internal/temporal"
	"contextd/internal/vector"
)

// graphMaxHops bounds the neighborhood walk behind graph-mode search.
const graphMaxHops = 2

// abandonedIdle is how long a session may sit without events before the
// startup sweep marks it abandoned.
const abandonedIdle = 24 * time.Hour

// Service wires every subsystem behind the tool surface. Memory managers
// are created lazily per session and cached for the life of the process.
type Service struct {
	cfg *config.Config

	store    *events.Store
	sessions *session.Manager
	diag     *diagnostics.Store

	graph     *graph.Manager
	temporal  *temporal.Store
	lineage   *lineage.Engine
	evolution *evolution.Tracker

	extractor  *extract.Extractor
	inferencer *infer.Inferencer

	vectors  *vector.Index    // nil when vector search is disabled
	embedder embedding.Engine // nil when no provider configured
	llm      llm.Provider     // nil when summarization is disabled

	keyword *search.BM25Index
	hybrid  *search.Engine

	mu       sync.Mutex
	managers map[string]*memory.Manager
}

// NewService opens the stores and builds the component graph.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "NewService")
	defer timer.Stop()

	store, err := events.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	diagStore, err := diagnostics.Open(cfg.DiagnosticsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics store: %w", err)
	}

	graphMgr, err := graph.NewManager(store.DB(), graph.Config{
		DefaultBatchSize: cfg.DefaultBatchSize,
		EnableAutoMerge:  cfg.EnableAutoMerge,
	})
	if err != nil {
		return nil, fmt.Errorf("open graph manager: %w", err)
	}
	temporalStore, err := temporal.NewStore(store.DB(), temporal.Config{
		Enabled:       cfg.EnableVersioning,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("open temporal store: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		sessions:   session.NewManager(store),
		diag:       diagStore,
		graph:      graphMgr,
		temporal:   temporalStore,
		lineage:    lineage.NewEngine(graphMgr),
		extractor:  extract.NewExtractor(extract.Config{MinConfidence: cfg.MinConfidence}),
		inferencer: infer.NewInferencer(infer.Config{MinConfidence: cfg.MinConfidence}),
		managers:   make(map[string]*memory.Manager),
	}
	s.evolution = evolution.NewTracker(temporalStore, graphMgr)

	if cfg.EnableVectorSearch {
		s.vectors, err = vector.NewIndex(store.DB())
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	}
	if cfg.EmbeddingProvider != "" {
		s.embedder, err = embedding.NewEngine(embedding.Config{
			Provider:       cfg.EmbeddingProvider,
			OllamaEndpoint: cfg.VectorEndpoint,
			OllamaModel:    "embeddinggemma",
			GenAIAPIKey:    cfg.LLMAPIKey,
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
			Dimensions:     cfg.VectorDimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding engine: %w", err)
		}
	}
	s.llm, err = llm.NewProvider(ctx, llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.LLMAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}

	s.keyword = search.NewBM25Index(search.BM25Params{K1: cfg.BM25.K1, B: cfg.BM25.B})

	var semanticFn search.SemanticFunc
	if s.embedder != nil && s.vectors != nil {
		semanticFn = s.semanticSearch
	}
	s.hybrid, err = search.NewEngine(s.keyword, semanticFn, s.graphSearch, search.Weights{
		Semantic: cfg.HybridWeights.Semantic,
		Keyword:  cfg.HybridWeights.Keyword,
		Graph:    cfg.HybridWeights.Graph,
	})
	if err != nil {
		return nil, fmt.Errorf("create hybrid engine: %w", err)
	}

	logging.Boot("Service ready: vector=%v embedder=%v llm=%v",
		s.vectors != nil, s.embedder != nil, s.llm != nil)
	return s, nil
}

// Close releases the underlying stores.
func (s *Service) Close() error {
	if err := s.diag.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// Sessions exposes the session manager to transports.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Diagnostics exposes the diagnostics store to transports.
func (s *Service) Diagnostics() *diagnostics.Store { return s.diag }

// SweepAbandoned marks idle active sessions abandoned. Run once at startup.
func (s *Service) SweepAbandoned() ([]string, error) {
	return s.sessions.SweepAbandoned(abandonedIdle)
}

// manager returns the session's memory manager, creating and hydrating it
// on first use. The session must exist.
func (s *Service) manager(sessionID string) (*memory.Manager, error) {
	if sessionID == "" {
		return nil, Errf(KindInvalidSession, "sessionId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mgr, ok := s.managers[sessionID]; ok {
		return mgr, nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, Errf(KindInvalidSession, "unknown session %s", sessionID)
	}

	mgr, err := memory.NewManager(s.store, s.vectors, sessionID, memory.Options{
		ContinueFrom:   sess.ContinueFrom,
		DefaultChannel: sess.DefaultChannel,
	})
	if err != nil {
		return nil, fmt.Errorf("hydrate session %s: %w", sessionID, err)
	}

	// Seed the keyword index from the hydrated cache so searches work
	// across process restarts.
	for _, mem := range mgr.List(memory.Filter{}) {
		s.keyword.Add(search.Doc{ID: mem.ID, SessionID: sessionID, Content: mem.Value})
	}

	s.managers[sessionID] = mgr
	return mgr, nil
}

// dropManager forgets a session's cached manager, e.g. after its events are
// deleted.
func (s *Service) dropManager(sessionID string) {
	s.mu.Lock()
	delete(s.managers, sessionID)
	s.mu.Unlock()
}

// SaveResult is what the save path reports back.
type SaveResult struct {
	Memory    *memory.Memory
	EntityIDs []string
}

// SaveMemory embeds, persists, and indexes one memory. With
// extractEntities it also runs the extractor and inferencer and merges the
// results into the graph, best-effort after the authoritative event write.
func (s *Service) SaveMemory(ctx context.Context, sessionID, key, value string, opts memory.SaveOptions, extractEntities bool) (*SaveResult, error) {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return nil, err
	}

	if s.embedder != nil && len(opts.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, value)
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("Embed failed for %s: %v", key, err)
		} else {
			opts.Embedding = vec
		}
	}

	mem, err := mgr.Save(ctx, key, value, opts)
	if err != nil {
		return nil, err
	}
	s.keyword.Add(search.Doc{ID: mem.ID, SessionID: sessionID, Content: mem.Value})

	result := &SaveResult{Memory: mem}
	if extractEntities {
		result.EntityIDs = s.mergeExtracted(ctx, extract.Context{
			Key: key, Value: value, Category: opts.Category,
		})
	}
	return result, nil
}

// mergeExtracted pushes extractions and inferred relationships into the
// graph. Failures are logged, never surfaced: the memory write already
// committed and the graph can be rebuilt.
func (s *Service) mergeExtracted(ctx context.Context, ec extract.Context) []string {
	extractions := s.extractor.ExtractWithContext(ec)
	if len(extractions) == 0 {
		return nil
	}

	entityIDs := make([]string, 0, len(extractions))
	inferEntities := make([]infer.Entity, 0, len(extractions))
	for _, x := range extractions {
		props := x.Properties
		if props == nil {
			props = make(map[string]interface{})
		}
		props["confidence"] = x.Confidence

		// Reuse an existing entity of the same type and name so repeated
		// saves update rather than duplicate.
		var id string
		if existing, err := s.graph.FindEntitiesByName(ctx, x.Name); err == nil {
			for _, e := range existing {
				if e.Type == x.Type {
					id = e.ID
					break
				}
			}
		}
		merged, err := s.graph.MergeEntity(ctx, graph.Entity{
			ID: id, Type: x.Type, Name: x.Name, Properties: props,
		})
		if err != nil {
			logging.Get(logging.CategoryGraph).Warn("Merge of %s %q failed: %v", x.Type, x.Name, err)
			continue
		}
		entityIDs = append(entityIDs, merged.ID)
		inferEntities = append(inferEntities, infer.Entity{ID: merged.ID, Type: x.Type, Name: x.Name})

		if _, err := s.temporal.StoreEntity(ctx, *merged); err != nil {
			logging.Get(logging.CategoryTemporal).Warn("Version of %s failed: %v", merged.ID, err)
		}
	}

	for _, inf := range s.inferencer.Infer(ec.Value, inferEntities) {
		rel, err := s.graph.CreateRelationship(ctx, graph.RelationshipInput{
			Type: inf.Type, SourceID: inf.SourceID, TargetID: inf.TargetID, Weight: inf.Weight,
		})
		if err != nil {
			logging.GraphDebug("Inferred edge %s rejected: %v", inf.Type, err)
			continue
		}
		if _, err := s.temporal.StoreRelationship(ctx, *rel); err != nil {
			logging.Get(logging.CategoryTemporal).Warn("Version of %s failed: %v", rel.ID, err)
		}
	}
	return entityIDs
}

// DeleteMemory removes a memory and its keyword index entry.
func (s *Service) DeleteMemory(ctx context.Context, sessionID, key string) error {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return err
	}
	mem := mgr.Get(key)
	existed, err := mgr.Delete(ctx, key)
	if err != nil {
		return err
	}
	if !existed {
		return Errf(KindNotFound, "memory key %q not found", key)
	}
	if mem != nil {
		s.keyword.Remove(mem.ID)
	}
	return nil
}

// semanticSearch is the hybrid engine's semantic mode: embed the query and
// join vector hits back through the session cache.
func (s *Service) semanticSearch(ctx context.Context, query, sessionID string, limit int) ([]search.Hit, error) {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := mgr.SemanticSearch(ctx, vec, limit, 0, "")
	if err != nil {
		return nil, err
	}
	out := make([]search.Hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, search.Hit{ID: h.Memory.ID, Score: h.Similarity, Content: h.Memory.Value})
	}
	return out, nil
}

// graphSearch is the hybrid engine's graph mode: extract entities from the
// query, walk their neighborhoods, and map entities back to memories via
// the contextKey property stamped at save time.
func (s *Service) graphSearch(ctx context.Context, query, sessionID string) (map[string]search.GraphContext, error) {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]search.GraphContext)
	for _, x := range s.extractor.Extract(query) {
		matches, err := s.graph.FindEntitiesByName(ctx, x.Name)
		if err != nil {
			return nil, err
		}
		for _, entity := range matches {
			s.collectGraphContext(ctx, mgr, entity, 0, nil, out)

			neighborhood, err := s.graph.Neighborhood(ctx, entity.ID, graphMaxHops)
			if err != nil {
				return nil, err
			}
			for id, entry := range neighborhood {
				neighbor, err := s.graph.GetEntity(ctx, id)
				if err != nil {
					continue
				}
				s.collectGraphContext(ctx, mgr, *neighbor, entry.Hops, entry.RelTypes, out)
			}
		}
	}
	return out, nil
}

// collectGraphContext maps one graph entity back to its source memory, if
// it carries save provenance, and records the shortest hop distance.
func (s *Service) collectGraphContext(ctx context.Context, mgr *memory.Manager, entity graph.Entity, hops int, relTypes []string, out map[string]search.GraphContext) {
	key, _ := entity.Properties["contextKey"].(string)
	if key == "" {
		return
	}
	mem := mgr.Get(key)
	if mem == nil {
		return
	}

	existing, ok := out[mem.ID]
	if ok && existing.HopDistance <= hops {
		existing.RelatedEntityIDs = appendUnique(existing.RelatedEntityIDs, entity.ID)
		out[mem.ID] = existing
		return
	}
	gc := search.GraphContext{
		RelatedEntityIDs:  appendUnique(existing.RelatedEntityIDs, entity.ID),
		RelationshipTypes: relTypes,
		HopDistance:       hops,
	}
	out[mem.ID] = gc
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// HybridSearch runs the fused search for one session.
func (s *Service) HybridSearch(ctx context.Context, query, sessionID string, limit int, weights *search.Weights) ([]search.Result, error) {
	if _, err := s.manager(sessionID); err != nil {
		return nil, err
	}
	return s.hybrid.Search(ctx, query, search.Options{
		Limit: limit, SessionID: sessionID, Weights: weights,
	})
}

// SemanticSearch is the single-mode vector search tool.
func (s *Service) SemanticSearch(ctx context.Context, sessionID, query string, limit int, threshold float64, category string) ([]memory.SemanticHit, error) {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return nil, err
	}
	if s.embedder == nil || s.vectors == nil {
		return nil, Errf(KindServiceUnavailable, "semantic search is not configured")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, Errf(KindProviderError, "embed query: %v", err)
	}
	return mgr.SemanticSearch(ctx, vec, limit, threshold, category)
}

// Stats aggregates memory and event counts for one session.
type Stats struct {
	SessionID         string         `json:"sessionId"`
	MemoryCount       int            `json:"memoryCount"`
	ByCategory        map[string]int `json:"byCategory"`
	ByPriority        map[string]int `json:"byPriority"`
	HydrationWarnings int            `json:"hydrationWarnings"`
	EventCount        int64          `json:"eventCount"`
}

// GetStats reports one session's cache and log statistics.
func (s *Service) GetStats(sessionID string) (*Stats, error) {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return nil, err
	}
	memStats := mgr.GetStats()
	eventCount, err := s.store.CountBySession(sessionID)
	if err != nil {
		return nil, err
	}
	return &Stats{
		SessionID:         sessionID,
		MemoryCount:       memStats.Count,
		ByCategory:        memStats.ByCategory,
		ByPriority:        memStats.ByPriority,
		HydrationWarnings: memStats.HydrationWarnings,
		EventCount:        eventCount,
	}, nil
}

// Checkpoint records a named checkpoint for the session.
func (s *Service) Checkpoint(sessionID, description string) error {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return err
	}
	return s.store.CreateCheckpoint(sessionID, mgr.Count(), description)
}

// Reindex rebuilds a session's vector rows and keyword docs from the event
// log. This is the reconciliation pass for the best-effort stores.
func (s *Service) Reindex(ctx context.Context, sessionID string) (int, error) {
	mgr, err := s.manager(sessionID)
	if err != nil {
		return 0, err
	}
	n, err := mgr.Reindex(ctx)
	if err != nil {
		return 0, err
	}
	for _, mem := range mgr.List(memory.Filter{}) {
		s.keyword.Add(search.Doc{ID: mem.ID, SessionID: sessionID, Content: mem.Value})
	}
	return n, nil
}

// DeleteProjectSessions removes every session recorded under a project
// directory. Enumeration and deletion are two separate phases so no
// per-session lock is held across the bulk delete.
func (s *Service) DeleteProjectSessions(ctx context.Context, projectDir string) ([]string, error) {
	ids, err := s.store.FindSessionIDsByProjectDir(projectDir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	if err := s.store.DeleteSessions(ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.dropManager(id)
		if s.vectors != nil {
			if err := s.vectors.DeleteSession(ctx, id); err != nil {
				logging.Get(logging.CategoryVector).Warn("Vector cleanup for %s failed: %v", id, err)
			}
		}
	}
	return ids, nil
}

// Summarize produces (or recalls) the LLM summary for an analysis.
func (s *Service) Summarize(ctx context.Context, analysisID string, forceRefresh bool) (*diagnostics.Summary, error) {
	return s.diag.Summarize(ctx, s.llm, analysisID, forceRefresh)
}

// LineageReport is the context_get_lineage response.
type LineageReport struct {
	EntityID        string         `json:"entityId"`
	Direction       string         `json:"direction"`
	Upstream        []graph.Entity `json:"upstream"`
	Downstream      []graph.Entity `json:"downstream"`
	UpstreamCount   int            `json:"upstreamCount"`
	DownstreamCount int            `json:"downstreamCount"`
}

// GetLineage walks DERIVED_FROM ancestry in the requested direction.
func (s *Service) GetLineage(ctx context.Context, entityID, direction string, maxDepth int) (*LineageReport, error) {
	direction = strings.ToLower(direction)
	if direction == "" {
		direction = "both"
	}
	if maxDepth <= 0 {
		maxDepth = s.cfg.MaxLineageDepth
	}

	report := &LineageReport{EntityID: entityID, Direction: direction}
	switch direction {
	case "upstream", "both":
		up, err := s.lineage.GetAncestors(ctx, entityID, maxDepth)
		if err != nil {
			return nil, err
		}
		report.Upstream = up
	case "downstream":
	default:
		return nil, Errf(KindInvalidArgument, "direction must be upstream, downstream, or both")
	}
	if direction == "downstream" || direction == "both" {
		down, err := s.lineage.GetDescendants(ctx, entityID, maxDepth)
		if err != nil {
			return nil, err
		}
		report.Downstream = down
	}
	report.UpstreamCount = len(report.Upstream)
	report.DownstreamCount = len(report.Downstream)
	return report, nil
}

// QueryEvolution returns an entity's change timeline within a window.
func (s *Service) QueryEvolution(ctx context.Context, entityID string, startTime, endTime *time.Time) ([]evolution.Change, error) {
	return s.evolution.GetEvolution(ctx, entityID, evolution.Options{
		StartTime: startTime,
		EndTime:   endTime,
		MaxDepth:  s.cfg.MaxTimelineDepth,
	})
}
