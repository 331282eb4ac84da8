package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"contextd/internal/logging"
)

// Weights control the fusion of the three search modes. They must sum to
// 1.0 within weightEpsilon; Normalize rescales otherwise.
type Weights struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
	Graph    float64 `json:"graph"`
}

const weightEpsilon = 1e-6

// DefaultWeights returns the standard fusion weights.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.5, Keyword: 0.3, Graph: 0.2}
}

// Normalize rescales the weights to sum to 1.0. Returns an error when all
// weights are zero or any is negative.
func (w Weights) Normalize() (Weights, error) {
	if w.Semantic < 0 || w.Keyword < 0 || w.Graph < 0 {
		return w, fmt.Errorf("search weights must be non-negative: %+v", w)
	}
	sum := w.Semantic + w.Keyword + w.Graph
	if sum < weightEpsilon {
		return w, fmt.Errorf("search weights must not all be zero")
	}
	if math.Abs(sum-1.0) <= weightEpsilon {
		return w, nil
	}
	return Weights{Semantic: w.Semantic / sum, Keyword: w.Keyword / sum, Graph: w.Graph / sum}, nil
}

// Search mode names reported in results.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
	ModeGraph    = "graph"
)

// GraphContext describes the graph proximity evidence for one result.
type GraphContext struct {
	RelatedEntityIDs  []string `json:"relatedEntityIds"`
	RelationshipTypes []string `json:"relationshipTypes"`
	HopDistance       int      `json:"hopDistance"`
}

// Result is one fused search hit, ordered by HybridScore descending.
type Result struct {
	MemoryID     string             `json:"memoryId"`
	Content      string             `json:"content"`
	Similarity   float64            `json:"similarity"`
	HybridScore  float64            `json:"hybridScore"`
	SearchModes  []string           `json:"searchModes"`
	ModeScores   map[string]float64 `json:"modeScores"`
	GraphContext *GraphContext      `json:"graphContext,omitempty"`
}

// Options controls one hybrid query.
type Options struct {
	Limit     int
	SessionID string
	Weights   *Weights
}

// SemanticFunc resolves the semantic mode: raw cosine similarities for
// candidate memories. Nil when no embedding provider is configured.
type SemanticFunc func(ctx context.Context, query, sessionID string, limit int) ([]Hit, error)

/// GraphFunc resolves the graph mode: proximity context per memory id for
// entities mentioned by the query. Nil when no graph store is configured.
type GraphFunc func(ctx context.Context, query, sessionID string) (map[string]GraphContext, error)

// candidateLimit oversamples each mode so fusion can reorder before the
// final cut.
const candidateLimit = 50

// Engine fans a query out to the configured modes and fuses the scores.
// Absent modes are omitted and their weight redistributed proportionally
// across the remaining ones.
type Engine struct {
	keyword  *BM25Index
	semantic SemanticFunc
	graph    GraphFunc
	weights  Weights
}

// NewEngine builds a hybrid engine. keyword is required; semantic and graph
// may be nil.
func NewEngine(keyword *BM25Index, semantic SemanticFunc, graph GraphFunc, weights Weights) (*Engine, error) {
	if keyword == nil {
		return nil, fmt.Errorf("hybrid engine: keyword index required")
	}
	norm, err := weights.Normalize()
	if err != nil {
		return nil, err
	}
	return &Engine{keyword: keyword, semantic: semantic, graph: graph, weights: norm}, nil
}

// candidate accumulates per-mode raw scores for one memory.
type candidate struct {
	content  string
	semantic float64
	keyword  float64
	graph    float64
	modes    map[string]bool
	graphCtx *GraphContext
}

// Search runs the query across all configured modes and returns fused
// results ordered by hybrid score.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	timer := logging.StartTimer(logging.CategorySearch, "HybridSearch")
	defer timer.Stop()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	weights := e.weights
	if opts.Weights != nil {
		norm, err := opts.Weights.Normalize()
		if err != nil {
			return nil, err
		}
		weights = norm
	}
	weights = e.redistribute(weights)

	var (
		mu          sync.Mutex
		candidates  = make(map[string]*candidate)
		activeModes []string
	)
	get := func(id string) *candidate {
		c, ok := candidates[id]
		if !ok {
			c = &candidate{modes: make(map[string]bool)}
			candidates[id] = c
		}
		return c
	}

	g, gctx := errgroup.WithContext(ctx)

	// Keyword is always available: the index lives in-process.
	activeModes = append(activeModes, ModeKeyword)
	g.Go(func() error {
		hits := e.keyword.Search(query, candidateLimit, opts.SessionID)
		mu.Lock()
		defer mu.Unlock()
		for _, hit := range hits {
			c := get(hit.ID)
			c.keyword = hit.Score
			c.modes[ModeKeyword] = true
			if c.content == "" {
				c.content = hit.Content
			}
		}
		return nil
	})

	if e.semantic != nil {
		activeModes = append(activeModes, ModeSemantic)
		g.Go(func() error {
			hits, err := e.semantic(gctx, query, opts.SessionID, candidateLimit)
			if err != nil {
				return fmt.Errorf("semantic mode: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				c := get(hit.ID)
				c.semantic = hit.Score
				c.modes[ModeSemantic] = true
				if c.content == "" {
					c.content = hit.Content
				}
			}
			return nil
		})
	}

	if e.graph != nil {
		activeModes = append(activeModes, ModeGraph)
		g.Go(func() error {
			contexts, err := e.graph(gctx, query, opts.SessionID)
			if err != nil {
				return fmt.Errorf("graph mode: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for id, gc := range contexts {
				c := get(id)
				gcCopy := gc
				c.graphCtx = &gcCopy
				c.graph = 1.0 / (1.0 + float64(gc.HopDistance))
				c.modes[ModeGraph] = true
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Min-max normalize each mode across the candidate set, then fuse.
	normSemantic := minMax(candidates, func(c *candidate) float64 { return c.semantic }, ModeSemantic)
	normKeyword := minMax(candidates, func(c *candidate) float64 { return c.keyword }, ModeKeyword)
	normGraph := minMax(candidates, func(c *candidate) float64 { return c.graph }, ModeGraph)

	results := make([]Result, 0, len(candidates))
	for id, c := range candidates {
		res := Result{
			MemoryID:     id,
			Content:      c.content,
			Similarity:   c.semantic,
			ModeScores:   make(map[string]float64),
			GraphContext: c.graphCtx,
		}
		var score float64
		if c.modes[ModeSemantic] {
			res.SearchModes = append(res.SearchModes, ModeSemantic)
			res.ModeScores[ModeSemantic] = normSemantic[id]
			score += weights.Semantic * normSemantic[id]
		}
		if c.modes[ModeKeyword] {
			res.SearchModes = append(res.SearchModes, ModeKeyword)
			res.ModeScores[ModeKeyword] = normKeyword[id]
			score += weights.Keyword * normKeyword[id]
		}
		if c.modes[ModeGraph] {
			res.SearchModes = append(res.SearchModes, ModeGraph)
			res.ModeScores[ModeGraph] = normGraph[id]
			score += weights.Graph * normGraph[id]
		}
		res.HybridScore = score
		results = append(results, res)
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].HybridScore == results[b].HybridScore {
			return results[a].MemoryID < results[b].MemoryID
		}
		return results[a].HybridScore > results[b].HybridScore
	})
	if len(results) > limit {
		results = results[:limit]
	}

	logging.SearchDebug("Hybrid query %q: modes=%v candidates=%d returned=%d", query, activeModes, len(candidates), len(results))
	return results, nil
}

// redistribute drops weights for unconfigured modes and rescales the rest
// proportionally.
func (e *Engine) redistribute(w Weights) Weights {
	if e.semantic == nil {
		w.Semantic = 0
	}
	if e.graph == nil {
		w.Graph = 0
	}
	norm, err := w.Normalize()
	if err != nil {
		// Keyword always carries weight; only reachable if the caller zeroed it.
		return Weights{Keyword: 1}
	}
	return norm
}

// minMax normalizes one mode's scores into [0,1] across candidates that
// participated in that mode. A degenerate range maps to 1.0.
func minMax(candidates map[string]*candidate, score func(*candidate) float64, mode string) map[string]float64 {
	lo := math.Inf(1)
	hi := math.Inf(-1)
	any := false
	for _, c := range candidates {
		if !c.modes[mode] {
			continue
		}
		s := score(c)
		any = true
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make(map[string]float64, len(candidates))
	if !any {
		return out
	}
	for id, c := range candidates {
		if !c.modes[mode] {
			continue
		}
		if hi-lo < weightEpsilon {
			out[id] = 1.0
			continue
		}
		out[id] = (score(c) - lo) / (hi - lo)
	}
	return out
}
