// Package lineage answers ancestry queries over DERIVED_FROM edges: a child
// points at its parent, so ancestors are reached by following edges outward
// and descendants by following them inward. The graph manager rejects cycle-
// closing writes, so every traversal here terminates.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"contextd/internal/graph"
	"contextd/internal/logging"
)

// Sentinel errors.
var (
	ErrEntityNotFound = errors.New("lineage entity not found")
	ErrPathNotFound   = errors.New("lineage path not found")
)

// defaultMaxDepth bounds BFS traversals.
const defaultMaxDepth = 10

// defaultGraphDepth bounds BuildLineageGraph.
const defaultGraphDepth = 3

// TimelineEntry is one generation of an evolution timeline. Generation is
// negative for ancestors, zero for the entity itself, positive for
// descendants. Derivation is the DERIVED_FROM edge to the entry's parent,
// nil for roots.
type TimelineEntry struct {
	Entity     graph.Entity        `json:"entity"`
	Generation int                 `json:"generation"`
	Derivation *graph.Relationship `json:"derivation,omitempty"`
}

// Graph is the lineage subgraph around a center entity.
type Graph struct {
	CenterEntityID  string               `json:"centerEntityId"`
	Nodes           []graph.Entity       `json:"nodes"`
	Edges           []graph.Relationship `json:"edges"`
	AncestorCount   int                  `json:"ancestorCount"`
	DescendantCount int                  `json:"descendantCount"`
}

// Engine runs lineage queries against the graph manager read-only.
type Engine struct {
	graph *graph.Manager
}

// NewEngine creates a lineage engine.
func NewEngine(g *graph.Manager) *Engine {
	return &Engine{graph: g}
}

// GetAncestors returns entities the given one transitively derives from,
// ordered by depth ascending then id.
func (e *Engine) GetAncestors(ctx context.Context, entityID string, maxDepth int) ([]graph.Entity, error) {
	return e.traverse(ctx, entityID, maxDepth, true)
}

// GetDescendants returns entities transitively derived from the given one,
// ordered by depth ascending then id.
func (e *Engine) GetDescendants(ctx context.Context, entityID string, maxDepth int) ([]graph.Entity, error) {
	return e.traverse(ctx, entityID, maxDepth, false)
}

// traverse BFS-walks DERIVED_FROM edges from start. outgoing=true walks
// toward parents, false toward children.
func (e *Engine) traverse(ctx context.Context, entityID string, maxDepth int, outgoing bool) ([]graph.Entity, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if _, err := e.graph.GetEntity(ctx, entityID); err != nil {
		if errors.Is(err, graph.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
		}
		return nil, fmt.Errorf("lineage traverse: %w", err)
	}

	visited := map[string]bool{entityID: true}
	frontier := []string{entityID}
	var result []graph.Entity

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var levelIDs []string
		for _, id := range frontier {
			edges, err := e.graph.DerivedEdges(ctx, id, outgoing)
			if err != nil {
				return nil, fmt.Errorf("lineage traverse: %w", err)
			}
			for _, edge := range edges {
				next := edge.TargetID
				if !outgoing {
					next = edge.SourceID
				}
				if next == "" || visited[next] {
					continue
				}
				visited[next] = true
				levelIDs = append(levelIDs, next)
			}
		}
		// Stable within a depth level.
		sort.Strings(levelIDs)
		for _, id := range levelIDs {
			entity, err := e.graph.GetEntity(ctx, id)
			if err != nil {
				if errors.Is(err, graph.ErrEntityNotFound) {
					continue // dangling edge
				}
				return nil, fmt.Errorf("lineage traverse: %w", err)
			}
			result = append(result, *entity)
		}
		frontier = levelIDs
	}

	logging.LineageDebug("Traverse %s (outgoing=%v depth<=%d): %d entities", entityID, outgoing, maxDepth, len(result))
	return result, nil
}

// GetLineagePath returns the shortest node sequence connecting two entities
// under DERIVED_FROM, ignoring edge direction. Fails with ErrPathNotFound
// when the entities are in unrelated lineages.
func (e *Engine) GetLineagePath(ctx context.Context, fromID, toID string) ([]graph.Entity, error) {
	for _, id := range []string{fromID, toID} {
		if _, err := e.graph.GetEntity(ctx, id); err != nil {
			if errors.Is(err, graph.ErrEntityNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
			}
			return nil, fmt.Errorf("lineage path: %w", err)
		}
	}
	if fromID == toID {
		entity, err := e.graph.GetEntity(ctx, fromID)
		if err != nil {
			return nil, err
		}
		return []graph.Entity{*entity}, nil
	}

	cameFrom := map[string]string{fromID: ""}
	frontier := []string{fromID}
	found := false

	for len(frontier) > 0 && !found {
		var next []string
		for _, id := range frontier {
			neighbors, err := e.derivedNeighbors(ctx, id)
			if err != nil {
				return nil, err
			}
			sort.Strings(neighbors)
			for _, n := range neighbors {
				if _, seen := cameFrom[n]; seen {
					continue
				}
				cameFrom[n] = id
				if n == toID {
					found = true
					break
				}
				next = append(next, n)
			}
			if found {
				break
			}
		}
		frontier = next
	}

	if !found {
		return nil, fmt.Errorf("%w: %s -> %s", ErrPathNotFound, fromID, toID)
	}

	var ids []string
	for id := toID; id != ""; id = cameFrom[id] {
		ids = append(ids, id)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	path := make([]graph.Entity, 0, len(ids))
	for _, id := range ids {
		entity, err := e.graph.GetEntity(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lineage path: %w", err)
		}
		path = append(path, *entity)
	}
	return path, nil
}

// derivedNeighbors returns ids adjacent over DERIVED_FROM in either
// direction.
func (e *Engine) derivedNeighbors(ctx context.Context, id string) ([]string, error) {
	var neighbors []string
	for _, outgoing := range []bool{true, false} {
		edges, err := e.graph.DerivedEdges(ctx, id, outgoing)
		if err != nil {
			return nil, fmt.Errorf("lineage neighbors: %w", err)
		}
		for _, edge := range edges {
			n := edge.TargetID
			if !outgoing {
				n = edge.SourceID
			}
			if n != "" {
				neighbors = append(neighbors, n)
			}
		}
	}
	return neighbors, nil
}

// GetRootAncestors returns the lineage roots above an entity: ancestors (or
// the entity itself) with no outgoing DERIVED_FROM edge.
func (e *Engine) GetRootAncestors(ctx context.Context, entityID string) ([]graph.Entity, error) {
	ancestors, err := e.GetAncestors(ctx, entityID, defaultMaxDepth)
	if err != nil {
		return nil, err
	}

	if len(ancestors) == 0 {
		self, err := e.graph.GetEntity(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return []graph.Entity{*self}, nil
	}

	var roots []graph.Entity
	for _, ancestor := range ancestors {
		edges, err := e.graph.DerivedEdges(ctx, ancestor.ID, true)
		if err != nil {
			return nil, fmt.Errorf("root ancestors: %w", err)
		}
		if len(edges) == 0 {
			roots = append(roots, ancestor)
		}
	}
	return roots, nil
}

// GetEvolutionTimeline returns the entity's full derivation chain: ancestors
// at negative generations, the entity at zero, descendants at positive
// generations, deduped by id and sorted by generation ascending. Each entry
// carries the DERIVED_FROM edge to its parent, nil for roots.
func (e *Engine) GetEvolutionTimeline(ctx context.Context, entityID string) ([]TimelineEntry, error) {
	self, err := e.graph.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, graph.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
		}
		return nil, err
	}

	generations := map[string]int{entityID: 0}
	entities := map[string]graph.Entity{entityID: *self}

	record := func(list []graph.Entity, sign int) {
		for _, entity := range list {
			if _, seen := generations[entity.ID]; seen {
				continue
			}
			entities[entity.ID] = entity
			generations[entity.ID] = sign * e.depthOf(ctx, entityID, entity.ID, sign > 0)
		}
	}

	ancestors, err := e.GetAncestors(ctx, entityID, defaultMaxDepth)
	if err != nil {
		return nil, err
	}
	record(ancestors, -1)

	descendants, err := e.GetDescendants(ctx, entityID, defaultMaxDepth)
	if err != nil {
		return nil, err
	}
	record(descendants, 1)

	entries := make([]TimelineEntry, 0, len(entities))
	for id, entity := range entities {
		entry := TimelineEntry{Entity: entity, Generation: generations[id]}
		edges, err := e.graph.DerivedEdges(ctx, id, true)
		if err != nil {
			return nil, err
		}
		if len(edges) > 0 {
			edge := edges[0]
			entry.Derivation = &edge
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Generation != entries[b].Generation {
			return entries[a].Generation < entries[b].Generation
		}
		return entries[a].Entity.ID < entries[b].Entity.ID
	})
	return entries, nil
}

// depthOf returns the BFS hop count from start to target over DERIVED_FROM.
// descendants=true walks inward, false outward.
func (e *Engine) depthOf(ctx context.Context, startID, targetID string, descendants bool) int {
	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	for depth := 1; depth <= defaultMaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := e.graph.DerivedEdges(ctx, id, !descendants)
			if err != nil {
				return depth
			}
			for _, edge := range edges {
				n := edge.TargetID
				if descendants {
					n = edge.SourceID
				}
				if n == targetID {
					return depth
				}
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return defaultMaxDepth
}

// BuildLineageGraph returns the lineage subgraph around a center entity for
// visualization: nodes and DERIVED_FROM edges within depth in both
// directions.
func (e *Engine) BuildLineageGraph(ctx context.Context, entityID string, depth int) (*Graph, error) {
	if depth <= 0 {
		depth = defaultGraphDepth
	}
	self, err := e.graph.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, graph.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
		}
		return nil, err
	}

	ancestors, err := e.GetAncestors(ctx, entityID, depth)
	if err != nil {
		return nil, err
	}
	descendants, err := e.GetDescendants(ctx, entityID, depth)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		CenterEntityID:  entityID,
		Nodes:           append([]graph.Entity{*self}, append(ancestors, descendants...)...),
		AncestorCount:   len(ancestors),
		DescendantCount: len(descendants),
	}

	seenEdges := make(map[string]bool)
	for _, node := range g.Nodes {
		edges, err := e.graph.DerivedEdges(ctx, node.ID, true)
		if err != nil {
			return nil, fmt.Errorf("lineage graph: %w", err)
		}
		for _, edge := range edges {
			if edge.ID == "" || seenEdges[edge.ID] {
				continue
			}
			seenEdges[edge.ID] = true
			g.Edges = append(g.Edges, edge)
		}
	}

	logging.LineageDebug("Built lineage graph for %s: %d nodes, %d edges", entityID, len(g.Nodes), len(g.Edges))
	return g, nil
}
