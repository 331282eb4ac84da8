// Package evolution turns version histories into change timelines: what
// happened to an entity over time, what happened to its neighbors, and
// whether two entities changed together.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"contextd/internal/graph"
	"contextd/internal/logging"
	"contextd/internal/temporal"
)

// ErrEvolutionNotFound means the entity has no version history to report.
var ErrEvolutionNotFound = errors.New("no evolution history for entity")

// Change types.
const (
	ChangeCreated        = "created"
	ChangeUpdated        = "updated"
	ChangeDeleted        = "deleted"
	ChangeRelatedChanged = "related_changed"
)

// maxTimelineDepth caps a single timeline.
const maxTimelineDepth = 100

// correlationWindow is how close two changes must be for CompareEvolution
// to consider them correlated.
const correlationWindow = time.Hour

// Change is one entry of an evolution timeline.
type Change struct {
	EntityID      string                  `json:"entityId"`
	Version       int                     `json:"version"`
	ChangeType    string                  `json:"changeType"`
	Timestamp     time.Time               `json:"timestamp"`
	State         *temporal.EntityVersion `json:"state,omitempty"`
	PreviousState *temporal.EntityVersion `json:"previousState,omitempty"`
	// RelationshipID is set on related_changed entries.
	RelationshipID string `json:"relationshipId,omitempty"`
}

// Options narrows a timeline.
type Options struct {
	StartTime      *time.Time
	EndTime        *time.Time
	ChangeTypes    []string
	IncludeRelated bool
	MaxDepth       int // 0 means maxTimelineDepth
}

// RelatedTimeline is one neighbor's timeline.
type RelatedTimeline struct {
	EntityID string   `json:"entityId"`
	Changes  []Change `json:"changes"`
}

// ChangePair is a correlated pair of changes across two entities.
type ChangePair struct {
	A Change `json:"a"`
	B Change `json:"b"`
}

// Comparison is the result of CompareEvolution.
type Comparison struct {
	EntityA               string       `json:"entityA"`
	EntityB               string       `json:"entityB"`
	TimelineA             []Change     `json:"timelineA"`
	TimelineB             []Change     `json:"timelineB"`
	CorrelatedChanges     []ChangePair `json:"correlatedChanges"`
	CommonRelatedEntities []string     `json:"commonRelatedEntities"`
}

// Tracker reads the temporal store and the graph.
type Tracker struct {
	temporal *temporal.Store
	graph    *graph.Manager
}

// NewTracker creates a tracker.
func NewTracker(t *temporal.Store, g *graph.Manager) *Tracker {
	return &Tracker{temporal: t, graph: g}
}

// GetEvolution returns an entity's change timeline ascending by timestamp.
// The first version is a created change, later current versions are
// updated changes, and a closed newest version yields a trailing deleted
// change at its validTo time.
func (tr *Tracker) GetEvolution(ctx context.Context, entityID string, opts Options) ([]Change, error) {
	history, err := tr.temporal.GetEntityHistory(ctx, entityID)
	if err != nil {
		if errors.Is(err, temporal.ErrNoVersionHistory) {
			return nil, fmt.Errorf("%w: %s", ErrEvolutionNotFound, entityID)
		}
		return nil, fmt.Errorf("get evolution: %w", err)
	}

	// History arrives newest first; changes build oldest first.
	changes := make([]Change, 0, len(history)+1)
	for i := len(history) - 1; i >= 0; i-- {
		v := history[i]
		change := Change{
			EntityID:   entityID,
			Version:    v.Version,
			Timestamp:  v.ValidFrom,
			ChangeType: ChangeUpdated,
		}
		if i == len(history)-1 {
			change.ChangeType = ChangeCreated
		}
		state := v
		change.State = &state
		if i < len(history)-1 {
			prev := history[i+1]
			change.PreviousState = &prev
		}
		changes = append(changes, change)
	}

	// A closed newest version means the entity was invalidated and never
	// resumed. Shown as a deletion at the close time.
	if newest := history[0]; newest.ValidTo != nil {
		state := newest
		changes = append(changes, Change{
			EntityID:      entityID,
			Version:       newest.Version,
			ChangeType:    ChangeDeleted,
			Timestamp:     *newest.ValidTo,
			PreviousState: &state,
		})
	}

	if opts.IncludeRelated {
		related, err := tr.relatedChanges(ctx, entityID)
		if err != nil {
			return nil, err
		}
		changes = append(changes, related...)
	}

	changes = filterChanges(changes, opts)

	sort.Slice(changes, func(a, b int) bool {
		if !changes[a].Timestamp.Equal(changes[b].Timestamp) {
			return changes[a].Timestamp.Before(changes[b].Timestamp)
		}
		return changes[a].Version < changes[b].Version
	})

	depth := opts.MaxDepth
	if depth <= 0 || depth > maxTimelineDepth {
		depth = maxTimelineDepth
	}
	if len(changes) > depth {
		changes = changes[:depth]
	}

	logging.EvolutionDebug("Timeline for %s: %d changes", entityID, len(changes))
	return changes, nil
}

// relatedChanges emits a related_changed entry for every version of every
// relationship incident to the entity.
func (tr *Tracker) relatedChanges(ctx context.Context, entityID string) ([]Change, error) {
	rels, err := tr.graph.FindRelationshipsByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("related changes: %w", err)
	}

	var changes []Change
	for _, rel := range rels {
		history, err := tr.temporal.GetRelationshipHistory(ctx, rel.ID)
		if err != nil {
			if errors.Is(err, temporal.ErrNoVersionHistory) {
				continue
			}
			return nil, fmt.Errorf("related changes: %w", err)
		}
		for _, v := range history {
			changes = append(changes, Change{
				EntityID:       entityID,
				Version:        v.Version,
				ChangeType:     ChangeRelatedChanged,
				Timestamp:      v.ValidFrom,
				RelationshipID: v.RelationshipID,
			})
		}
	}
	return changes, nil
}

func filterChanges(changes []Change, opts Options) []Change {
	var allowed map[string]bool
	if len(opts.ChangeTypes) > 0 {
		allowed = make(map[string]bool, len(opts.ChangeTypes))
		for _, t := range opts.ChangeTypes {
			allowed[t] = true
		}
	}

	out := changes[:0]
	for _, c := range changes {
		if opts.StartTime != nil && c.Timestamp.Before(*opts.StartTime) {
			continue
		}
		if opts.EndTime != nil && c.Timestamp.After(*opts.EndTime) {
			continue
		}
		if allowed != nil && !allowed[c.ChangeType] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// GetRelatedEvolution returns the timelines of an entity's graph neighbors.
// Neighbors with no version history are skipped.
func (tr *Tracker) GetRelatedEvolution(ctx context.Context, entityID string, opts Options) ([]RelatedTimeline, error) {
	neighbors, err := tr.neighborIDs(ctx, entityID)
	if err != nil {
		return nil, err
	}

	timelines := make([]RelatedTimeline, 0, len(neighbors))
	for _, id := range neighbors {
		changes, err := tr.GetEvolution(ctx, id, opts)
		if err != nil {
			if errors.Is(err, ErrEvolutionNotFound) {
				continue
			}
			return nil, err
		}
		timelines = append(timelines, RelatedTimeline{EntityID: id, Changes: changes})
	}
	return timelines, nil
}

// neighborIDs returns the sorted ids of entities directly related to the
// given one.
func (tr *Tracker) neighborIDs(ctx context.Context, entityID string) ([]string, error) {
	rels, err := tr.graph.FindRelationshipsByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, rel := range rels {
		for _, id := range []string{rel.SourceID, rel.TargetID} {
			if id == entityID || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CompareEvolution lines up two entities' timelines: changes within an hour
// of each other are reported as correlated, and shared graph neighbors as
// common related entities.
func (tr *Tracker) CompareEvolution(ctx context.Context, entityA, entityB string) (*Comparison, error) {
	timelineA, err := tr.GetEvolution(ctx, entityA, Options{})
	if err != nil {
		return nil, err
	}
	timelineB, err := tr.GetEvolution(ctx, entityB, Options{})
	if err != nil {
		return nil, err
	}

	var pairs []ChangePair
	for _, a := range timelineA {
		for _, b := range timelineB {
			delta := a.Timestamp.Sub(b.Timestamp)
			if delta < 0 {
				delta = -delta
			}
			if delta <= correlationWindow {
				pairs = append(pairs, ChangePair{A: a, B: b})
			}
		}
	}

	neighborsA, err := tr.neighborIDs(ctx, entityA)
	if err != nil {
		return nil, err
	}
	neighborsB, err := tr.neighborIDs(ctx, entityB)
	if err != nil {
		return nil, err
	}
	inB := make(map[string]bool, len(neighborsB))
	for _, id := range neighborsB {
		inB[id] = true
	}
	var common []string
	for _, id := range neighborsA {
		if inB[id] && id != entityA && id != entityB {
			common = append(common, id)
		}
	}

	return &Comparison{
		EntityA:               entityA,
		EntityB:               entityB,
		TimelineA:             timelineA,
		TimelineB:             timelineB,
		CorrelatedChanges:     pairs,
		CommonRelatedEntities: common,
	}, nil
}
