// Package infer derives typed relationships between entities that appear
// together in a context window. A static rule table maps (source type,
// target type, trigger phrase) to a relationship type and weight, so the
// same window and entities always yield the same edges.
package infer

import (
	"regexp"
	"sort"

	"contextd/internal/extract"
	"contextd/internal/logging"
)

// Relationship types the rule table can emit.
const (
	RelDependsOn  = "DEPENDS_ON"
	RelImplements = "IMPLEMENTS"
	RelUses       = "USES"
	RelReferences = "REFERENCES"
	RelCauses     = "CAUSES"
	RelBlocks     = "BLOCKS"
	RelRelatedTo  = "RELATED_TO"
)

// DefaultMinConfidence filters weak emissions.
const DefaultMinConfidence = 0.5

// DefaultMaxPerPair caps relationships emitted per ordered entity pair.
const DefaultMaxPerPair = 3

// Entity is an already-resolved graph entity inside the window.
type Entity struct {
	ID   string
	Type string
	Name string
}

// Inference is one derived relationship.
type Inference struct {
	SourceID string  `json:"sourceId"`
	TargetID string  `json:"targetId"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
}

// Config tunes the inferencer.
type Config struct {
	MinConfidence float64
	MaxPerPair    int
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{MinConfidence: DefaultMinConfidence, MaxPerPair: DefaultMaxPerPair}
}

// trigger is one phrase pattern with its emission weight.
type trigger struct {
	re     *regexp.Regexp
	weight float64
}

// rule matches an ordered pair of entity types against window text.
// Empty type sets mean any type.
type rule struct {
	relType     string
	sourceTypes map[string]bool
	targetTypes map[string]bool
	triggers    []trigger
}

// Inferencer holds the compiled rule table.
type Inferencer struct {
	cfg   Config
	rules []rule
}

func typeSet(types ...string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func trig(expr string, weight float64) trigger {
	return trigger{re: regexp.MustCompile(expr), weight: weight}
}

var codeTypes = []string{extract.TypeCodeFile, extract.TypeCodeFunction, extract.TypeCodeClass}

// NewInferencer compiles the rule table.
func NewInferencer(cfg Config) *Inferencer {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.MaxPerPair <= 0 {
		cfg.MaxPerPair = DefaultMaxPerPair
	}

	return &Inferencer{
		cfg: cfg,
		rules: []rule{
			{
				relType:     RelDependsOn,
				sourceTypes: typeSet(append(codeTypes, extract.TypeTask)...),
				targetTypes: typeSet(append(codeTypes, extract.TypeTask)...),
				triggers: []trigger{
					trig(`(?i)\bdepends\s+on\b`, 0.85),
					trig(`(?i)\brequires\b`, 0.75),
					trig(`(?i)\bneeds\b`, 0.6),
				},
			},
			{
				relType:     RelImplements,
				sourceTypes: typeSet(codeTypes...),
				targetTypes: typeSet(extract.TypeConcept, extract.TypeDecision, extract.TypeTask),
				triggers: []trigger{
					trig(`(?i)\bimplements\b`, 0.85),
					trig(`(?i)\bimplementation\s+of\b`, 0.8),
				},
			},
			{
				relType:     RelUses,
				sourceTypes: typeSet(append(codeTypes, extract.TypePerson)...),
				targetTypes: typeSet(append(codeTypes, extract.TypeConcept, extract.TypeOrganization)...),
				triggers: []trigger{
					trig(`(?i)\buses\b`, 0.75),
					trig(`(?i)\busing\b`, 0.7),
					trig(`(?i)\bcalls\b`, 0.7),
					trig(`(?i)\binvokes\b`, 0.7),
				},
			},
			{
				relType: RelCauses,
				sourceTypes: typeSet(append(codeTypes,
					extract.TypeError, extract.TypeEvent)...),
				targetTypes: typeSet(extract.TypeError, extract.TypeEvent),
				triggers: []trigger{
					trig(`(?i)\bcauses\b`, 0.85),
					trig(`(?i)\bcaused\b`, 0.8),
					trig(`(?i)\bleads\s+to\b`, 0.75),
					trig(`(?i)\btriggers\b`, 0.75),
				},
			},
			{
				relType:     RelBlocks,
				sourceTypes: typeSet(extract.TypeTask, extract.TypeError),
				targetTypes: typeSet(extract.TypeTask),
				triggers: []trigger{
					trig(`(?i)\bblocks\b`, 0.85),
					trig(`(?i)\bblocked\s+by\b`, 0.8),
					trig(`(?i)\bblocking\b`, 0.75),
				},
			},
			{
				relType: RelReferences,
				triggers: []trigger{
					trig(`(?i)\brefers\s+to\b`, 0.65),
					trig(`(?i)\breferences\b`, 0.65),
					trig(`(?i)\bsee\b`, 0.55),
				},
			},
			{
				relType: RelRelatedTo,
				triggers: []trigger{
					trig(`(?i)\b(?:along\s+)?with\b`, 0.5),
					trig(`(?i)\band\b`, 0.5),
				},
			},
		},
	}
}

// Infer emits relationships for every ordered entity pair in the window.
// Results are deduped per (source, target, type) keeping the maximum
// weight, capped per pair, and sorted by weight descending.
func (inf *Inferencer) Infer(window string, entities []Entity) []Inference {
	if window == "" || len(entities) < 2 {
		return nil
	}

	type pairKey struct{ src, tgt string }
	type edgeKey struct{ src, tgt, rel string }
	best := make(map[edgeKey]float64)

	for _, src := range entities {
		for _, tgt := range entities {
			if src.ID == tgt.ID {
				continue
			}
			for _, r := range inf.rules {
				if r.sourceTypes != nil && !r.sourceTypes[src.Type] {
					continue
				}
				if r.targetTypes != nil && !r.targetTypes[tgt.Type] {
					continue
				}
				for _, t := range r.triggers {
					if t.weight < inf.cfg.MinConfidence || !t.re.MatchString(window) {
						continue
					}
					key := edgeKey{src.ID, tgt.ID, r.relType}
					if t.weight > best[key] {
						best[key] = t.weight
					}
				}
			}
		}
	}

	edges := make([]Inference, 0, len(best))
	for key, weight := range best {
		edges = append(edges, Inference{
			SourceID: key.src, TargetID: key.tgt, Type: key.rel, Weight: weight,
		})
	}
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].Weight != edges[b].Weight {
			return edges[a].Weight > edges[b].Weight
		}
		if edges[a].SourceID != edges[b].SourceID {
			return edges[a].SourceID < edges[b].SourceID
		}
		if edges[a].TargetID != edges[b].TargetID {
			return edges[a].TargetID < edges[b].TargetID
		}
		return edges[a].Type < edges[b].Type
	})

	// Cap per ordered pair, keeping the strongest edges.
	perPair := make(map[pairKey]int)
	capped := edges[:0]
	for _, e := range edges {
		key := pairKey{e.SourceID, e.TargetID}
		if perPair[key] >= inf.cfg.MaxPerPair {
			continue
		}
		perPair[key]++
		capped = append(capped, e)
	}

	logging.ExtractDebug("Inferred %d relationships from %d entities", len(capped), len(entities))
	return capped
}
