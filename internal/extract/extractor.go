// Package extract pulls typed entities out of free text with an ordered
// regex registry. Extraction is deterministic: the same text always yields
// the same entities with the same confidences.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"contextd/internal/logging"
)

// Entity types the registry knows about. These match the graph's type
// vocabulary so extractions can be merged straight into it.
const (
	TypePerson       = "PERSON"
	TypeOrganization = "ORGANIZATION"
	TypeCodeFile     = "CODE_FILE"
	TypeCodeFunction = "CODE_FUNCTION"
	TypeCodeClass    = "CODE_CLASS"
	TypeDecision     = "DECISION"
	TypeTask         = "TASK"
	TypeError        = "ERROR"
	TypeConcept      = "CONCEPT"
	TypeEvent        = "EVENT"
)

// DefaultMinConfidence filters weak matches.
const DefaultMinConfidence = 0.5

// contextBoost is applied when the save context prioritizes a type.
const contextBoost = 1.2

// Extraction is one recognized entity.
type Extraction struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Confidence float64                `json:"confidence"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Context carries the memory being saved so extraction can prioritize
// types and stamp provenance onto the results.
type Context struct {
	Key      string
	Value    string
	Category string
}

// Config tunes the extractor.
type Config struct {
	MinConfidence float64
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{MinConfidence: DefaultMinConfidence}
}

// pattern is one entry of a type's ordered pattern list. Earlier patterns
// are more specific and score higher.
type pattern struct {
	re         *regexp.Regexp
	confidence float64
}

// Extractor holds the compiled registry.
type Extractor struct {
	cfg       Config
	registry  map[string][]pattern
	stoplists map[string]map[string]bool
	// typeOrder keeps output deterministic across map iteration.
	typeOrder []string
}

// NewExtractor compiles the registry.
func NewExtractor(cfg Config) *Extractor {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	e := &Extractor{
		cfg:       cfg,
		registry:  make(map[string][]pattern),
		stoplists: make(map[string]map[string]bool),
	}
	e.register(TypePerson, []string{
		`(?:Mr\.|Mrs\.|Ms\.|Dr\.|Prof\.)\s+(?P<name>[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`,
		`@(?P<name>[A-Za-z][A-Za-z0-9_-]+)`,
		`\b(?P<name>[A-Z][a-z]+\s+[A-Z][a-z]+)\b`,
	}, "the team", "new york", "pull request", "code review", "open source")
	e.register(TypeOrganization, []string{
		`\b(?P<name>(?:The\s+)?[A-Z][A-Za-z0-9]*(?:\s+[A-Z][A-Za-z0-9]*)*[\s]+(?:Inc|LLC|Corp|Ltd|Foundation|Labs)\.?)(?:\s|$|[.,;])`,
		`\b(?P<name>[A-Z][A-Za-z0-9]+)\s+[Tt]eam\b`,
	})
	e.register(TypeCodeFile, []string{
		`(?P<name>[\w./-]+\.(?:go|py|js|ts|tsx|jsx|java|rs|c|cc|cpp|h|hpp|rb|php|sql|yaml|yml|json|toml|md|sh|proto))\b`,
	}, "go.mod", "go.sum")
	e.register(TypeCodeFunction, []string{
		`\bfunc\s+(?:\([^)]*\)\s+)?(?P<name>[A-Za-z_]\w*)`,
		`\bdef\s+(?P<name>[A-Za-z_]\w*)`,
		`\b(?P<name>[A-Za-z_]\w*)\(\)`,
	}, "main", "init", "if", "for", "switch", "return")
	e.register(TypeCodeClass, []string{
		`\btype\s+(?P<name>[A-Z]\w*)\s+(?:struct|interface)\b`,
		`\bclass\s+(?P<name>[A-Za-z_]\w*)`,
		`\binterface\s+(?P<name>[A-Z]\w*)\b`,
	})
	e.register(TypeDecision, []string{
		`(?i)\bdecided\s+to\s+(?P<name>[^.;\n]+)`,
		`(?i)\bdecision:?\s+(?P<name>[^.;\n]+)`,
		`(?i)\b(?:we|I)\s+chose\s+(?P<name>[^.;\n]+)`,
		`(?i)\bgoing\s+with\s+(?P<name>[^.;\n]+)`,
	})
	e.register(TypeTask, []string{
		`(?i)\bTODO:?\s*(?P<name>[^.;\n]+)`,
		`(?i)\btask:?\s+(?P<name>[^.;\n]+)`,
		`(?i)\bneed(?:s)?\s+to\s+(?P<name>[^.;\n]+)`,
	})
	e.register(TypeError, []string{
		`\b(?P<name>[A-Za-z]\w*(?:Error|Exception))\b`,
		`(?i)\bpanic:\s+(?P<name>[^\n]+)`,
		`(?i)\berror:\s+(?P<name>[^.;\n]+)`,
	})
	e.register(TypeConcept, []string{
		"`(?P<name>[^`\n]{2,60})`",
		`"(?P<name>[A-Z][^"\n]{2,40})"`,
	})
	e.register(TypeEvent, []string{
		`(?i)\b(?:deployed|released|launched|migrated|shipped)\s+(?P<name>[^.;\n]+)`,
		`\b(?P<name>v\d+\.\d+(?:\.\d+)?)\b`,
	})
	e.typeOrder = []string{
		TypeCodeFile, TypeCodeFunction, TypeCodeClass, TypeError,
		TypePerson, TypeOrganization, TypeDecision, TypeTask,
		TypeEvent, TypeConcept,
	}
	return e
}

// register compiles the ordered pattern list for a type. Position in the
// list sets the base confidence: 0.9 for the first pattern, 0.1 less per
// step, never below the configured minimum.
func (e *Extractor) register(entityType string, exprs []string, stopwords ...string) {
	patterns := make([]pattern, 0, len(exprs))
	for i, expr := range exprs {
		conf := 0.9 - 0.1*float64(i)
		if conf < e.cfg.MinConfidence {
			conf = e.cfg.MinConfidence
		}
		patterns = append(patterns, pattern{re: regexp.MustCompile(expr), confidence: conf})
	}
	e.registry[entityType] = patterns

	stoplist := make(map[string]bool, len(stopwords))
	for _, w := range stopwords {
		stoplist[strings.ToLower(w)] = true
	}
	e.stoplists[entityType] = stoplist
}

// Extract runs the full registry over the text.
func (e *Extractor) Extract(text string) []Extraction {
	return e.extract(text, nil)
}

// ExtractWithContext extracts from the context's value, boosts the types
// its category prioritizes, and stamps contextKey/contextCategory onto
// each result's properties.
func (e *Extractor) ExtractWithContext(ctx Context) []Extraction {
	boosted := prioritizedTypes(ctx.Category)
	results := e.extract(ctx.Value, boosted)
	for i := range results {
		if results[i].Properties == nil {
			results[i].Properties = make(map[string]interface{})
		}
		if ctx.Key != "" {
			results[i].Properties["contextKey"] = ctx.Key
		}
		if ctx.Category != "" {
			results[i].Properties["contextCategory"] = ctx.Category
		}
	}
	return results
}

func (e *Extractor) extract(text string, boosted map[string]bool) []Extraction {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// Dedup by (type, lowercased name), keeping the highest confidence.
	best := make(map[[2]string]Extraction)
	for _, entityType := range e.typeOrder {
		for _, p := range e.registry[entityType] {
			for _, match := range p.re.FindAllStringSubmatch(text, -1) {
				name := matchName(p.re, match)
				name = normalize(entityType, name)
				if !e.accept(entityType, name) {
					continue
				}
				conf := p.confidence
				if boosted[entityType] {
					conf *= contextBoost
					if conf > 1 {
						conf = 1
					}
				}
				if conf < e.cfg.MinConfidence {
					continue
				}
				key := [2]string{entityType, strings.ToLower(name)}
				if prev, ok := best[key]; !ok || conf > prev.Confidence {
					best[key] = Extraction{Type: entityType, Name: name, Confidence: conf}
				}
			}
		}
	}

	results := make([]Extraction, 0, len(best))
	for _, x := range best {
		results = append(results, x)
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].Confidence != results[b].Confidence {
			return results[a].Confidence > results[b].Confidence
		}
		if results[a].Type != results[b].Type {
			return results[a].Type < results[b].Type
		}
		return results[a].Name < results[b].Name
	})

	logging.ExtractDebug("Extracted %d entities from %d chars", len(results), len(text))
	return results
}

// matchName prefers the named group, then the first capture, then the
// whole match.
func matchName(re *regexp.Regexp, match []string) string {
	for i, name := range re.SubexpNames() {
		if name == "name" && i < len(match) && match[i] != "" {
			return match[i]
		}
	}
	if len(match) > 1 && match[1] != "" {
		return match[1]
	}
	return match[0]
}

// accept applies stoplists and length floors.
func (e *Extractor) accept(entityType, name string) bool {
	floor := 3
	switch entityType {
	case TypeCodeFile, TypeCodeFunction, TypeCodeClass:
		floor = 2
	}
	if len(name) < floor {
		return false
	}
	return !e.stoplists[entityType][strings.ToLower(name)]
}

var honorificPrefix = regexp.MustCompile(`^(?:Mr\.|Mrs\.|Ms\.|Dr\.|Prof\.)\s+`)

// normalize cleans an extracted name per the type's rules.
func normalize(entityType, name string) string {
	name = strings.Join(strings.Fields(name), " ")
	name = strings.TrimPrefix(name, "@")

	switch entityType {
	case TypePerson:
		name = honorificPrefix.ReplaceAllString(name, "")
	case TypeOrganization:
		for _, article := range []string{"The ", "A ", "An "} {
			name = strings.TrimPrefix(name, article)
		}
	}
	if entityType != TypeCodeFile {
		name = strings.TrimRight(name, ".,;:!?")
	}
	return strings.TrimSpace(name)
}

// prioritizedTypes maps a memory category to the entity types it makes
// more likely.
func prioritizedTypes(category string) map[string]bool {
	switch strings.ToLower(category) {
	case "decision", "architecture":
		return map[string]bool{TypeDecision: true, TypeConcept: true}
	case "task", "progress":
		return map[string]bool{TypeTask: true}
	case "error", "debug", "debugging":
		return map[string]bool{TypeError: true, TypeCodeFile: true, TypeCodeFunction: true}
	case "code", "implementation":
		return map[string]bool{TypeCodeFile: true, TypeCodeFunction: true, TypeCodeClass: true}
	default:
		return nil
	}
}
