package extract

import (
	"strings"
	"testing"
)

func findByType(results []Extraction, entityType string) []Extraction {
	var out []Extraction
	for _, r := range results {
		if r.Type == entityType {
			out = append(out, r)
		}
	}
	return out
}

func hasName(results []Extraction, name string) bool {
	for _, r := range results {
		if r.Name == name {
			return true
		}
	}
	return false
}

func TestExtractCodeEntities(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.Extract("Refactored internal/auth/handler.go: func ValidateToken now calls parseJWT() before type Claims struct is built")

	files := findByType(results, TypeCodeFile)
	if !hasName(files, "internal/auth/handler.go") {
		t.Errorf("Expected code file, got %+v", files)
	}
	funcs := findByType(results, TypeCodeFunction)
	if !hasName(funcs, "ValidateToken") || !hasName(funcs, "parseJWT") {
		t.Errorf("Expected both functions, got %+v", funcs)
	}
	classes := findByType(results, TypeCodeClass)
	if !hasName(classes, "Claims") {
		t.Errorf("Expected Claims struct, got %+v", classes)
	}
}

func TestExtractPersonNormalization(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.Extract("Dr. Jane Smith approved the design, ping @jsmith-dev for review")

	people := findByType(results, TypePerson)
	if !hasName(people, "Jane Smith") {
		t.Errorf("Honorific should be stripped, got %+v", people)
	}
	if !hasName(people, "jsmith-dev") {
		t.Errorf("Mention @ should be stripped, got %+v", people)
	}
	for _, p := range people {
		if strings.HasPrefix(p.Name, "Dr.") || strings.HasPrefix(p.Name, "@") {
			t.Errorf("Unnormalized person name: %q", p.Name)
		}
	}
}

func TestExtractOrganizationDropsArticle(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.Extract("We partner with The Acme Corp on hosting.")
	orgs := findByType(results, TypeOrganization)
	if !hasName(orgs, "Acme Corp") {
		t.Errorf("Leading article should be stripped, got %+v", orgs)
	}
}

func TestExtractErrorsAndDecisions(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.Extract("Hit a TimeoutError again. We decided to cache the token for an hour.")

	errs := findByType(results, TypeError)
	if !hasName(errs, "TimeoutError") {
		t.Errorf("Expected TimeoutError, got %+v", errs)
	}
	decisions := findByType(results, TypeDecision)
	if len(decisions) != 1 || !strings.Contains(decisions[0].Name, "cache the token") {
		t.Errorf("Expected decision, got %+v", decisions)
	}
}

func TestTrailingPunctuationKeptForFiles(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.Extract("See config.yaml. Also check loadConfig().")
	files := findByType(results, TypeCodeFile)
	if !hasName(files, "config.yaml") {
		t.Errorf("File extension must survive, got %+v", files)
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name, ".") && !strings.HasSuffix(f.Name, ".yaml") {
			t.Errorf("Unexpected trailing punctuation: %q", f.Name)
		}
	}
}

func TestDedupKeepsHighestConfidence(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	// Same function name via the func pattern (high) and call pattern (lower).
	results := e.Extract("func ParseInput handles it, callers just use ParseInput()")
	funcs := findByType(results, TypeCodeFunction)
	var matches int
	for _, f := range funcs {
		if strings.EqualFold(f.Name, "ParseInput") {
			matches++
			if f.Confidence < 0.9 {
				t.Errorf("Dedup should keep the highest confidence, got %v", f.Confidence)
			}
		}
	}
	if matches != 1 {
		t.Errorf("Expected single deduped entry, got %d", matches)
	}
}

func TestStoplistRejects(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.Extract("if() and for() are not functions, but render() is")
	funcs := findByType(results, TypeCodeFunction)
	if hasName(funcs, "if") || hasName(funcs, "for") {
		t.Errorf("Stoplisted names leaked: %+v", funcs)
	}
	if !hasName(funcs, "render") {
		t.Errorf("Expected render, got %+v", funcs)
	}
}

func TestContextBoostAndProvenance(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	plain := e.Extract("TODO: migrate the session table")
	boosted := e.ExtractWithContext(Context{
		Key: "sprint-notes", Value: "TODO: migrate the session table", Category: "task",
	})

	plainTasks := findByType(plain, TypeTask)
	boostedTasks := findByType(boosted, TypeTask)
	if len(plainTasks) != 1 || len(boostedTasks) != 1 {
		t.Fatalf("Expected one task each, got %d/%d", len(plainTasks), len(boostedTasks))
	}
	if boostedTasks[0].Confidence <= plainTasks[0].Confidence {
		t.Errorf("Context should boost confidence: %v <= %v", boostedTasks[0].Confidence, plainTasks[0].Confidence)
	}
	if boostedTasks[0].Properties["contextKey"] != "sprint-notes" {
		t.Errorf("Missing contextKey: %+v", boostedTasks[0].Properties)
	}
	if boostedTasks[0].Properties["contextCategory"] != "task" {
		t.Errorf("Missing contextCategory: %+v", boostedTasks[0].Properties)
	}
}

func TestConfidenceBounds(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	results := e.ExtractWithContext(Context{
		Value: "error: disk full in writer.go, func Flush failed", Category: "debug",
	})
	for _, r := range results {
		if r.Confidence < DefaultMinConfidence || r.Confidence > 1 {
			t.Errorf("Confidence out of bounds for %+v", r)
		}
	}
}

func TestEmptyAndDeterministic(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	if got := e.Extract("   "); got != nil {
		t.Errorf("Expected nil for blank text, got %+v", got)
	}

	text := "Deployed v2.1.0, @alice fixed the ParseError in parser.go"
	first := e.Extract(text)
	second := e.Extract(text)
	if len(first) != len(second) {
		t.Fatalf("Nondeterministic result count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Type != second[i].Type || first[i].Name != second[i].Name || first[i].Confidence != second[i].Confidence {
			t.Errorf("Nondeterministic at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}
