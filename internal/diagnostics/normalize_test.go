package diagnostics

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intp(v int) *int { return &v }

func TestCollapseWhitespace(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  Cannot find   name 'foo'.  ", "Cannot find name 'foo'."},
		{"line\none\ttwo", "line one two"},
		{"already clean", "already clean"},
		{"", ""},
	}
	for _, c := range cases {
		if got := collapseWhitespace(c.in); got != c.want {
			t.Errorf("collapseWhitespace(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{`src\index.ts`, "src/index.ts"},
		{"src//lib///util.ts", "src/lib/util.ts"},
		{"src/../index.ts", "src/../index.ts"}, // no .. resolution
	}
	for _, c := range cases {
		if got := normalizePath(c.in); got != c.want {
			t.Errorf("normalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMapSeverity(t *testing.T) {
	cases := []struct{ in, want string }{
		{"error", "error"}, {"Error", "error"}, {"WARNING", "warning"},
		{"note", "note"}, {"info", "info"}, {"none", "note"}, {"", "note"},
	}
	for _, c := range cases {
		if got := mapSeverity(c.in); got != c.want {
			t.Errorf("mapSeverity(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeSortStability(t *testing.T) {
	raw := []RawFinding{
		{RuleID: "R2", Level: "error", Message: "b", FilePath: "src/b.ts", StartLine: 5, StartColumn: intp(1)},
		{RuleID: "R1", Level: "error", Message: "a", FilePath: "src/a.ts", StartLine: 10, StartColumn: intp(5)},
		{RuleID: "R3", Level: "warning", Message: "c", FilePath: "src/a.ts", StartLine: 10, StartColumn: intp(2)},
	}

	want := NormalizeFindings(raw)

	// Shuffled input must normalize to the identical sorted list.
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]RawFinding(nil), raw...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := NormalizeFindings(shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Shuffle %d changed normalized output (-want +got):\n%s", trial, diff)
		}
	}

	if want[0].FilePath != "src/a.ts" || want[0].StartColumn == nil || *want[0].StartColumn != 2 {
		t.Errorf("Expected (a.ts,10,2) first, got %+v", want[0])
	}
}

func TestStampDeterminism(t *testing.T) {
	key := AnalysisKey{ProjectID: "p1", TreeHash: "t1", ToolName: "tsc", ToolVersion: "5.3.3", ConfigHash: "c1"}

	// Whitespace and path-separator variants hash identically.
	a := NormalizeFindings([]RawFinding{
		{RuleID: "TS2304", Level: "error", Message: "Cannot find  name 'foo'.", FilePath: `src\index.ts`, StartLine: 10, StartColumn: intp(5)},
	})
	b := NormalizeFindings([]RawFinding{
		{RuleID: "TS2304", Level: "error", Message: "Cannot find name 'foo'.", FilePath: "src/index.ts", StartLine: 10, StartColumn: intp(5)},
	})

	idA, digestA, err := StampFindings(key, a)
	if err != nil {
		t.Fatalf("StampFindings failed: %v", err)
	}
	idB, digestB, _ := StampFindings(key, b)
	if idA != idB || digestA != digestB {
		t.Errorf("Equivalent inputs produced different ids: %s vs %s", idA, idB)
	}
	if a[0].FindingID != b[0].FindingID {
		t.Errorf("Equivalent findings got different ids")
	}
	if a[0].AnalysisID != idA {
		t.Errorf("Finding not stamped with analysis id")
	}
}

func TestAnalysisIDChangesWithKey(t *testing.T) {
	findings := NormalizeFindings([]RawFinding{
		{RuleID: "R1", Level: "error", Message: "m", FilePath: "a.ts", StartLine: 1},
	})

	keyA := AnalysisKey{ProjectID: "p1", TreeHash: "t1", ToolName: "tsc", ToolVersion: "5", ConfigHash: "c"}
	keyB := keyA
	keyB.TreeHash = "t2"

	fa := append([]Finding(nil), findings...)
	fb := append([]Finding(nil), findings...)
	idA, _, _ := StampFindings(keyA, fa)
	idB, _, _ := StampFindings(keyB, fb)
	if idA == idB {
		t.Error("Different tree hashes must produce different analysis ids")
	}
	if fa[0].FindingID == fb[0].FindingID {
		t.Error("Finding ids must differ across analyses")
	}
}

func TestFindingsDigestOrderIndependent(t *testing.T) {
	ids := []string{"ccc", "aaa", "bbb"}
	rev := []string{"bbb", "aaa", "ccc"}
	if FindingsDigest(ids) != FindingsDigest(rev) {
		t.Error("Digest must be order-independent")
	}
	if FindingsDigest(ids) == FindingsDigest(ids[:2]) {
		t.Error("Digest must depend on the count")
	}
}
