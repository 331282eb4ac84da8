package ident

import (
	"strings"
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Errorf("Expected sorted keys, got %s", a)
	}
}

func TestCanonicalJSONEquivalentInputs(t *testing.T) {
	type payload struct {
		Tree    string `json:"treeHash"`
		Project string `json:"projectId"`
	}

	fromStruct, err := CanonicalJSON(payload{Tree: "t1", Project: "p1"})
	if err != nil {
		t.Fatalf("CanonicalJSON struct failed: %v", err)
	}
	fromMap, err := CanonicalJSON(map[string]string{"projectId": "p1", "treeHash": "t1"})
	if err != nil {
		t.Fatalf("CanonicalJSON map failed: %v", err)
	}

	if string(fromStruct) != string(fromMap) {
		t.Errorf("Struct and map forms differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestCanonicalJSONNoHTMLEscaping(t *testing.T) {
	b, err := CanonicalJSON(map[string]string{"msg": "a < b && c > d"})
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if strings.Contains(string(b), `<`) {
		t.Errorf("HTML escaping leaked into canonical form: %s", b)
	}
}

func TestCanonicalJSONNested(t *testing.T) {
	v := map[string]interface{}{
		"z": []interface{}{map[string]interface{}{"y": 1, "x": 2}},
		"a": nil,
	}
	b, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	want := `{"a":null,"z":[{"x":2,"y":1}]}`
	if string(b) != want {
		t.Errorf("Expected %s, got %s", want, b)
	}
}

func TestHashCanonicalDeterministic(t *testing.T) {
	h1, err := HashCanonical(map[string]int{"k": 1})
	if err != nil {
		t.Fatalf("HashCanonical failed: %v", err)
	}
	h2, _ := HashCanonical(map[string]int{"k": 1})
	if h1 != h2 {
		t.Errorf("Hashes differ for identical input: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(h1))
	}
}

func TestNewIDTimeSortable(t *testing.T) {
	first := NewID()
	second := NewID()
	if first == second {
		t.Fatalf("Expected distinct ids, got %s twice", first)
	}
	// UUIDv7 ids generated in order compare lexicographically in order.
	if first > second {
		t.Errorf("Expected %s <= %s", first, second)
	}
}

func TestDocumentIDStable(t *testing.T) {
	if DocumentID("src/index.ts") != DocumentID("src/index.ts") {
		t.Error("DocumentID should be a pure function of the path")
	}
	if DocumentID("src/index.ts") == DocumentID("src/other.ts") {
		t.Error("Different paths should hash differently")
	}
}
