// Package search implements keyword scoring (BM25 over an incremental
// inverted index) and the hybrid fusion engine that combines keyword,
// semantic, and graph-proximity signals.
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"contextd/internal/logging"
)

// BM25Params are the standard tuning knobs.
type BM25Params struct {
	K1 float64
	B  float64
}

// DefaultBM25Params returns the conventional defaults.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: 1.2, B: 0.75}
}

// Doc is one indexed document.
type Doc struct {
	ID        string
	SessionID string
	Content   string
}

// Hit is one scored document.
type Hit struct {
	ID      string
	Score   float64
	Content string
}

type docEntry struct {
	sessionID string
	content   string
	length    int
}

// BM25Index is an incremental inverted index with document-length
// normalization. Adds and removes keep the postings consistent so documents
// can be re-indexed in place.
type BM25Index struct {
	mu       sync.RWMutex
	params   BM25Params
	docs     map[string]docEntry
	postings map[string]map[string]int // term -> docID -> term frequency
	totalLen int
}

// NewBM25Index creates an empty index.
func NewBM25Index(params BM25Params) *BM25Index {
	if params.K1 <= 0 {
		params.K1 = 1.2
	}
	if params.B < 0 || params.B > 1 {
		params.B = 0.75
	}
	return &BM25Index{
		params:   params,
		docs:     make(map[string]docEntry),
		postings: make(map[string]map[string]int),
	}
}

// Add indexes or re-indexes a document.
func (idx *BM25Index) Add(doc Doc) {
	if doc.ID == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(doc.ID)

	terms := tokenize(doc.Content)
	entry := docEntry{sessionID: doc.SessionID, content: doc.Content, length: len(terms)}
	idx.docs[doc.ID] = entry
	idx.totalLen += entry.length

	for _, term := range terms {
		posting, ok := idx.postings[term]
		if !ok {
			posting = make(map[string]int)
			idx.postings[term] = posting
		}
		posting[doc.ID]++
	}
}

// Remove drops a document from the index. Unknown ids are a no-op.
func (idx *BM25Index) Remove(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docID)
}

func (idx *BM25Index) removeLocked(docID string) {
	entry, ok := idx.docs[docID]
	if !ok {
		return
	}
	idx.totalLen -= entry.length
	delete(idx.docs, docID)

	for term, posting := range idx.postings {
		if _, ok := posting[docID]; ok {
			delete(posting, docID)
			if len(posting) == 0 {
				delete(idx.postings, term)
			}
		}
	}
}

// Len returns the number of indexed documents.
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search scores documents against the query, optionally restricted to a
// session, and returns the top hits by descending score.
func (idx *BM25Index) Search(query string, limit int, sessionID string) []Hit {
	timer := logging.StartTimer(logging.CategorySearch, "BM25Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := float64(len(idx.docs))
	if n == 0 {
		return nil
	}
	avgLen := float64(idx.totalLen) / n

	scores := make(map[string]float64)
	for _, term := range terms {
		posting, ok := idx.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for docID, tf := range posting {
			entry := idx.docs[docID]
			if sessionID != "" && entry.sessionID != sessionID {
				continue
			}
			denom := float64(tf) + idx.params.K1*(1-idx.params.B+idx.params.B*float64(entry.length)/avgLen)
			scores[docID] += idf * float64(tf) * (idx.params.K1 + 1) / denom
		}
	}

	hits := make([]Hit, 0, len(scores))
	for docID, score := range scores {
		hits = append(hits, Hit{ID: docID, Score: score, Content: idx.docs[docID].content})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score == hits[b].Score {
			return hits[a].ID < hits[b].ID
		}
		return hits[a].Score > hits[b].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	logging.SearchDebug("BM25 query %q matched %d docs", query, len(hits))
	return hits
}

// tokenize lowercases and splits on non-alphanumeric runes, keeping terms of
// length >= 2.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			terms = append(terms, f)
		}
	}
	return terms
}
