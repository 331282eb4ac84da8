// Package vector implements the embedding index: one row per memory with its
// embedding stored alongside session/category filters, and cosine top-K
// search over the candidate set.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"contextd/internal/embedding"
	"contextd/internal/logging"
)

// Entry is one indexed memory embedding.
type Entry struct {
	MemoryID  string
	SessionID string
	Category  string
	Content   string
	Embedding []float32
}

// Hit is a search result with its cosine similarity.
type Hit struct {
	MemoryID   string
	SessionID  string
	Category   string
	Content    string
	Similarity float64
}

// Filter narrows search candidates before scoring.
type Filter struct {
	SessionID string
	Category  string
}

// Index stores embeddings in SQLite and serves cosine top-K queries.
// When the sqlite-vec extension is available it is detected and logged;
// scoring runs as a Go-side scan over the filtered candidate set either way.
type Index struct {
	db        *sql.DB
	mu        sync.RWMutex
	vectorExt bool
}

// NewIndex creates the vectors table on the shared store handle.
func NewIndex(db *sql.DB) (*Index, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		memory_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		category TEXT,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_session ON vectors(session_id);
	CREATE INDEX IF NOT EXISTS idx_vectors_category ON vectors(category);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create vectors table: %w", err)
	}

	idx := &Index{db: db}
	idx.detectVecExtension()
	if idx.vectorExt {
		logging.Vector("sqlite-vec extension detected and enabled")
	} else {
		logging.VectorDebug("sqlite-vec extension not available; using linear scan")
	}
	return idx, nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (i *Index) detectVecExtension() {
	if i.db == nil {
		return
	}
	if _, err := i.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		i.vectorExt = true
		_, _ = i.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	i.vectorExt = false
}

// HasVecExtension reports whether the sqlite-vec extension loaded.
func (i *Index) HasVecExtension() bool {
	return i.vectorExt
}

// Upsert stores or replaces the embedding for a memory.
func (i *Index) Upsert(ctx context.Context, entry Entry) error {
	if entry.MemoryID == "" || entry.SessionID == "" {
		return fmt.Errorf("vector upsert: memory id and session id required")
	}
	if len(entry.Embedding) == 0 {
		return fmt.Errorf("vector upsert: empty embedding for memory %s", entry.MemoryID)
	}

	embeddingJSON, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("vector upsert: failed to serialize embedding: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	logging.VectorDebug("Upserting vector: memory=%s session=%s dim=%d", entry.MemoryID, entry.SessionID, len(entry.Embedding))

	_, err = i.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (memory_id, session_id, category, content, embedding)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.MemoryID, entry.SessionID, nullable(entry.Category), entry.Content, string(embeddingJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryVector).Error("Vector upsert failed for %s: %v", entry.MemoryID, err)
		return fmt.Errorf("vector upsert: %w", err)
	}
	return nil
}

// Delete removes the embedding row for a memory. Missing rows are not errors.
func (i *Index) Delete(ctx context.Context, memoryID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, err := i.db.ExecContext(ctx, `DELETE FROM vectors WHERE memory_id = ?`, memoryID)
	if err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	return nil
}

// DeleteSession removes all embedding rows for a session.
func (i *Index) DeleteSession(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, err := i.db.ExecContext(ctx, `DELETE FROM vectors WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("vector delete session: %w", err)
	}
	return nil
}

// Search returns the top-K entries by cosine similarity against the query
// embedding, after applying filters and the similarity threshold.
func (i *Index) Search(ctx context.Context, query []float32, limit int, threshold float64, filter Filter) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	sqlQuery := `SELECT memory_id, session_id, category, content, embedding FROM vectors WHERE 1=1`
	var args []interface{}
	if filter.SessionID != "" {
		sqlQuery += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Category != "" {
		sqlQuery += ` AND category = ?`
		args = append(args, filter.Category)
	}

	rows, err := i.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		logging.Get(logging.CategoryVector).Error("Vector search query failed: %v", err)
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var category sql.NullString
		var embeddingJSON string
		if err := rows.Scan(&hit.MemoryID, &hit.SessionID, &category, &hit.Content, &embeddingJSON); err != nil {
			logging.Get(logging.CategoryVector).Warn("Vector row scan failed: %v", err)
			continue
		}
		hit.Category = category.String

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			logging.Get(logging.CategoryVector).Warn("Vector deserialize failed for %s: %v", hit.MemoryID, err)
			continue
		}

		similarity, err := embedding.CosineSimilarity(query, vec)
		if err != nil {
			continue // dimension mismatch from a provider change; skip
		}
		if similarity < threshold {
			continue
		}
		hit.Similarity = similarity
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search rows: %w", err)
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Similarity > hits[b].Similarity
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	logging.VectorDebug("Vector search returned %d hits (limit=%d threshold=%.2f)", len(hits), limit, threshold)
	return hits, nil
}

// Count returns the number of indexed embeddings, optionally per session.
func (i *Index) Count(sessionID string) (int64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var count int64
	var err error
	if sessionID == "" {
		err = i.db.QueryRow(`SELECT COUNT(*) FROM vectors`).Scan(&count)
	} else {
		err = i.db.QueryRow(`SELECT COUNT(*) FROM vectors WHERE session_id = ?`, sessionID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("vector count: %w", err)
	}
	return count, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
