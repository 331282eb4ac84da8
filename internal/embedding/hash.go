package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// =============================================================================
// HASH EMBEDDING ENGINE (deterministic, offline)
// =============================================================================

// HashEngine produces deterministic pseudo-embeddings by hashing tokens into
// a fixed-dimension bag-of-words vector. It has no semantic understanding but
// gives stable, offline-safe vectors: identical texts always embed
// identically, and texts sharing tokens land near each other. Used when no
// provider is configured and in tests.
type HashEngine struct {
	dimensions int
}

// NewHashEngine creates a hash engine with the given dimensionality.
func NewHashEngine(dimensions int) *HashEngine {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &HashEngine{dimensions: dimensions}
}

// Embed generates a deterministic embedding for a single text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dimensions)
		// Second hash word decides the sign so vectors spread across the space.
		if binary.BigEndian.Uint32(sum[4:8])%2 == 0 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}

	// L2-normalize so cosine similarity behaves like the real engines.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// Dimensions returns the configured dimensionality.
func (e *HashEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return "hash"
}
