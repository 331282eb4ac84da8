// Package config defines the contextd configuration surface.
// Options are explicit, enumerated structs; unknown fields in a config file
// are validation errors rather than silently ignored.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full contextd configuration.
type Config struct {
	// Storage
	DBPath            string `json:"dbPath" yaml:"dbPath"`
	DiagnosticsDBPath string `json:"diagnosticsDbPath" yaml:"diagnosticsDbPath"`

	// Vector search
	EnableVectorSearch bool   `json:"enableVectorSearch" yaml:"enableVectorSearch"`
	VectorDimensions   int    `json:"vectorDimensions" yaml:"vectorDimensions"`
	EmbeddingProvider  string `json:"embeddingProvider" yaml:"embeddingProvider"` // "ollama", "genai", "hash", ""
	VectorEndpoint     string `json:"vectorEndpoint" yaml:"vectorEndpoint"`

	// LLM summarization
	LLMProvider string `json:"llmProvider" yaml:"llmProvider"` // "genai" or ""
	LLMAPIKey   string `json:"llmApiKey" yaml:"llmApiKey"`

	// Graph
	GraphEndpoint    string `json:"graphEndpoint" yaml:"graphEndpoint"`
	DefaultBatchSize int    `json:"defaultBatchSize" yaml:"defaultBatchSize"`
	EnableAutoMerge  bool   `json:"enableAutoMerge" yaml:"enableAutoMerge"`
	MaxLineageDepth  int    `json:"maxLineageDepth" yaml:"maxLineageDepth"`

	// Temporal / evolution
	MaxTimelineDepth int  `json:"maxTimelineDepth" yaml:"maxTimelineDepth"`
	RetentionDays    int  `json:"retentionDays" yaml:"retentionDays"`
	EnableVersioning bool `json:"enableVersioning" yaml:"enableVersioning"`

	// Search
	BM25          BM25Config    `json:"bm25" yaml:"bm25"`
	HybridWeights HybridWeights `json:"hybridWeights" yaml:"hybridWeights"`

	// Extraction
	MinConfidence float64 `json:"minConfidence" yaml:"minConfidence"`

	// Server
	ListenAddr string `json:"listenAddr" yaml:"listenAddr"`
}

// BM25Config holds the lexical ranking parameters.
type BM25Config struct {
	K1 float64 `json:"k1" yaml:"k1"`
	B  float64 `json:"b" yaml:"b"`
}

// HybridWeights controls fusion of the three search signals.
// Weights must sum to 1.0 within epsilon; Validate renormalizes otherwise.
type HybridWeights struct {
	Semantic float64 `json:"semantic" yaml:"semantic"`
	Keyword  float64 `json:"keyword" yaml:"keyword"`
	Graph    float64 `json:"graph" yaml:"graph"`
}

const weightEpsilon = 1e-6

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DBPath:             filepath.Join(".contextd", "context.db"),
		DiagnosticsDBPath:  filepath.Join(".contextd", "diagnostics.db"),
		EnableVectorSearch: true,
		VectorDimensions:   768,
		EmbeddingProvider:  "",
		LLMProvider:        "",
		DefaultBatchSize:   100,
		EnableAutoMerge:    true,
		MaxLineageDepth:    10,
		MaxTimelineDepth:   100,
		RetentionDays:      365,
		EnableVersioning:   true,
		BM25:               BM25Config{K1: 1.2, B: 0.75},
		HybridWeights:      HybridWeights{Semantic: 0.5, Keyword: 0.3, Graph: 0.2},
		MinConfidence:      0.5,
		ListenAddr:         "127.0.0.1:7345",
	}
}

// Load builds a Config from defaults, an optional file, and environment
// overrides, in that order. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes JSON or YAML (by extension) strictly: unknown fields fail.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("invalid config file %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides applies CONTEXTD_* environment variables on top of the
// file/default values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONTEXTD_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("CONTEXTD_DIAGNOSTICS_DB_PATH"); v != "" {
		c.DiagnosticsDBPath = v
	}
	if v := os.Getenv("CONTEXTD_EMBEDDING_PROVIDER"); v != "" {
		c.EmbeddingProvider = v
	}
	if v := os.Getenv("CONTEXTD_LLM_PROVIDER"); v != "" {
		c.LLMProvider = v
	}
	if v := os.Getenv("CONTEXTD_LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("CONTEXTD_GRAPH_ENDPOINT"); v != "" {
		c.GraphEndpoint = v
	}
	if v := os.Getenv("CONTEXTD_VECTOR_ENDPOINT"); v != "" {
		c.VectorEndpoint = v
	}
	if v := os.Getenv("CONTEXTD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CONTEXTD_VECTOR_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VectorDimensions = n
		}
	}
	if v := os.Getenv("CONTEXTD_ENABLE_VECTOR_SEARCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableVectorSearch = b
		}
	}
	if v := os.Getenv("CONTEXTD_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetentionDays = n
		}
	}
}

// Validate checks ranges and renormalizes hybrid weights when they drift.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("dbPath must not be empty")
	}
	if c.DiagnosticsDBPath == "" {
		return fmt.Errorf("diagnosticsDbPath must not be empty")
	}
	if c.VectorDimensions <= 0 {
		return fmt.Errorf("vectorDimensions must be positive, got %d", c.VectorDimensions)
	}
	if c.DefaultBatchSize <= 0 {
		return fmt.Errorf("defaultBatchSize must be positive, got %d", c.DefaultBatchSize)
	}
	if c.MaxLineageDepth <= 0 {
		return fmt.Errorf("maxLineageDepth must be positive, got %d", c.MaxLineageDepth)
	}
	if c.MaxTimelineDepth <= 0 {
		return fmt.Errorf("maxTimelineDepth must be positive, got %d", c.MaxTimelineDepth)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retentionDays must not be negative, got %d", c.RetentionDays)
	}
	if c.BM25.K1 <= 0 || c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("bm25 parameters out of range: k1=%v b=%v", c.BM25.K1, c.BM25.B)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("minConfidence must be in [0,1], got %v", c.MinConfidence)
	}

	w := c.HybridWeights
	if w.Semantic < 0 || w.Keyword < 0 || w.Graph < 0 {
		return fmt.Errorf("hybrid weights must not be negative: %+v", w)
	}
	sum := w.Semantic + w.Keyword + w.Graph
	if sum <= 0 {
		return fmt.Errorf("hybrid weights must not all be zero")
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		c.HybridWeights.Semantic = w.Semantic / sum
		c.HybridWeights.Keyword = w.Keyword / sum
		c.HybridWeights.Graph = w.Graph / sum
	}

	return nil
}
