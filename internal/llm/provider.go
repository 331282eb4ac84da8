// Package llm abstracts the optional summarization provider. The service
// runs fully without one; callers must treat a nil provider as
// ServiceUnavailable rather than an error at construction time.
package llm

import (
	"context"
	"fmt"
)

// Completion is one provider response with accounting metadata.
type Completion struct {
	Text     string  `json:"text"`
	Model    string  `json:"model"`
	Provider string  `json:"provider"`
	Tokens   int     `json:"tokens"`
	CostUSD  float64 `json:"costUsd"`
}

// Provider generates text completions.
type Provider interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "genai" or "mock"; empty disables summarization
	APIKey   string
	Model    string
}

// NewProvider builds the configured provider. An empty provider name returns
// (nil, nil): summarization disabled.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "genai":
		return newGenAIProvider(ctx, cfg)
	case "mock":
		return NewMockProvider(""), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
