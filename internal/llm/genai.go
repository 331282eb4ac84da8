package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"contextd/internal/logging"
)

// genAIProvider summarizes via Google's Gemini API.
type genAIProvider struct {
	client *genai.Client
	model  string
}

func newGenAIProvider(ctx context.Context, cfg Config) (*genAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai provider: API key required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &genAIProvider{client: client, model: model}, nil
}

func (p *genAIProvider) Name() string {
	return fmt.Sprintf("genai:%s", p.model)
}

func (p *genAIProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Complete")
	defer timer.Stop()

	result, err := p.client.Models.GenerateContent(ctx,
		p.model,
		genai.Text(prompt),
		nil,
	)
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("GenAI completion failed: %v", err)
		return nil, fmt.Errorf("genai completion: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("genai completion: empty response")
	}

	completion := &Completion{
		Text:     text,
		Model:    p.model,
		Provider: "genai",
	}
	if result.UsageMetadata != nil {
		completion.Tokens = int(result.UsageMetadata.TotalTokenCount)
	}

	logging.APIDebug("GenAI completion: model=%s tokens=%d", p.model, completion.Tokens)
	return completion, nil
}
