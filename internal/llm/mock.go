package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider returns a fixed completion and records prompts. Used in tests
// and offline runs.
type MockProvider struct {
	mu      sync.Mutex
	text    string
	Prompts []string
}

// NewMockProvider creates a mock that answers every prompt with text.
func NewMockProvider(text string) *MockProvider {
	if text == "" {
		text = "mock summary"
	}
	return &MockProvider{text: text}
}

func (p *MockProvider) Name() string {
	return "mock"
}

func (p *MockProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.Prompts = append(p.Prompts, prompt)
	calls := len(p.Prompts)
	p.mu.Unlock()

	return &Completion{
		Text:     fmt.Sprintf("%s #%d", p.text, calls),
		Model:    "mock-1",
		Provider: "mock",
		Tokens:   len(prompt) / 4,
	}, nil
}

// CallCount returns how many prompts the mock has served.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Prompts)
}
