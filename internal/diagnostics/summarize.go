package diagnostics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"contextd/internal/llm"
	"contextd/internal/logging"
)

// ErrSummarizerUnavailable is returned when no LLM provider is configured.
var ErrSummarizerUnavailable = errors.New("summarization provider not configured")

// Summary is one memoized analysis summary.
type Summary struct {
	AnalysisID  string  `json:"analysisId"`
	Text        string  `json:"text"`
	Model       string  `json:"model"`
	Provider    string  `json:"provider"`
	Tokens      int     `json:"tokens"`
	CostUSD     float64 `json:"costUsd"`
	IsFromCache bool    `json:"isFromCache"`
}

// summaryPromptLimit bounds how many findings feed the prompt.
const summaryPromptLimit = 50

// Summarize returns an LLM summary of an analysis, memoized in the
// diag_summaries table keyed by analysis id. forceRefresh bypasses the cache
// and overwrites it.
func (s *Store) Summarize(ctx context.Context, provider llm.Provider, analysisID string, forceRefresh bool) (*Summary, error) {
	if provider == nil {
		return nil, ErrSummarizerUnavailable
	}

	timer := logging.StartTimer(logging.CategoryDiagnostics, "Summarize")
	defer timer.Stop()

	if !forceRefresh {
		if cached, err := s.getCachedSummary(ctx, analysisID); err == nil {
			cached.IsFromCache = true
			logging.DiagnosticsDebug("Summary cache hit for analysis %s", analysisID)
			return cached, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	findings, err := s.ListFindings(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		if _, err := s.findingIDs(ctx, analysisID); err != nil {
			return nil, err
		}
	}

	completion, err := provider.Complete(ctx, buildSummaryPrompt(findings))
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", analysisID, err)
	}

	summary := &Summary{
		AnalysisID: analysisID,
		Text:       completion.Text,
		Model:      completion.Model,
		Provider:   completion.Provider,
		Tokens:     completion.Tokens,
		CostUSD:    completion.CostUSD,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO diag_summaries (analysis_id, text, model, provider, tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		summary.AnalysisID, summary.Text, summary.Model, summary.Provider, summary.Tokens, summary.CostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("cache summary: %w", err)
	}

	logging.Diagnostics("Summarized analysis %s via %s (%d tokens)", analysisID, summary.Provider, summary.Tokens)
	return summary, nil
}

func (s *Store) getCachedSummary(ctx context.Context, analysisID string) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT analysis_id, text, model, provider, tokens, cost_usd
		 FROM diag_summaries WHERE analysis_id = ?`, analysisID,
	).Scan(&sum.AnalysisID, &sum.Text, &sum.Model, &sum.Provider, &sum.Tokens, &sum.CostUSD)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func buildSummaryPrompt(findings []Finding) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following static analysis findings for a developer. ")
	sb.WriteString("Group related issues and call out the most severe ones first.\n\n")
	for i, f := range findings {
		if i >= summaryPromptLimit {
			fmt.Fprintf(&sb, "... and %d more findings\n", len(findings)-summaryPromptLimit)
			break
		}
		fmt.Fprintf(&sb, "[%s] %s at %s:%d: %s\n", f.Severity, f.RuleID, f.FilePath, f.StartLine, f.Message)
	}
	if len(findings) == 0 {
		sb.WriteString("No findings: the analysis is clean.\n")
	}
	return sb.String()
}
