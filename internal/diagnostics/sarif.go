// Package diagnostics ingests static-analysis results (SARIF 2.1.0 subset),
// normalizes them into content-addressed findings, and persists runs and
// analyses for diffing and summarization.
package diagnostics

import (
	"encoding/json"
	"fmt"
)

// RawFinding is one parsed SARIF result before normalization. Optional
// position fields are nil when the SARIF region omitted them.
type RawFinding struct {
	RuleID      string
	Level       string
	Message     string
	FilePath    string
	StartLine   int
	StartColumn *int
	EndLine     *int
	EndColumn   *int
}

// ParsedSARIF is the tool identity plus raw findings of one SARIF run.
type ParsedSARIF struct {
	ToolName    string
	ToolVersion string
	Findings    []RawFinding
}

// SARIF 2.1.0 subset.
type sarifLog struct {
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool struct {
		Driver struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"driver"`
	} `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifResult struct {
	RuleID  string `json:"ruleId"`
	Level   string `json:"level"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []sarifLocation `json:"locations"`
}

type sarifLocation struct {
	PhysicalLocation struct {
		ArtifactLocation struct {
			URI string `json:"uri"`
		} `json:"artifactLocation"`
		Region struct {
			StartLine   *int `json:"startLine"`
			StartColumn *int `json:"startColumn"`
			EndLine     *int `json:"endLine"`
			EndColumn   *int `json:"endColumn"`
		} `json:"region"`
	} `json:"physicalLocation"`
}

// ParseSARIF extracts tool identity and findings from a SARIF 2.1.0-shaped
// document. Only the first run is read; each result contributes its first
// physical location. A result without a file path is rejected.
func ParseSARIF(raw []byte) (*ParsedSARIF, error) {
	var log sarifLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("parse sarif: %w", err)
	}
	if len(log.Runs) == 0 {
		return nil, fmt.Errorf("parse sarif: no runs")
	}

	run := log.Runs[0]
	parsed := &ParsedSARIF{
		ToolName:    run.Tool.Driver.Name,
		ToolVersion: run.Tool.Driver.Version,
	}

	for i, res := range run.Results {
		if len(res.Locations) == 0 {
			return nil, fmt.Errorf("parse sarif: result %d has no location", i)
		}
		loc := res.Locations[0].PhysicalLocation
		if loc.ArtifactLocation.URI == "" {
			return nil, fmt.Errorf("parse sarif: result %d has no file path", i)
		}

		f := RawFinding{
			RuleID:      res.RuleID,
			Level:       res.Level,
			Message:     res.Message.Text,
			FilePath:    loc.ArtifactLocation.URI,
			StartColumn: loc.Region.StartColumn,
			EndLine:     loc.Region.EndLine,
			EndColumn:   loc.Region.EndColumn,
		}
		if loc.Region.StartLine != nil {
			f.StartLine = *loc.Region.StartLine
		}
		parsed.Findings = append(parsed.Findings, f)
	}

	return parsed, nil
}
