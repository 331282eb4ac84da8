package diagnostics

import (
	"sort"
	"strings"
	"unicode"
)

// Finding is one normalized, content-addressed diagnostic.
type Finding struct {
	FindingID   string `json:"findingId"`
	AnalysisID  string `json:"analysisId"`
	RuleID      string `json:"ruleId"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	FilePath    string `json:"filePath"`
	StartLine   int    `json:"startLine"`
	StartColumn *int   `json:"startColumn,omitempty"`
	EndLine     *int   `json:"endLine,omitempty"`
	EndColumn   *int   `json:"endColumn,omitempty"`
}

// Severity levels after normalization.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityNote    = "note"
	SeverityInfo    = "info"
)

// NormalizeFindings is the pure normalization pipeline: collapse message
// whitespace, forward-slash paths, map severities, and stable-sort by
// (filePath, startLine, startColumn, ruleId). FindingID and AnalysisID are
// stamped later once the analysis id is known.
func NormalizeFindings(raw []RawFinding) []Finding {
	findings := make([]Finding, 0, len(raw))
	for _, r := range raw {
		findings = append(findings, Finding{
			RuleID:      r.RuleID,
			Severity:    mapSeverity(r.Level),
			Message:     collapseWhitespace(r.Message),
			FilePath:    normalizePath(r.FilePath),
			StartLine:   r.StartLine,
			StartColumn: r.StartColumn,
			EndLine:     r.EndLine,
			EndColumn:   r.EndColumn,
		})
	}
	sortFindings(findings)
	return findings
}

// sortFindings orders by (filePath, startLine, startColumn, ruleId,
// findingId). FindingID is empty before stamping, so the pre-stamp sort
// reduces to the first four keys; re-sorting after stamping settles any
// remaining ties deterministically.
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(a, b int) bool {
		fa, fb := findings[a], findings[b]
		if fa.FilePath != fb.FilePath {
			return fa.FilePath < fb.FilePath
		}
		if fa.StartLine != fb.StartLine {
			return fa.StartLine < fb.StartLine
		}
		ca, cb := colOrZero(fa.StartColumn), colOrZero(fb.StartColumn)
		if ca != cb {
			return ca < cb
		}
		if fa.RuleID != fb.RuleID {
			return fa.RuleID < fb.RuleID
		}
		return fa.FindingID < fb.FindingID
	})
}

func colOrZero(c *int) int {
	if c == nil {
		return 0
	}
	return *c
}

// collapseWhitespace trims and replaces every run of Unicode whitespace with
// a single ASCII space.
func collapseWhitespace(s string) string {
	var sb strings.Builder
	inSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			sb.WriteByte(' ')
			inSpace = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// normalizePath converts backslashes to forward slashes and collapses
// duplicate separators. No ".." resolution.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// mapSeverity lowercases the SARIF level and maps it into the severity set.
// Unknown levels default to note.
func mapSeverity(level string) string {
	switch strings.ToLower(level) {
	case SeverityError:
		return SeverityError
	case SeverityWarning:
		return SeverityWarning
	case SeverityNote:
		return SeverityNote
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityNote
	}
}
