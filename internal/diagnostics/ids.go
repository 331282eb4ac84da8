package diagnostics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"contextd/internal/ident"
)

// Identity scheme. The analysis id depends on the finding set, and final
// finding ids depend on the analysis id, so ids are computed in two stages:
//
//  1. each normalized finding gets a content id (its canonical tuple without
//     the analysis id); the findings digest is hashed over the sorted
//     content ids,
//  2. the analysis id is hashed over {projectId, treeHash, toolName,
//     toolVersion, configHash, findingsDigest}, and final finding ids
//     include it. Equal-content findings in different analyses therefore
//     carry different final ids.

// findingTuple builds the canonical hash input for a finding. analysisID may
// be empty for the content-stage id; optional positions hash as null.
func findingTuple(analysisID string, f Finding) map[string]interface{} {
	tuple := map[string]interface{}{
		"ruleId":            f.RuleID,
		"filePath":          f.FilePath,
		"startLine":         f.StartLine,
		"startColumn":       optInt(f.StartColumn),
		"endLine":           optInt(f.EndLine),
		"endColumn":         optInt(f.EndColumn),
		"normalizedMessage": f.Message,
		"severity":          f.Severity,
	}
	if analysisID != "" {
		tuple["analysisId"] = analysisID
	}
	return tuple
}

func optInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// ContentFindingID hashes a finding's normalized content, independent of any
// analysis.
func ContentFindingID(f Finding) (string, error) {
	return ident.HashCanonical(findingTuple("", f))
}

// FindingID hashes a finding's normalized content together with its
// analysis id.
func FindingID(analysisID string, f Finding) (string, error) {
	if analysisID == "" {
		return "", fmt.Errorf("finding id: analysis id required")
	}
	return ident.HashCanonical(findingTuple(analysisID, f))
}

// FindingsDigest hashes the sorted finding id sequence, length-prefixed with
// the count. Order-independent of the input slice.
func FindingsDigest(findingIDs []string) string {
	sorted := append([]string(nil), findingIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	fmt.Fprintf(h, "%d:", len(sorted))
	for _, id := range sorted {
		fmt.Fprintf(h, "%d:%s", len(id), id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AnalysisKey is the content-addressed identity of one analysis.
type AnalysisKey struct {
	ProjectID   string `json:"projectId"`
	TreeHash    string `json:"treeHash"`
	ToolName    string `json:"toolName"`
	ToolVersion string `json:"toolVersion"`
	ConfigHash  string `json:"configHash"`
}

// ComputeAnalysisID hashes the analysis key plus the findings digest. Pure:
// byte-identical inputs produce identical ids.
func ComputeAnalysisID(key AnalysisKey, findingsDigest string) (string, error) {
	return ident.HashCanonical(map[string]interface{}{
		"projectId":      key.ProjectID,
		"treeHash":       key.TreeHash,
		"toolName":       key.ToolName,
		"toolVersion":    key.ToolVersion,
		"configHash":     key.ConfigHash,
		"findingsDigest": findingsDigest,
	})
}

// StampFindings computes the digest and analysis id for normalized findings,
// fills in FindingID/AnalysisID, and re-sorts with the final id tie-break.
// Returns the analysis id and the findings digest.
func StampFindings(key AnalysisKey, findings []Finding) (string, string, error) {
	contentIDs := make([]string, len(findings))
	for i, f := range findings {
		id, err := ContentFindingID(f)
		if err != nil {
			return "", "", err
		}
		contentIDs[i] = id
	}

	digest := FindingsDigest(contentIDs)
	analysisID, err := ComputeAnalysisID(key, digest)
	if err != nil {
		return "", "", err
	}

	for i := range findings {
		id, err := FindingID(analysisID, findings[i])
		if err != nil {
			return "", "", err
		}
		findings[i].FindingID = id
		findings[i].AnalysisID = analysisID
	}
	sortFindings(findings)

	return analysisID, digest, nil
}
