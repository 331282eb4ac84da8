package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"contextd/internal/ident"
	"contextd/internal/logging"
)

// Run statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

// Sentinel errors.
var (
	ErrRunNotFound      = errors.New("diagnostic run not found")
	ErrAnalysisNotFound = errors.New("analysis not found")
)

// Run is one tool execution. Many runs may resolve to the same analysis;
// findings attach to the analysis, not the run.
type Run struct {
	RunID           string                 `json:"runId"`
	AnalysisID      string                 `json:"analysisId"`
	ProjectID       string                 `json:"projectId"`
	TreeHash        string                 `json:"treeHash"`
	CommitHash      string                 `json:"commitHash,omitempty"`
	ToolName        string                 `json:"toolName"`
	ToolVersion     string                 `json:"toolVersion"`
	ConfigHash      string                 `json:"configHash"`
	EnvironmentHash string                 `json:"environmentHash,omitempty"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"createdAt"`
	DurationMs      *int64                 `json:"durationMs,omitempty"`
	FindingsDigest  string                 `json:"findingsDigest"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// IngestInput describes one SARIF ingest.
type IngestInput struct {
	ProjectID       string
	TreeHash        string
	CommitHash      string
	ConfigHash      string
	EnvironmentHash string
	Status          string
	DurationMs      *int64
	SARIF           []byte
	Metadata        map[string]interface{}
	KeepRaw         bool
}

// LatestRunFilter narrows GetLatestRun. ProjectID is required.
type LatestRunFilter struct {
	ProjectID   string
	ToolName    string
	ToolVersion string
	TreeHash    string
}

// Diff is the id-level comparison of two analyses.
type Diff struct {
	Introduced []string `json:"introduced"`
	Resolved   []string `json:"resolved"`
	Unchanged  []string `json:"unchanged"`
}

// Store persists runs, findings, and summaries in its own SQLite database.
type Store struct {
	db *sql.DB
}

// Open initializes the diagnostics database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryDiagnostics, "Open")
	defer timer.Stop()

	logging.Diagnostics("Opening diagnostics store at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.DiagnosticsDebug("Failed pragma %q: %v", pragma, err)
		}
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Diagnostics("Diagnostics store ready")
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS diag_runs (
		run_id TEXT PRIMARY KEY,
		analysis_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		tree_hash TEXT NOT NULL,
		commit_hash TEXT,
		tool_name TEXT NOT NULL,
		tool_version TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		environment_hash TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		duration_ms INTEGER,
		findings_digest TEXT NOT NULL,
		raw_input TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_diag_runs_analysis ON diag_runs(analysis_id);
	CREATE INDEX IF NOT EXISTS idx_diag_runs_project ON diag_runs(project_id, created_at);

	CREATE TABLE IF NOT EXISTS diag_findings (
		finding_id TEXT PRIMARY KEY,
		analysis_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		file_path TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		start_column INTEGER,
		end_line INTEGER,
		end_column INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_diag_findings_analysis ON diag_findings(analysis_id);

	CREATE TABLE IF NOT EXISTS diag_summaries (
		analysis_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create diagnostics schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Diagnostics("Closing diagnostics store")
	return s.db.Close()
}

// Ingest parses, normalizes, and persists one SARIF document. Identical
// inputs produce the same analysis id; repeated ingests add a run row but
// leave the finding set unchanged.
func (s *Store) Ingest(ctx context.Context, input IngestInput) (*Run, []Finding, error) {
	timer := logging.StartTimer(logging.CategoryDiagnostics, "Ingest")
	defer timer.Stop()

	if input.ProjectID == "" || input.TreeHash == "" {
		return nil, nil, fmt.Errorf("ingest: projectId and treeHash required")
	}

	parsed, err := ParseSARIF(input.SARIF)
	if err != nil {
		return nil, nil, err
	}

	findings := NormalizeFindings(parsed.Findings)
	key := AnalysisKey{
		ProjectID:   input.ProjectID,
		TreeHash:    input.TreeHash,
		ToolName:    parsed.ToolName,
		ToolVersion: parsed.ToolVersion,
		ConfigHash:  input.ConfigHash,
	}
	analysisID, digest, err := StampFindings(key, findings)
	if err != nil {
		return nil, nil, err
	}

	status := input.Status
	if status == "" {
		status = StatusPassed
		for _, f := range findings {
			if f.Severity == SeverityError {
				status = StatusFailed
				break
			}
		}
	}

	run := &Run{
		RunID:           ident.NewID(),
		AnalysisID:      analysisID,
		ProjectID:       input.ProjectID,
		TreeHash:        input.TreeHash,
		CommitHash:      input.CommitHash,
		ToolName:        parsed.ToolName,
		ToolVersion:     parsed.ToolVersion,
		ConfigHash:      input.ConfigHash,
		EnvironmentHash: input.EnvironmentHash,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
		DurationMs:      input.DurationMs,
		FindingsDigest:  digest,
		Metadata:        input.Metadata,
	}

	var raw string
	if input.KeepRaw {
		raw = string(input.SARIF)
	}
	if err := s.SaveRun(ctx, run, findings, raw); err != nil {
		return nil, nil, err
	}

	logging.Diagnostics("Ingested analysis %s: run=%s findings=%d", analysisID, run.RunID, len(findings))
	return run, findings, nil
}

// IngestFindings is the non-SARIF ingest path for callers that already hold
// structured results. Tool name and version come from the caller since there
// is no SARIF driver block to read them from.
func (s *Store) IngestFindings(ctx context.Context, input IngestInput, toolName, toolVersion string, raw []RawFinding) (*Run, []Finding, error) {
	if input.ProjectID == "" || input.TreeHash == "" {
		return nil, nil, fmt.Errorf("ingest findings: projectId and treeHash required")
	}
	if toolName == "" {
		return nil, nil, fmt.Errorf("ingest findings: toolName required")
	}
	for _, f := range raw {
		if f.FilePath == "" {
			return nil, nil, fmt.Errorf("ingest findings: finding without filePath")
		}
	}

	findings := NormalizeFindings(raw)
	key := AnalysisKey{
		ProjectID:   input.ProjectID,
		TreeHash:    input.TreeHash,
		ToolName:    toolName,
		ToolVersion: toolVersion,
		ConfigHash:  input.ConfigHash,
	}
	analysisID, digest, err := StampFindings(key, findings)
	if err != nil {
		return nil, nil, err
	}

	status := input.Status
	if status == "" {
		status = StatusPassed
		for _, f := range findings {
			if f.Severity == SeverityError {
				status = StatusFailed
				break
			}
		}
	}

	run := &Run{
		RunID:           ident.NewID(),
		AnalysisID:      analysisID,
		ProjectID:       input.ProjectID,
		TreeHash:        input.TreeHash,
		CommitHash:      input.CommitHash,
		ToolName:        toolName,
		ToolVersion:     toolVersion,
		ConfigHash:      input.ConfigHash,
		EnvironmentHash: input.EnvironmentHash,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
		DurationMs:      input.DurationMs,
		FindingsDigest:  digest,
		Metadata:        input.Metadata,
	}
	if err := s.SaveRun(ctx, run, findings, ""); err != nil {
		return nil, nil, err
	}

	logging.Diagnostics("Ingested analysis %s from %d raw findings: run=%s", analysisID, len(raw), run.RunID)
	return run, findings, nil
}

// SaveRun writes the run row and its findings atomically: either both sides
// commit or neither. Findings are deduplicated on finding id, so replaying
// the same analysis leaves the findings table unchanged.
func (s *Store) SaveRun(ctx context.Context, run *Run, findings []Finding, rawInput string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run: begin: %w", err)
	}
	defer tx.Rollback()

	var metadata interface{}
	if len(run.Metadata) > 0 {
		b, err := json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("save run: metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO diag_runs (run_id, analysis_id, project_id, tree_hash, commit_hash,
			tool_name, tool_version, config_hash, environment_hash, status,
			created_at, duration_ms, findings_digest, raw_input, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.AnalysisID, run.ProjectID, run.TreeHash, nullable(run.CommitHash),
		run.ToolName, run.ToolVersion, run.ConfigHash, nullable(run.EnvironmentHash), run.Status,
		run.CreatedAt, run.DurationMs, run.FindingsDigest, nullable(rawInput), metadata,
	)
	if err != nil {
		logging.Get(logging.CategoryDiagnostics).Error("Run insert failed for %s: %v", run.RunID, err)
		return fmt.Errorf("save run: %w", err)
	}

	for _, f := range findings {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO diag_findings (finding_id, analysis_id, rule_id, severity,
				message, file_path, start_line, start_column, end_line, end_column)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FindingID, f.AnalysisID, f.RuleID, f.Severity,
			f.Message, f.FilePath, f.StartLine, f.StartColumn, f.EndLine, f.EndColumn,
		)
		if err != nil {
			return fmt.Errorf("save finding %s: %w", f.FindingID, err)
		}
	}

	return tx.Commit()
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, analysis_id, project_id, tree_hash, commit_hash, tool_name,
			tool_version, config_hash, environment_hash, status, created_at,
			duration_ms, findings_digest, metadata
		 FROM diag_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// GetLatestRun returns the most recent run matching the filter.
func (s *Store) GetLatestRun(ctx context.Context, filter LatestRunFilter) (*Run, error) {
	if filter.ProjectID == "" {
		return nil, fmt.Errorf("latest run: project id required")
	}

	query := `SELECT run_id, analysis_id, project_id, tree_hash, commit_hash, tool_name,
		tool_version, config_hash, environment_hash, status, created_at,
		duration_ms, findings_digest, metadata
		FROM diag_runs WHERE project_id = ?`
	args := []interface{}{filter.ProjectID}
	if filter.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, filter.ToolName)
	}
	if filter.ToolVersion != "" {
		query += ` AND tool_version = ?`
		args = append(args, filter.ToolVersion)
	}
	if filter.TreeHash != "" {
		query += ` AND tree_hash = ?`
		args = append(args, filter.TreeHash)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	return scanRun(s.db.QueryRowContext(ctx, query, args...))
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var commitHash, envHash, metadata sql.NullString
	var durationMs sql.NullInt64
	err := row.Scan(&run.RunID, &run.AnalysisID, &run.ProjectID, &run.TreeHash, &commitHash,
		&run.ToolName, &run.ToolVersion, &run.ConfigHash, &envHash, &run.Status,
		&run.CreatedAt, &durationMs, &run.FindingsDigest, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.CommitHash = commitHash.String
	run.EnvironmentHash = envHash.String
	if durationMs.Valid {
		run.DurationMs = &durationMs.Int64
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			logging.Get(logging.CategoryDiagnostics).Warn("Malformed run metadata for %s: %v", run.RunID, err)
		}
	}
	return &run, nil
}

// ListFindings returns the findings of an analysis in normalized sort order.
func (s *Store) ListFindings(ctx context.Context, analysisID string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT finding_id, analysis_id, rule_id, severity, message, file_path,
			start_line, start_column, end_line, end_column
		 FROM diag_findings WHERE analysis_id = ?
		 ORDER BY file_path, start_line, start_column, rule_id, finding_id`,
		analysisID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var f Finding
		var startCol, endLine, endCol sql.NullInt64
		if err := rows.Scan(&f.FindingID, &f.AnalysisID, &f.RuleID, &f.Severity, &f.Message,
			&f.FilePath, &f.StartLine, &startCol, &endLine, &endCol); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.StartColumn = nullableInt(startCol)
		f.EndLine = nullableInt(endLine)
		f.EndColumn = nullableInt(endCol)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// findingIDs returns the id set of an analysis. Fails when the analysis has
// no run row at all.
func (s *Store) findingIDs(ctx context.Context, analysisID string) (map[string]bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM diag_runs WHERE analysis_id = ?`, analysisID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check analysis: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, analysisID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT finding_id FROM diag_findings WHERE analysis_id = ?`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("query finding ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// DiffAnalyses compares two analyses by strict finding-id set difference.
// Final finding ids include the analysis id, so equal-content findings in
// different analyses diff as resolved+introduced, never unchanged.
func (s *Store) DiffAnalyses(ctx context.Context, analysisA, analysisB string) (*Diff, error) {
	timer := logging.StartTimer(logging.CategoryDiagnostics, "DiffAnalyses")
	defer timer.Stop()

	a, err := s.findingIDs(ctx, analysisA)
	if err != nil {
		return nil, err
	}
	b, err := s.findingIDs(ctx, analysisB)
	if err != nil {
		return nil, err
	}

	diff := &Diff{Introduced: []string{}, Resolved: []string{}, Unchanged: []string{}}
	for id := range a {
		if b[id] {
			diff.Unchanged = append(diff.Unchanged, id)
		} else {
			diff.Resolved = append(diff.Resolved, id)
		}
	}
	for id := range b {
		if !a[id] {
			diff.Introduced = append(diff.Introduced, id)
		}
	}
	sort.Strings(diff.Introduced)
	sort.Strings(diff.Resolved)
	sort.Strings(diff.Unchanged)
	return diff, nil
}

// DeleteProject removes all runs, findings, and summaries for a project.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	timer := logging.StartTimer(logging.CategoryDiagnostics, "DeleteProject")
	defer timer.Stop()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete project: begin: %w", err)
	}
	defer tx.Rollback()

	// Analysis ids embed the project id, so an analysis never spans projects.
	sub := `SELECT DISTINCT analysis_id FROM diag_runs WHERE project_id = ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM diag_findings WHERE analysis_id IN (`+sub+`)`, projectID); err != nil {
		return fmt.Errorf("delete project findings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM diag_summaries WHERE analysis_id IN (`+sub+`)`, projectID); err != nil {
		return fmt.Errorf("delete project summaries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM diag_runs WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Diagnostics("Deleted project %s from diagnostics store", projectID)
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
