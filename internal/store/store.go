// Package store persists remediation runs in sqlite. It is the only structure
// shared between concurrent pipelines; the conditional create is the
// idempotency primitive that rejects duplicate events for an issue whose run
// is still in flight.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses. pending → processing → {completed, failed}; terminal statuses
// are final.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrDuplicateRun is returned by CreateRun when a non-terminal run already
// exists for the issue number.
var ErrDuplicateRun = errors.New("a run for this issue is already in progress")

// ErrNotFound is returned when no run exists for an issue number.
var ErrNotFound = errors.New("run not found")

// Run is one remediation attempt for one issue.
type Run struct {
	ID            string
	IssueNumber   int
	IssueTitle    string
	IssueBody     string
	IssueURL      string
	Owner         string
	Repo          string
	CloneURL      string
	DefaultBranch string

	Status       string
	Stage        string // current pipeline stage (state machine position)
	FailedStage  string // stage that caused a failed status
	ErrorMessage string

	BeforeEnvID        string
	AfterEnvID         string
	BeforePreviewURL   string
	BeforePreviewToken string
	AfterPreviewURL    string
	AfterPreviewToken  string

	AgentOutput  string
	AgentParsed  bool
	AgentSummary string

	BranchName string
	PRNumber   int
	PRURL      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the run has reached a final status.
func (r Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Patch is a merge-style partial update. Nil fields are left untouched.
type Patch struct {
	Status       *string
	Stage        *string
	FailedStage  *string
	ErrorMessage *string

	BeforeEnvID        *string
	AfterEnvID         *string
	BeforePreviewURL   *string
	BeforePreviewToken *string
	AfterPreviewURL    *string
	AfterPreviewToken  *string

	AgentOutput  *string
	AgentParsed  *bool
	AgentSummary *string

	BranchName *string
	PRNumber   *int
	PRURL      *string
}

// String returns a *string for use in a Patch.
func String(s string) *string { return &s }

// Int returns an *int for use in a Patch.
func Int(i int) *int { return &i }

// Bool returns a *bool for use in a Patch.
func Bool(b bool) *bool { return &b }

// ActivityEntry is one logged pipeline event for a run.
type ActivityEntry struct {
	ID        string
	RunID     string
	EventType string
	FromStage string
	ToStage   string
	Detail    string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	issue_number INTEGER NOT NULL,
	issue_title TEXT NOT NULL DEFAULT '',
	issue_body TEXT NOT NULL DEFAULT '',
	issue_url TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	repo TEXT NOT NULL DEFAULT '',
	clone_url TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	status TEXT NOT NULL DEFAULT 'pending',
	stage TEXT NOT NULL DEFAULT 'pending',
	failed_stage TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	before_env_id TEXT NOT NULL DEFAULT '',
	after_env_id TEXT NOT NULL DEFAULT '',
	before_preview_url TEXT NOT NULL DEFAULT '',
	before_preview_token TEXT NOT NULL DEFAULT '',
	after_preview_url TEXT NOT NULL DEFAULT '',
	after_preview_token TEXT NOT NULL DEFAULT '',
	agent_output TEXT NOT NULL DEFAULT '',
	agent_parsed INTEGER NOT NULL DEFAULT 0,
	agent_summary TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	pr_url TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_issue_number ON runs(issue_number);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	event_type TEXT NOT NULL,
	from_stage TEXT NOT NULL DEFAULT '',
	to_stage TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Store is the sqlite-backed run store. Safe for concurrent use: sqlite is
// opened in WAL mode with a busy timeout, and the conditional create runs in
// an immediate transaction.
type Store struct {
	conn *sql.DB

	// mu serializes read-check-write sequences (conditional create, merge
	// update) across pipeline goroutines. sqlite's own locking is not enough:
	// two deferred transactions can both pass the non-terminal check before
	// either inserts.
	mu sync.Mutex
}

// DefaultPath returns the default database location (~/.remedyd/remedyd.db).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".remedyd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "remedyd.db"), nil
}

// Open opens (creating if necessary) the run store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateRun inserts a new pending run for the issue. It fails with
// ErrDuplicateRun when a non-terminal run already exists for the same issue
// number; this check and the insert happen in one transaction.
func (s *Store) CreateRun(run Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.Stage == "" {
		run.Stage = "pending"
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return Run{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE issue_number = ? AND status NOT IN (?, ?)`,
		run.IssueNumber, StatusCompleted, StatusFailed,
	).Scan(&active)
	if err != nil {
		return Run{}, fmt.Errorf("checking for active run: %w", err)
	}
	if active > 0 {
		return Run{}, ErrDuplicateRun
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, issue_number, issue_title, issue_body, issue_url,
			owner, repo, clone_url, default_branch, status, stage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IssueNumber, run.IssueTitle, run.IssueBody, run.IssueURL,
		run.Owner, run.Repo, run.CloneURL, run.DefaultBranch, run.Status, run.Stage,
	)
	if err != nil {
		return Run{}, fmt.Errorf("inserting run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("committing run: %w", err)
	}

	return s.GetRun(run.IssueNumber)
}

// GetRun returns the most recent run for the issue number.
func (s *Store) GetRun(issueNumber int) (Run, error) {
	row := s.conn.QueryRow(selectRuns+` WHERE issue_number = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, issueNumber)
	return scanRun(row)
}

// GetRunByID returns a run by its ID.
func (s *Store) GetRunByID(id string) (Run, error) {
	row := s.conn.QueryRow(selectRuns+` WHERE id = ?`, id)
	return scanRun(row)
}

// UpdateRun applies a merge-style partial update to the latest run for the
// issue number and refreshes updated_at. Fields not present in the patch keep
// their previous values.
func (s *Store) UpdateRun(issueNumber int, patch Patch) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.GetRun(issueNumber)
	if err != nil {
		return Run{}, err
	}

	set := []string{"updated_at = datetime('now')"}
	var args []any
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Stage != nil {
		add("stage", *patch.Stage)
	}
	if patch.FailedStage != nil {
		add("failed_stage", *patch.FailedStage)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.BeforeEnvID != nil {
		add("before_env_id", *patch.BeforeEnvID)
	}
	if patch.AfterEnvID != nil {
		add("after_env_id", *patch.AfterEnvID)
	}
	if patch.BeforePreviewURL != nil {
		add("before_preview_url", *patch.BeforePreviewURL)
	}
	if patch.BeforePreviewToken != nil {
		add("before_preview_token", *patch.BeforePreviewToken)
	}
	if patch.AfterPreviewURL != nil {
		add("after_preview_url", *patch.AfterPreviewURL)
	}
	if patch.AfterPreviewToken != nil {
		add("after_preview_token", *patch.AfterPreviewToken)
	}
	if patch.AgentOutput != nil {
		add("agent_output", *patch.AgentOutput)
	}
	if patch.AgentParsed != nil {
		v := 0
		if *patch.AgentParsed {
			v = 1
		}
		add("agent_parsed", v)
	}
	if patch.AgentSummary != nil {
		add("agent_summary", *patch.AgentSummary)
	}
	if patch.BranchName != nil {
		add("branch_name", *patch.BranchName)
	}
	if patch.PRNumber != nil {
		add("pr_number", *patch.PRNumber)
	}
	if patch.PRURL != nil {
		add("pr_url", *patch.PRURL)
	}

	query := "UPDATE runs SET " + joinSet(set) + " WHERE id = ?"
	args = append(args, current.ID)

	if _, err := s.conn.Exec(query, args...); err != nil {
		return Run{}, fmt.Errorf("updating run: %w", err)
	}

	return s.GetRunByID(current.ID)
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]Run, error) {
	rows, err := s.conn.Query(selectRuns + ` ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LogActivity appends a pipeline event to the activity log.
func (s *Store) LogActivity(runID, eventType, fromStage, toStage, detail string) error {
	_, err := s.conn.Exec(`
		INSERT INTO activity_log (id, run_id, event_type, from_stage, to_stage, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, eventType, fromStage, toStage, detail,
	)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest activity entries, optionally filtered by
// run ID (empty means all runs).
func (s *Store) ListActivity(runID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, run_id, event_type, from_stage, to_stage, detail, created_at
		FROM activity_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.FromStage, &e.ToStage, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const selectRuns = `SELECT id, issue_number, issue_title, issue_body, issue_url,
	owner, repo, clone_url, default_branch, status, stage, failed_stage,
	error_message, before_env_id, after_env_id, before_preview_url,
	before_preview_token, after_preview_url, after_preview_token,
	agent_output, agent_parsed, agent_summary, branch_name, pr_number, pr_url,
	created_at, updated_at FROM runs`

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (Run, error) {
	var r Run
	var agentParsed int
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.IssueNumber, &r.IssueTitle, &r.IssueBody, &r.IssueURL,
		&r.Owner, &r.Repo, &r.CloneURL, &r.DefaultBranch, &r.Status, &r.Stage,
		&r.FailedStage, &r.ErrorMessage, &r.BeforeEnvID, &r.AfterEnvID,
		&r.BeforePreviewURL, &r.BeforePreviewToken, &r.AfterPreviewURL,
		&r.AfterPreviewToken, &r.AgentOutput, &agentParsed, &r.AgentSummary,
		&r.BranchName, &r.PRNumber, &r.PRURL, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	r.AgentParsed = agentParsed != 0
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
