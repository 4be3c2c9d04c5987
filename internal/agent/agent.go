// Package agent drives the code-fixing agent inside the AFTER environment.
// The issue text travels opaquely encoded so the remote shell never interprets
// it, and the agent's free-form output is mined for a structured result
// without ever letting a parse failure escalate.
package agent

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/remedyhq/remedy/internal/remotecmd"
)

//go:embed templates/*.md
var templateFS embed.FS

// DefaultTimeout bounds one agent invocation. The agent is the dominant
// latency contributor in the pipeline; everything else runs in seconds.
const DefaultTimeout = 10 * time.Minute

// Result is the parsed outcome of one agent invocation. When Parsed is false
// the structured fields are empty and Raw is all downstream stages get; they
// fall back to inspecting the working tree directly.
type Result struct {
	Raw          string
	Parsed       bool
	Summary      string
	FilesChanged []string
	Notes        string
}

type structuredOutput struct {
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
	Notes        string   `json:"notes"`
}

// Executor runs a remote command and blocks for its result.
type Executor interface {
	Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (remotecmd.Result, error)
}

// Runner invokes the code-fixing agent.
type Runner struct {
	exec    Executor
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout overrides the default agent timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner creates a Runner over the given executor.
func NewRunner(exec Executor, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{exec: exec, timeout: DefaultTimeout, logger: logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// promptData is the context for the fix_issue template.
type promptData struct {
	Title string
	Body  string
}

// Run invokes the agent against repoPath inside the environment and returns
// its result. The repository is made writable by the agent account for the
// duration of the invocation and reverted afterwards, on the failure path
// too.
func (r *Runner) Run(ctx context.Context, envID, repoPath, title, body string) (Result, error) {
	prompt, err := renderPrompt(title, body)
	if err != nil {
		return Result{}, fmt.Errorf("rendering agent prompt: %w", err)
	}

	if err := r.acquireOwnership(ctx, envID, repoPath); err != nil {
		return Result{}, err
	}
	defer r.releaseOwnership(envID, repoPath)

	command := "claude --print --dangerously-skip-permissions " + remotecmd.EncodeInline(prompt)
	res, err := r.exec.Exec(ctx, envID, command, repoPath, r.timeout)
	if err != nil {
		return Result{}, fmt.Errorf("running agent: %w", err)
	}
	if !res.Ok() {
		return Result{}, fmt.Errorf("agent exited with code %d: %s", res.ExitCode, tail(res.Stderr, 512))
	}

	result := Parse(res.Stdout)
	r.logger.Info("agent finished",
		"env", envID, "parsed", result.Parsed, "elapsed", res.Elapsed)
	return result, nil
}

func (r *Runner) acquireOwnership(ctx context.Context, envID, repoPath string) error {
	cmd := "sudo chown -R agent:agent " + remotecmd.EncodeInline(repoPath)
	res, err := r.exec.Exec(ctx, envID, cmd, "/", 30*time.Second)
	if err != nil {
		return fmt.Errorf("granting agent write access: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("granting agent write access: chown exited %d", res.ExitCode)
	}
	return nil
}

// releaseOwnership reverts repository ownership. It runs on every path out of
// Run, so it uses a fresh context: the caller's may already be cancelled.
func (r *Runner) releaseOwnership(envID, repoPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := "sudo chown -R user:user " + remotecmd.EncodeInline(repoPath)
	res, err := r.exec.Exec(ctx, envID, cmd, "/", 30*time.Second)
	if err != nil {
		r.logger.Warn("reverting repository ownership failed", "env", envID, "error", err)
		return
	}
	if !res.Ok() {
		r.logger.Warn("reverting repository ownership failed", "env", envID, "exit", res.ExitCode)
	}
}

func renderPrompt(title, body string) (string, error) {
	content, err := templateFS.ReadFile("templates/fix_issue.md")
	if err != nil {
		return "", fmt.Errorf("reading template: %w", err)
	}
	tmpl, err := template.New("fix_issue").Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptData{Title: title, Body: body}); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}

// Parse extracts the structured payload from the agent's free-form output. A
// missing or malformed payload yields a degraded Result carrying the raw
// text, never an error.
func Parse(output string) Result {
	result := Result{Raw: output}

	payload, ok := extractJSON(output)
	if !ok {
		return result
	}
	var parsed structuredOutput
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return result
	}

	result.Parsed = true
	result.Summary = parsed.Summary
	result.FilesChanged = parsed.FilesChanged
	result.Notes = parsed.Notes
	return result
}

// extractJSON returns the first balanced brace-delimited region of s. The
// scan is string-aware: braces inside JSON string literals do not affect
// depth.
func extractJSON(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, c := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
