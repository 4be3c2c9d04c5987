// Package publish turns the agent's work inside the AFTER environment into a
// branch and pull request: commit identity, default-branch checkout, change
// detection, branch, commit, push, diff summary, PR. Each step's failure
// aborts the remainder and is reported with the step name.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/remedyhq/remedy/internal/githubapi"
	"github.com/remedyhq/remedy/internal/remotecmd"
)

// Commit identity used for all automated commits.
const (
	commitAuthorName  = "remedy-bot"
	commitAuthorEmail = "bot@remedyhq.dev"
)

// cmdTimeout bounds each git command. Push over a slow network is the worst
// case.
const cmdTimeout = 60 * time.Second

// diffPlaceholder stands in when the diff summary cannot be computed.
const diffPlaceholder = "(diff summary unavailable)"

// PreviewLink is one environment's externally reachable endpoint.
type PreviewLink struct {
	URL   string
	Token string
}

// Links holds the preview endpoints of the BEFORE/AFTER pair.
type Links struct {
	Before PreviewLink
	After  PreviewLink
}

// Error reports which publication step failed.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publication step %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Executor runs a remote command inside an environment.
type Executor interface {
	Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (remotecmd.Result, error)
}

// PullRequestAPI is the slice of the hosting provider this package needs.
type PullRequestAPI interface {
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (githubapi.PR, error)
	FindOpenPR(ctx context.Context, owner, repo, head, base string) (*githubapi.PR, error)
}

// Request describes one publication.
type Request struct {
	EnvID         string
	RepoPath      string
	IssueNumber   int
	IssueTitle    string
	Owner         string
	Repo          string
	CloneURL      string
	DefaultBranch string
	Token         string

	AgentParsed  bool
	AgentSummary string
	AgentNotes   string

	Links Links
}

// Result is the outcome of one publication.
type Result struct {
	BranchName string
	Changed    bool
	PRNumber   int
	PRURL      string
}

// Publisher publishes agent results as pull requests.
type Publisher struct {
	exec        Executor
	prAPI       PullRequestAPI
	ignoreGlobs []string
	logger      *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithIgnoreGlobs excludes working-tree paths matching any of the given
// doublestar patterns from change detection. Agent scratch files like
// **/node_modules/** or *.log can be kept out of the commit decision.
func WithIgnoreGlobs(globs ...string) Option {
	return func(p *Publisher) { p.ignoreGlobs = globs }
}

// New creates a Publisher.
func New(exec Executor, prAPI PullRequestAPI, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{exec: exec, prAPI: prAPI, logger: logger}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish runs the full publication sequence and returns the resulting
// branch and pull request. A working tree with no changes still publishes; the
// PR body says so explicitly.
func (p *Publisher) Publish(ctx context.Context, req Request) (Result, error) {
	branch := BranchName(req.IssueNumber, req.IssueTitle)
	res := Result{BranchName: branch}

	if err := p.configureIdentity(ctx, req); err != nil {
		return res, &Error{Step: "identity", Err: err}
	}
	if err := p.checkoutDefault(ctx, req); err != nil {
		return res, &Error{Step: "checkout", Err: err}
	}

	changed, err := p.detectChanges(ctx, req)
	if err != nil {
		return res, &Error{Step: "status", Err: err}
	}
	res.Changed = changed

	if err := p.createBranch(ctx, req, branch); err != nil {
		return res, &Error{Step: "branch", Err: err}
	}
	if changed {
		if err := p.commit(ctx, req); err != nil {
			return res, &Error{Step: "commit", Err: err}
		}
	}
	if err := p.push(ctx, req, branch); err != nil {
		return res, &Error{Step: "push", Err: err}
	}

	diffStat := p.diffSummary(ctx, req)

	pr, err := p.createPR(ctx, req, branch, changed, diffStat)
	if err != nil {
		return res, &Error{Step: "pull_request", Err: err}
	}
	res.PRNumber = pr.Number
	res.PRURL = pr.HTMLURL

	p.logger.Info("published",
		"issue", req.IssueNumber, "branch", branch, "pr", pr.Number, "changed", changed)
	return res, nil
}

func (p *Publisher) run(ctx context.Context, req Request, command string) (remotecmd.Result, error) {
	return p.exec.Exec(ctx, req.EnvID, command, req.RepoPath, cmdTimeout)
}

func (p *Publisher) configureIdentity(ctx context.Context, req Request) error {
	cmd := fmt.Sprintf("git config user.name %q && git config user.email %q",
		commitAuthorName, commitAuthorEmail)
	res, err := p.run(ctx, req, cmd)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("git config exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// checkoutDefault checks out the default branch, retrying once after an
// explicit fetch. A fresh clone can miss remote refs; this is the only retry
// in the pipeline.
func (p *Publisher) checkoutDefault(ctx context.Context, req Request) error {
	checkout := "git checkout " + remotecmd.EncodeInline(req.DefaultBranch)
	res, err := p.run(ctx, req, checkout)
	if err != nil {
		return err
	}
	if res.Ok() {
		return nil
	}

	if fetched, err := p.run(ctx, req, "git fetch origin"); err != nil {
		return err
	} else if !fetched.Ok() {
		return fmt.Errorf("git fetch exited %d: %s", fetched.ExitCode, fetched.Stderr)
	}
	res, err = p.run(ctx, req, checkout)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("git checkout exited %d after fetch: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *Publisher) detectChanges(ctx context.Context, req Request) (bool, error) {
	res, err := p.run(ctx, req, "git status --porcelain")
	if err != nil {
		return false, err
	}
	if !res.Ok() {
		return false, fmt.Errorf("git status exited %d: %s", res.ExitCode, res.Stderr)
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path decides.
		if _, after, found := strings.Cut(path, " -> "); found {
			path = after
		}
		path = strings.Trim(path, `"`)
		if path == "" || p.ignored(path) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (p *Publisher) ignored(path string) bool {
	for _, glob := range p.ignoreGlobs {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

func (p *Publisher) createBranch(ctx context.Context, req Request, branch string) error {
	res, err := p.run(ctx, req, "git checkout -b "+branch)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("git checkout -b exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *Publisher) commit(ctx context.Context, req Request) error {
	message := fmt.Sprintf("Fix issue #%d: %s", req.IssueNumber, req.IssueTitle)
	cmd := "git add -A && git commit -m " + remotecmd.EncodeInline(message)
	res, err := p.run(ctx, req, cmd)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("git commit exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// push pushes the branch through a token-bearing remote URL. The token never
// reaches logs or error text; everything that could carry it is sanitized.
func (p *Publisher) push(ctx context.Context, req Request, branch string) error {
	remote, err := tokenRemote(req.CloneURL, req.Token)
	if err != nil {
		return err
	}
	res, err := p.run(ctx, req, "git push "+remote+" "+branch)
	if err != nil {
		return fmt.Errorf("%s", sanitize(err.Error(), req.Token))
	}
	if !res.Ok() {
		return fmt.Errorf("git push exited %d: %s", res.ExitCode, sanitize(res.Stderr, req.Token))
	}
	return nil
}

func (p *Publisher) diffSummary(ctx context.Context, req Request) string {
	cmd := "git diff --stat " + remotecmd.EncodeInline(req.DefaultBranch) + "...HEAD"
	res, err := p.run(ctx, req, cmd)
	if err != nil || !res.Ok() {
		return diffPlaceholder
	}
	stat := strings.TrimSpace(res.Stdout)
	if stat == "" {
		return diffPlaceholder
	}
	return stat
}

func (p *Publisher) createPR(ctx context.Context, req Request, branch string, changed bool, diffStat string) (githubapi.PR, error) {
	title := fmt.Sprintf("Fix: %s", req.IssueTitle)
	body := buildBody(req, changed, diffStat)

	pr, err := p.prAPI.CreatePullRequest(ctx, req.Owner, req.Repo, branch, req.DefaultBranch, title, body)
	if err == nil {
		return pr, nil
	}

	// Creation can fail because a previous run already opened the PR for this
	// branch; reuse it instead of failing the publication.
	if existing, findErr := p.prAPI.FindOpenPR(ctx, req.Owner, req.Repo, branch, req.DefaultBranch); findErr == nil && existing != nil {
		return *existing, nil
	}
	return githubapi.PR{}, sanitizeErr(err, req.Token)
}

func buildBody(req Request, changed bool, diffStat string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Automated fix for #%d.\n\n", req.IssueNumber)
	switch {
	case req.AgentParsed && req.AgentSummary != "":
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", req.AgentSummary)
	default:
		b.WriteString("## Summary\n\nThe agent did not report a structured summary; review the diff directly.\n\n")
	}
	if req.AgentNotes != "" {
		fmt.Fprintf(&b, "**Notes:** %s\n\n", req.AgentNotes)
	}
	if !changed {
		b.WriteString("> No code changes were detected in the working tree after the agent run.\n\n")
	}

	b.WriteString("## Preview environments\n\n")
	fmt.Fprintf(&b, "| | URL | Access token |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| Before | %s | `%s` |\n", req.Links.Before.URL, req.Links.Before.Token)
	fmt.Fprintf(&b, "| After | %s | `%s` |\n\n", req.Links.After.URL, req.Links.After.Token)

	fmt.Fprintf(&b, "## Diff\n\n```\n%s\n```\n\n", diffStat)
	fmt.Fprintf(&b, "Closes #%d\n", req.IssueNumber)
	return b.String()
}

// tokenRemote builds a push URL carrying the installation token.
func tokenRemote(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("parsing clone URL: %w", err)
	}
	if token != "" {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

func sanitize(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func sanitizeErr(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return fmt.Errorf("%s", sanitize(err.Error(), token))
}
