// Package provision creates the BEFORE/AFTER environment pair for a run: two
// identical environments cloned from the same base snapshot with the target
// repository checked out, so reviewers can compare reproduced behavior against
// the fixed behavior side by side.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/remedyhq/remedy/internal/sandbox"
)

// Environment roles within a pair.
const (
	RoleBefore = "before"
	RoleAfter  = "after"
)

// agentKeyVar is the variable the coding agent reads its API key from. It is
// injected into the AFTER environment only; the BEFORE environment never
// holds agent credentials.
const agentKeyVar = "ANTHROPIC_API_KEY"

// Pair holds the two environments of one run. After may be empty when the
// second provisioning step failed; callers should still record Before so the
// partial pair is visible.
type Pair struct {
	Before sandbox.Environment
	After  sandbox.Environment
}

// Error reports which half of the pair failed to provision.
type Error struct {
	Role string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning %s environment: %v", e.Role, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// EnvironmentAPI is the slice of the provisioning service this package needs.
type EnvironmentAPI interface {
	Create(ctx context.Context, spec sandbox.CreateSpec) (sandbox.Environment, error)
	Get(ctx context.Context, envID string) (sandbox.Environment, error)
	Clone(ctx context.Context, envID string, spec sandbox.CloneSpec) error
	PreviewLink(ctx context.Context, envID string, port int) (sandbox.Preview, error)
}

// Request describes the repository a pair is provisioned for.
type Request struct {
	IssueNumber   int
	Owner         string
	Repo          string
	CloneURL      string
	DefaultBranch string
	Token         string
}

// Provisioner creates and inspects environment pairs.
type Provisioner struct {
	api         EnvironmentAPI
	snapshot    string
	agentAPIKey string
	logger      *slog.Logger
}

// New creates a Provisioner that clones environments from the given base
// snapshot. agentAPIKey is handed only to AFTER environments.
func New(api EnvironmentAPI, snapshot, agentAPIKey string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{api: api, snapshot: snapshot, agentAPIKey: agentAPIKey, logger: logger}
}

// RepoPath is where a repository is cloned inside an environment.
func RepoPath(repo string) string {
	return path.Join("/home/user", repo)
}

// CreatePair provisions the BEFORE environment, then the AFTER environment,
// each with the repository cloned. A BEFORE failure aborts before any AFTER
// work. An AFTER failure still returns the pair with Before populated so the
// caller can persist the half that exists.
func (p *Provisioner) CreatePair(ctx context.Context, req Request) (Pair, error) {
	before, err := p.createOne(ctx, req, RoleBefore)
	if err != nil {
		return Pair{}, &Error{Role: RoleBefore, Err: err}
	}
	p.logger.Info("environment provisioned",
		"role", RoleBefore, "env", before.ID, "issue", req.IssueNumber)

	after, err := p.createOne(ctx, req, RoleAfter)
	if err != nil {
		return Pair{Before: before}, &Error{Role: RoleAfter, Err: err}
	}
	p.logger.Info("environment provisioned",
		"role", RoleAfter, "env", after.ID, "issue", req.IssueNumber)

	return Pair{Before: before, After: after}, nil
}

func (p *Provisioner) createOne(ctx context.Context, req Request, role string) (sandbox.Environment, error) {
	spec := sandbox.CreateSpec{
		Name:     fmt.Sprintf("issue-%d-%s", req.IssueNumber, role),
		Snapshot: p.snapshot,
		Labels: map[string]string{
			"issue":      fmt.Sprintf("%d", req.IssueNumber),
			"repository": req.Owner + "/" + req.Repo,
			"role":       role,
		},
	}
	if role == RoleAfter && p.agentAPIKey != "" {
		spec.EnvVars = map[string]string{agentKeyVar: p.agentAPIKey}
	}

	env, err := p.api.Create(ctx, spec)
	if err != nil {
		return sandbox.Environment{}, fmt.Errorf("creating environment: %w", err)
	}

	clone := sandbox.CloneSpec{
		RepoURL:  req.CloneURL,
		DestPath: RepoPath(req.Repo),
	}
	if user, token, ok := cloneAuth(req.CloneURL, req.Token); ok {
		clone.Username, clone.Token = user, token
	}
	if err := p.api.Clone(ctx, env.ID, clone); err != nil {
		return sandbox.Environment{}, fmt.Errorf("cloning repository into %s: %w", env.ID, err)
	}
	return env, nil
}

// cloneAuth decides whether to attach installation-token credentials to a
// clone. Tokens are only sent to hosts we recognize; anything else clones
// anonymously rather than leak the token to an arbitrary host.
func cloneAuth(cloneURL, token string) (username, secret string, ok bool) {
	if token == "" {
		return "", "", false
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", "", false
	}
	host := strings.ToLower(u.Host)
	if host == "github.com" || strings.HasSuffix(host, ".github.com") {
		return "x-access-token", token, true
	}
	return "", "", false
}

// WaitRunning polls until the environment reports a running state or the
// timeout elapses.
func (p *Provisioner) WaitRunning(ctx context.Context, envID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		env, err := p.api.Get(ctx, envID)
		if err == nil && env.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("environment %s not running after %s: %w", envID, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Preview returns the tokened preview link for a port inside the environment.
func (p *Provisioner) Preview(ctx context.Context, envID string, port int) (sandbox.Preview, error) {
	return p.api.PreviewLink(ctx, envID, port)
}
