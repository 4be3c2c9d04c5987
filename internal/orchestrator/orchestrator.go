// Package orchestrator sequences one remediation run end to end: provision
// the environment pair, set up and fix, publish, and record every transition
// in the run store. A failure in any stage is contained to its run; the
// failed stage name and error detail are persisted and nothing is retried.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/provision"
	"github.com/remedyhq/remedy/internal/publish"
	"github.com/remedyhq/remedy/internal/remotecmd"
	"github.com/remedyhq/remedy/internal/sandbox"
	"github.com/remedyhq/remedy/internal/store"
)

// Pipeline stages, persisted on the run record.
const (
	StagePending      = "pending"
	StageProvisioning = "provisioning"
	StageFixing       = "fixing"
	StagePublishing   = "publishing"
	StageCompleted    = "completed"
	StageFailed       = "failed"
)

// Failed-stage names recorded when a run is marked failed.
const (
	FailedProvisioning = "provisioning"
	FailedSetup        = "setup"
	FailedAgent        = "agent"
	FailedPublication  = "publication"
)

// DefaultPreviewPort is the application port exposed through preview links.
const DefaultPreviewPort = 3000

// RunStore persists run state and activity.
type RunStore interface {
	UpdateRun(issueNumber int, patch store.Patch) (store.Run, error)
	LogActivity(runID, eventType, fromStage, toStage, detail string) error
}

// Provisioner creates and inspects environment pairs.
type Provisioner interface {
	CreatePair(ctx context.Context, req provision.Request) (provision.Pair, error)
	WaitRunning(ctx context.Context, envID string, timeout time.Duration) error
	Preview(ctx context.Context, envID string, port int) (sandbox.Preview, error)
}

// AgentRunner drives the code-fixing agent inside the AFTER environment.
type AgentRunner interface {
	Run(ctx context.Context, envID, repoPath, title, body string) (agent.Result, error)
}

// Publisher turns the AFTER environment's working tree into a pull request.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (publish.Result, error)
}

// Executor runs setup commands inside environments.
type Executor interface {
	Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (remotecmd.Result, error)
	StartBackground(ctx context.Context, envID, command, cwd string) (string, error)
}

// Config holds the dependencies and tunables of a Pipeline.
type Config struct {
	Store       RunStore
	Provisioner Provisioner
	Agent       AgentRunner
	Publisher   Publisher
	Executor    Executor

	// TokenFn returns the hosting-provider token used for clones and pushes.
	// With App auth this mints a fresh installation token per run.
	TokenFn func(ctx context.Context) (string, error)

	// SetupCommand installs the target repository's dependencies; ServeCommand
	// starts its app in the background so preview links resolve.
	SetupCommand string
	ServeCommand string
	SetupTimeout time.Duration

	PreviewPort int

	// OnEvent, when set, is called for every stage transition and pipeline
	// event, so the caller can broadcast live updates without this package
	// knowing about transports.
	OnEvent func(issueNumber int, detail string)

	Logger *slog.Logger
}

// Pipeline runs remediation pipelines. One Pipeline serves all runs;
// per-run state lives only in the store.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. Zero tunables get defaults.
func New(cfg Config) *Pipeline {
	if cfg.SetupCommand == "" {
		cfg.SetupCommand = "npm install"
	}
	if cfg.ServeCommand == "" {
		cfg.ServeCommand = "npm run dev"
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 5 * time.Minute
	}
	if cfg.PreviewPort <= 0 {
		cfg.PreviewPort = DefaultPreviewPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenFn == nil {
		cfg.TokenFn = func(context.Context) (string, error) { return "", nil }
	}
	return &Pipeline{cfg: cfg}
}

// Run drives one remediation run to a terminal state. The returned error is
// informational; the failure is already persisted on the run record.
func (p *Pipeline) Run(ctx context.Context, run store.Run) error {
	repoPath := provision.RepoPath(run.Repo)

	token, err := p.cfg.TokenFn(ctx)
	if err != nil {
		return p.fail(run, FailedProvisioning, fmt.Errorf("resolving hosting token: %w", err))
	}

	// Provisioning.
	run = p.transition(run, StageProvisioning, store.Patch{Status: store.String(store.StatusProcessing)})

	pair, err := p.cfg.Provisioner.CreatePair(ctx, provision.Request{
		IssueNumber:   run.IssueNumber,
		Owner:         run.Owner,
		Repo:          run.Repo,
		CloneURL:      run.CloneURL,
		DefaultBranch: run.DefaultBranch,
		Token:         token,
	})
	if pair.Before.ID != "" {
		// Persist whatever half exists, even on the failure path.
		patch := store.Patch{BeforeEnvID: store.String(pair.Before.ID)}
		if pair.After.ID != "" {
			patch.AfterEnvID = store.String(pair.After.ID)
		}
		run = p.update(run, patch)
	}
	if err != nil {
		return p.fail(run, FailedProvisioning, err)
	}

	// Fixing: BEFORE setup reproduces the reported state while the agent
	// works in AFTER; neither depends on the other.
	run = p.transition(run, StageFixing, store.Patch{})

	setupErrCh := make(chan error, 1)
	go func() {
		setupErrCh <- p.setupEnv(ctx, pair.Before.ID, repoPath)
	}()

	agentRes, agentErr := p.cfg.Agent.Run(ctx, pair.After.ID, repoPath, run.IssueTitle, run.IssueBody)
	setupErr := <-setupErrCh

	if agentErr != nil {
		return p.fail(run, FailedAgent, agentErr)
	}
	run = p.update(run, store.Patch{
		AgentOutput:  store.String(agentRes.Raw),
		AgentParsed:  store.Bool(agentRes.Parsed),
		AgentSummary: store.String(agentRes.Summary),
	})
	p.event(run, "agent finished")

	if setupErr != nil {
		return p.fail(run, FailedSetup, setupErr)
	}
	if err := p.setupEnv(ctx, pair.After.ID, repoPath); err != nil {
		return p.fail(run, FailedSetup, err)
	}

	links, err := p.refreshPreviews(ctx, pair)
	if err != nil {
		return p.fail(run, FailedSetup, err)
	}
	run = p.update(run, store.Patch{
		BeforePreviewURL:   store.String(links.Before.URL),
		BeforePreviewToken: store.String(links.Before.Token),
		AfterPreviewURL:    store.String(links.After.URL),
		AfterPreviewToken:  store.String(links.After.Token),
	})

	// Publication.
	run = p.transition(run, StagePublishing, store.Patch{})

	pubRes, err := p.cfg.Publisher.Publish(ctx, publish.Request{
		EnvID:         pair.After.ID,
		RepoPath:      repoPath,
		IssueNumber:   run.IssueNumber,
		IssueTitle:    run.IssueTitle,
		Owner:         run.Owner,
		Repo:          run.Repo,
		CloneURL:      run.CloneURL,
		DefaultBranch: run.DefaultBranch,
		Token:         token,
		AgentParsed:   agentRes.Parsed,
		AgentSummary:  agentRes.Summary,
		AgentNotes:    agentRes.Notes,
		Links:         links,
	})
	if pubRes.BranchName != "" {
		run = p.update(run, store.Patch{BranchName: store.String(pubRes.BranchName)})
	}
	if err != nil {
		return p.fail(run, FailedPublication, err)
	}

	run = p.update(run, store.Patch{
		PRNumber: store.Int(pubRes.PRNumber),
		PRURL:    store.String(pubRes.PRURL),
	})
	p.transition(run, StageCompleted, store.Patch{Status: store.String(store.StatusCompleted)})

	p.cfg.Logger.Info("run completed",
		"issue", run.IssueNumber, "pr", pubRes.PRNumber, "branch", pubRes.BranchName)
	return nil
}

// setupEnv installs dependencies and starts the app in the background.
func (p *Pipeline) setupEnv(ctx context.Context, envID, repoPath string) error {
	res, err := p.cfg.Executor.Exec(ctx, envID, p.cfg.SetupCommand, repoPath, p.cfg.SetupTimeout)
	if err != nil {
		return fmt.Errorf("setting up %s: %w", envID, err)
	}
	if !res.Ok() {
		return fmt.Errorf("setting up %s: setup command exited %d", envID, res.ExitCode)
	}
	if _, err := p.cfg.Executor.StartBackground(ctx, envID, p.cfg.ServeCommand, repoPath); err != nil {
		return fmt.Errorf("starting app in %s: %w", envID, err)
	}
	return nil
}

// refreshPreviews waits for both environments to report running, then fetches
// fresh preview links. Neither link is requested before both are up.
func (p *Pipeline) refreshPreviews(ctx context.Context, pair provision.Pair) (publish.Links, error) {
	for _, id := range []string{pair.Before.ID, pair.After.ID} {
		if err := p.cfg.Provisioner.WaitRunning(ctx, id, p.cfg.SetupTimeout); err != nil {
			return publish.Links{}, err
		}
	}

	before, err := p.cfg.Provisioner.Preview(ctx, pair.Before.ID, p.cfg.PreviewPort)
	if err != nil {
		return publish.Links{}, fmt.Errorf("refreshing BEFORE preview: %w", err)
	}
	after, err := p.cfg.Provisioner.Preview(ctx, pair.After.ID, p.cfg.PreviewPort)
	if err != nil {
		return publish.Links{}, fmt.Errorf("refreshing AFTER preview: %w", err)
	}
	return publish.Links{
		Before: publish.PreviewLink{URL: before.URL, Token: before.Token},
		After:  publish.PreviewLink{URL: after.URL, Token: after.Token},
	}, nil
}

// transition persists a stage change, records it in the activity log, and
// notifies the event hook.
func (p *Pipeline) transition(run store.Run, stage string, patch store.Patch) store.Run {
	from := run.Stage
	patch.Stage = store.String(stage)
	updated := p.update(run, patch)

	if err := p.cfg.Store.LogActivity(updated.ID, "stage_change", from, stage, ""); err != nil {
		p.cfg.Logger.Warn("recording stage change failed", "issue", run.IssueNumber, "error", err)
	}
	p.notify(updated, fmt.Sprintf("stage: %s", stage))
	return updated
}

func (p *Pipeline) update(run store.Run, patch store.Patch) store.Run {
	updated, err := p.cfg.Store.UpdateRun(run.IssueNumber, patch)
	if err != nil {
		p.cfg.Logger.Error("persisting run update failed", "issue", run.IssueNumber, "error", err)
		return run
	}
	return updated
}

// fail marks the run failed for the given stage. The error detail is
// persisted; environment ids recorded earlier stay on the record.
func (p *Pipeline) fail(run store.Run, failedStage string, cause error) error {
	p.cfg.Logger.Error("run failed",
		"issue", run.IssueNumber, "stage", failedStage, "error", cause)

	updated := p.update(run, store.Patch{
		Status:       store.String(store.StatusFailed),
		Stage:        store.String(StageFailed),
		FailedStage:  store.String(failedStage),
		ErrorMessage: store.String(cause.Error()),
	})
	if err := p.cfg.Store.LogActivity(updated.ID, "run_failed", run.Stage, StageFailed, cause.Error()); err != nil {
		p.cfg.Logger.Warn("recording failure failed", "issue", run.IssueNumber, "error", err)
	}
	p.notify(updated, fmt.Sprintf("failed at %s: %v", failedStage, cause))
	return fmt.Errorf("run for issue %d failed at %s: %w", run.IssueNumber, failedStage, cause)
}

// event records a non-transition pipeline event.
func (p *Pipeline) event(run store.Run, detail string) {
	if err := p.cfg.Store.LogActivity(run.ID, "pipeline_event", "", "", detail); err != nil {
		p.cfg.Logger.Warn("recording pipeline event failed", "issue", run.IssueNumber, "error", err)
	}
	p.notify(run, detail)
}

func (p *Pipeline) notify(run store.Run, detail string) {
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(run.IssueNumber, detail)
	}
}
