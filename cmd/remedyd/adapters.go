package main

import (
	"context"
	"time"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/githubapi"
	"github.com/remedyhq/remedy/internal/orchestrator"
	"github.com/remedyhq/remedy/internal/provision"
	"github.com/remedyhq/remedy/internal/publish"
	"github.com/remedyhq/remedy/internal/remotecmd"
	"github.com/remedyhq/remedy/internal/sandbox"
	"github.com/remedyhq/remedy/internal/server"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/worker"
)

// Compile-time interface checks.
var (
	_ provision.EnvironmentAPI  = (*sandbox.Client)(nil)
	_ remotecmd.API             = (*sandboxCommandAPI)(nil)
	_ agent.Executor            = (*remotecmd.Executor)(nil)
	_ publish.Executor          = (*remotecmd.Executor)(nil)
	_ publish.PullRequestAPI    = (*githubapi.Client)(nil)
	_ orchestrator.Executor     = (*remotecmd.Executor)(nil)
	_ orchestrator.RunStore     = (*store.Store)(nil)
	_ orchestrator.Provisioner  = (*provision.Provisioner)(nil)
	_ orchestrator.AgentRunner  = (*agent.Runner)(nil)
	_ orchestrator.Publisher    = (*publish.Publisher)(nil)
	_ worker.Runner             = (*orchestrator.Pipeline)(nil)
	_ server.RunStore           = (*store.Store)(nil)
	_ server.PipelineDispatcher = (*worker.Dispatcher)(nil)
)

// sandboxCommandAPI adapts the sandbox client's command surface to the shape
// the remote command executor consumes.
type sandboxCommandAPI struct {
	client *sandbox.Client
}

func (a *sandboxCommandAPI) Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (remotecmd.RawResult, error) {
	res, err := a.client.Exec(ctx, envID, command, cwd, timeout)
	if err != nil {
		return remotecmd.RawResult{}, err
	}
	return remotecmd.RawResult{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.DurationMS,
	}, nil
}

func (a *sandboxCommandAPI) StartCommand(ctx context.Context, envID, command, cwd string) (string, error) {
	return a.client.StartCommand(ctx, envID, command, cwd)
}

func (a *sandboxCommandAPI) CommandStatus(ctx context.Context, envID, commandID string) (bool, int, error) {
	status, err := a.client.CommandStatus(ctx, envID, commandID)
	if err != nil {
		return false, 0, err
	}
	return status.Running, status.ExitCode, nil
}
