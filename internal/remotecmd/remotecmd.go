// Package remotecmd runs shell commands inside provisioned environments with
// timeout and output discipline. Non-zero exit codes are data, not errors;
// only transport failures and timeouts surface as errors. Any user- or
// issue-supplied text embedded in a command must go through EncodeInline so
// the remote shell never interprets it.
package remotecmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Result is the outcome of one remote command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool {
	return r.ExitCode == 0
}

// TimeoutError reports a command that exceeded its timeout. The command is
// considered not-applied: callers must not assume any file-system effect,
// though the remote process may keep running detached.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote command exceeded timeout of %s", e.Timeout)
}

// RawResult is what the provisioning service reports for one execution.
type RawResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
}

// API is the command surface of the provisioning service.
type API interface {
	Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (RawResult, error)
	StartCommand(ctx context.Context, envID, command, cwd string) (string, error)
	CommandStatus(ctx context.Context, envID, commandID string) (running bool, exitCode int, err error)
}

// graceWindow is added to the local deadline so the service-side timeout
// normally fires first and reports partial output.
const graceWindow = 10 * time.Second

// Executor runs remote commands with the package's timeout and encoding
// discipline.
type Executor struct {
	api    API
	logger *slog.Logger
}

// New creates an Executor over the given API.
func New(api API, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{api: api, logger: logger}
}

// Exec runs command in the environment's cwd and blocks until completion or
// timeout. On timeout it returns a *TimeoutError. Command text is never
// logged; it may carry credentials or encoded user input.
func (e *Executor) Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+graceWindow)
	defer cancel()

	start := time.Now()
	raw, err := e.api.Exec(ctx, envID, command, cwd, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, &TimeoutError{Timeout: timeout}
		}
		return Result{}, fmt.Errorf("executing remote command: %w", err)
	}

	res := Result{
		ExitCode: raw.ExitCode,
		Stdout:   raw.Stdout,
		Stderr:   raw.Stderr,
		Elapsed:  time.Duration(raw.DurationMS) * time.Millisecond,
	}
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}

	e.logger.Debug("remote command finished",
		"env", envID, "cwd", cwd, "exit", res.ExitCode, "elapsed", res.Elapsed)
	return res, nil
}

// StartBackground starts a long-running command without waiting for it and
// returns its command ID.
func (e *Executor) StartBackground(ctx context.Context, envID, command, cwd string) (string, error) {
	id, err := e.api.StartCommand(ctx, envID, command, cwd)
	if err != nil {
		return "", fmt.Errorf("starting background command: %w", err)
	}
	return id, nil
}

// Alive polls a background command for liveness.
func (e *Executor) Alive(ctx context.Context, envID, commandID string) (bool, error) {
	running, _, err := e.api.CommandStatus(ctx, envID, commandID)
	if err != nil {
		return false, fmt.Errorf("polling background command: %w", err)
	}
	return running, nil
}

// EncodeInline returns a shell fragment that evaluates to payload on the
// remote side. The payload travels base64-encoded (no shell metacharacters
// survive), is decoded just before use, and the fragment is safe to embed
// where a quoted word is expected.
func EncodeInline(payload string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	return `"$(printf %s '` + encoded + `' | base64 -d)"`
}
