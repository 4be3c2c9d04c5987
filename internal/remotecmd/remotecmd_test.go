package remotecmd

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeAPI struct {
	execFn   func(ctx context.Context, envID, command, cwd string, timeout time.Duration) (RawResult, error)
	startFn  func(ctx context.Context, envID, command, cwd string) (string, error)
	statusFn func(ctx context.Context, envID, commandID string) (bool, int, error)
}

func (f *fakeAPI) Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (RawResult, error) {
	return f.execFn(ctx, envID, command, cwd, timeout)
}

func (f *fakeAPI) StartCommand(ctx context.Context, envID, command, cwd string) (string, error) {
	return f.startFn(ctx, envID, command, cwd)
}

func (f *fakeAPI) CommandStatus(ctx context.Context, envID, commandID string) (bool, int, error) {
	return f.statusFn(ctx, envID, commandID)
}

func TestExec_NonZeroExitIsData(t *testing.T) {
	api := &fakeAPI{
		execFn: func(_ context.Context, _, _, _ string, _ time.Duration) (RawResult, error) {
			return RawResult{ExitCode: 128, Stderr: "fatal: not a git repository", DurationMS: 12}, nil
		},
	}

	res, err := New(api, nil).Exec(context.Background(), "env-1", "git status", "/repo", time.Minute)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 128 {
		t.Errorf("ExitCode = %d, want 128", res.ExitCode)
	}
	if res.Ok() {
		t.Error("Ok() = true for exit 128")
	}
	if res.Elapsed != 12*time.Millisecond {
		t.Errorf("Elapsed = %s, want 12ms", res.Elapsed)
	}
}

func TestExec_DeadlineBecomesTimeoutError(t *testing.T) {
	api := &fakeAPI{
		execFn: func(ctx context.Context, _, _, _ string, _ time.Duration) (RawResult, error) {
			return RawResult{}, context.DeadlineExceeded
		},
	}

	_, err := New(api, nil).Exec(context.Background(), "env-1", "sleep 600", "/repo", time.Second)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeoutErr.Timeout != time.Second {
		t.Errorf("Timeout = %s, want 1s", timeoutErr.Timeout)
	}
}

func TestExec_TransportErrorSurfaces(t *testing.T) {
	api := &fakeAPI{
		execFn: func(_ context.Context, _, _, _ string, _ time.Duration) (RawResult, error) {
			return RawResult{}, errors.New("connection refused")
		},
	}

	_, err := New(api, nil).Exec(context.Background(), "env-1", "true", "/", time.Minute)
	if err == nil {
		t.Fatal("expected an error")
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Errorf("transport error misclassified as timeout: %v", err)
	}
}

func TestStartBackgroundAndAlive(t *testing.T) {
	api := &fakeAPI{
		startFn: func(_ context.Context, _, command, cwd string) (string, error) {
			if command != "npm run dev" || cwd != "/home/user/shop" {
				t.Errorf("command/cwd = %q/%q", command, cwd)
			}
			return "cmd-3", nil
		},
		statusFn: func(_ context.Context, _, commandID string) (bool, int, error) {
			if commandID != "cmd-3" {
				t.Errorf("commandID = %q", commandID)
			}
			return true, 0, nil
		},
	}

	e := New(api, nil)
	id, err := e.StartBackground(context.Background(), "env-1", "npm run dev", "/home/user/shop")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	alive, err := e.Alive(context.Background(), "env-1", id)
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	if !alive {
		t.Error("alive = false, want true")
	}
}

func TestEncodeInline_RoundTripsHostileInput(t *testing.T) {
	hostile := "title'; rm -rf / #$(reboot)\n`curl evil`|&;<>"
	fragment := EncodeInline(hostile)

	// The hostile text itself must not appear in the fragment.
	if strings.Contains(fragment, "rm -rf") {
		t.Errorf("raw payload leaked into fragment: %q", fragment)
	}

	// The fragment carries exactly one single-quoted base64 word that decodes
	// back to the payload.
	start := strings.Index(fragment, "'") + 1
	end := strings.LastIndex(fragment, "'")
	decoded, err := base64.StdEncoding.DecodeString(fragment[start:end])
	if err != nil {
		t.Fatalf("embedded word is not base64: %v", err)
	}
	if string(decoded) != hostile {
		t.Errorf("round trip = %q, want %q", decoded, hostile)
	}
}

func TestEncodeInline_NoShellMetacharactersInPayloadRegion(t *testing.T) {
	fragment := EncodeInline("anything at all; even ; and $ and `")
	inner := fragment[strings.Index(fragment, "'")+1 : strings.LastIndex(fragment, "'")]
	for _, c := range inner {
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '+' || c == '/' || c == '='
		if !ok {
			t.Fatalf("unexpected character %q in encoded region", c)
		}
	}
}
