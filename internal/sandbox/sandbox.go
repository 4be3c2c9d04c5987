// Package sandbox is a typed client for the environment-provisioning service:
// isolated, network-reachable execution environments cloned from a base
// snapshot. All calls retry on transient failures (HTTP 5xx, network errors);
// 4xx responses are permanent.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/remedyhq/remedy/internal/retry"
)

// Environment is one provisioned execution environment.
type Environment struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	State    string            `json:"state"`
	Snapshot string            `json:"snapshot"`
	Labels   map[string]string `json:"labels"`
}

// Running reports whether the environment's process is up.
func (e Environment) Running() bool {
	return e.State == "running"
}

// Preview is a tokened, externally reachable URL for a port inside an
// environment.
type Preview struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ExecResult is the raw outcome of one command execution.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// CommandStatus describes a background command started with StartCommand.
type CommandStatus struct {
	ID       string `json:"id"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code"`
}

// CreateSpec describes the environment to create.
type CreateSpec struct {
	Name     string            `json:"name"`
	Snapshot string            `json:"snapshot"`
	Labels   map[string]string `json:"labels,omitempty"`
	EnvVars  map[string]string `json:"env_vars,omitempty"`
}

// CloneSpec describes a repository clone into an environment. Username and
// Token are optional; both empty means an anonymous clone.
type CloneSpec struct {
	RepoURL  string `json:"repo_url"`
	DestPath string `json:"dest_path"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
}

// APIError is a non-2xx response from the provisioning service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandbox API error %d: %s", e.StatusCode, e.Message)
}

// Client talks to the provisioning service over its REST API.
type Client struct {
	apiKey       string
	endpoint     string
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// New creates a client for the provisioning service at endpoint.
func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Create provisions a new environment from the spec's base snapshot.
func (c *Client) Create(ctx context.Context, spec CreateSpec) (Environment, error) {
	var env Environment
	err := c.do(ctx, http.MethodPost, "/v1/environments", spec, &env)
	if err != nil {
		return Environment{}, fmt.Errorf("creating environment: %w", err)
	}
	return env, nil
}

// Get fetches the current state of an environment.
func (c *Client) Get(ctx context.Context, envID string) (Environment, error) {
	var env Environment
	err := c.do(ctx, http.MethodGet, "/v1/environments/"+url.PathEscape(envID), nil, &env)
	if err != nil {
		return Environment{}, fmt.Errorf("getting environment: %w", err)
	}
	return env, nil
}

// Clone clones a repository into the environment.
func (c *Client) Clone(ctx context.Context, envID string, spec CloneSpec) error {
	err := c.do(ctx, http.MethodPost, "/v1/environments/"+url.PathEscape(envID)+"/clone", spec, nil)
	if err != nil {
		return fmt.Errorf("cloning repository: %w", err)
	}
	return nil
}

// PreviewLink returns the externally reachable preview for a port inside the
// environment.
func (c *Client) PreviewLink(ctx context.Context, envID string, port int) (Preview, error) {
	var p Preview
	path := "/v1/environments/" + url.PathEscape(envID) + "/preview?port=" + strconv.Itoa(port)
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return Preview{}, fmt.Errorf("getting preview link: %w", err)
	}
	return p, nil
}

type execRequest struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// Exec runs a shell command inside the environment and blocks until it
// completes or the service-side timeout fires. A non-zero exit code is not an
// error here; it is data in the result.
func (c *Client) Exec(ctx context.Context, envID, command, cwd string, timeout time.Duration) (ExecResult, error) {
	var res ExecResult
	req := execRequest{Command: command, Cwd: cwd, TimeoutMS: timeout.Milliseconds()}
	path := "/v1/environments/" + url.PathEscape(envID) + "/exec"
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return ExecResult{}, fmt.Errorf("executing command: %w", err)
	}
	return res, nil
}

// StartCommand starts a command in the background and returns its command ID
// for liveness polling.
func (c *Client) StartCommand(ctx context.Context, envID, command, cwd string) (string, error) {
	var status CommandStatus
	req := execRequest{Command: command, Cwd: cwd}
	path := "/v1/environments/" + url.PathEscape(envID) + "/commands"
	if err := c.do(ctx, http.MethodPost, path, req, &status); err != nil {
		return "", fmt.Errorf("starting background command: %w", err)
	}
	return status.ID, nil
}

// CommandStatus polls a background command for liveness.
func (c *Client) CommandStatus(ctx context.Context, envID, commandID string) (CommandStatus, error) {
	var status CommandStatus
	path := "/v1/environments/" + url.PathEscape(envID) + "/commands/" + url.PathEscape(commandID)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return CommandStatus{}, fmt.Errorf("polling background command: %w", err)
	}
	return status, nil
}

// do sends one API request with retries and decodes the response into out
// (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.Do(ctx, func() error {
		return c.doOnce(ctx, method, path, body, out)
	}, opts...)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshaling request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(apiErr)
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
