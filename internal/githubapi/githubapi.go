// Package githubapi is a typed client for the git-hosting provider, wrapping
// go-github. Calls retry on transient failures; 4xx responses are permanent.
package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/remedyhq/remedy/internal/retry"
)

// PR is a pull request as this system sees it.
type PR struct {
	Number  int
	HTMLURL string
	Title   string
	State   string
	HeadSHA string
}

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// Client is a typed GitHub API client.
type Client struct {
	gh           *gh.Client
	installation *ghinstallation.Transport
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication. When set, the token
// parameter of New is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a client authenticated either as a GitHub App installation
// (with WithAppAuth) or with a personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	c := &Client{retryBackoff: cfg.retryBackoff}

	if cfg.app != nil {
		itr, err := newInstallationTransport(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		c.installation = itr
		c.gh = gh.NewClient(&http.Client{Transport: itr})
	} else {
		c.gh = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		c.gh, _ = c.gh.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}
	return c, nil
}

func newInstallationTransport(app *AppCredentials, baseURL string) (*ghinstallation.Transport, error) {
	keyData, err := readKeyFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}
	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused, the signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return itr, nil
}

// clientIDSigner signs app JWTs with a string Client ID as the issuer instead
// of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// InstallationToken returns a short-lived installation token suitable for
// authenticated clones and pushes. Only available with App auth.
func (c *Client) InstallationToken(ctx context.Context) (string, error) {
	if c.installation == nil {
		return "", errors.New("installation token requires GitHub App auth")
	}
	token, err := c.installation.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("minting installation token: %w", err)
	}
	return token, nil
}

// CreatePullRequest opens a pull request from head into base and returns it.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FindOpenPR returns the open PR for the given head and base branches, or nil
// when none exists.
func (c *Client) FindOpenPR(ctx context.Context, owner, repo, head, base string) (*PR, error) {
	return retry.DoVal(ctx, func() (*PR, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			Head:  owner + ":" + head,
			Base:  base,
			State: "open",
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("listing pull requests: %w", err))
		}
		if len(prs) == 0 {
			return nil, nil
		}
		pr := prFromGH(prs[0])
		return &pr, nil
	}, c.retryOpts()...)
}

// FetchPR fetches a single pull request by number.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, prNumber int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, prNumber)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

func prFromGH(pr *gh.PullRequest) PR {
	p := PR{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
	}
	if pr.Head != nil {
		p.HeadSHA = pr.Head.GetSHA()
	}
	return p
}

func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// classifyErr marks client errors (4xx) permanent; server and network errors
// stay retryable.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
