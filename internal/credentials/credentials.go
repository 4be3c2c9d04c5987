// Package credentials resolves the secrets the pipeline needs: environment
// variables take precedence over an optional yaml profiles file. A missing
// credential is a typed error so the caller can fail fast before any remote
// side effect.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variable names, in precedence over the profiles file.
const (
	EnvGithubToken     = "GITHUB_TOKEN"
	EnvWebhookSecret   = "WEBHOOK_SECRET"
	EnvSandboxAPIKey   = "SANDBOX_API_KEY"
	EnvSandboxEndpoint = "SANDBOX_ENDPOINT"
	EnvAgentAPIKey     = "AGENT_API_KEY"
)

// Credentials holds every secret a remediation run can need.
type Credentials struct {
	GithubToken     string
	WebhookSecret   string
	SandboxAPIKey   string
	SandboxEndpoint string
	AgentAPIKey     string

	// GitHub App authentication (alternative to GithubToken).
	GithubAppClientID       string
	GithubAppInstallationID int64
	GithubAppPrivateKeyPath string
}

// HasGithubApp returns true when all GitHub App fields are configured.
func (c Credentials) HasGithubApp() bool {
	return c.GithubAppClientID != "" && c.GithubAppInstallationID != 0 && c.GithubAppPrivateKeyPath != ""
}

// MissingError reports a credential that is required for a pipeline stage but
// was not configured.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required credential %s", e.Name)
}

// Require returns a MissingError naming the first empty credential among the
// given (name, value) pairs, or nil when all are set.
func Require(pairs ...[2]string) error {
	for _, p := range pairs {
		if p[1] == "" {
			return &MissingError{Name: p[0]}
		}
	}
	return nil
}

// ValidateForPipeline checks every credential a full remediation run needs.
// The webhook secret is checked separately at server startup.
func (c Credentials) ValidateForPipeline() error {
	if c.GithubToken == "" && !c.HasGithubApp() {
		return &MissingError{Name: EnvGithubToken}
	}
	return Require(
		[2]string{EnvSandboxAPIKey, c.SandboxAPIKey},
		[2]string{EnvSandboxEndpoint, c.SandboxEndpoint},
		[2]string{EnvAgentAPIKey, c.AgentAPIKey},
	)
}

type profileEntry struct {
	GithubToken             string `yaml:"github_token"`
	WebhookSecret           string `yaml:"webhook_secret"`
	SandboxAPIKey           string `yaml:"sandbox_api_key"`
	SandboxEndpoint         string `yaml:"sandbox_endpoint"`
	AgentAPIKey             string `yaml:"agent_api_key"`
	GithubAppClientID       string `yaml:"github_app_client_id"`
	GithubAppInstallationID int64  `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

type credentialsFile struct {
	DefaultProfile string                  `yaml:"default_profile"`
	Profiles       map[string]profileEntry `yaml:"profiles"`
}

// DefaultPath returns the default configuration directory (~/.remedyd).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".remedyd")
}

// Resolve returns Credentials for the given profile with env vars taking
// precedence over file values. A missing file is not an error unless a
// specific profile was requested; env vars alone are a valid configuration.
func Resolve(configDir, profileName string) (Credentials, error) {
	creds := fromEnv()

	filePath := filepath.Join(configDir, "credentials.yaml")
	data, err := os.ReadFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
		}
		if profileName != "" {
			return Credentials{}, fmt.Errorf("credentials file not found: %s", filePath)
		}
		return creds, nil
	}

	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file: %w", err)
	}

	if profileName == "" {
		profileName = cf.DefaultProfile
	}
	if profileName == "" {
		// File exists but names no default profile: env vars alone.
		return creds, nil
	}

	profile, ok := cf.Profiles[profileName]
	if !ok {
		return Credentials{}, fmt.Errorf("profile %q not found in %s", profileName, filePath)
	}

	if err := validateAppFields(profile); err != nil {
		return Credentials{}, fmt.Errorf("profile %q: %w", profileName, err)
	}

	return merge(profile, creds), nil
}

func fromEnv() Credentials {
	return Credentials{
		GithubToken:     os.Getenv(EnvGithubToken),
		WebhookSecret:   os.Getenv(EnvWebhookSecret),
		SandboxAPIKey:   os.Getenv(EnvSandboxAPIKey),
		SandboxEndpoint: os.Getenv(EnvSandboxEndpoint),
		AgentAPIKey:     os.Getenv(EnvAgentAPIKey),
	}
}

// merge overlays env-derived values on top of the file profile. A GITHUB_TOKEN
// env var overrides App auth entirely.
func merge(p profileEntry, env Credentials) Credentials {
	creds := Credentials{
		GithubToken:             p.GithubToken,
		WebhookSecret:           p.WebhookSecret,
		SandboxAPIKey:           p.SandboxAPIKey,
		SandboxEndpoint:         p.SandboxEndpoint,
		AgentAPIKey:             p.AgentAPIKey,
		GithubAppClientID:       p.GithubAppClientID,
		GithubAppInstallationID: p.GithubAppInstallationID,
		GithubAppPrivateKeyPath: p.GithubAppPrivateKeyPath,
	}
	if env.GithubToken != "" {
		creds.GithubToken = env.GithubToken
		creds.GithubAppClientID = ""
		creds.GithubAppInstallationID = 0
		creds.GithubAppPrivateKeyPath = ""
	}
	if env.WebhookSecret != "" {
		creds.WebhookSecret = env.WebhookSecret
	}
	if env.SandboxAPIKey != "" {
		creds.SandboxAPIKey = env.SandboxAPIKey
	}
	if env.SandboxEndpoint != "" {
		creds.SandboxEndpoint = env.SandboxEndpoint
	}
	if env.AgentAPIKey != "" {
		creds.AgentAPIKey = env.AgentAPIKey
	}
	return creds
}

// validateAppFields checks that the github_app_* fields are either all set or
// all empty.
func validateAppFields(p profileEntry) error {
	set := 0
	var missing []string
	if p.GithubAppClientID != "" {
		set++
	} else {
		missing = append(missing, "github_app_client_id")
	}
	if p.GithubAppInstallationID != 0 {
		set++
	} else {
		missing = append(missing, "github_app_installation_id")
	}
	if p.GithubAppPrivateKeyPath != "" {
		set++
	} else {
		missing = append(missing, "github_app_private_key_path")
	}
	if set > 0 && set < 3 {
		return fmt.Errorf("incomplete GitHub App config, missing: %v", missing)
	}
	return nil
}
