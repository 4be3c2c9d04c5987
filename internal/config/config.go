// Package config provides the server's non-secret settings, loaded from
// environment variables with sensible defaults. Secrets live in the
// credentials package.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultAddr        = "127.0.0.1:8790"
	DefaultMaxWorkers  = 4
	DefaultSnapshot    = "base-node"
	DefaultSetupCmd    = "npm install"
	DefaultServeCmd    = "npm run dev"
	DefaultPreviewPort = 3000
)

// Config holds the server's tunables.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// MaxWorkers caps concurrently running pipelines.
	MaxWorkers int

	// DatabasePath overrides the default run-store location.
	DatabasePath string

	// Snapshot is the base environment snapshot pairs are cloned from.
	Snapshot string

	// SetupCommand and ServeCommand prepare a provisioned environment:
	// install dependencies, then start the app.
	SetupCommand string
	ServeCommand string

	// PreviewPort is the application port exposed through preview links.
	PreviewPort int

	// IgnoreGlobs are working-tree paths excluded from change detection,
	// comma-separated in the environment.
	IgnoreGlobs []string

	// Profile selects a credentials profile from the profiles file.
	Profile string
}

// Load reads configuration from REMEDY_-prefixed environment variables.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("REMEDY")
	v.AutomaticEnv()

	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("max_workers", DefaultMaxWorkers)
	v.SetDefault("snapshot", DefaultSnapshot)
	v.SetDefault("setup_command", DefaultSetupCmd)
	v.SetDefault("serve_command", DefaultServeCmd)
	v.SetDefault("preview_port", DefaultPreviewPort)

	cfg := Config{
		Addr:         v.GetString("addr"),
		MaxWorkers:   v.GetInt("max_workers"),
		DatabasePath: v.GetString("database_path"),
		Snapshot:     v.GetString("snapshot"),
		SetupCommand: v.GetString("setup_command"),
		ServeCommand: v.GetString("serve_command"),
		PreviewPort:  v.GetInt("preview_port"),
		Profile:      v.GetString("profile"),
	}
	if raw := v.GetString("ignore_globs"); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.IgnoreGlobs = append(cfg.IgnoreGlobs, g)
			}
		}
	}
	return cfg
}
