package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/config"
	"github.com/remedyhq/remedy/internal/credentials"
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

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	creds, err := credentials.Resolve(credentials.DefaultPath(), cfg.Profile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	if creds.WebhookSecret == "" {
		return &credentials.MissingError{Name: credentials.EnvWebhookSecret}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		if dbPath, err = store.DefaultPath(); err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer st.Close()

	ghClient, tokenFn, err := newGithubClient(creds)
	if err != nil {
		return err
	}

	sbx := sandbox.New(creds.SandboxEndpoint, creds.SandboxAPIKey)
	executor := remotecmd.New(&sandboxCommandAPI{client: sbx}, logger)
	provisioner := provision.New(sbx, cfg.Snapshot, creds.AgentAPIKey, logger)
	agentRunner := agent.NewRunner(executor, logger)
	publisher := publish.New(executor, ghClient, logger, publish.WithIgnoreGlobs(cfg.IgnoreGlobs...))

	hub := server.NewHub(logger)

	pipeline := orchestrator.New(orchestrator.Config{
		Store:        st,
		Provisioner:  provisioner,
		Agent:        agentRunner,
		Publisher:    publisher,
		Executor:     executor,
		TokenFn:      tokenFn,
		SetupCommand: cfg.SetupCommand,
		ServeCommand: cfg.ServeCommand,
		PreviewPort:  cfg.PreviewPort,
		OnEvent:      hub.BroadcastRunEvent,
		Logger:       logger,
	})
	dispatcher := worker.New(pipeline, cfg.MaxWorkers, logger)

	srv, err := server.New(cfg.Addr, server.Config{
		Credentials: creds,
		Store:       st,
		Dispatcher:  dispatcher,
		Hub:         hub,
		BaseCtx:     ctx,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down, waiting for in-flight runs")
		srv.Close()
	}()

	logger.Info("remedyd listening", "addr", srv.Addr(), "workers", cfg.MaxWorkers)
	serveErr := srv.Serve()

	// In-flight pipelines keep their own contexts; give them a chance to
	// record terminal state before exiting.
	dispatcher.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return serveErr
}

// newGithubClient builds the hosting-provider client and the token source the
// pipeline uses for clones and pushes.
func newGithubClient(creds credentials.Credentials) (*githubapi.Client, func(context.Context) (string, error), error) {
	if creds.HasGithubApp() {
		client, err := githubapi.New("", githubapi.WithAppAuth(githubapi.AppCredentials{
			ClientID:       creds.GithubAppClientID,
			InstallationID: creds.GithubAppInstallationID,
			PrivateKeyPath: creds.GithubAppPrivateKeyPath,
		}))
		if err != nil {
			return nil, nil, fmt.Errorf("configuring GitHub App client: %w", err)
		}
		return client, client.InstallationToken, nil
	}

	client, err := githubapi.New(creds.GithubToken)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring GitHub client: %w", err)
	}
	token := creds.GithubToken
	return client, func(context.Context) (string, error) { return token, nil }, nil
}
