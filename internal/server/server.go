// Package server exposes the inbound webhook endpoint, the runs API, and the
// WebSocket feed. The webhook handler verifies, normalizes, records, and
// dispatches; everything after the 200 response happens asynchronously.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/remedyhq/remedy/internal/credentials"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/webhook"
)

// maxBodySize bounds inbound webhook payloads.
const maxBodySize = 1 << 20

// RunStore is the slice of the run store the server needs.
type RunStore interface {
	CreateRun(run store.Run) (store.Run, error)
	GetRun(issueNumber int) (store.Run, error)
	UpdateRun(issueNumber int, patch store.Patch) (store.Run, error)
	ListRuns() ([]store.Run, error)
	ListActivity(runID string, limit int) ([]store.ActivityEntry, error)
}

// PipelineDispatcher starts and inspects remediation pipelines.
type PipelineDispatcher interface {
	Dispatch(ctx context.Context, run store.Run) error
	IsRunning(issueNumber int) bool
	Cancel(issueNumber int) bool
	ActiveCount() int
}

// Config holds server dependencies.
type Config struct {
	Credentials credentials.Credentials
	Store       RunStore
	Dispatcher  PipelineDispatcher

	// Hub, when non-nil, serves /api/ws.
	Hub *Hub

	// BaseCtx is the context pipelines run under; it outlives the webhook
	// request. Defaults to context.Background().
	BaseCtx context.Context

	Logger *slog.Logger
}

// Server is the remedyd HTTP server.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server listening on addr.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseCtx == nil {
		cfg.BaseCtx = context.Background()
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux(), listener: ln}
	s.registerRoutes()
	return s, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks serving HTTP until the listener closes.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)

	api := &apiHandler{store: s.cfg.Store, dispatcher: s.cfg.Dispatcher, logger: s.cfg.Logger}
	s.mux.HandleFunc("GET /api/status", api.handleStatus)
	s.mux.HandleFunc("GET /api/activity", api.handleActivity)
	s.mux.HandleFunc("GET /api/runs", api.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{issue}", api.handleGetRun)
	s.mux.HandleFunc("GET /api/runs/{issue}/activity", api.handleRunActivity)
	s.mux.HandleFunc("POST /api/runs/{issue}/reset", api.handleResetRun)

	if s.cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", s.cfg.Hub.ServeWS)
	}
}

// handleWebhook accepts an "issue opened" event: verify signature, normalize,
// create the run record, dispatch the pipeline, acknowledge. Repeat events
// for an issue with a non-terminal run are acknowledged without a new run.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := s.cfg.Logger

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reading request body"})
		return
	}

	if s.cfg.Credentials.WebhookSecret == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook secret not configured"})
		return
	}
	if !webhook.Verify(body, r.Header.Get("X-Hub-Signature-256"), s.cfg.Credentials.WebhookSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	issue, ok, err := webhook.Normalize(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := issue.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Every credential the pipeline will need is checked before any remote
	// side effect, so a misconfigured deployment fails here, not mid-run.
	if err := s.cfg.Credentials.ValidateForPipeline(); err != nil {
		logger.Error("webhook rejected, missing credentials", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	run, err := s.cfg.Store.CreateRun(store.Run{
		IssueNumber:   issue.Number,
		IssueTitle:    issue.Title,
		IssueBody:     issue.Body,
		IssueURL:      issue.HTMLURL,
		Owner:         issue.Owner,
		Repo:          issue.Repo,
		CloneURL:      issue.CloneURL,
		DefaultBranch: issue.DefaultBranch,
	})
	if errors.Is(err, store.ErrDuplicateRun) {
		logger.Info("duplicate event ignored", "issue", issue.Number)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "recording run"})
		return
	}

	// The pipeline outlives this request; dispatch on the server's context.
	if err := s.cfg.Dispatcher.Dispatch(s.cfg.BaseCtx, run); err != nil {
		logger.Error("dispatching pipeline failed", "issue", issue.Number, "error", err)
		if _, uerr := s.cfg.Store.UpdateRun(issue.Number, store.Patch{
			Status:       store.String(store.StatusFailed),
			Stage:        store.String("failed"),
			ErrorMessage: store.String(err.Error()),
		}); uerr != nil {
			logger.Error("marking undispatched run failed", "issue", issue.Number, "error", uerr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dispatching pipeline"})
		return
	}

	logger.Info("run accepted", "issue", issue.Number, "repository", issue.FullName())
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "issue": issue.Number})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
