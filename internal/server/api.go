package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/remedyhq/remedy/internal/store"
)

type apiHandler struct {
	store      RunStore
	dispatcher PipelineDispatcher
	logger     *slog.Logger
}

// runResponse is the API shape of a run. Preview access tokens are included;
// the API is operator-facing.
type runResponse struct {
	ID            string `json:"id"`
	IssueNumber   int    `json:"issue_number"`
	IssueTitle    string `json:"issue_title"`
	IssueURL      string `json:"issue_url"`
	Repository    string `json:"repository"`
	Status        string `json:"status"`
	Stage         string `json:"stage"`
	FailedStage   string `json:"failed_stage,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	InFlight      bool   `json:"in_flight"`
	BeforeEnvID   string `json:"before_env_id,omitempty"`
	AfterEnvID    string `json:"after_env_id,omitempty"`
	BeforePreview string `json:"before_preview_url,omitempty"`
	AfterPreview  string `json:"after_preview_url,omitempty"`
	AgentParsed   bool   `json:"agent_parsed"`
	AgentSummary  string `json:"agent_summary,omitempty"`
	BranchName    string `json:"branch_name,omitempty"`
	PRNumber      int    `json:"pr_number,omitempty"`
	PRURL         string `json:"pr_url,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (h *apiHandler) toResponse(r store.Run) runResponse {
	return runResponse{
		ID:            r.ID,
		IssueNumber:   r.IssueNumber,
		IssueTitle:    r.IssueTitle,
		IssueURL:      r.IssueURL,
		Repository:    r.Owner + "/" + r.Repo,
		Status:        r.Status,
		Stage:         r.Stage,
		FailedStage:   r.FailedStage,
		ErrorMessage:  r.ErrorMessage,
		InFlight:      h.dispatcher != nil && h.dispatcher.IsRunning(r.IssueNumber),
		BeforeEnvID:   r.BeforeEnvID,
		AfterEnvID:    r.AfterEnvID,
		BeforePreview: r.BeforePreviewURL,
		AfterPreview:  r.AfterPreviewURL,
		AgentParsed:   r.AgentParsed,
		AgentSummary:  r.AgentSummary,
		BranchName:    r.BranchName,
		PRNumber:      r.PRNumber,
		PRURL:         r.PRURL,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// statusResponse summarizes the daemon: run counts per status plus the number
// of pipelines currently executing.
type statusResponse struct {
	Runs       map[string]int `json:"runs"`
	TotalRuns  int            `json:"total_runs"`
	ActiveRuns int            `json:"active_runs"`
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing runs"})
		return
	}
	resp := statusResponse{Runs: map[string]int{}, TotalRuns: len(runs)}
	for _, run := range runs {
		resp.Runs[run.Status]++
	}
	if h.dispatcher != nil {
		resp.ActiveRuns = h.dispatcher.ActiveCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing runs"})
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, h.toResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) issueNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("issue"))
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid issue number"})
		return 0, false
	}
	return n, true
}

func (h *apiHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	n, ok := h.issueNumber(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRun(n)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run for issue"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading run"})
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(run))
}

type activityResponse struct {
	RunID     string `json:"run_id,omitempty"`
	EventType string `json:"event_type"`
	FromStage string `json:"from_stage,omitempty"`
	ToStage   string `json:"to_stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (h *apiHandler) handleRunActivity(w http.ResponseWriter, r *http.Request) {
	n, ok := h.issueNumber(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRun(n)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run for issue"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading run"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.store.ListActivity(run.ID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing activity"})
		return
	}
	out := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse{
			EventType: e.EventType,
			FromStage: e.FromStage,
			ToStage:   e.ToStage,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleActivity returns the newest activity entries across all runs.
func (h *apiHandler) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.store.ListActivity("", limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing activity"})
		return
	}
	out := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse{
			RunID:     e.RunID,
			EventType: e.EventType,
			FromStage: e.FromStage,
			ToStage:   e.ToStage,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResetRun forces a stuck run to a terminal state so a new event for
// the issue can start fresh. An in-flight pipeline is cancelled first.
func (h *apiHandler) handleResetRun(w http.ResponseWriter, r *http.Request) {
	n, ok := h.issueNumber(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRun(n)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run for issue"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "loading run"})
		return
	}
	if run.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run already terminal"})
		return
	}

	if h.dispatcher != nil && h.dispatcher.Cancel(n) {
		h.logger.Info("cancelled in-flight run", "issue", n)
	}

	updated, err := h.store.UpdateRun(n, store.Patch{
		Status:       store.String(store.StatusFailed),
		Stage:        store.String("failed"),
		FailedStage:  store.String(run.Stage),
		ErrorMessage: store.String("manually reset"),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "resetting run"})
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(updated))
}
