package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/remedyhq/remedy/internal/store"
)

func seedRun(t *testing.T, st RunStore, issueNumber int) store.Run {
	t.Helper()
	run, err := st.CreateRun(store.Run{
		IssueNumber:   issueNumber,
		IssueTitle:    "Button not clickable",
		IssueBody:     "click does nothing",
		Owner:         "acme",
		Repo:          "shop",
		CloneURL:      "https://github.com/acme/shop.git",
		DefaultBranch: "main",
	})
	if err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	return run
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListRuns(t *testing.T) {
	srv, st := testServer(t, testCredentials(), &fakeDispatcher{})
	seedRun(t, st, 42)
	seedRun(t, st, 43)

	rec := get(t, srv, "/api/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("len(runs) = %d, want 2", len(runs))
	}
}

func TestGetRun(t *testing.T) {
	disp := &fakeDispatcher{running: map[int]bool{42: true}}
	srv, st := testServer(t, testCredentials(), disp)
	seedRun(t, st, 42)

	rec := get(t, srv, "/api/runs/42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var run runResponse
	json.Unmarshal(rec.Body.Bytes(), &run)
	if run.IssueNumber != 42 || run.Repository != "acme/shop" {
		t.Errorf("run = %+v", run)
	}
	if !run.InFlight {
		t.Error("InFlight = false, want true")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := testServer(t, testCredentials(), &fakeDispatcher{})
	if rec := get(t, srv, "/api/runs/999"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetRun_InvalidNumber(t *testing.T) {
	srv, _ := testServer(t, testCredentials(), &fakeDispatcher{})
	if rec := get(t, srv, "/api/runs/abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRunActivity(t *testing.T) {
	srv, st := testServer(t, testCredentials(), &fakeDispatcher{})
	run := seedRun(t, st, 42)

	full := st.(*store.Store)
	if err := full.LogActivity(run.ID, "stage_change", "pending", "provisioning", ""); err != nil {
		t.Fatalf("logging: %v", err)
	}

	rec := get(t, srv, "/api/runs/42/activity")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []activityResponse
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].ToStage != "provisioning" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStatus(t *testing.T) {
	disp := &fakeDispatcher{running: map[int]bool{42: true}}
	srv, st := testServer(t, testCredentials(), disp)
	seedRun(t, st, 42)
	seedRun(t, st, 43)
	if _, err := st.UpdateRun(43, store.Patch{Status: store.String(store.StatusCompleted)}); err != nil {
		t.Fatalf("completing: %v", err)
	}

	rec := get(t, srv, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TotalRuns != 2 || resp.ActiveRuns != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Runs[store.StatusPending] != 1 || resp.Runs[store.StatusCompleted] != 1 {
		t.Errorf("run counts = %v", resp.Runs)
	}
}

func TestGlobalActivity(t *testing.T) {
	srv, st := testServer(t, testCredentials(), &fakeDispatcher{})
	a := seedRun(t, st, 42)
	b := seedRun(t, st, 43)

	full := st.(*store.Store)
	if err := full.LogActivity(a.ID, "stage_change", "pending", "provisioning", ""); err != nil {
		t.Fatalf("logging: %v", err)
	}
	if err := full.LogActivity(b.ID, "run_failed", "fixing", "", "agent timed out"); err != nil {
		t.Fatalf("logging: %v", err)
	}

	rec := get(t, srv, "/api/activity")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []activityResponse
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.RunID != a.ID && e.RunID != b.ID {
			t.Errorf("entry has unknown run id: %+v", e)
		}
	}
}

func TestResetRun_CancelsAndMarksFailed(t *testing.T) {
	disp := &fakeDispatcher{running: map[int]bool{42: true}}
	srv, st := testServer(t, testCredentials(), disp)
	seedRun(t, st, 42)

	req := httptest.NewRequest(http.MethodPost, "/api/runs/42/reset", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	run, err := st.GetRun(42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != store.StatusFailed || run.ErrorMessage != "manually reset" {
		t.Errorf("run = %+v", run)
	}
	if disp.IsRunning(42) {
		t.Error("pipeline still marked running after reset")
	}

	// A new event for the issue can start fresh now.
	if _, err := st.CreateRun(store.Run{IssueNumber: 42, IssueTitle: "t", Owner: "acme", Repo: "shop", CloneURL: "u", DefaultBranch: "main"}); err != nil {
		t.Errorf("new run after reset rejected: %v", err)
	}
}

func TestResetRun_TerminalRunConflicts(t *testing.T) {
	srv, st := testServer(t, testCredentials(), &fakeDispatcher{})
	seedRun(t, st, 42)
	if _, err := st.UpdateRun(42, store.Patch{Status: store.String(store.StatusCompleted)}); err != nil {
		t.Fatalf("completing: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/runs/42/reset", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}
