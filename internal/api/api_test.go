package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/wenke727/repopilot/internal/config"
	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/store"
)

type noopCanceler struct{ cancelled []string }

func (n *noopCanceler) RequestCancel(taskID string) { n.cancelled = append(n.cancelled, taskID) }

type noopCleaner struct{ calls int }

func (n *noopCleaner) CleanupExecWorktreeForTask(task *model.Task, triggerStatus model.TaskStatus, snapshotOnFailure bool) bool {
	n.calls++
	return true
}

func setupTestServer(t *testing.T) (*Server, *store.JSONStore) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir+"/state", dir+"/repos")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := &config.Config{
		General: config.General{StateDir: dir + "/state", ReposDir: dir + "/repos"},
		API:     config.API{Bind: "127.0.0.1:0"},
	}
	execMode := config.NewExecModeCell("AGENTIC")
	srv := NewServer(cfg, st, execMode, &noopCanceler{}, &noopCleaner{}, "", nil)
	return srv, st
}

func TestHandleBoardGroupsTasksByColumn(t *testing.T) {
	srv, st := setupTestServer(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	w := httptest.NewRecorder()
	srv.handleBoard(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Columns map[string][]model.Task `json:"columns"`
		Counts  map[string]int          `json:"counts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counts["TODO"] != 1 || resp.Columns["TODO"][0].ID != task.ID {
		t.Fatalf("expected task in TODO column, got %+v", resp)
	}
}

func TestHandleTasksCreateRejectsDisabledRepo(t *testing.T) {
	srv, st := setupTestServer(t)
	seed := []byte(`[{"id": "r1", "name": "r1", "enabled": true}]`)
	if err := os.WriteFile(filepath.Join(srv.cfg.General.StateDir, "repos.json"), seed, 0o644); err != nil {
		t.Fatalf("seed repos: %v", err)
	}
	if repo, err := st.PatchRepo("r1", map[string]interface{}{"enabled": false}); err != nil || repo == nil || repo.Enabled {
		t.Fatalf("disable repo: repo=%+v err=%v", repo, err)
	}

	body, _ := json.Marshal(createTaskRequest{RepoID: "r1", Title: "t", Prompt: "p"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleTasks(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing/disabled repo, got %d", w.Code)
	}
}

func TestHandleTaskCancelForwardsToScheduler(t *testing.T) {
	srv, st := setupTestServer(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	w := httptest.NewRecorder()
	srv.handleTaskSubroute(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	canceler := srv.scheduler.(*noopCanceler)
	if len(canceler.cancelled) != 1 || canceler.cancelled[0] != task.ID {
		t.Fatalf("expected cancel forwarded to scheduler, got %v", canceler.cancelled)
	}
}

func TestHandleTaskDoneRequiresReviewStatus(t *testing.T) {
	srv, st := setupTestServer(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/done", nil)
	w := httptest.NewRecorder()
	srv.handleTaskSubroute(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-REVIEW task, got %d", w.Code)
	}
}

func TestHandleTaskDoneTriggersCleanup(t *testing.T) {
	srv, st := setupTestServer(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.UpdateTask(task.ID, map[string]interface{}{"status": string(model.StatusReview)}); err != nil {
		t.Fatalf("update task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/done", nil)
	w := httptest.NewRecorder()
	srv.handleTaskSubroute(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	cleaner := srv.cleaner.(*noopCleaner)
	if cleaner.calls != 1 {
		t.Fatalf("expected one cleanup call, got %d", cleaner.calls)
	}
}

func TestHandleTasksPlanBatchConfirmValidatesIDCount(t *testing.T) {
	srv, _ := setupTestServer(t)
	body, _ := json.Marshal(planBatchRequest{TaskIDs: nil})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/plan/batch/confirm", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleTasksPlanBatchConfirm(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty task_ids, got %d", w.Code)
	}
}

func TestHandleExecModeSettingGetAndPut(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/settings/exec-mode", nil)
	w := httptest.NewRecorder()
	srv.handleExecModeSetting(w, req)
	var got map[string]string
	json.NewDecoder(w.Body).Decode(&got)
	if got["exec_mode"] != "AGENTIC" {
		t.Fatalf("expected AGENTIC default, got %v", got)
	}

	body, _ := json.Marshal(execModeRequest{ExecMode: "FIXED"})
	putReq := httptest.NewRequest(http.MethodPut, "/api/settings/exec-mode", bytes.NewReader(body))
	putW := httptest.NewRecorder()
	srv.handleExecModeSetting(putW, putReq)

	if srv.execMode.Get() != "FIXED" {
		t.Fatalf("expected exec mode updated to FIXED, got %q", srv.execMode.Get())
	}
}

func TestHandleHealthReportsDependencies(t *testing.T) {
	srv, _ := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["dependencies"]; !ok {
		t.Fatal("expected dependencies field in health response")
	}
	if _, ok := resp["paths"]; !ok {
		t.Fatal("expected paths field in health response")
	}
}
