package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/store"
)

// GET /api/tasks?repo_id=&status=&keyword= , POST /api/tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListTasksFilter{
		RepoID:  q.Get("repo_id"),
		Status:  model.TaskStatus(q.Get("status")),
		Keyword: q.Get("keyword"),
	}
	tasks, err := s.store.ListTasks(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, tasks)
}

type createTaskRequest struct {
	RepoID         string `json:"repo_id"`
	Title          string `json:"title"`
	Prompt         string `json:"prompt"`
	Mode           string `json:"mode"`
	PermissionMode string `json:"permission_mode"`
	Priority       int    `json:"priority"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	repo, err := s.store.GetRepo(req.RepoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if repo == nil || !repo.Enabled {
		writeError(w, http.StatusBadRequest, "repo not found or disabled")
		return
	}

	task, err := s.store.CreateTask(store.CreateTaskInput{
		RepoID:         req.RepoID,
		Title:          req.Title,
		Prompt:         req.Prompt,
		Mode:           model.TaskMode(req.Mode),
		PermissionMode: model.PermissionMode(req.PermissionMode),
		Priority:       req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, task)
}

// handleTaskSubroute dispatches everything under /api/tasks/{id}[/action].
func (s *Server) handleTaskSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusNotFound, "task id required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleTaskDetail(w, r, taskID)
	case "events":
		s.handleTaskEvents(w, r, taskID)
	case "cancel":
		s.handleTaskCancel(w, r, taskID)
	case "retry":
		s.handleTaskRetry(w, r, taskID)
	case "done":
		s.handleTaskDone(w, r, taskID)
	case "plan/confirm":
		s.handleTaskPlanConfirm(w, r, taskID)
	case "plan/revise":
		s.handleTaskPlanRevise(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown task route")
	}
}

// GET /api/tasks/{id}
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, task)
}

// GET /api/tasks/{id}/events?cursor=N
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cursor, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
	events, nextCursor, err := s.store.ReadEvents(taskID, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"events": events, "next_cursor": nextCursor})
}

// POST /api/tasks/{id}/cancel
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.store.CancelTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if s.scheduler != nil {
		s.scheduler.RequestCancel(taskID)
	}
	writeJSON(w, task)
}

// POST /api/tasks/{id}/retry
func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status != model.StatusFailed && task.Status != model.StatusCancelled {
		writeError(w, http.StatusBadRequest, "task must be FAILED or CANCELLED to retry")
		return
	}
	retried, err := s.store.ResetTaskForRetry(taskID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, retried)
}

// POST /api/tasks/{id}/done
func (s *Server) handleTaskDone(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status != model.StatusReview {
		writeError(w, http.StatusBadRequest, "task must be in REVIEW to mark done")
		return
	}

	done, err := s.store.UpdateTask(taskID, map[string]interface{}{"status": string(model.StatusDone)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.cleaner != nil {
		s.cleaner.CleanupExecWorktreeForTask(done, model.StatusDone, false)
	}
	writeJSON(w, done)
}

type planConfirmRequest struct {
	Answers map[string]string `json:"answers"`
}

// POST /api/tasks/{id}/plan/confirm
func (s *Server) handleTaskPlanConfirm(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status != model.StatusPlanReview {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("task status must be PLAN_REVIEW, got %s", task.Status))
		return
	}

	confirmed, err := s.store.ConfirmPlanTask(taskID, req.Answers)
	if err != nil || confirmed == nil {
		writeError(w, http.StatusInternalServerError, "confirm failed")
		return
	}
	writeJSON(w, confirmed)
}

type planReviseRequest struct {
	Feedback string `json:"feedback"`
}

// POST /api/tasks/{id}/plan/revise
func (s *Server) handleTaskPlanRevise(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planReviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}

	tasks, failures := s.store.BatchRevisePlanTasks([]string{taskID}, req.Feedback)
	if len(tasks) == 0 {
		code := http.StatusInternalServerError
		msg := "revise failed"
		if len(failures) > 0 {
			msg = failures[0].ErrorMessage
			if failures[0].ErrorCode == "TASK_NOT_FOUND" {
				code = http.StatusNotFound
			} else {
				code = http.StatusBadRequest
			}
		}
		writeError(w, code, msg)
		return
	}
	writeJSON(w, tasks[0])
}

type planBatchRequest struct {
	TaskIDs  []string `json:"task_ids"`
	Feedback string   `json:"feedback"`
}

type planBatchResponse struct {
	Tasks   []model.Task        `json:"tasks"`
	Failed  []store.BatchFailure `json:"failed"`
	Counts  map[string]int       `json:"counts"`
}

func validateBatchIDs(w http.ResponseWriter, s *Server, ids []string) ([]string, bool) {
	normalized := s.store.NormalizeTaskIDs(ids)
	if len(normalized) < 1 || len(normalized) > 100 {
		writeError(w, http.StatusBadRequest, "task_ids must contain between 1 and 100 unique ids")
		return nil, false
	}
	return normalized, true
}

// POST /api/tasks/plan/batch/confirm
func (s *Server) handleTasksPlanBatchConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	normalized, ok := validateBatchIDs(w, s, req.TaskIDs)
	if !ok {
		return
	}

	tasks, failures := s.store.BatchConfirmPlanTasks(normalized)
	for _, task := range tasks {
		_, _ = s.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "plan_batch_confirm", "message": "Batch confirmed and moved to READY",
		})
	}
	writeJSON(w, planBatchResponse{
		Tasks:  tasks,
		Failed: failures,
		Counts: map[string]int{
			"requested": len(normalized),
			"updated":   len(tasks),
			"failed":    len(failures),
		},
	})
}

// POST /api/tasks/plan/batch/revise
func (s *Server) handleTasksPlanBatchRevise(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	normalized, ok := validateBatchIDs(w, s, req.TaskIDs)
	if !ok {
		return
	}

	tasks, failures := s.store.BatchRevisePlanTasks(normalized, req.Feedback)
	for _, task := range tasks {
		_, _ = s.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "plan_batch_revise", "message": "Batch revised and moved back to TODO",
		})
	}
	writeJSON(w, planBatchResponse{
		Tasks:  tasks,
		Failed: failures,
		Counts: map[string]int{
			"requested": len(normalized),
			"updated":   len(tasks),
			"failed":    len(failures),
		},
	})
}
