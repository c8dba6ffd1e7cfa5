package store

import (
	"sort"
	"strings"

	"github.com/wenke727/repopilot/internal/idgen"
	"github.com/wenke727/repopilot/internal/model"
)

// CreateTaskInput mirrors TaskCreateInput: the fields a caller supplies
// when enqueuing a new task.
type CreateTaskInput struct {
	RepoID         string
	Title          string
	Prompt         string
	Mode           model.TaskMode
	PermissionMode model.PermissionMode
	Priority       int
}

func (s *JSONStore) CreateTask(in CreateTaskInput) (*model.Task, error) {
	var task model.Task
	err := s.withLock("tasks", func() error {
		rows, err := readRows(s.tasksFile)
		if err != nil {
			return err
		}
		existing := map[string]bool{}
		for _, row := range rows {
			if id, ok := row["id"].(string); ok {
				existing[id] = true
			}
		}
		mode := in.Mode
		if mode == "" {
			mode = model.ModeExec
		}
		permission := in.PermissionMode
		if permission == "" {
			permission = model.PermissionBypass
		}
		now := model.UTCNowISO()
		task = model.Task{
			ID:             idgen.Next(existing),
			RepoID:         in.RepoID,
			Title:          in.Title,
			Prompt:         in.Prompt,
			Mode:           mode,
			Status:         model.StatusTodo,
			PermissionMode: permission,
			Priority:       in.Priority,
			CreatedAt:      now,
			UpdatedAt:      now,
			PlanAnswers:    map[string]string{},
		}
		row, err := encodeRow(task)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return writeRowsAtomic(s.tasksFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasksFilter narrows ListTasks by repo, status and a free-text
// keyword matched against title, prompt and id.
type ListTasksFilter struct {
	RepoID  string
	Status  model.TaskStatus
	Keyword string
}

func (s *JSONStore) ListTasks(filter ListTasksFilter) ([]model.Task, error) {
	var rows []map[string]interface{}
	if err := s.withLock("tasks", func() error {
		r, err := readRows(s.tasksFile)
		rows = r
		return err
	}); err != nil {
		return nil, err
	}

	tasks, err := decodeTaskRows(rows)
	if err != nil {
		return nil, err
	}

	filtered := tasks[:0]
	for _, t := range tasks {
		if filter.RepoID != "" && t.RepoID != filter.RepoID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Keyword != "" {
			low := strings.ToLower(filter.Keyword)
			if !strings.Contains(strings.ToLower(t.Title), low) &&
				!strings.Contains(strings.ToLower(t.Prompt), low) &&
				!strings.Contains(strings.ToLower(t.ID), low) {
				continue
			}
		}
		filtered = append(filtered, t)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Priority != filtered[j].Priority {
			return filtered[i].Priority > filtered[j].Priority
		}
		return filtered[i].CreatedAt < filtered[j].CreatedAt
	})
	return filtered, nil
}

func (s *JSONStore) GetTask(taskID string) (*model.Task, error) {
	var rows []map[string]interface{}
	if err := s.withLock("tasks", func() error {
		r, err := readRows(s.tasksFile)
		rows = r
		return err
	}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row["id"] == taskID {
			task, err := decodeRow[model.Task](row)
			if err != nil {
				return nil, err
			}
			return &task, nil
		}
	}
	return nil, nil
}

// UpdateTask merges non-nil patch fields into the named task and stamps
// updated_at, returning nil if the task doesn't exist.
func (s *JSONStore) UpdateTask(taskID string, patch map[string]interface{}) (*model.Task, error) {
	var target map[string]interface{}
	err := s.withLock("tasks", func() error {
		rows, err := readRows(s.tasksFile)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row["id"] == taskID {
				applyPatch(row, patch)
				row["updated_at"] = model.UTCNowISO()
				target = row
				break
			}
		}
		if target == nil {
			return nil
		}
		return writeRowsAtomic(s.tasksFile, rows)
	})
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}
	task, err := decodeRow[model.Task](target)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimNextTask atomically selects and transitions the highest-priority,
// oldest eligible task for worker workerID. Eligible: not
// cancel_requested, and either (mode=PLAN, status=TODO) or (mode=EXEC,
// status in {TODO, READY}). Returns nil if nothing is eligible.
func (s *JSONStore) ClaimNextTask(workerID string) (*model.Task, error) {
	var picked map[string]interface{}
	err := s.withLock("tasks", func() error {
		rows, err := readRows(s.tasksFile)
		if err != nil {
			return err
		}

		var candidates []map[string]interface{}
		for _, row := range rows {
			if cancelled, _ := row["cancel_requested"].(bool); cancelled {
				continue
			}
			status, _ := row["status"].(string)
			mode, _ := row["mode"].(string)
			switch {
			case mode == string(model.ModePlan) && status == string(model.StatusTodo):
				candidates = append(candidates, row)
			case mode == string(model.ModeExec) && (status == string(model.StatusTodo) || status == string(model.StatusReady)):
				candidates = append(candidates, row)
			}
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			pi, _ := candidates[i]["priority"].(float64)
			pj, _ := candidates[j]["priority"].(float64)
			if pi != pj {
				return pi > pj
			}
			ci, _ := candidates[i]["created_at"].(string)
			cj, _ := candidates[j]["created_at"].(string)
			return ci < cj
		})

		picked = candidates[0]
		if picked["mode"] == string(model.ModePlan) {
			picked["status"] = string(model.StatusPlanRunning)
		} else {
			picked["status"] = string(model.StatusRunning)
		}
		picked["updated_at"] = model.UTCNowISO()
		picked["worker_id"] = workerID

		return writeRowsAtomic(s.tasksFile, rows)
	})
	if err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, nil
	}
	task, err := decodeRow[model.Task](picked)
	if err != nil {
		return nil, err
	}
	task.WorkerID = workerID
	return &task, nil
}

// CancelTask marks a task cancelled if it hasn't started running yet,
// otherwise sets cancel_requested so the owning worker notices and stops.
func (s *JSONStore) CancelTask(taskID string) (*model.Task, error) {
	task, err := s.GetTask(taskID)
	if err != nil || task == nil {
		return task, err
	}
	switch task.Status {
	case model.StatusTodo, model.StatusReady, model.StatusPlanReview:
		return s.UpdateTask(taskID, map[string]interface{}{
			"status":           string(model.StatusCancelled),
			"cancel_requested": true,
		})
	default:
		return s.UpdateTask(taskID, map[string]interface{}{"cancel_requested": true})
	}
}

// ResetTaskForRetry returns a FAILED/CANCELLED task to TODO, clearing
// error state. An explicit resetMode overrides the task's current mode.
func (s *JSONStore) ResetTaskForRetry(taskID string, resetMode model.TaskMode) (*model.Task, error) {
	task, err := s.GetTask(taskID)
	if err != nil || task == nil {
		return task, err
	}
	mode := resetMode
	if mode == "" {
		mode = task.Mode
	}
	return s.UpdateTask(taskID, map[string]interface{}{
		"status":           string(model.StatusTodo),
		"mode":             string(mode),
		"error_code":       "",
		"error_message":    "",
		"cancel_requested": false,
		"current_run_id":   nil,
	})
}

// NormalizeTaskIDs trims, drops empties, and de-dupes a batch-operation id
// list while preserving first-seen order.
func (s *JSONStore) NormalizeTaskIDs(ids []string) []string {
	seen := map[string]bool{}
	normalized := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		normalized = append(normalized, id)
	}
	return normalized
}

func decodeTaskRows(rows []map[string]interface{}) ([]model.Task, error) {
	tasks := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		t, err := decodeRow[model.Task](row)
		if err != nil {
			return nil, err
		}
		if wid, ok := row["worker_id"].(string); ok {
			t.WorkerID = wid
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
