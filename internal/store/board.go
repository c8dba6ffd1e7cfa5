package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wenke727/repopilot/internal/model"
)

// Board groups tasks into the six board columns the UI renders, folding
// PLAN_RUNNING into RUNNING and PLAN_REVIEW into REVIEW so PLAN and EXEC
// tasks share one lane each.
func (s *JSONStore) Board(repoID string) (map[string][]model.Task, map[string]int, error) {
	tasks, err := s.ListTasks(ListTasksFilter{RepoID: repoID})
	if err != nil {
		return nil, nil, err
	}

	columns := map[string][]model.Task{
		"TODO": {}, "RUNNING": {}, "REVIEW": {}, "DONE": {}, "FAILED": {}, "CANCELLED": {},
	}
	for _, t := range tasks {
		var key string
		switch t.Status {
		case model.StatusTodo, model.StatusReady:
			key = "TODO"
		case model.StatusRunning, model.StatusPlanRunning:
			key = "RUNNING"
		case model.StatusReview, model.StatusPlanReview:
			key = "REVIEW"
		case model.StatusDone:
			key = "DONE"
		case model.StatusFailed:
			key = "FAILED"
		default:
			key = "CANCELLED"
		}
		columns[key] = append(columns[key], t)
	}

	counts := make(map[string]int, len(columns))
	for key, col := range columns {
		counts[key] = len(col)
	}
	return columns, counts, nil
}

// CleanupOldLogs deletes per-task event logs whose mtime is older than
// retentionDays, returning the number removed. A non-positive
// retentionDays disables cleanup entirely.
func (s *JSONStore) CleanupOldLogs(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Duration(retentionDays) * 24 * time.Hour
	now := time.Now()
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ndjson") {
			continue
		}
		info, statErr := entry.Info()
		if statErr != nil {
			continue
		}
		if now.Sub(info.ModTime()) > cutoff {
			if rmErr := os.Remove(filepath.Join(s.logsDir, entry.Name())); rmErr == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}
