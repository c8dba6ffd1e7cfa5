package store

import (
	"sort"

	"github.com/wenke727/repopilot/internal/idgen"
	"github.com/wenke727/repopilot/internal/model"
)

// CreateRun records a new TaskRun for taskID, then patches the task's
// current_run_id to point at it. These are two separate locked writes,
// not one atomic update — a crash between them is tolerated, since
// callers re-read the task and reconcile current_run_id rather than
// assuming it is always in sync with the latest run row.
func (s *JSONStore) CreateRun(taskID, workerID, envUsed string) (*model.TaskRun, error) {
	var run model.TaskRun
	err := s.withLock("runs", func() error {
		rows, err := readRows(s.runsFile)
		if err != nil {
			return err
		}
		attempt := 0
		existing := map[string]bool{}
		for _, row := range rows {
			if row["task_id"] == taskID {
				attempt++
			}
			if id, ok := row["id"].(string); ok {
				existing[id] = true
			}
		}
		run = model.TaskRun{
			ID:        idgen.Next(existing),
			TaskID:    taskID,
			WorkerID:  workerID,
			Attempt:   attempt + 1,
			StartedAt: model.UTCNowISO(),
			EnvUsed:   envUsed,
			Metrics:   map[string]interface{}{},
		}
		row, err := encodeRow(run)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return writeRowsAtomic(s.runsFile, rows)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.UpdateTask(taskID, map[string]interface{}{"current_run_id": run.ID}); err != nil {
		return &run, err
	}
	return &run, nil
}

func (s *JSONStore) GetRun(runID string) (*model.TaskRun, error) {
	var target map[string]interface{}
	if err := s.withLock("runs", func() error {
		rows, err := readRows(s.runsFile)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row["id"] == runID {
				target = row
				break
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}
	run, err := decodeRow[model.TaskRun](target)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *JSONStore) UpdateRun(runID string, patch map[string]interface{}) (*model.TaskRun, error) {
	var target map[string]interface{}
	err := s.withLock("runs", func() error {
		rows, err := readRows(s.runsFile)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row["id"] == runID {
				applyPatch(row, patch)
				target = row
				break
			}
		}
		if target == nil {
			return nil
		}
		return writeRowsAtomic(s.runsFile, rows)
	})
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}
	run, err := decodeRow[model.TaskRun](target)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *JSONStore) ListRuns(taskID string) ([]model.TaskRun, error) {
	var rows []map[string]interface{}
	if err := s.withLock("runs", func() error {
		r, err := readRows(s.runsFile)
		rows = r
		return err
	}); err != nil {
		return nil, err
	}

	runs := make([]model.TaskRun, 0, len(rows))
	for _, row := range rows {
		r, err := decodeRow[model.TaskRun](row)
		if err != nil {
			return nil, err
		}
		if taskID != "" && r.TaskID != taskID {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt < runs[j].StartedAt })
	return runs, nil
}
