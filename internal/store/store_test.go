package store

import (
	"testing"

	"github.com/wenke727/repopilot/internal/model"
)

func newTestStore(t *testing.T) *JSONStore {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir+"/state", dir+"/repos")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)

	task, err := s.CreateTask(CreateTaskInput{
		RepoID: "demo",
		Title:  "add tests",
		Prompt: "please add tests",
		Mode:   model.ModePlan,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.Status != model.StatusTodo {
		t.Errorf("expected TODO status, got %s", task.Status)
	}
	if task.ID == "" {
		t.Fatal("expected a non-empty task id")
	}

	fetched, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if fetched == nil || fetched.ID != task.ID {
		t.Fatalf("GetTask did not return the created task")
	}
}

func TestClaimNextTaskRespectsPriorityAndStatus(t *testing.T) {
	s := newTestStore(t)

	low, _ := s.CreateTask(CreateTaskInput{RepoID: "demo", Title: "low", Prompt: "p", Mode: model.ModeExec, Priority: 1})
	high, _ := s.CreateTask(CreateTaskInput{RepoID: "demo", Title: "high", Prompt: "p", Mode: model.ModeExec, Priority: 5})

	claimed, err := s.ClaimNextTask("worker-1")
	if err != nil {
		t.Fatalf("ClaimNextTask failed: %v", err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("expected to claim higher priority task %s, got %+v", high.ID, claimed)
	}
	if claimed.Status != model.StatusRunning {
		t.Errorf("expected claimed EXEC task to move to RUNNING, got %s", claimed.Status)
	}

	next, err := s.ClaimNextTask("worker-2")
	if err != nil {
		t.Fatalf("ClaimNextTask failed: %v", err)
	}
	if next == nil || next.ID != low.ID {
		t.Fatalf("expected to claim remaining low priority task %s, got %+v", low.ID, next)
	}
}

func TestClaimNextTaskSkipsCancelRequested(t *testing.T) {
	s := newTestStore(t)

	task, _ := s.CreateTask(CreateTaskInput{RepoID: "demo", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if _, err := s.UpdateTask(task.ID, map[string]interface{}{"cancel_requested": true}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	claimed, err := s.ClaimNextTask("worker-1")
	if err != nil {
		t.Fatalf("ClaimNextTask failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected no claimable task, got %+v", claimed)
	}
}

func TestAppendEventAssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t)

	task, _ := s.CreateTask(CreateTaskInput{RepoID: "demo", Title: "t", Prompt: "p", Mode: model.ModeExec})

	first, err := s.AppendEvent(task.ID, map[string]interface{}{"type": "log", "message": "one"})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	second, err := s.AppendEvent(task.ID, map[string]interface{}{"type": "log", "message": "two"})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("expected seq 1 then 2, got %d then %d", first, second)
	}

	events, cursor, err := s.ReadEvents(task.ID, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 || cursor != 2 {
		t.Fatalf("expected 2 events and cursor 2, got %d events, cursor %d", len(events), cursor)
	}

	tailOnly, newCursor, err := s.ReadEvents(task.ID, 1)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(tailOnly) != 1 || tailOnly[0].Message != "two" {
		t.Fatalf("expected only the second event after cursor 1, got %+v", tailOnly)
	}
	if newCursor != 2 {
		t.Errorf("expected new cursor 2, got %d", newCursor)
	}
}

func TestBatchConfirmPlanTasksRequiresPlanReview(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask(CreateTaskInput{RepoID: "demo", Title: "t", Prompt: "p", Mode: model.ModePlan})

	updated, failed := s.BatchConfirmPlanTasks([]string{task.ID})
	if len(updated) != 0 {
		t.Fatalf("expected no tasks updated, got %d", len(updated))
	}
	if len(failed) != 1 || failed[0].ErrorCode != "INVALID_STATUS" {
		t.Fatalf("expected one INVALID_STATUS failure, got %+v", failed)
	}
}

func TestNormalizeTaskIDsDedupesAndTrims(t *testing.T) {
	s := newTestStore(t)
	got := s.NormalizeTaskIDs([]string{" a ", "a", "", "b", "b"})
	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
