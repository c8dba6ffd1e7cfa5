package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	cancels []string
}

func (f *fakeRunner) RunTask(task *model.Task, workerID string) {
	f.mu.Lock()
	f.ran = append(f.ran, task.ID)
	f.mu.Unlock()
}

func (f *fakeRunner) Cancel(taskID string) {
	f.mu.Lock()
	f.cancels = append(f.cancels, taskID)
	f.mu.Unlock()
}

func (f *fakeRunner) ranCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

type panicRunner struct{}

func (panicRunner) RunTask(task *model.Task, workerID string) { panic("boom") }
func (panicRunner) Cancel(taskID string)                      {}

func newTestStore(t *testing.T) *store.JSONStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(dir+"/state", dir+"/repos")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSchedulerClaimsAndRunsTask(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(store.CreateTaskInput{RepoID: "repo-1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.UpdateTask(task.ID, map[string]interface{}{"status": string(model.StatusReady)}); err != nil {
		t.Fatalf("update task: %v", err)
	}

	runner := &fakeRunner{}
	sched := New(s, runner, 2, 30, nil, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	if runner.ranCount() != 1 {
		t.Fatalf("expected exactly one run, got %d", runner.ranCount())
	}
}

func TestSchedulerRecoversFromPanickingRunner(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(store.CreateTaskInput{RepoID: "repo-1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.UpdateTask(task.ID, map[string]interface{}{"status": string(model.StatusReady)}); err != nil {
		t.Fatalf("update task: %v", err)
	}

	sched := New(s, panicRunner{}, 1, 30, nil, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.StatusFailed || got.ErrorCode != "SCHEDULER_CRASH" {
		t.Fatalf("expected SCHEDULER_CRASH failure, got status=%s code=%s", got.Status, got.ErrorCode)
	}
}

func TestSchedulerJanitorPrunesOldLogs(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(dir+"/state", dir+"/repos")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.AppendEvent("old-task", map[string]interface{}{"type": "log", "message": "stale"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	logPath := filepath.Join(dir, "state", "logs", "old-task.ndjson")
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(logPath, old, old); err != nil {
		t.Fatalf("age log file: %v", err)
	}

	runner := &fakeRunner{}
	sched := New(s, runner, 1, 1, nil,
		WithPollInterval(5*time.Millisecond),
		WithJanitorInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("expected log older than the 1-day retention to be pruned, stat err=%v", err)
	}
}

func TestSchedulerRequestCancelForwardsToRunner(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	sched := New(s, runner, 1, 30, nil)

	sched.RequestCancel("task-123")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.cancels) != 1 || runner.cancels[0] != "task-123" {
		t.Fatalf("expected cancel forwarded, got %v", runner.cancels)
	}
}

func TestSchedulerStopsAllGoroutinesOnCancel(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	sched := New(s, runner, 3, 30, nil, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(doneCh)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-doneCh:
	case <-time.After(1 * time.Second):
		t.Fatal("scheduler did not stop within timeout after context cancel")
	}
}
