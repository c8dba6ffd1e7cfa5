package runner

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wenke727/repopilot/internal/config"
	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/store"
)

func newTestRunner(t *testing.T) (*TaskRunner, *store.JSONStore) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir+"/state", dir+"/repos")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	execMode := config.NewExecModeCell("AGENTIC")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(st, execMode, dir+"/worktrees", dir+"/artifacts", 30*time.Second, "", logger)
	return r, st
}

func TestExtractTextFromStreamLineParsesKnownShapes(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
	}{
		{"text field", `{"text":"hello"}`, "hello"},
		{"result field", `{"result":"done"}`, "done"},
		{"message content", `{"message":{"content":[{"type":"text","text":"from message"}]}}`, "from message"},
		{"delta text", `{"delta":{"text":"streamed"}}`, "streamed"},
		{"not json", "plain stdout line", "plain stdout line"},
		{"empty", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := extractTextFromStreamLine(c.line); got != c.want {
				t.Errorf("extractTextFromStreamLine(%q) = %q, want %q", c.line, got, c.want)
			}
		})
	}
}

func TestIsResumeRecoverableErrorMatchesKnownPatterns(t *testing.T) {
	recoverable := []string{
		"Error: session id abc123 not found",
		"failed to resume session",
		"Unable to resume previous session",
		"cannot resume: session expired",
		"invalid session id provided",
		"session xyz does not exist",
	}
	for _, text := range recoverable {
		if !isResumeRecoverableError(text) {
			t.Errorf("expected %q to be recoverable", text)
		}
	}
	if isResumeRecoverableError("some unrelated stack trace") {
		t.Error("expected unrelated error text to not match")
	}
}

func TestBuildClaudeCmdSwitchesBetweenResumeAndSessionID(t *testing.T) {
	task := &model.Task{PermissionMode: model.PermissionBypass}

	resumeArgs := buildClaudeCmd(task, "do the thing", "sess-1", true)
	if !containsPair(resumeArgs, "--resume", "sess-1") {
		t.Errorf("expected --resume sess-1 in %v", resumeArgs)
	}

	freshArgs := buildClaudeCmd(task, "do the thing", "sess-2", false)
	if !containsPair(freshArgs, "--session-id", "sess-2") {
		t.Errorf("expected --session-id sess-2 in %v", freshArgs)
	}

	if !containsPair(freshArgs, "--permission-mode", "bypassPermissions") {
		t.Errorf("expected bypassPermissions for PermissionBypass, got %v", freshArgs)
	}

	defaultTask := &model.Task{PermissionMode: model.PermissionDefault}
	defaultArgs := buildClaudeCmd(defaultTask, "p", "sess-3", false)
	if !containsPair(defaultArgs, "--permission-mode", "default") {
		t.Errorf("expected default permission mode, got %v", defaultArgs)
	}
}

func containsPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestExtractPRURLPrefersExplicitURLOverCompareFallback(t *testing.T) {
	repo := &model.RepoConfig{GithubRepo: "acme/widgets", MainBranch: "main"}

	withURL := "Opened pull request: https://github.com/acme/widgets/pull/42 for review"
	if got := extractPRURL(withURL, repo, "task-branch"); got != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("expected extracted PR URL, got %q", got)
	}

	withoutURL := "I committed and pushed the branch, but did not open a PR"
	got := extractPRURL(withoutURL, repo, "task-branch")
	if got == "" {
		t.Error("expected a compare-URL fallback when no PR URL is present")
	}
}

func TestEnsureTaskSessionIDMintsOnceAndPersists(t *testing.T) {
	r, st := newTestRunner(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sessionID, created, err := r.ensureTaskSessionID(task)
	if err != nil {
		t.Fatalf("ensureTaskSessionID: %v", err)
	}
	if !created {
		t.Error("expected a new session id to be created on a freshly created task")
	}
	if sessionID == "" {
		t.Error("expected a minted session id")
	}

	reloaded, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.ClaudeSessionID == nil || *reloaded.ClaudeSessionID != sessionID {
		t.Fatalf("expected minted session id persisted, got %+v", reloaded.ClaudeSessionID)
	}

	again, createdAgain, err := r.ensureTaskSessionID(reloaded)
	if err != nil {
		t.Fatalf("ensureTaskSessionID second call: %v", err)
	}
	if createdAgain {
		t.Error("expected second call to reuse the existing session id")
	}
	if again != sessionID {
		t.Errorf("expected the same session id returned, got %q vs %q", again, sessionID)
	}
}

func TestCleanupExecWorktreeForRunHandlesMissingRun(t *testing.T) {
	r, st := newTestRunner(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if ok := r.cleanupExecWorktreeForRun(task, "no-such-run", model.StatusDone, false); ok {
		t.Error("expected cleanup to report failure for a missing run")
	}

	events, _, err := st.ReadEvents(task.ID, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 || events[0].Data["result"] != "run_not_found" {
		t.Fatalf("expected a run_not_found worktree_cleanup event, got %+v", events)
	}
}

func TestCleanupExecWorktreeForRunSkipsEmptyWorktreePath(t *testing.T) {
	r, st := newTestRunner(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	run, err := st.CreateRun(task.ID, "worker-1", "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if ok := r.cleanupExecWorktreeForRun(task, run.ID, model.StatusDone, false); !ok {
		t.Error("expected cleanup of an empty worktree path to report success (nothing to do)")
	}

	events, _, err := st.ReadEvents(task.ID, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 || events[0].Data["result"] != "skip_empty_path" {
		t.Fatalf("expected a skip_empty_path worktree_cleanup event, got %+v", events)
	}
}

func TestCancelIsANoOpWithoutARegisteredProcess(t *testing.T) {
	r, st := newTestRunner(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// No process has been registered for this task; Cancel must be a
	// harmless no-op rather than panic.
	r.Cancel(task.ID)
}

func TestIsCancelRequestedReflectsStoreCancelTask(t *testing.T) {
	r, st := newTestRunner(t)
	task, err := st.CreateTask(store.CreateTaskInput{RepoID: "r1", Title: "t", Prompt: "p", Mode: model.ModeExec})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if r.isCancelRequested(task.ID) {
		t.Fatal("expected a freshly created task to not have cancellation requested")
	}

	if _, err := st.CancelTask(task.ID); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if !r.isCancelRequested(task.ID) {
		t.Error("expected isCancelRequested to observe CancelTask's flag")
	}
}
