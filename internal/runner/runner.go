// Package runner drives a single task's agent subprocess: session lifecycle,
// streaming output collection, cancellation, resume-failure fallback, and
// dispatch across PLAN/EXEC-FIXED/EXEC-AGENTIC modes.
package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wenke727/repopilot/internal/config"
	"github.com/wenke727/repopilot/internal/gitops"
	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/plan"
	"github.com/wenke727/repopilot/internal/store"
)

var resumeFallbackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)session id .*not found`),
	regexp.MustCompile(`(?i)failed to resume`),
	regexp.MustCompile(`(?i)unable to resume`),
	regexp.MustCompile(`(?i)cannot resume`),
	regexp.MustCompile(`(?i)invalid session`),
	regexp.MustCompile(`(?i)session .*does not exist`),
}

// TaskRunner executes a single claimed task end to end.
type TaskRunner struct {
	store        *store.JSONStore
	execMode     *config.ExecModeCell
	worktrees    string
	artifacts    string
	timeout      time.Duration
	githubToken  string
	logger       *slog.Logger

	mu        sync.Mutex
	processes map[string]*exec.Cmd
}

// New constructs a TaskRunner. worktreesDir/artifactsDir/timeout/githubToken
// come from the loaded config; execMode is the shared runtime-settable cell.
func New(s *store.JSONStore, execMode *config.ExecModeCell, worktreesDir, artifactsDir string, timeout time.Duration, githubToken string, logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{
		store:       s,
		execMode:    execMode,
		worktrees:   worktreesDir,
		artifacts:   artifactsDir,
		timeout:     timeout,
		githubToken: githubToken,
		logger:      logger.With("component", "runner"),
		processes:   make(map[string]*exec.Cmd),
	}
}

// Cancel terminates the agent subprocess for taskID, if one is running.
func (r *TaskRunner) Cancel(taskID string) {
	r.logger.Info("terminating process", "task_id", taskID)
	r.mu.Lock()
	cmd := r.processes[taskID]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(5 * time.Second)
		_ = cmd.Process.Kill()
	}()
}

func (r *TaskRunner) registerProc(taskID string, cmd *exec.Cmd) {
	r.mu.Lock()
	r.processes[taskID] = cmd
	r.mu.Unlock()
}

func (r *TaskRunner) unregisterProc(taskID string) {
	r.mu.Lock()
	delete(r.processes, taskID)
	r.mu.Unlock()
}

func (r *TaskRunner) isCancelRequested(taskID string) bool {
	task, err := r.store.GetTask(taskID)
	if err != nil || task == nil {
		return false
	}
	return task.CancelRequested
}

// ensureTaskSessionID returns the task's Claude session id, minting a new
// one via google/uuid when none exists yet. The bool return reports whether
// a new session id was just created (false = resuming an existing one).
func (r *TaskRunner) ensureTaskSessionID(task *model.Task) (string, bool, error) {
	if task.ClaudeSessionID != nil && *task.ClaudeSessionID != "" {
		return *task.ClaudeSessionID, false, nil
	}

	latest, err := r.store.GetTask(task.ID)
	if err == nil && latest != nil && latest.ClaudeSessionID != nil && *latest.ClaudeSessionID != "" {
		task.ClaudeSessionID = latest.ClaudeSessionID
		return *latest.ClaudeSessionID, false, nil
	}

	newID := uuid.NewString()
	patched, err := r.store.UpdateTask(task.ID, map[string]interface{}{"claude_session_id": newID})
	if err == nil && patched != nil && patched.ClaudeSessionID != nil && *patched.ClaudeSessionID != "" {
		task.ClaudeSessionID = patched.ClaudeSessionID
		return *patched.ClaudeSessionID, true, nil
	}

	task.ClaudeSessionID = &newID
	return newID, true, nil
}

func buildClaudeCmd(task *model.Task, prompt, sessionID string, useResume bool) []string {
	cmd := []string{"claude", "-p", prompt, "--output-format", "stream-json", "--verbose"}
	if useResume {
		cmd = append(cmd, "--resume", sessionID)
	} else {
		cmd = append(cmd, "--session-id", sessionID)
	}
	if task.PermissionMode == model.PermissionBypass {
		cmd = append(cmd, "--permission-mode", "bypassPermissions")
	} else {
		cmd = append(cmd, "--permission-mode", "default")
	}
	return cmd
}

func isResumeRecoverableError(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, pattern := range resumeFallbackPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// runClaudeResult is the outcome of one subprocess invocation.
type runClaudeResult struct {
	ExitCode  int
	Text      string
	Cancelled bool
}

// runClaudeCmd starts cmd in workdir, streaming each stdout line into the
// task's event log while polling for cancellation and a timeout between
// lines — exactly the loop original_source's runner.py runs.
func (r *TaskRunner) runClaudeCmd(task *model.Task, cmdArgs []string, workdir string, timeout time.Duration) runClaudeResult {
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "command", "cmd": strings.Join(cmdArgs, " ")})

	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = workdir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runClaudeResult{ExitCode: 1, Text: fmt.Sprintf("failed to open stdout pipe: %v", err)}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return runClaudeResult{ExitCode: 1, Text: fmt.Sprintf("failed to start agent: %v", err)}
	}
	r.registerProc(task.ID, cmd)
	defer r.unregisterProc(task.ID)

	var collected []string
	cancelled := false
	start := time.Now()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		if line == "" {
			continue
		}

		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "stream", "line": line})
		if text := extractTextFromStreamLine(line); text != "" {
			collected = append(collected, text)
		}

		if r.isCancelRequested(task.ID) {
			cancelled = true
			_ = cmd.Process.Kill()
			break
		}
		if time.Since(start) > timeout {
			_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "timeout", "message": "Task exceeded configured runner timeout"})
			_ = cmd.Process.Kill()
			break
		}
	}

	err = cmd.Wait()
	if !cancelled && r.isCancelRequested(task.ID) {
		cancelled = true
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return runClaudeResult{
		ExitCode:  exitCode,
		Text:      strings.TrimSpace(strings.Join(collected, "\n")),
		Cancelled: cancelled,
	}
}

// streamClaude runs the agent with session create-or-resume semantics,
// falling back to a brand-new session when a resume attempt fails with a
// recoverable error pattern.
func (r *TaskRunner) streamClaude(task *model.Task, prompt, workdir string) runClaudeResult {
	sessionID, created, _ := r.ensureTaskSessionID(task)
	useResume := !created
	if created {
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "session_created", "session_id": sessionID,
			"message": fmt.Sprintf("Created Claude session %s", sessionID),
		})
	} else {
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "session_resumed", "session_id": sessionID,
			"message": fmt.Sprintf("Resuming Claude session %s", sessionID),
		})
	}

	cmdArgs := buildClaudeCmd(task, prompt, sessionID, useResume)
	result := r.runClaudeCmd(task, cmdArgs, workdir, r.timeout)

	shouldFallback := useResume && !result.Cancelled && result.ExitCode != 0 && isResumeRecoverableError(result.Text)
	if !shouldFallback {
		return result
	}

	errText := result.Text
	if len(errText) > 1000 {
		errText = errText[:1000]
	}
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
		"type": "session_resume_failed", "session_id": sessionID,
		"message":    fmt.Sprintf("Resume failed for session %s; fallback to a new session", sessionID),
		"error_text": errText,
	})

	newSessionID := uuid.NewString()
	if patched, err := r.store.UpdateTask(task.ID, map[string]interface{}{"claude_session_id": newSessionID}); err == nil && patched != nil && patched.ClaudeSessionID != nil {
		newSessionID = *patched.ClaudeSessionID
	}
	task.ClaudeSessionID = &newSessionID
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
		"type": "session_fallback_created", "old_session_id": sessionID, "session_id": newSessionID,
		"message": fmt.Sprintf("Created fallback Claude session %s", newSessionID),
	})

	fallbackCmd := buildClaudeCmd(task, prompt, newSessionID, false)
	return r.runClaudeCmd(task, fallbackCmd, workdir, r.timeout)
}

// extractTextFromStreamLine pulls human-readable text out of one
// stream-json line, joining with newlines whichever of the text, result,
// message.content[].text and delta.text fields are present, in that
// order; a non-JSON line is returned verbatim.
func extractTextFromStreamLine(line string) string {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return line
	}

	var chunks []string
	if text, ok := payload["text"].(string); ok {
		chunks = append(chunks, text)
	}
	if result, ok := payload["result"].(string); ok {
		chunks = append(chunks, result)
	}
	if message, ok := payload["message"].(map[string]interface{}); ok {
		if content, ok := message["content"].([]interface{}); ok {
			for _, item := range content {
				if m, ok := item.(map[string]interface{}); ok {
					if text, ok := m["text"].(string); ok {
						chunks = append(chunks, text)
					}
				}
			}
		}
	}
	if delta, ok := payload["delta"].(map[string]interface{}); ok {
		if text, ok := delta["text"].(string); ok {
			chunks = append(chunks, text)
		}
	}
	return strings.TrimSpace(strings.Join(chunks, "\n"))
}

func (r *TaskRunner) finishRun(runID string, patch map[string]interface{}) {
	if _, ok := patch["ended_at"]; !ok {
		patch["ended_at"] = model.UTCNowISO()
	}
	_, _ = r.store.UpdateRun(runID, patch)
}

func (r *TaskRunner) markCancelled(task *model.Task, runID, reason string) {
	_, _ = r.store.UpdateTask(task.ID, map[string]interface{}{
		"status": string(model.StatusCancelled), "error_code": "CANCELLED",
		"error_message": reason, "current_run_id": runID,
	})
	_, _ = r.store.CreateNotification(store.CreateNotificationInput{
		TaskID: task.ID, Type: model.NotificationInfo,
		Title: fmt.Sprintf("任务已取消: %s", task.Title), Body: reason,
	})
}

func (r *TaskRunner) markFailed(task *model.Task, runID, code, message string) {
	_, _ = r.store.UpdateTask(task.ID, map[string]interface{}{
		"status": string(model.StatusFailed), "error_code": code,
		"error_message": message, "current_run_id": runID,
	})
	body := message
	if len(body) > 500 {
		body = body[:500]
	}
	_, _ = r.store.CreateNotification(store.CreateNotificationInput{
		TaskID: task.ID, Type: model.NotificationError,
		Title: fmt.Sprintf("任务失败: %s", task.Title), Body: body,
	})
}

func (r *TaskRunner) markReview(task *model.Task, runID, prURL string) {
	_, _ = r.store.UpdateTask(task.ID, map[string]interface{}{
		"status": string(model.StatusReview), "pr_url": prURL,
		"error_code": "", "error_message": "", "current_run_id": runID,
		"cancel_requested": false,
	})
	_, _ = r.store.CreateNotification(store.CreateNotificationInput{
		TaskID: task.ID, Type: model.NotificationSuccess,
		Title: fmt.Sprintf("任务进入 Review: %s", task.Title), Body: prURL,
	})
}

// RunTask dispatches task to the appropriate mode handler. workerID tags
// the resulting run row for diagnostics.
func (r *TaskRunner) RunTask(task *model.Task, workerID string) {
	r.logger.Info("run start", "task_id", task.ID, "worker_id", workerID, "mode", task.Mode)
	run, err := r.store.CreateRun(task.ID, workerID, "go-runtime")
	if err != nil {
		r.logger.Error("create run failed", "task_id", task.ID, "err", err)
		return
	}

	if task.Mode == model.ModePlan {
		r.runPlan(task, run.ID)
		return
	}

	if r.execMode.Get() == "FIXED" {
		r.runExecFixed(task, run.ID)
	} else {
		r.runExecAgentic(task, run.ID)
	}
}

func (r *TaskRunner) runPlan(task *model.Task, runID string) {
	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil || repo == nil {
		r.logger.Error("plan failed repo not found", "task_id", task.ID, "repo_id", task.RepoID)
		r.finishRun(runID, map[string]interface{}{"exit_code": 1})
		r.markFailed(task, runID, "REPO_NOT_FOUND", fmt.Sprintf("Repo not found: %s", task.RepoID))
		return
	}

	_, _ = r.store.UpdateRun(runID, map[string]interface{}{"worktree_path": repo.RootPath})
	prompt := plan.PlanPrompt(task.Prompt)
	result := r.streamClaude(task, prompt, repo.RootPath)

	if result.Cancelled {
		r.finishRun(runID, map[string]interface{}{"exit_code": result.ExitCode})
		r.markCancelled(task, runID, "任务在 Plan 阶段被取消")
		return
	}
	if result.ExitCode != 0 {
		r.finishRun(runID, map[string]interface{}{"exit_code": result.ExitCode})
		r.markFailed(task, runID, "PLAN_EXIT_NONZERO", fmt.Sprintf("Claude exited with code %d", result.ExitCode))
		return
	}

	parsed := plan.ParsePlan(result.Text)
	_, _ = r.store.UpdateTask(task.ID, map[string]interface{}{
		"status": string(model.StatusPlanReview), "plan_result": parsed,
		"error_code": "", "error_message": "", "current_run_id": runID,
	})
	_, _ = r.store.CreateNotification(store.CreateNotificationInput{
		TaskID: task.ID, Type: model.NotificationInfo,
		Title: fmt.Sprintf("Plan 待确认: %s", task.Title), Body: "请在任务详情中确认 Plan 选项后继续执行。",
	})
	r.finishRun(runID, map[string]interface{}{"exit_code": 0})
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

func extractPRURL(text string, repo *model.RepoConfig, branch string) string {
	if match := prURLPattern.FindString(text); match != "" {
		return match
	}
	if repo != nil && strings.Contains(repo.GithubRepo, "/") {
		return gitops.BuildCompareURL(repo.GithubRepo, repo.MainBranch, branch)
	}
	return ""
}

func buildAgenticPrompt(task *model.Task, repo *model.RepoConfig, branch string) string {
	main := repo.MainBranch
	testCmd := strings.TrimSpace(repo.TestCommand)
	hasGithub := strings.Contains(strings.TrimSpace(repo.GithubRepo), "/")

	lines := []string{
		task.Prompt, "", "---",
		"【编码完成后请自行执行以下步骤，使用终端命令完成】", "",
		"1. 提交变更:",
		fmt.Sprintf("   git add -A && git commit -m \"task(%s): apply changes\"", task.ID), "",
		"2. 变基到主分支（若有冲突请解决后 git add 再 git rebase --continue）:",
		fmt.Sprintf("   git fetch origin %s && git rebase origin/%s", main, main), "",
	}
	if testCmd != "" {
		lines = append(lines, "3. 运行测试:", "   "+testCmd, "", "4. 推送当前分支:")
	} else {
		lines = append(lines, "3. 推送当前分支:")
	}
	lines = append(lines, fmt.Sprintf("   git push -u origin %s", branch))
	if hasGithub {
		lines = append(lines, "",
			"5. 创建 PR（若 gh 可用）:",
			fmt.Sprintf("   gh pr create --base %s --head %s --title \"[%s] %s\" --body \"Automated by RepoPilot\"", main, branch, task.ID, task.Title))
	}
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func (r *TaskRunner) cleanupExecWorktreeForRun(task *model.Task, runID string, triggerStatus model.TaskStatus, snapshotOnFailure bool) bool {
	run, err := r.store.GetRun(runID)
	if err != nil || run == nil {
		r.logger.Warn("skip worktree cleanup: run not found", "task_id", task.ID, "run_id", runID)
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "worktree_cleanup", "trigger_status": string(triggerStatus), "result": "run_not_found", "run_id": runID,
		})
		return false
	}

	worktreePath := strings.TrimSpace(run.WorktreePath)
	if worktreePath == "" {
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "worktree_cleanup", "trigger_status": string(triggerStatus), "result": "skip_empty_path", "run_id": runID,
		})
		return true
	}

	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil || repo == nil {
		r.logger.Warn("skip worktree cleanup: repo not found", "task_id", task.ID, "repo_id", task.RepoID)
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "worktree_cleanup", "trigger_status": string(triggerStatus), "result": "repo_not_found",
			"run_id": runID, "worktree_path": worktreePath,
		})
		return false
	}

	if snapshotOnFailure {
		if snapshot, err := gitops.SnapshotWorktree(worktreePath, r.artifacts, task.ID, runID); err == nil {
			_, _ = r.store.UpdateRun(runID, map[string]interface{}{"metrics": map[string]interface{}{"artifact_path": snapshot}})
			_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "artifact", "path": snapshot})
		} else {
			r.logger.Warn("failed to save task artifact", "task_id", task.ID, "run_id", runID, "err", err)
		}
	}

	if err := gitops.CleanupWorktree(repo.RootPath, worktreePath, run.BranchName); err != nil {
		r.logger.Warn("worktree cleanup failed", "task_id", task.ID, "run_id", runID, "err", err)
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "worktree_cleanup", "trigger_status": string(triggerStatus), "result": "failed",
			"run_id": runID, "worktree_path": worktreePath, "branch_name": run.BranchName,
			"message": err.Error(),
		})
		return false
	}

	_, _ = r.store.UpdateRun(runID, map[string]interface{}{"worktree_path": ""})
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
		"type": "worktree_cleanup", "trigger_status": string(triggerStatus), "result": "success",
		"run_id": runID, "worktree_path": worktreePath, "branch_name": run.BranchName,
	})
	return true
}

// CleanupExecWorktreeForTask removes the worktree backing task's current
// run, if any. The API calls it on the REVIEW -> DONE transition; the
// runner's own FAILED/CANCELLED paths call cleanupExecWorktreeForRun
// directly.
func (r *TaskRunner) CleanupExecWorktreeForTask(task *model.Task, triggerStatus model.TaskStatus, snapshotOnFailure bool) bool {
	if task.Mode != model.ModeExec {
		return false
	}
	if task.CurrentRunID == nil || *task.CurrentRunID == "" {
		_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
			"type": "worktree_cleanup", "trigger_status": string(triggerStatus), "result": "skip_no_current_run",
		})
		return false
	}
	return r.cleanupExecWorktreeForRun(task, *task.CurrentRunID, triggerStatus, snapshotOnFailure)
}

func (r *TaskRunner) finishExecWithGitFailure(task *model.Task, runID string, err error) {
	r.logger.Warn("git pipeline failed", "task_id", task.ID, "run_id", runID, "err", err)
	r.finishRun(runID, map[string]interface{}{"exit_code": 1})
	r.markFailed(task, runID, "GIT_PIPELINE_FAILED", err.Error())
}

func (r *TaskRunner) cleanupIfTerminal(task *model.Task, runID string) {
	after, err := r.store.GetTask(task.ID)
	if err != nil || after == nil {
		return
	}
	if after.Status == model.StatusFailed || after.Status == model.StatusCancelled {
		r.cleanupExecWorktreeForRun(after, runID, after.Status, true)
	}
}

func (r *TaskRunner) runExecFixed(task *model.Task, runID string) {
	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil || repo == nil {
		r.finishRun(runID, map[string]interface{}{"exit_code": 1})
		r.markFailed(task, runID, "REPO_NOT_FOUND", fmt.Sprintf("Repo not found: %s", task.RepoID))
		return
	}

	wt, err := gitops.CreateWorktree(*repo, r.worktrees, task.ID, task.Title)
	if err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		return
	}
	_, _ = r.store.UpdateRun(runID, map[string]interface{}{"worktree_path": wt.Path, "branch_name": wt.Branch})

	if err := gitops.SetupIsolatedData(wt.Path, *repo); err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}

	baselineCommit, err := gitops.CurrentCommit(wt.Path)
	if err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}

	result := r.streamClaude(task, task.Prompt, wt.Path)
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "assistant_text", "text": result.Text})

	if result.Cancelled {
		r.finishRun(runID, map[string]interface{}{"exit_code": result.ExitCode})
		r.markCancelled(task, runID, "任务在执行阶段被取消")
		r.cleanupIfTerminal(task, runID)
		return
	}
	if result.ExitCode != 0 {
		r.finishRun(runID, map[string]interface{}{"exit_code": result.ExitCode})
		r.markFailed(task, runID, "EXEC_EXIT_NONZERO", fmt.Sprintf("Claude exited with code %d", result.ExitCode))
		r.cleanupIfTerminal(task, runID)
		return
	}

	material, err := gitops.HasMaterialChanges(wt.Path, baselineCommit)
	if err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}
	if !material {
		r.finishRun(runID, map[string]interface{}{"exit_code": 1})
		r.markFailed(task, runID, "NO_CHANGES", "Claude finished but produced no git changes")
		r.cleanupIfTerminal(task, runID)
		return
	}

	commitSHA, err := gitops.CommitAll(wt.Path, fmt.Sprintf("task(%s): apply changes", task.ID))
	if err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}
	_, _ = r.store.UpdateRun(runID, map[string]interface{}{"commit_sha": commitSHA})

	if err := gitops.RebaseWithMain(wt.Path, repo.MainBranch); err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}
	if _, err := gitops.RunTests(wt.Path, repo.TestCommand); err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}
	if err := gitops.PushBranch(wt.Path, wt.Branch); err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}

	prURL, err := gitops.CreatePR(wt.Path, repo.GithubRepo, repo.MainBranch, wt.Branch,
		fmt.Sprintf("[%s] %s", task.ID, task.Title), "Automated by RepoPilot", r.githubToken)
	if err != nil {
		if err == gitops.ErrPRCredentialsMissing {
			compareURL := gitops.BuildCompareURL(repo.GithubRepo, repo.MainBranch, wt.Branch)
			if compareURL == "" {
				r.finishExecWithGitFailure(task, runID, err)
				r.cleanupIfTerminal(task, runID)
				return
			}
			_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{
				"type": "pr_fallback", "message": err.Error(), "compare_url": compareURL,
			})
			prURL = compareURL
		} else {
			r.finishExecWithGitFailure(task, runID, err)
			r.cleanupIfTerminal(task, runID)
			return
		}
	}

	r.markReview(task, runID, prURL)
	r.finishRun(runID, map[string]interface{}{"exit_code": 0, "commit_sha": commitSHA})
}

func (r *TaskRunner) runExecAgentic(task *model.Task, runID string) {
	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil || repo == nil {
		r.finishRun(runID, map[string]interface{}{"exit_code": 1})
		r.markFailed(task, runID, "REPO_NOT_FOUND", fmt.Sprintf("Repo not found: %s", task.RepoID))
		return
	}

	wt, err := gitops.CreateWorktree(*repo, r.worktrees, task.ID, task.Title)
	if err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		return
	}
	_, _ = r.store.UpdateRun(runID, map[string]interface{}{"worktree_path": wt.Path, "branch_name": wt.Branch})

	if err := gitops.SetupIsolatedData(wt.Path, *repo); err != nil {
		r.finishExecWithGitFailure(task, runID, err)
		r.cleanupIfTerminal(task, runID)
		return
	}

	strategy := plan.BuildDefaultStrategy(*repo)
	_, _ = r.store.UpdateTask(task.ID, map[string]interface{}{"exec_strategy": strategy})
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "strategy_generated", "message": strategy.Rationale})

	prompt := buildAgenticPrompt(task, repo, wt.Branch)
	result := r.streamClaude(task, prompt, wt.Path)
	_, _ = r.store.AppendEvent(task.ID, map[string]interface{}{"type": "assistant_text", "text": result.Text})

	if result.Cancelled {
		r.finishRun(runID, map[string]interface{}{"exit_code": result.ExitCode})
		r.markCancelled(task, runID, "任务在执行阶段被取消")
		r.cleanupIfTerminal(task, runID)
		return
	}
	if result.ExitCode != 0 {
		r.finishRun(runID, map[string]interface{}{"exit_code": result.ExitCode})
		r.markFailed(task, runID, "EXEC_EXIT_NONZERO", fmt.Sprintf("Claude exited with code %d", result.ExitCode))
		r.cleanupIfTerminal(task, runID)
		return
	}

	prURL := extractPRURL(result.Text, repo, wt.Branch)
	r.markReview(task, runID, prURL)
	r.finishRun(runID, map[string]interface{}{"exit_code": 0})
}
