package store

import (
	"fmt"
	"strings"

	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/plan"
)

// BatchFailure records why one task in a batch confirm/revise call could
// not be updated.
type BatchFailure struct {
	TaskID       string `json:"task_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func recommendedAnswers(task *model.Task) map[string]string {
	answers := map[string]string{}
	if task.PlanResult == nil {
		return answers
	}
	for _, q := range task.PlanResult.Questions {
		if q.RecommendedOptionKey != nil && strings.TrimSpace(*q.RecommendedOptionKey) != "" {
			answers[q.ID] = strings.TrimSpace(*q.RecommendedOptionKey)
		}
	}
	return answers
}

// ConfirmPlanTask moves a single PLAN_REVIEW task to READY/EXEC using the
// caller-supplied answers. Unlike BatchConfirmPlanTasks, which falls back
// to each question's recommended_option_key because a bulk confirm call
// carries no per-task answers, this is the path the single-task
// POST /api/tasks/{id}/plan/confirm endpoint uses so a caller's actual
// choices are what end up in the final exec prompt.
func (s *JSONStore) ConfirmPlanTask(taskID string, answers map[string]string) (*model.Task, error) {
	task, err := s.GetTask(taskID)
	if err != nil || task == nil {
		return task, err
	}
	finalPrompt := plan.BuildExecPrompt(task.Prompt, task.PlanResult, answers)
	return s.UpdateTask(taskID, map[string]interface{}{
		"mode":             string(model.ModeExec),
		"status":           string(model.StatusReady),
		"prompt":           finalPrompt,
		"plan_answers":     answers,
		"error_code":       "",
		"error_message":    "",
		"cancel_requested": false,
	})
}

// BatchConfirmPlanTasks moves each PLAN_REVIEW task in ids to
// READY/EXEC, composing the final exec prompt from the task's own
// recommended answers (unlike ConfirmPlanTask, the single-task confirm
// path, which takes caller-supplied answers instead).
func (s *JSONStore) BatchConfirmPlanTasks(ids []string) ([]model.Task, []BatchFailure) {
	normalized := s.NormalizeTaskIDs(ids)
	var updated []model.Task
	var failed []BatchFailure

	for _, taskID := range normalized {
		task, err := s.GetTask(taskID)
		if err != nil || task == nil {
			failed = append(failed, BatchFailure{taskID, "TASK_NOT_FOUND", "task not found"})
			continue
		}
		if task.Status != model.StatusPlanReview {
			failed = append(failed, BatchFailure{taskID, "INVALID_STATUS", fmt.Sprintf("task status must be PLAN_REVIEW, got %s", task.Status)})
			continue
		}
		if task.PlanResult == nil {
			failed = append(failed, BatchFailure{taskID, "PLAN_RESULT_MISSING", "plan_result is required for PLAN_REVIEW task"})
			continue
		}

		answers := recommendedAnswers(task)
		finalPrompt := plan.BuildExecPrompt(task.Prompt, task.PlanResult, answers)
		patched, err := s.UpdateTask(task.ID, map[string]interface{}{
			"mode":             string(model.ModeExec),
			"status":           string(model.StatusReady),
			"prompt":           finalPrompt,
			"plan_answers":     answers,
			"error_code":       "",
			"error_message":    "",
			"cancel_requested": false,
		})
		if err != nil || patched == nil {
			failed = append(failed, BatchFailure{taskID, "UPDATE_FAILED", "failed to update task"})
			continue
		}
		updated = append(updated, *patched)
	}
	return updated, failed
}

// BatchRevisePlanTasks sends each PLAN_REVIEW task in ids back to
// TODO/PLAN with feedback appended to its prompt.
func (s *JSONStore) BatchRevisePlanTasks(ids []string, feedback string) ([]model.Task, []BatchFailure) {
	normalized := s.NormalizeTaskIDs(ids)
	feedbackText := strings.TrimSpace(feedback)
	var updated []model.Task
	var failed []BatchFailure

	for _, taskID := range normalized {
		task, err := s.GetTask(taskID)
		if err != nil || task == nil {
			failed = append(failed, BatchFailure{taskID, "TASK_NOT_FOUND", "task not found"})
			continue
		}
		if task.Status != model.StatusPlanReview {
			failed = append(failed, BatchFailure{taskID, "INVALID_STATUS", fmt.Sprintf("task status must be PLAN_REVIEW, got %s", task.Status)})
			continue
		}
		if task.PlanResult == nil {
			failed = append(failed, BatchFailure{taskID, "PLAN_RESULT_MISSING", "plan_result is required for PLAN_REVIEW task"})
			continue
		}

		revisedPrompt := fmt.Sprintf("%s\n\n[用户反馈]\n%s", task.Prompt, feedbackText)
		patched, err := s.UpdateTask(task.ID, map[string]interface{}{
			"mode":             string(model.ModePlan),
			"status":           string(model.StatusTodo),
			"prompt":           revisedPrompt,
			"error_code":       "",
			"error_message":    "",
			"cancel_requested": false,
		})
		if err != nil || patched == nil {
			failed = append(failed, BatchFailure{taskID, "UPDATE_FAILED", "failed to update task"})
			continue
		}
		updated = append(updated, *patched)
	}
	return updated, failed
}
