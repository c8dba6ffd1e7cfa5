package store

import (
	"testing"

	"github.com/wenke727/repopilot/internal/model"
)

func planReviewTaskWithRecommendation(t *testing.T, s *JSONStore, recommended string) *model.Task {
	t.Helper()
	task, err := s.CreateTask(CreateTaskInput{RepoID: "demo", Title: "t", Prompt: "p", Mode: model.ModePlan})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	rec := recommended
	patched, err := s.UpdateTask(task.ID, map[string]interface{}{
		"status": string(model.StatusPlanReview),
		"plan_result": model.PlanResult{
			Summary: "do the thing",
			Questions: []model.PlanQuestion{
				{ID: "q1", Title: "approach", RecommendedOptionKey: &rec},
			},
		},
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	return patched
}

func TestConfirmPlanTaskUsesCallerSuppliedAnswers(t *testing.T) {
	s := newTestStore(t)
	task := planReviewTaskWithRecommendation(t, s, "recommended")

	confirmed, err := s.ConfirmPlanTask(task.ID, map[string]string{"q1": "caller-choice"})
	if err != nil {
		t.Fatalf("confirm plan task: %v", err)
	}
	if confirmed.PlanAnswers["q1"] != "caller-choice" {
		t.Fatalf("expected caller-supplied answer to win, got %+v", confirmed.PlanAnswers)
	}
	if confirmed.Status != model.StatusReady || confirmed.Mode != model.ModeExec {
		t.Fatalf("expected task moved to READY/EXEC, got %s/%s", confirmed.Status, confirmed.Mode)
	}
}

func TestBatchConfirmPlanTasksUsesRecommendedAnswers(t *testing.T) {
	s := newTestStore(t)
	task := planReviewTaskWithRecommendation(t, s, "recommended")

	updated, failed := s.BatchConfirmPlanTasks([]string{task.ID})
	if len(failed) != 0 {
		t.Fatalf("expected no failures, got %+v", failed)
	}
	if len(updated) != 1 || updated[0].PlanAnswers["q1"] != "recommended" {
		t.Fatalf("expected batch confirm to fall back to the recommended answer, got %+v", updated)
	}
}
