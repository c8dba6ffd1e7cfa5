package plan

import (
	"encoding/json"
	"testing"

	"github.com/wenke727/repopilot/internal/model"
)

func TestParsePlanExtractsTrailingJSON(t *testing.T) {
	raw := `Here is my plan:
{"summary": "do the thing", "questions": [{"id": "q1", "title": "t", "question": "ok?", "options": [{"key": "a", "label": "yes"}], "recommended_option_key": "a"}], "recommended_prompt": "go"}
Let me know if this looks right.`

	result := ParsePlan(raw)
	if !result.ValidJSON {
		t.Fatalf("expected valid_json=true, got false")
	}
	if result.Summary != "do the thing" {
		t.Errorf("unexpected summary: %q", result.Summary)
	}
	if len(result.Questions) != 1 || result.Questions[0].ID != "q1" {
		t.Fatalf("unexpected questions: %+v", result.Questions)
	}
	if result.Questions[0].Options[0].Key != "a" {
		t.Errorf("unexpected option key: %+v", result.Questions[0].Options)
	}
}

func TestParsePlanNoJSONObject(t *testing.T) {
	result := ParsePlan("just some free text, no braces here")
	if result.ValidJSON {
		t.Fatalf("expected valid_json=false for text with no JSON object")
	}
	if result.RawText != "just some free text, no braces here" {
		t.Errorf("expected raw_text preserved verbatim")
	}
}

func TestParsePlanReturnsFirstValidObjectAtEarliestStart(t *testing.T) {
	// The scanner tries every '{' left to right and returns on the first
	// start position whose depth-matched span parses as JSON, even when
	// a more "intended" object follows later in the text.
	raw := `{"a": 1} noise {"summary": "real plan"}`
	result := ParsePlan(raw)
	if !result.ValidJSON {
		t.Fatalf("expected a valid candidate to be found")
	}
	if result.Summary != "" {
		t.Errorf("expected the earlier, smaller object to win; got summary %q", result.Summary)
	}
}

func TestParsePlanQuoteUnawareScanCanMissTheRealObject(t *testing.T) {
	// The scanner counts braces without understanding quoting, so a
	// literal '}' inside a string value can return depth to zero before
	// the real object closes. Without a later '{' to compensate, that
	// start position never finds a valid candidate — a known, accepted
	// limitation of the lenient scanner, not a bug to work around.
	raw := `{"summary": "a } stray brace", "recommended_prompt": "p"}`
	result := ParsePlan(raw)
	if result.ValidJSON {
		t.Fatalf("expected this adversarial input to defeat the naive scanner")
	}
}

func TestParsePlanDefaultsMissingIDsAndOptionKeys(t *testing.T) {
	raw := `{"questions": [{"title": "t", "question": "q", "options": [{"label": "only label"}]}]}`
	result := ParsePlan(raw)
	if len(result.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(result.Questions))
	}
	q := result.Questions[0]
	if q.ID != "q1" {
		t.Errorf("expected default id q1, got %q", q.ID)
	}
	if len(q.Options) != 1 || q.Options[0].Key != "o1" {
		t.Fatalf("expected default option key o1, got %+v", q.Options)
	}
}

func TestBuildExecPromptNilPlanReturnsOriginal(t *testing.T) {
	got := BuildExecPrompt("original request", nil, nil)
	if got != "original request" {
		t.Errorf("expected original prompt unchanged, got %q", got)
	}
}

func TestBuildExecPromptIncludesSummaryAndAnswers(t *testing.T) {
	p := &model.PlanResult{Summary: "sum", RecommendedPrompt: "rec"}
	got := BuildExecPrompt("orig", p, map[string]string{"q1": "a"})
	if !contains(got, "计划摘要: sum") || !contains(got, "q1: a") || !contains(got, "建议执行 Prompt") || !contains(got, "orig") {
		t.Errorf("exec prompt missing expected sections: %q", got)
	}
}

func TestPlanPromptEmbedsSchemaAndUserPrompt(t *testing.T) {
	prompt := PlanPrompt("add a feature")
	if !contains(prompt, "add a feature") {
		t.Errorf("expected user prompt echoed back in plan prompt")
	}
	schema, err := json.Marshal(planSchemaExample)
	if err != nil {
		t.Fatalf("marshal plan schema: %v", err)
	}
	if !contains(prompt, string(schema)) {
		t.Errorf("expected plan schema embedded in plan prompt")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
