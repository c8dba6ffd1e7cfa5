// Package plan implements the plan/exec prompt composer and the lenient
// JSON-object extractor used to pull a structured plan out of an agent's
// free-form response text.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wenke727/repopilot/internal/model"
)

// extractJSONCandidate scans text for the first brace-delimited substring
// that parses as a JSON object, using plain depth counting rather than a
// real JSON tokenizer (it does not understand quoted braces). This is
// intentional: agent output is not trusted to be clean JSON, and a naive
// scanner that tries every '{' start position and keeps widening the
// candidate on a parse failure recovers more real-world plans than a
// strict first-match parser would.
func extractJSONCandidate(text string) (map[string]interface{}, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		for end := start; end < len(text); end++ {
			switch text[end] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : end+1]
					var value map[string]interface{}
					if err := json.Unmarshal([]byte(candidate), &value); err != nil {
						// Keep widening from the same start rather than
						// abandoning it; a later '}' may close a larger,
						// valid object.
						continue
					}
					return value, true
				}
			}
		}
	}
	return nil, false
}

// ParsePlan extracts a PlanResult from an agent's raw response text. When
// no parseable JSON object is found, it returns a PlanResult with
// ValidJSON=false and RawText set to the full input, never an error —
// callers decide what an unparseable plan means for the task.
func ParsePlan(rawText string) *model.PlanResult {
	candidate, ok := extractJSONCandidate(rawText)
	if !ok {
		return &model.PlanResult{RawText: rawText, ValidJSON: false}
	}

	summary := strings.TrimSpace(stringField(candidate, "summary"))
	recommendedPrompt := strings.TrimSpace(stringField(candidate, "recommended_prompt"))

	var questions []model.PlanQuestion
	if raw, ok := candidate["questions"].([]interface{}); ok {
		for idx, item := range raw {
			q, ok := item.(map[string]interface{})
			if !ok {
				continue
			}

			var options []model.PlanQuestionOption
			if rawOpts, ok := q["options"].([]interface{}); ok {
				for _, o := range rawOpts {
					opt, ok := o.(map[string]interface{})
					if !ok {
						continue
					}
					key := strings.TrimSpace(stringField(opt, "key"))
					if key == "" {
						key = fmt.Sprintf("o%d", len(options)+1)
					}
					label := stringField(opt, "label")
					if label == "" {
						label = key
					}
					options = append(options, model.PlanQuestionOption{
						Key:         key,
						Label:       label,
						Description: stringField(opt, "description"),
					})
				}
			}

			id := strings.TrimSpace(stringField(q, "id"))
			if id == "" {
				id = fmt.Sprintf("q%d", idx+1)
			}
			title := stringField(q, "title")
			if title == "" {
				title = id
			}

			var recommended *string
			if v, ok := q["recommended_option_key"].(string); ok {
				recommended = &v
			}

			questions = append(questions, model.PlanQuestion{
				ID:                   id,
				Title:                title,
				Question:             strings.TrimSpace(stringField(q, "question")),
				Options:              options,
				RecommendedOptionKey: recommended,
			})
		}
	}

	return &model.PlanResult{
		Summary:           summary,
		Questions:         questions,
		RecommendedPrompt: recommendedPrompt,
		RawText:           rawText,
		ValidJSON:         true,
	}
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
