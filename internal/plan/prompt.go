package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wenke727/repopilot/internal/model"
)

// planSchemaExample is embedded verbatim in the PLAN-mode prompt so the
// agent sees the exact shape (with sample Chinese field values) it must
// reproduce.
var planSchemaExample = map[string]interface{}{
	"summary": "执行前计划摘要",
	"questions": []map[string]interface{}{
		{
			"id":       "q1",
			"title":    "决策项标题",
			"question": "你要确认的关键问题",
			"options": []map[string]interface{}{
				{"key": "a", "label": "选项A", "description": "影响"},
				{"key": "b", "label": "选项B", "description": "影响"},
			},
			"recommended_option_key": "a",
		},
	},
	"recommended_prompt": "建议进入执行模式时使用的最终 Prompt",
}

// PlanPrompt builds the instruction sent to the agent during PLAN mode:
// analyze the request, then return a single parseable JSON object
// matching the embedded schema, optionally followed by free text.
func PlanPrompt(taskPrompt string) string {
	schema, _ := json.Marshal(planSchemaExample)
	var b strings.Builder
	b.WriteString("你现在在 Plan 模式。\n")
	b.WriteString("请先分析用户需求，再返回一个 JSON 对象（必须可解析），字段严格包含：")
	b.Write(schema)
	b.WriteString("\n")
	b.WriteString("JSON 后面可以追加简短说明。\n")
	b.WriteString("用户需求如下：\n")
	b.WriteString(taskPrompt)
	return b.String()
}

// BuildExecPrompt composes the final EXEC-mode prompt from the original
// request, the confirmed plan, and the user's (or auto-recommended)
// answers to the plan's questions. A nil plan returns originalPrompt
// unchanged.
func BuildExecPrompt(originalPrompt string, plan *model.PlanResult, answers map[string]string) string {
	if plan == nil {
		return originalPrompt
	}

	var lines []string
	lines = append(lines, "以下是已确认的执行上下文：")
	if plan.Summary != "" {
		lines = append(lines, fmt.Sprintf("- 计划摘要: %s", plan.Summary))
	}

	if len(answers) > 0 {
		lines = append(lines, "- 用户确认:")
		for key, value := range answers {
			lines = append(lines, fmt.Sprintf("  - %s: %s", key, value))
		}
	}

	if plan.RecommendedPrompt != "" {
		lines = append(lines, "- 建议执行 Prompt:")
		lines = append(lines, plan.RecommendedPrompt)
	}

	lines = append(lines, "- 原始需求:")
	lines = append(lines, originalPrompt)
	return strings.Join(lines, "\n")
}
