package plan

import (
	"strings"

	"github.com/wenke727/repopilot/internal/model"
)

// BuildDefaultStrategy builds the fixed six-step AGENTIC execution
// strategy for a repo, skipping the TEST step when no test command is
// configured and the CREATE_PR step when the repo has no GitHub remote.
// The commit message param holds the literal "{id}" placeholder; no code
// in this module interpolates it.
func BuildDefaultStrategy(repo model.RepoConfig) model.ExecStrategy {
	hasTests := strings.TrimSpace(repo.TestCommand) != ""
	hasGithub := strings.Contains(strings.TrimSpace(repo.GithubRepo), "/")

	testReason := "未配置测试命令，跳过"
	if hasTests {
		testReason = "仓库已配置测试命令"
	}
	prReason := "未配置 GitHub 远程，跳过"
	if hasGithub {
		prReason = "仓库配置了 GitHub 远程"
	}

	steps := []model.StrategyStep{
		{Type: model.StepCoding, Label: "执行编码任务", Reason: "根据需求修改代码", Status: model.StepPending},
		{
			Type:   model.StepCommit,
			Label:  "提交变更",
			Params: map[string]interface{}{"message": "task({id}): apply changes"},
			Reason: "保存工作区变更",
			Status: model.StepPending,
		},
		{Type: model.StepRebase, Label: "变基到主分支", Reason: "保持线性历史", Status: model.StepPending},
		{Type: model.StepTest, Label: "运行测试", Skip: !hasTests, Reason: testReason, Status: model.StepPending},
		{Type: model.StepPush, Label: "推送分支", Reason: "推送到远程", Status: model.StepPending},
		{Type: model.StepCreatePR, Label: "创建 PR", Skip: !hasGithub, Reason: prReason, Status: model.StepPending},
	}

	testChoice, testDecisionReason := "否", "未配置 test_command"
	if hasTests {
		testChoice, testDecisionReason = "是", "仓库有配置 test_command"
	}
	prChoice, prDecisionReason := "否", "未配置 github_repo"
	if hasGithub {
		prChoice, prDecisionReason = "是", "仓库配置了 github_repo"
	}

	decisions := []model.StrategyDecision{
		{Key: "test_strategy", Question: "是否运行测试", Choice: testChoice, Reason: testDecisionReason},
		{Key: "pr_strategy", Question: "是否创建 PR", Choice: prChoice, Reason: prDecisionReason},
	}

	return model.ExecStrategy{
		Template:  "AGENTIC",
		Steps:     steps,
		Decisions: decisions,
		Rationale: "Claude 全权执行：编码后自行完成提交、变基、测试、推送并创建 PR（按仓库配置）",
		RawText:   "",
		Valid:     true,
	}
}
