package gitops

import (
	"context"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
)

// defaultTestTimeout bounds how long RunTests will let a repo's configured
// test command run before it's killed.
const defaultTestTimeout = 10 * time.Minute

// RunTests shell-executes testCommand inside the worktree. A combined
// output containing `Missing script: "test"` (npm's error when no test
// script exists) is rewritten into a friendlier message pointing the
// caller at the repo-config endpoint instead of npm's raw complaint.
func RunTests(worktreePath, testCommand string) (string, error) {
	if strings.TrimSpace(testCommand) == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", testCommand)
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err == nil {
		return output, nil
	}

	if strings.Contains(output, `Missing script: "test"`) {
		return output, gitErrorf(
			"no test script configured for this repo; set test_command via PATCH /api/repos/{repo_id}",
		)
	}
	return output, gitErrorf("Command failed: %s\n%s", testCommand, strings.TrimSpace(output))
}

// BuildCompareURL returns a GitHub compare URL for head against base, or
// "" when githubRepo doesn't look like "owner/name". The trailing
// ?expand=1 makes GitHub render the PR-creation form directly instead of
// the bare diff, matching what a human would want after a fixed-mode run
// pushes a branch but can't open a PR itself.
func BuildCompareURL(githubRepo, base, head string) string {
	if !strings.Contains(githubRepo, "/") {
		return ""
	}
	return "https://github.com/" + githubRepo + "/compare/" + url.PathEscape(base) + "..." + url.PathEscape(head) + "?expand=1"
}

// CreatePR opens a pull request for branch against baseBranch, trying the
// gh CLI first and falling back to the GitHub REST API. token, if empty,
// falls back to the GITHUB_TOKEN environment variable; ErrPRCredentialsMissing
// is returned when neither is available and gh also failed.
func CreatePR(worktreePath, githubRepo, baseBranch, headBranch, title, body, token string) (string, error) {
	if ghURL, err := createPRViaGH(worktreePath, baseBranch, headBranch, title, body); err == nil {
		return ghURL, nil
	}

	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return "", ErrPRCredentialsMissing
	}

	parts := strings.SplitN(githubRepo, "/", 2)
	if len(parts) != 2 {
		return "", gitErrorf("invalid github_repo %q, expected owner/name", githubRepo)
	}

	client := github.NewClient(nil).WithAuthToken(token)
	newPR := &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(headBranch),
		Base:  github.Ptr(baseBranch),
		Body:  github.Ptr(body),
	}
	pr, _, err := client.PullRequests.Create(context.Background(), parts[0], parts[1], newPR)
	if err != nil {
		return "", gitErrorf("github API create PR failed: %v", err)
	}
	return pr.GetHTMLURL(), nil
}

func createPRViaGH(worktreePath, baseBranch, headBranch, title, body string) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", gitErrorf("gh CLI not found")
	}
	cmd := exec.Command("gh", "pr", "create",
		"--base", baseBranch, "--head", headBranch,
		"--title", title, "--body", body)
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", gitErrorf("gh pr create failed: %s", strings.TrimSpace(string(out)))
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "http") {
		return "", gitErrorf("gh pr create did not print a URL: %s", strings.TrimSpace(string(out)))
	}
	return last, nil
}
