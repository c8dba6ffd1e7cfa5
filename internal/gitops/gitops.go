// Package gitops drives the Git worktree lifecycle a task's execution
// runs inside: creating an isolated worktree on its own branch, detecting
// and committing changes, rebasing, running tests, pushing, opening a PR,
// and cleaning up afterward. Every Git invocation follows the teacher's
// os/exec idiom: one exec.Command per call, output captured with
// CombinedOutput, failures returned as a *GitError whose message carries
// the trimmed output.
package gitops

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/wenke727/repopilot/internal/model"
)

// ErrMergeConflict mirrors git's internal ErrMergeConflict but ordinary
// Git operations here raise *GitError instead; kept for API symmetry with
// internal/git/branch.go, which this package is adapted from.
var ErrMergeConflict = errors.New("git merge conflict")

// GitError wraps a failed Git (or test) invocation with its captured
// output.
type GitError struct {
	Msg string
}

func (e *GitError) Error() string { return e.Msg }

func gitErrorf(format string, args ...interface{}) error {
	return &GitError{Msg: fmt.Sprintf(format, args...)}
}

// ErrPRCredentialsMissing is returned by CreatePR when `gh` is unavailable
// (or fails) and no GitHub token is configured either.
var ErrPRCredentialsMissing = errors.New("cannot create PR: neither gh success nor GITHUB_TOKEN available")

type Worktree struct {
	Path   string
	Branch string
}

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func slugify(value string) string {
	cleaned := strings.Trim(slugPattern.ReplaceAllString(value, "-"), "-")
	cleaned = strings.ToLower(cleaned)
	if cleaned == "" {
		return "task"
	}
	return cleaned
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func runGitBestEffort(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	_, _ = cmd.CombinedOutput()
}

func detectRemoteDefaultBranch(repoPath string) string {
	cmd := exec.Command("git", "-C", repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(out))
	if ref == "" {
		return ""
	}
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}

func uniqueNonEmpty(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func candidateBaseRefs(repoPath, preferred string) []string {
	defaultBranch := detectRemoteDefaultBranch(repoPath)
	candidates := []string{"origin/" + preferred, preferred}
	if defaultBranch != "" {
		candidates = append(candidates, "origin/"+defaultBranch, defaultBranch)
	}
	return uniqueNonEmpty(candidates)
}

// CreateWorktree creates an isolated worktree for taskID under
// worktreesRoot/<repo.ID>/<taskID>, on a new branch task/<id>-<slug>.
// It best-effort cleans up any stale worktree/branch left behind by a
// prior crashed run before trying a chain of candidate base refs
// (origin/<main>, <main>, origin/<default>, <default>) until one
// succeeds.
func CreateWorktree(repo model.RepoConfig, worktreesRoot, taskID, title string) (*Worktree, error) {
	repoPath := repo.RootPath
	slug := slugify(title)
	if len(slug) > 36 {
		slug = slug[:36]
	}
	branch := fmt.Sprintf("task/%s-%s", taskID, slug)
	target := fmt.Sprintf("%s/%s/%s", worktreesRoot, repo.ID, taskID)

	if err := os.MkdirAll(fmt.Sprintf("%s/%s", worktreesRoot, repo.ID), 0o755); err != nil {
		return nil, gitErrorf("create worktree parent dir: %v", err)
	}

	runGitBestEffort(repoPath, "-C", repoPath, "worktree", "remove", "--force", target)
	runGitBestEffort(repoPath, "-C", repoPath, "worktree", "prune")
	runGitBestEffort(repoPath, "-C", repoPath, "branch", "-D", branch)
	if _, err := os.Stat(target); err == nil {
		_ = os.RemoveAll(target)
	}
	runGitBestEffort(repoPath, "-C", repoPath, "fetch", "origin")

	candidates := candidateBaseRefs(repoPath, repo.MainBranch)
	var lastErr string
	for _, baseRef := range candidates {
		out, err := runGit(repoPath, "-C", repoPath, "worktree", "add", "-b", branch, target, baseRef)
		if err == nil {
			return &Worktree{Path: target, Branch: branch}, nil
		}
		lastErr = strings.TrimSpace(out)
	}

	return nil, gitErrorf(
		"Command failed: git -C %s worktree add -b %s %s <base-ref>\nCandidates tried: %v\n%s",
		repoPath, branch, target, candidates, lastErr,
	)
}

// SetupIsolatedData symlinks the repo's shared_symlink_paths into the
// worktree's data directory, skipping any path listed verbatim in
// forbidden_symlink_paths. Paths nested under a forbidden path are not
// skipped.
func SetupIsolatedData(worktreePath string, repo model.RepoConfig) error {
	if err := os.MkdirAll(worktreePath+"/data", 0o755); err != nil {
		return err
	}
	forbidden := map[string]bool{}
	for _, p := range repo.ForbiddenSymlinkPaths {
		forbidden[p] = true
	}

	for _, rel := range repo.SharedSymlinkPaths {
		if forbidden[rel] {
			continue
		}
		src := repo.RootPath + "/" + rel
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dest := worktreePath + "/" + rel

		denied := false
		for deniedRel := range forbidden {
			deniedPath := worktreePath + "/" + deniedRel
			if _, err := os.Stat(deniedPath); err == nil && deniedPath == dest {
				denied = true
				break
			}
		}
		if denied {
			continue
		}

		if err := os.MkdirAll(parentDir(dest), 0o755); err != nil {
			return err
		}
		if info, err := os.Lstat(dest); err == nil {
			if info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
				if err := os.RemoveAll(dest); err != nil {
					return err
				}
			} else if err := os.Remove(dest); err != nil {
				return err
			}
		}
		if err := os.Symlink(src, dest); err != nil {
			return err
		}
	}
	return nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

// HasChanges reports whether the worktree has any uncommitted changes.
func HasChanges(worktreePath string) (bool, error) {
	out, err := runGit(worktreePath, "status", "--porcelain")
	if err != nil {
		return false, gitErrorf("Command failed: git status --porcelain\n%s", strings.TrimSpace(out))
	}
	return strings.TrimSpace(out) != "", nil
}

// HasMaterialChanges reports true if the worktree has uncommitted changes
// or HEAD has moved since baselineCommit — either signals real work
// happened, even if it was already committed by an agent.
func HasMaterialChanges(worktreePath, baselineCommit string) (bool, error) {
	changed, err := HasChanges(worktreePath)
	if err != nil {
		return false, err
	}
	if changed {
		return true, nil
	}
	current, err := CurrentCommit(worktreePath)
	if err != nil {
		return false, err
	}
	return current != baselineCommit, nil
}

// CommitAll stages everything and commits with message, unless the
// staged diff is empty, in which case it's a no-op. Returns the resulting
// HEAD commit either way.
func CommitAll(worktreePath, message string) (string, error) {
	if out, err := runGit(worktreePath, "add", "-A"); err != nil {
		return "", gitErrorf("Command failed: git add -A\n%s", strings.TrimSpace(out))
	}
	cmd := exec.Command("git", "diff", "--cached", "--quiet")
	cmd.Dir = worktreePath
	if err := cmd.Run(); err == nil {
		return CurrentCommit(worktreePath)
	}
	if out, err := runGit(worktreePath, "commit", "-m", message); err != nil {
		return "", gitErrorf("Command failed: git commit -m %q\n%s", message, strings.TrimSpace(out))
	}
	return CurrentCommit(worktreePath)
}

func CurrentCommit(worktreePath string) (string, error) {
	out, err := runGit(worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", gitErrorf("Command failed: git rev-parse HEAD\n%s", strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// RebaseWithMain fetches and rebases the worktree's branch onto
// origin/mainBranch.
func RebaseWithMain(worktreePath, mainBranch string) error {
	if out, err := runGit(worktreePath, "fetch", "origin", mainBranch); err != nil {
		return gitErrorf("Command failed: git fetch origin %s\n%s", mainBranch, strings.TrimSpace(out))
	}
	if out, err := runGit(worktreePath, "rebase", "origin/"+mainBranch); err != nil {
		return gitErrorf("Command failed: git rebase origin/%s\n%s", mainBranch, strings.TrimSpace(out))
	}
	return nil
}

// PushBranch pushes the branch and sets it as its upstream.
func PushBranch(worktreePath, branch string) error {
	if out, err := runGit(worktreePath, "push", "-u", "origin", branch); err != nil {
		return gitErrorf("Command failed: git push -u origin %s\n%s", branch, strings.TrimSpace(out))
	}
	return nil
}
