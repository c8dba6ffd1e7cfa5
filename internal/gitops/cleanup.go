package gitops

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CleanupWorktree removes the worktree and its branch. The worktree
// remove/prune/branch-delete steps are best-effort, mirroring the same
// sequence CreateWorktree runs before creating a fresh one — a worktree
// that's already half-gone from a prior crash shouldn't block cleanup of
// what remains. The final removal of worktreePath from disk is the one
// step whose failure is reported, since a caller that thinks a worktree
// is gone when it isn't will happily create another on top of it.
func CleanupWorktree(repoPath, worktreePath, branch string) error {
	runGitBestEffort(repoPath, "-C", repoPath, "worktree", "remove", "--force", worktreePath)
	runGitBestEffort(repoPath, "-C", repoPath, "worktree", "prune")
	runGitBestEffort(repoPath, "-C", repoPath, "branch", "-D", branch)
	if _, err := os.Stat(worktreePath); err == nil {
		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
	}
	if _, err := os.Stat(worktreePath); err == nil {
		return &GitError{Msg: "worktree path still present after cleanup: " + worktreePath}
	}
	return nil
}

// SnapshotWorktree copies the worktree (excluding .git) into
// artifactsRoot/taskID/runID, for post-hoc inspection of what a run
// produced even after the worktree itself is cleaned up.
func SnapshotWorktree(worktreePath, artifactsRoot, taskID, runID string) (string, error) {
	dest := filepath.Join(artifactsRoot, taskID, runID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	if err := copyTreeExcludingGit(worktreePath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func copyTreeExcludingGit(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			linkDest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkDest, target)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
