package store

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/wenke727/repopilot/internal/model"
)

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func slug(value string) string {
	cleaned := strings.Trim(slugPattern.ReplaceAllString(value, "-"), "-")
	cleaned = strings.ToLower(cleaned)
	if cleaned == "" {
		return "repo"
	}
	return cleaned
}

// ListRepos returns every configured repo.
func (s *JSONStore) ListRepos() ([]model.RepoConfig, error) {
	var rows []map[string]interface{}
	if err := s.withLock("repos", func() error {
		r, err := readRows(s.reposFile)
		rows = r
		return err
	}); err != nil {
		return nil, err
	}
	return decodeRepoRows(rows)
}

// GetRepo returns a single repo by id, or nil if not found.
func (s *JSONStore) GetRepo(repoID string) (*model.RepoConfig, error) {
	repos, err := s.ListRepos()
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].ID == repoID {
			return &repos[i], nil
		}
	}
	return nil, nil
}

// PatchRepo merges non-nil patch fields into the named repo's row.
func (s *JSONStore) PatchRepo(repoID string, patch map[string]interface{}) (*model.RepoConfig, error) {
	var updated map[string]interface{}
	err := s.withLock("repos", func() error {
		rows, err := readRows(s.reposFile)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row["id"] == repoID {
				applyPatch(row, patch)
				updated = row
				break
			}
		}
		if updated == nil {
			return nil
		}
		return writeRowsAtomic(s.reposFile, rows)
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}
	repo, err := decodeRow[model.RepoConfig](updated)
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// RescanRepos walks reposDir for Git checkouts with a GitHub-hosted origin,
// merges discoveries into the existing repos collection by absolute root
// path, and migrates the legacy "npm test" test command to the current
// default. New repos get a slugified id, de-duplicated against collisions.
func (s *JSONStore) RescanRepos() ([]model.RepoConfig, error) {
	var merged []map[string]interface{}
	err := s.withLock("repos", func() error {
		existingRows, err := readRows(s.reposFile)
		if err != nil {
			return err
		}
		byRoot := make(map[string]map[string]interface{}, len(existingRows))
		for _, row := range existingRows {
			if root, ok := row["root_path"].(string); ok && root != "" {
				byRoot[root] = row
			}
		}

		entries, _ := os.ReadDir(s.reposDir)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			childPath := filepath.Join(s.reposDir, entry.Name())
			if _, statErr := os.Stat(filepath.Join(childPath, ".git")); statErr != nil {
				continue
			}
			origin := detectOriginURL(childPath)
			if !strings.Contains(origin, "github.com") {
				continue
			}

			rootPath, resolveErr := filepath.Abs(childPath)
			if resolveErr != nil {
				rootPath = childPath
			}
			githubRepo := originToGithubRepo(origin)
			repoName := entry.Name()
			mainBranch := detectMainBranch(childPath)

			if row, ok := byRoot[rootPath]; ok {
				if name, _ := row["name"].(string); name == "" {
					row["name"] = repoName
				}
				if gh, _ := row["github_repo"].(string); gh == "" {
					row["github_repo"] = githubRepo
				}
				currentMain, _ := row["main_branch"].(string)
				currentMain = strings.TrimSpace(currentMain)
				if currentMain == "" || !remoteBranchExists(childPath, currentMain) {
					row["main_branch"] = mainBranch
				}
				testCmd, _ := row["test_command"].(string)
				testCmd = strings.TrimSpace(testCmd)
				if testCmd == "" || testCmd == "npm test" {
					row["test_command"] = model.DefaultTestCommand
				}
				if _, ok := row["enabled"]; !ok {
					row["enabled"] = true
				}
				if _, ok := row["shared_symlink_paths"]; !ok {
					row["shared_symlink_paths"] = defaultSharedSymlinkPaths()
				}
				if _, ok := row["forbidden_symlink_paths"]; !ok {
					row["forbidden_symlink_paths"] = []string{"PROGRESS.md"}
				}
			} else {
				newRepo := model.RepoConfig{
					ID:                    slug(repoName),
					Name:                  repoName,
					RootPath:              rootPath,
					MainBranch:            mainBranch,
					TestCommand:           model.DefaultTestCommand,
					GithubRepo:            githubRepo,
					SharedSymlinkPaths:    defaultSharedSymlinkPaths(),
					ForbiddenSymlinkPaths: []string{"PROGRESS.md"},
					Enabled:               true,
				}
				existingIDs := make(map[string]bool, len(byRoot))
				for _, row := range byRoot {
					if id, ok := row["id"].(string); ok {
						existingIDs[id] = true
					}
				}
				baseID := newRepo.ID
				for suffix := 1; existingIDs[newRepo.ID]; {
					suffix++
					newRepo.ID = fmt.Sprintf("%s-%d", baseID, suffix)
				}
				row, encErr := encodeRow(newRepo)
				if encErr != nil {
					return encErr
				}
				byRoot[rootPath] = row
			}
		}

		merged = make([]map[string]interface{}, 0, len(byRoot))
		for _, row := range byRoot {
			merged = append(merged, row)
		}
		sort.Slice(merged, func(i, j int) bool {
			ni, _ := merged[i]["name"].(string)
			nj, _ := merged[j]["name"].(string)
			return ni < nj
		})
		return writeRowsAtomic(s.reposFile, merged)
	})
	if err != nil {
		return nil, err
	}
	return decodeRepoRows(merged)
}

func defaultSharedSymlinkPaths() []string {
	return []string{"data/dev-tasks.json", "data/dev-task.lock", "data/api-key.json"}
}

func decodeRepoRows(rows []map[string]interface{}) ([]model.RepoConfig, error) {
	repos := make([]model.RepoConfig, 0, len(rows))
	for _, row := range rows {
		repo, err := decodeRow[model.RepoConfig](row)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

func detectOriginURL(repoPath string) string {
	cmd := exec.Command("git", "-C", repoPath, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func originToGithubRepo(origin string) string {
	if !strings.Contains(origin, "github.com") {
		return ""
	}
	var name string
	if strings.HasPrefix(origin, "git@") {
		parts := strings.SplitN(origin, ":", 2)
		name = parts[len(parts)-1]
	} else {
		idx := strings.Index(origin, "github.com/")
		if idx == -1 {
			return ""
		}
		name = origin[idx+len("github.com/"):]
	}
	name = strings.TrimSuffix(name, ".git")
	return strings.Trim(name, "/")
}

func detectMainBranch(repoPath string) string {
	cmd := exec.Command("git", "-C", repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if out, err := cmd.Output(); err == nil {
		ref := strings.TrimSpace(string(out))
		parts := strings.Split(ref, "/")
		return parts[len(parts)-1]
	}
	for _, branch := range []string{"main", "master"} {
		cmd := exec.Command("git", "-C", repoPath, "show-ref", "--verify", "refs/heads/"+branch)
		if err := cmd.Run(); err == nil {
			return branch
		}
	}
	return "main"
}

func remoteBranchExists(repoPath, branch string) bool {
	if branch == "" {
		return false
	}
	cmd := exec.Command("git", "-C", repoPath, "show-ref", "--verify", "refs/remotes/origin/"+branch)
	return cmd.Run() == nil
}
