package api

import (
	"net/http"
	"os"
	"os/exec"
)

// GET /api/board?repo_id=…
func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	repoID := r.URL.Query().Get("repo_id")
	columns, counts, err := s.store.Board(repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"columns": columns, "counts": counts})
}

func binaryOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dependencies := map[string]bool{
		"git":    binaryOnPath("git"),
		"gh":     binaryOnPath("gh"),
		"claude": binaryOnPath("claude"),
	}
	healthy := dependencies["git"] && dependencies["claude"]

	status := "ok"
	if !healthy {
		status = "degraded"
	}

	paths := map[string]string{
		"state_dir":     s.cfg.General.StateDir,
		"repos_dir":     s.cfg.General.ReposDir,
		"worktrees_dir": s.cfg.General.WorktreesDir,
		"artifacts_dir": s.cfg.General.ArtifactsDir,
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, map[string]any{
		"status": status,
		// python_env_selected mirrors the collaborator contract's field
		// name; this runtime has no interpreter selection of its own, so
		// it's always true once the claude CLI is resolvable.
		"python_env_selected": dependencies["claude"],
		"dependencies":        dependencies,
		"paths":               paths,
	})
}
