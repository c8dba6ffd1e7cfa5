package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `
[general]
state_dir = "./data/state"
repos_dir = "./data/repos"
worktrees_dir = "./data/worktrees"
artifacts_dir = "./data/artifacts"
workers = 4
logs_retention_days = 14
log_level = "debug"
exec_mode = "FIXED"

[api]
bind = "127.0.0.1:9090"

[runner]
timeout = "30m"

[github]
token = "gh-token-from-file"
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "repopilot.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Workers != 4 {
		t.Errorf("unexpected workers: %d", cfg.General.Workers)
	}
	if cfg.General.LogsRetentionDays != 14 {
		t.Errorf("unexpected logs_retention_days: %d", cfg.General.LogsRetentionDays)
	}
	if cfg.General.ExecMode != "FIXED" {
		t.Errorf("unexpected exec_mode: %q", cfg.General.ExecMode)
	}
	if cfg.API.Bind != "127.0.0.1:9090" {
		t.Errorf("unexpected api bind: %q", cfg.API.Bind)
	}
	if cfg.Runner.Timeout.Duration != 30*time.Minute {
		t.Errorf("unexpected runner timeout: %v", cfg.Runner.Timeout.Duration)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Workers != 3 {
		t.Errorf("expected default workers=3, got %d", cfg.General.Workers)
	}
	if cfg.General.LogsRetentionDays != 30 {
		t.Errorf("expected default logs_retention_days=30, got %d", cfg.General.LogsRetentionDays)
	}
	if cfg.General.ExecMode != "AGENTIC" {
		t.Errorf("expected default exec_mode=AGENTIC, got %q", cfg.General.ExecMode)
	}
	if cfg.Runner.Timeout.Duration != 2700*time.Second {
		t.Errorf("expected default runner timeout=2700s, got %v", cfg.Runner.Timeout.Duration)
	}
	if cfg.API.Bind != "127.0.0.1:8080" {
		t.Errorf("expected default api bind, got %q", cfg.API.Bind)
	}
}

func TestLoadRejectsInvalidExecMode(t *testing.T) {
	path := writeTestConfig(t, `
[general]
exec_mode = "NOT_A_MODE"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid exec_mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	path := writeTestConfig(t, "not = [valid")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestGitHubTokenPrefersConfigOverEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "env-token")
	cfg := &Config{GitHub: GitHub{Token: "file-token"}}
	if got := cfg.GitHubToken(); got != "file-token" {
		t.Errorf("expected config token to win, got %q", got)
	}
}

func TestGitHubTokenFallsBackToEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "env-token")
	cfg := &Config{}
	if got := cfg.GitHubToken(); got != "env-token" {
		t.Errorf("expected env token fallback, got %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandHome("~/repopilot")
	want := filepath.Join(home, "repopilot")
	if got != want {
		t.Errorf("ExpandHome: got %q want %q", got, want)
	}
}

func TestCloneIsIndependentCopy(t *testing.T) {
	cfg := &Config{General: General{Workers: 5}}
	clone := cfg.Clone()
	clone.General.Workers = 9

	if cfg.General.Workers != 5 {
		t.Errorf("expected original config untouched, got %d", cfg.General.Workers)
	}
}
