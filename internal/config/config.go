// Package config loads and validates the repopilotd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "45m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General General `toml:"general"`
	API     API     `toml:"api"`
	Runner  Runner  `toml:"runner"`
	GitHub  GitHub  `toml:"github"`
}

type General struct {
	StateDir          string `toml:"state_dir"`
	ReposDir          string `toml:"repos_dir"`
	WorktreesDir      string `toml:"worktrees_dir"`
	ArtifactsDir      string `toml:"artifacts_dir"`
	Workers           int    `toml:"workers"`
	LogsRetentionDays int    `toml:"logs_retention_days"`
	LogLevel          string `toml:"log_level"`
	ExecMode          string `toml:"exec_mode"` // AGENTIC or FIXED, default AGENTIC
}

type API struct {
	Bind string `toml:"bind"`
}

// Runner holds the single shared timeout the agent subprocess is allowed to
// run for, in both PLAN and EXEC modes.
type Runner struct {
	Timeout Duration `toml:"timeout"`
}

type GitHub struct {
	Token string `toml:"token"` // falls back to GITHUB_TOKEN env var when empty
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

// Load reads and validates a repopilotd TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a repopilotd TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.StateDir == "" {
		cfg.General.StateDir = "./data/state"
	}
	if cfg.General.ReposDir == "" {
		cfg.General.ReposDir = "./data/repos"
	}
	if cfg.General.WorktreesDir == "" {
		cfg.General.WorktreesDir = "./data/worktrees"
	}
	if cfg.General.ArtifactsDir == "" {
		cfg.General.ArtifactsDir = "./data/artifacts"
	}
	if cfg.General.Workers == 0 {
		cfg.General.Workers = 3
	}
	if cfg.General.LogsRetentionDays == 0 {
		cfg.General.LogsRetentionDays = 30
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.ExecMode == "" {
		cfg.General.ExecMode = "AGENTIC"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8080"
	}
	if cfg.Runner.Timeout.Duration == 0 {
		cfg.Runner.Timeout.Duration = 2700 * time.Second
	}
}

// normalizePaths expands "~" and trims whitespace for configured filesystem paths.
func normalizePaths(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.General.StateDir = ExpandHome(strings.TrimSpace(cfg.General.StateDir))
	cfg.General.ReposDir = ExpandHome(strings.TrimSpace(cfg.General.ReposDir))
	cfg.General.WorktreesDir = ExpandHome(strings.TrimSpace(cfg.General.WorktreesDir))
	cfg.General.ArtifactsDir = ExpandHome(strings.TrimSpace(cfg.General.ArtifactsDir))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// GitHubToken resolves the configured token, falling back to the
// GITHUB_TOKEN environment variable.
func (cfg *Config) GitHubToken() string {
	if cfg == nil {
		return os.Getenv("GITHUB_TOKEN")
	}
	if strings.TrimSpace(cfg.GitHub.Token) != "" {
		return cfg.GitHub.Token
	}
	return os.Getenv("GITHUB_TOKEN")
}

func validate(cfg *Config) error {
	switch strings.ToUpper(strings.TrimSpace(cfg.General.ExecMode)) {
	case "AGENTIC", "FIXED":
	default:
		return fmt.Errorf("general.exec_mode must be AGENTIC or FIXED, got %q", cfg.General.ExecMode)
	}
	if cfg.General.Workers <= 0 {
		return fmt.Errorf("general.workers must be > 0")
	}
	if cfg.General.LogsRetentionDays <= 0 {
		return fmt.Errorf("general.logs_retention_days must be > 0")
	}
	if cfg.Runner.Timeout.Duration <= 0 {
		return fmt.Errorf("runner.timeout must be > 0")
	}
	return nil
}
