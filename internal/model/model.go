// Package model defines the data shapes the store, runner and scheduler
// all operate on. Field names use snake_case JSON tags to match the wire
// format an HTTP collaborator already expects.
package model

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusTodo        TaskStatus = "TODO"
	StatusPlanRunning TaskStatus = "PLAN_RUNNING"
	StatusPlanReview  TaskStatus = "PLAN_REVIEW"
	StatusReady       TaskStatus = "READY"
	StatusRunning     TaskStatus = "RUNNING"
	StatusReview      TaskStatus = "REVIEW"
	StatusDone        TaskStatus = "DONE"
	StatusFailed      TaskStatus = "FAILED"
	StatusCancelled   TaskStatus = "CANCELLED"
)

type TaskMode string

const (
	ModePlan TaskMode = "PLAN"
	ModeExec TaskMode = "EXEC"
)

type PermissionMode string

const (
	PermissionBypass  PermissionMode = "BYPASS"
	PermissionDefault PermissionMode = "DEFAULT"
)

type ExecMode string

const (
	ExecModeAgentic ExecMode = "AGENTIC"
	ExecModeFixed   ExecMode = "FIXED"
)

type StrategyStepType string

const (
	StepCoding    StrategyStepType = "CODING"
	StepCommit    StrategyStepType = "COMMIT"
	StepRebase    StrategyStepType = "REBASE"
	StepTest      StrategyStepType = "TEST"
	StepPush      StrategyStepType = "PUSH"
	StepCreatePR  StrategyStepType = "CREATE_PR"
)

type StrategyStepStatus string

const (
	StepPending StrategyStepStatus = "pending"
	StepRunning StrategyStepStatus = "running"
	StepDone    StrategyStepStatus = "done"
	StepFailed  StrategyStepStatus = "failed"
	StepSkipped StrategyStepStatus = "skipped"
)

// DefaultTestCommand is used both as RepoConfig's zero-value default and as
// the migration target for the legacy "npm test" value seen during rescan.
const DefaultTestCommand = `npm run test:ci --if-present || echo skip-tests`

type StrategyDecision struct {
	Key      string `json:"key"`
	Question string `json:"question"`
	Choice   string `json:"choice"`
	Reason   string `json:"reason"`
}

type StrategyStep struct {
	Type   StrategyStepType       `json:"type"`
	Label  string                 `json:"label"`
	Params map[string]interface{} `json:"params"`
	Skip   bool                   `json:"skip"`
	Reason string                 `json:"reason"`
	Status StrategyStepStatus     `json:"status"`
}

type ExecStrategy struct {
	Template  string             `json:"template"`
	Steps     []StrategyStep     `json:"steps"`
	Decisions []StrategyDecision `json:"decisions"`
	Rationale string             `json:"rationale"`
	RawText   string             `json:"raw_text"`
	Valid     bool               `json:"valid"`
}

type RepoConfig struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	RootPath               string   `json:"root_path"`
	MainBranch             string   `json:"main_branch"`
	TestCommand            string   `json:"test_command"`
	GithubRepo             string   `json:"github_repo"`
	SharedSymlinkPaths     []string `json:"shared_symlink_paths"`
	ForbiddenSymlinkPaths  []string `json:"forbidden_symlink_paths"`
	Enabled                bool     `json:"enabled"`
}

type PlanQuestionOption struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type PlanQuestion struct {
	ID                  string               `json:"id"`
	Title               string               `json:"title"`
	Question            string               `json:"question"`
	Options             []PlanQuestionOption `json:"options"`
	RecommendedOptionKey *string             `json:"recommended_option_key"`
}

type PlanResult struct {
	Summary          string         `json:"summary"`
	Questions        []PlanQuestion `json:"questions"`
	RecommendedPrompt string        `json:"recommended_prompt"`
	RawText          string         `json:"raw_text"`
	ValidJSON        bool           `json:"valid_json"`
	Steps            []string       `json:"steps"`
	Risks            []string       `json:"risks"`
	Validation       string         `json:"validation"`
	Rollback         string         `json:"rollback"`
	AffectedFiles    []string       `json:"affected_files"`
	NewDependencies  []string       `json:"new_dependencies"`
	EstimatedTime    string         `json:"estimated_time"`
}

type Task struct {
	ID               string            `json:"id"`
	RepoID           string            `json:"repo_id"`
	Title            string            `json:"title"`
	Prompt           string            `json:"prompt"`
	Mode             TaskMode          `json:"mode"`
	Status           TaskStatus        `json:"status"`
	PermissionMode   PermissionMode    `json:"permission_mode"`
	Priority         int               `json:"priority"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
	CurrentRunID     *string           `json:"current_run_id"`
	ClaudeSessionID  *string           `json:"claude_session_id"`
	PlanResult       *PlanResult       `json:"plan_result"`
	PlanAnswers      map[string]string `json:"plan_answers"`
	ExecStrategy     *ExecStrategy     `json:"exec_strategy"`
	PRUrl            string            `json:"pr_url"`
	ErrorCode        string            `json:"error_code"`
	ErrorMessage     string            `json:"error_message"`
	CancelRequested  bool              `json:"cancel_requested"`
	// WorkerID is an internal diagnostic tag identifying which scheduler
	// worker last claimed this task. Not part of the public read shape.
	WorkerID string `json:"-"`
}

type TaskRun struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"task_id"`
	WorkerID     string                 `json:"worker_id"`
	Attempt      int                    `json:"attempt"`
	StartedAt    string                 `json:"started_at"`
	EndedAt      *string                `json:"ended_at"`
	ExitCode     *int                   `json:"exit_code"`
	WorktreePath string                 `json:"worktree_path"`
	BranchName   string                 `json:"branch_name"`
	CommitSHA    string                 `json:"commit_sha"`
	EnvUsed      string                 `json:"env_used"`
	Metrics      map[string]interface{} `json:"metrics"`
}

type NotificationType string

const (
	NotificationInfo    NotificationType = "INFO"
	NotificationSuccess NotificationType = "SUCCESS"
	NotificationError   NotificationType = "ERROR"
)

type Notification struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	CreatedAt string           `json:"created_at"`
	Read      bool             `json:"read"`
}

// Event is a single NDJSON line recorded by internal/store.AppendEvent.
// Event producers attach whatever fields are relevant to that event type
// (run_id, result, branch_name, ...) alongside the common ones; UnmarshalJSON
// lifts the common fields into their own struct fields and keeps everything
// else in Data so that event consumers (GET /api/tasks/{id}/events) see the
// full payload rather than only type/message/ts/seq.
type Event struct {
	Seq       int                    `json:"seq"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"ts"`
}

var eventCoreFields = map[string]bool{
	"seq": true, "type": true, "message": true, "ts": true,
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["seq"].(float64); ok {
		e.Seq = int(v)
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = v
	}
	if v, ok := raw["message"].(string); ok {
		e.Message = v
	}
	if v, ok := raw["ts"].(string); ok {
		e.Timestamp = v
	}
	for k, v := range raw {
		if eventCoreFields[k] {
			continue
		}
		if e.Data == nil {
			e.Data = map[string]interface{}{}
		}
		e.Data[k] = v
	}
	return nil
}

// UTCNowISO mirrors the original service's utcnow_iso(): an RFC3339 string
// with microsecond precision in UTC.
func UTCNowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000-07:00")
}
