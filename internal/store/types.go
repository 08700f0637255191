package store

import (
	"time"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTrashed   Status = "trashed"
	StatusArchived  Status = "archived"
)

// Terminal reports whether no further lifecycle transitions are permitted
// other than trash/restore bookkeeping.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTrashed:
		return true
	}
	return false
}

// Priority orders admission and auto-resume.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps priority to a sortable weight; higher resumes first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// PauseReason records why a running task was suspended.
type PauseReason string

const (
	PauseCapacity     PauseReason = "capacity"
	PauseBudget       PauseReason = "budget"
	PauseUsageLimit   PauseReason = "usage_limit"
	PauseSessionLimit PauseReason = "session_limit"
	PauseUserRequest  PauseReason = "user_request"
	PauseDependency   PauseReason = "dependency"
	PauseSessionError PauseReason = "session_error"
)

// AutoResumable reports whether the auto-resume controller may pick the
// task up. user_request pauses stay paused until the operator acts.
func (r PauseReason) AutoResumable() bool {
	switch r {
	case PauseCapacity, PauseBudget, PauseUsageLimit, PauseSessionLimit, PauseDependency, PauseSessionError:
		return true
	}
	return false
}

// WorkspaceStrategy tags how the external workspace collaborator
// provisioned the task's working directory. Opaque to the core except for
// preserve-on-failure evaluation.
type WorkspaceStrategy string

const (
	WorkspaceDirectory WorkspaceStrategy = "directory"
	WorkspaceWorktree  WorkspaceStrategy = "worktree"
	WorkspaceContainer WorkspaceStrategy = "container"
)

// SubtaskStrategy controls how a parent's subtasks are dispatched.
type SubtaskStrategy string

const (
	SubtasksParallel   SubtaskStrategy = "parallel"
	SubtasksSequential SubtaskStrategy = "sequential"
)

// TaskUsage is the cumulative resource consumption of one task.
type TaskUsage struct {
	InputTokens   int64   `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens" db:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens" db:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost" db:"estimated_cost"`
}

// Add returns the element-wise sum of u and other.
func (u TaskUsage) Add(other TaskUsage) TaskUsage {
	return TaskUsage{
		InputTokens:   u.InputTokens + other.InputTokens,
		OutputTokens:  u.OutputTokens + other.OutputTokens,
		TotalTokens:   u.TotalTokens + other.TotalTokens,
		EstimatedCost: u.EstimatedCost + other.EstimatedCost,
	}
}

// Workspace describes where a task's files live.
type Workspace struct {
	Strategy          WorkspaceStrategy `json:"strategy" db:"strategy"`
	Path              string            `json:"path" db:"path"`
	PreserveOnFailure *bool             `json:"preserve_on_failure,omitempty" db:"preserve_on_failure"`
}

// Task is the persisted unit of work. The state machine is the sole
// writer of status, currentStage, pauseReason, resumeAttempts and
// retryCount; the tracker and scheduler only derive from it.
type Task struct {
	ID              string          `json:"id" db:"id"`
	Description     string          `json:"description" db:"description"`
	Workflow        []string        `json:"workflow" db:"workflow"`
	Autonomy        string          `json:"autonomy" db:"autonomy"`
	Priority        Priority        `json:"priority" db:"priority"`
	ProjectPath     string          `json:"project_path" db:"project_path"`
	Status          Status          `json:"status" db:"status"`
	CurrentStage    string          `json:"current_stage,omitempty" db:"current_stage"`
	PauseReason     PauseReason     `json:"pause_reason,omitempty" db:"pause_reason"`
	FailureReason   string          `json:"failure_reason,omitempty" db:"failure_reason"`
	ResumeAttempts  int             `json:"resume_attempts" db:"resume_attempts"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	MaxRetries      int             `json:"max_retries" db:"max_retries"`
	ParentTaskID    string          `json:"parent_task_id,omitempty" db:"parent_task_id"`
	SubtaskIDs      []string        `json:"subtask_ids,omitempty" db:"subtask_ids"`
	SubtaskStrategy SubtaskStrategy `json:"subtask_strategy,omitempty" db:"subtask_strategy"`
	DependsOn       []string        `json:"depends_on,omitempty" db:"depends_on"`
	BlockedBy       []string        `json:"blocked_by,omitempty" db:"blocked_by"`
	Usage           TaskUsage       `json:"usage" db:"usage"`
	Workspace       Workspace       `json:"workspace" db:"workspace"`
	PrevStatus      Status          `json:"prev_status,omitempty" db:"prev_status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	PausedAt        *time.Time      `json:"paused_at,omitempty" db:"paused_at"`
}

// Checkpoint is a durable snapshot sufficient to resume the task's
// current stage. Resume always reads the latest checkpoint by CreatedAt.
type Checkpoint struct {
	TaskID            string            `json:"task_id" db:"task_id"`
	CheckpointID      string            `json:"checkpoint_id" db:"checkpoint_id"`
	Stage             string            `json:"stage" db:"stage"`
	StageIndex        int               `json:"stage_index" db:"stage_index"`
	ConversationState []byte            `json:"conversation_state,omitempty" db:"conversation_state"`
	ContextSummary    string            `json:"context_summary,omitempty" db:"context_summary"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// LogEntry is one line of a task's audit trail.
type LogEntry struct {
	TaskID    string    `json:"task_id" db:"task_id"`
	Level     string    `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Stage     string    `json:"stage,omitempty" db:"stage"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// ModeUsage is the per-mode slice of the daily aggregate.
type ModeUsage struct {
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
	Tasks  int     `json:"tasks"`
}

// DailyUsageStats is the tracker's aggregate for one local calendar day.
type DailyUsageStats struct {
	Date                string               `json:"date"`
	TotalTokens         int64                `json:"total_tokens"`
	TotalCost           float64              `json:"total_cost"`
	TasksCompleted      int                  `json:"tasks_completed"`
	TasksFailed         int                  `json:"tasks_failed"`
	PeakConcurrentTasks int                  `json:"peak_concurrent_tasks"`
	ModeBreakdown       map[string]ModeUsage `json:"mode_breakdown"`
}
