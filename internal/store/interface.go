package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a task or checkpoint does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrCycle is returned when a task patch would introduce a
	// parent/subtask cycle.
	ErrCycle = errors.New("store: parent/subtask relation would create a cycle")
)

// TaskPatch is a partial task update. Nil fields are left untouched;
// UpdatedAt is always refreshed by the store.
type TaskPatch struct {
	Description     *string
	Status          *Status
	CurrentStage    *string
	PauseReason     *PauseReason
	FailureReason   *string
	ResumeAttempts  *int
	RetryCount      *int
	ParentTaskID    *string
	SubtaskIDs      []string
	DependsOn       []string
	BlockedBy       []string
	Usage           *TaskUsage
	Workspace       *Workspace
	PrevStatus      *Status
	PausedAt        *time.Time
	ClearPausedAt   bool
	ClearPauseCause bool
}

// Store is the durable backend contract. Implementations must apply
// UpdateTask as an atomic merge and maintain the secondary orderings
// required by GetNextQueuedTask and GetPausedTasksForResume.
type Store interface {
	CreateTask(ctx context.Context, task *Task) (string, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error)

	// GetNextQueuedTask returns the highest-priority queued task,
	// oldest first within a priority, or nil when the queue is empty.
	GetNextQueuedTask(ctx context.Context) (*Task, error)

	// GetTasksByStatus returns every task in the given status, oldest
	// first. Used by the daemon to find tasks a previous process left
	// running.
	GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error)

	// GetPausedTasksForResume returns every paused task whose pause
	// reason is auto-resumable, ordered by priority descending then
	// earliest PausedAt.
	GetPausedTasksForResume(ctx context.Context) ([]*Task, error)

	// FindHighestPriorityParentTasks returns paused, resumable parent
	// tasks that still have at least one non-terminal subtask, in the
	// same order as GetPausedTasksForResume.
	FindHighestPriorityParentTasks(ctx context.Context) ([]*Task, error)

	CreateCheckpoint(ctx context.Context, taskID string, cp *Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)

	AddLog(ctx context.Context, taskID string, entry LogEntry) error

	SaveDailyUsage(ctx context.Context, stats *DailyUsageStats) error
	LoadDailyUsage(ctx context.Context, date string) (*DailyUsageStats, error)

	Close(ctx context.Context) error
}
