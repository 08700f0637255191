package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, status Status, priority Priority) *Task {
	return &Task{
		ID:       id,
		Status:   status,
		Priority: priority,
		Workflow: []string{"plan", "implement", "verify"},
	}
}

func TestNextQueuedTaskOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.SetNowFunc(func() time.Time { clock = clock.Add(time.Second); return clock })

	for _, spec := range []struct {
		id       string
		priority Priority
	}{
		{"a-low", PriorityLow},
		{"b-urgent-old", PriorityUrgent},
		{"c-urgent-new", PriorityUrgent},
		{"d-high", PriorityHigh},
	} {
		_, err := s.CreateTask(ctx, newTask(spec.id, StatusQueued, spec.priority))
		require.NoError(t, err)
	}

	next, err := s.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b-urgent-old", next.ID, "highest priority, oldest first")
}

func TestUpdateTaskMergesPatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.CreateTask(ctx, newTask("t1", StatusQueued, PriorityNormal))
	require.NoError(t, err)

	running := StatusRunning
	stage := "implement"
	updated, err := s.UpdateTask(ctx, id, TaskPatch{Status: &running, CurrentStage: &stage})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)
	assert.Equal(t, "implement", updated.CurrentStage)
	assert.Equal(t, PriorityNormal, updated.Priority, "unpatched fields untouched")
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

	_, err = s.UpdateTask(ctx, "missing", TaskPatch{Status: &running})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPausedTasksForResumeOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pause := func(id string, priority Priority, reason PauseReason, at time.Time) {
		task := newTask(id, StatusPaused, priority)
		task.PauseReason = reason
		task.PausedAt = &at
		_, err := s.CreateTask(ctx, task)
		require.NoError(t, err)
	}

	pause("low", PriorityLow, PauseCapacity, base)
	pause("urgent-late", PriorityUrgent, PauseBudget, base.Add(time.Hour))
	pause("urgent-early", PriorityUrgent, PauseUsageLimit, base)
	pause("user", PriorityUrgent, PauseUserRequest, base) // not auto-resumable

	tasks, err := s.GetPausedTasksForResume(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "urgent-early", tasks[0].ID)
	assert.Equal(t, "urgent-late", tasks[1].ID)
	assert.Equal(t, "low", tasks[2].ID)
}

func TestFindHighestPriorityParentTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	parent := newTask("parent", StatusPaused, PriorityHigh)
	parent.PauseReason = PauseCapacity
	parent.PausedAt = &at
	parent.SubtaskIDs = []string{"child-live", "child-done"}
	_, err := s.CreateTask(ctx, parent)
	require.NoError(t, err)

	childLive := newTask("child-live", StatusPaused, PriorityNormal)
	childLive.PauseReason = PauseCapacity
	childLive.ParentTaskID = "parent"
	_, err = s.CreateTask(ctx, childLive)
	require.NoError(t, err)

	childDone := newTask("child-done", StatusCompleted, PriorityNormal)
	childDone.ParentTaskID = "parent"
	_, err = s.CreateTask(ctx, childDone)
	require.NoError(t, err)

	// Paused parent with only terminal subtasks must not be returned.
	done := newTask("done-parent", StatusPaused, PriorityUrgent)
	done.PauseReason = PauseCapacity
	done.PausedAt = &at
	done.SubtaskIDs = []string{"child-done"}
	_, err = s.CreateTask(ctx, done)
	require.NoError(t, err)

	parents, err := s.FindHighestPriorityParentTasks(ctx)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "parent", parents[0].ID)
}

func TestCycleRefused(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.CreateTask(ctx, newTask(id, StatusQueued, PriorityNormal))
		require.NoError(t, err)
	}

	// a -> b -> c chain.
	parentA, parentB := "a", "b"
	_, err := s.UpdateTask(ctx, "b", TaskPatch{ParentTaskID: &parentA})
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, "c", TaskPatch{ParentTaskID: &parentB})
	require.NoError(t, err)

	// Closing the loop must be refused.
	parentC := "c"
	_, err = s.UpdateTask(ctx, "a", TaskPatch{ParentTaskID: &parentC})
	assert.ErrorIs(t, err, ErrCycle)

	// Self-parenting too.
	self := "a"
	_, err = s.UpdateTask(ctx, "a", TaskPatch{ParentTaskID: &self})
	assert.ErrorIs(t, err, ErrCycle)

	// Subtask closure: making a a subtask of c would also be a cycle.
	_, err = s.UpdateTask(ctx, "c", TaskPatch{SubtaskIDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestLatestCheckpointWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	s.SetNowFunc(func() time.Time { clock = clock.Add(time.Minute); return clock })

	_, err := s.CreateTask(ctx, newTask("t1", StatusRunning, PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, s.CreateCheckpoint(ctx, "t1", &Checkpoint{Stage: "plan", StageIndex: 0}))
	require.NoError(t, s.CreateCheckpoint(ctx, "t1", &Checkpoint{Stage: "implement", StageIndex: 1}))

	cp, err := s.GetLatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "implement", cp.Stage)
	assert.Equal(t, 1, cp.StageIndex)

	none, err := s.GetLatestCheckpoint(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDailyUsageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stats := &DailyUsageStats{
		Date:        "2025-06-01",
		TotalTokens: 1200,
		TotalCost:   3.5,
		ModeBreakdown: map[string]ModeUsage{
			"day": {Tokens: 1200, Cost: 3.5, Tasks: 2},
		},
	}
	require.NoError(t, s.SaveDailyUsage(ctx, stats))

	loaded, err := s.LoadDailyUsage(ctx, "2025-06-01")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1200), loaded.TotalTokens)

	// The store hands out copies.
	loaded.ModeBreakdown["day"] = ModeUsage{}
	again, err := s.LoadDailyUsage(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), again.ModeBreakdown["day"].Tokens)
}
