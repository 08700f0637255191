package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/usage"
)

// blockingDriver parks every stage until the run context is cancelled,
// keeping tasks visibly running for admission assertions.
type blockingDriver struct{}

func (blockingDriver) RunStage(ctx context.Context, req task.StageRequest) (task.StageResult, error) {
	<-ctx.Done()
	return task.StageResult{}, ctx.Err()
}

func (blockingDriver) Cancel(ctx context.Context, taskID string) error { return nil }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testTimeConfig() (config.TimeBasedUsage, config.Limits) {
	tbu := config.TimeBasedUsage{
		Enabled:        true,
		DayModeHours:   config.DefaultDayHours,
		NightModeHours: config.DefaultNightHours,
		DayModeThresholds: config.Thresholds{
			MaxTokensPerTask: 500_000, MaxCostPerTask: 5.0, MaxConcurrentTasks: 2,
		},
		NightModeThresholds: config.Thresholds{
			MaxTokensPerTask: 500_000, MaxCostPerTask: 5.0, MaxConcurrentTasks: 4,
		},
		DayModeCapacityThreshold:   0.70,
		NightModeCapacityThreshold: 0.96,
		OffHoursPolicy:             config.OffHoursInactive,
	}
	base := config.Limits{
		MaxConcurrentTasks: 2, MaxTokensPerTask: 500_000, MaxCostPerTask: 5.0, DailyBudget: 25.0,
	}
	return tbu, base
}

type orchFixture struct {
	store   *store.MemoryStore
	clk     *clock.FakeClock
	tracker *usage.Tracker
	windows *timewindow.Scheduler
	machine *task.Machine
	bus     *Bus
	orch    *Orchestrator
	cancel  context.CancelFunc
}

// newOrchFixture builds the full admission stack at the given local hour.
func newOrchFixture(t *testing.T, hour int) *orchFixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC), time.UTC)
	tbu, base := testTimeConfig()
	windows := timewindow.New(tbu, base, clk)
	tracker := usage.NewTracker(clk, windows, base.DailyBudget, testLogger())
	memStore := store.NewMemoryStore()
	bus := NewBus(testLogger())

	machine := task.NewMachine(memStore, blockingDriver{}, tracker, bus, clk, nil, nil,
		task.DefaultConfig(), testLogger())

	cfg := DefaultOrchestratorConfig()
	cfg.ResumeRate = 1000 // tests drive resume timing themselves
	cfg.ResumeBurst = 1000
	orch := New(memStore, machine, tracker, windows, bus, clk, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Wait()
	})

	return &orchFixture{
		store: memStore, clk: clk, tracker: tracker, windows: windows,
		machine: machine, bus: bus, orch: orch, cancel: cancel,
	}
}

func (f *orchFixture) createQueued(t *testing.T, priority store.Priority) string {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(), &store.Task{
		Description: "work item",
		Workflow:    []string{"plan", "implement"},
		Priority:    priority,
	})
	require.NoError(t, err)
	return id
}

func (f *orchFixture) pauseTask(t *testing.T, id string, reason store.PauseReason, pausedAt time.Time) {
	t.Helper()
	paused := store.StatusPaused
	_, err := f.store.UpdateTask(context.Background(), id, store.TaskPatch{
		Status: &paused, PauseReason: &reason, PausedAt: &pausedAt,
	})
	require.NoError(t, err)
}

func (f *orchFixture) taskStatus(t *testing.T, id string) store.Status {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task.Status
}

func TestDayModeConcurrencyGate(t *testing.T) {
	f := newOrchFixture(t, 14) // day mode, limit 2
	ctx := context.Background()

	a := f.createQueued(t, store.PriorityNormal)
	b := f.createQueued(t, store.PriorityNormal)
	c := f.createQueued(t, store.PriorityNormal)

	for _, id := range []string{a, b} {
		ok, reason, err := f.orch.ScheduleIfReady(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "reason: %s", reason)
	}

	ok, reason, err := f.orch.ScheduleIfReady(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, string(timewindow.PauseConcurrencyLimit), reason)

	assert.Equal(t, 2, f.tracker.ActiveCount())
	assert.Equal(t, store.StatusQueued, f.taskStatus(t, c))
}

func TestNightModeAdmitsMore(t *testing.T) {
	f := newOrchFixture(t, 23) // night mode, limit 4
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, f.createQueued(t, store.PriorityNormal))
	}
	for _, id := range ids {
		ok, reason, err := f.orch.ScheduleIfReady(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "reason: %s", reason)
	}
	assert.Equal(t, 4, f.tracker.ActiveCount())
}

func TestOffHoursRejectsAdmission(t *testing.T) {
	f := newOrchFixture(t, 20) // neither day nor night, policy inactive
	ctx := context.Background()

	id := f.createQueued(t, store.PriorityUrgent)
	ok, reason, err := f.orch.ScheduleIfReady(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, string(timewindow.PauseOffHours), reason)
	assert.Equal(t, store.StatusQueued, f.taskStatus(t, id))
}

func TestCapacityThresholdRejectsAdmission(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	// 20 of 25 spent = 80%, above the 70% day threshold.
	f.tracker.Restore(&store.DailyUsageStats{
		Date:      f.clk.TodayLocalDate(),
		TotalCost: 20.0,
	})

	id := f.createQueued(t, store.PriorityNormal)
	ok, reason, err := f.orch.ScheduleIfReady(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, string(timewindow.PauseCapacityExceeded), reason)
}

func TestPollOnceAdmitsByPriority(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	low := f.createQueued(t, store.PriorityLow)
	urgent := f.createQueued(t, store.PriorityUrgent)

	require.NoError(t, f.orch.PollOnce(ctx))
	assert.Equal(t, store.StatusRunning, f.taskStatus(t, urgent))
	assert.Equal(t, store.StatusQueued, f.taskStatus(t, low))
}

func TestDependenciesGateAdmission(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	dep := f.createQueued(t, store.PriorityNormal)
	id, err := f.store.CreateTask(ctx, &store.Task{
		Description: "dependent work",
		Workflow:    []string{"plan"},
		DependsOn:   []string{dep},
	})
	require.NoError(t, err)

	ok, reason, err := f.orch.ScheduleIfReady(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "dependencies", reason)

	completed := store.StatusCompleted
	_, err = f.store.UpdateTask(ctx, dep, store.TaskPatch{Status: &completed})
	require.NoError(t, err)

	ok, _, err = f.orch.ScheduleIfReady(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateTaskDefaultsAndEvent(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	var mu sync.Mutex
	var topics []string
	f.bus.Subscribe(task.EventTaskCreated, func(topic string, payload any) {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
	})

	created, err := f.orch.CreateTask(ctx, CreateTaskRequest{Description: "refactor parser"})
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkflow, created.Workflow)
	assert.Equal(t, store.PriorityNormal, created.Priority)
	assert.Equal(t, store.StatusQueued, created.Status)
	assert.Equal(t, 1, f.orch.QueueDepth())

	mu.Lock()
	assert.Equal(t, []string{task.EventTaskCreated}, topics)
	mu.Unlock()

	_, err = f.orch.CreateTask(ctx, CreateTaskRequest{})
	assert.Error(t, err)
}

func TestCreateSubtaskLinksParent(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	parent, err := f.orch.CreateTask(ctx, CreateTaskRequest{Description: "parent"})
	require.NoError(t, err)
	child, err := f.orch.CreateTask(ctx, CreateTaskRequest{
		Description: "child", ParentTaskID: parent.ID,
	})
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Contains(t, got.SubtaskIDs, child.ID)
}

func TestPauseActiveSuspendsRunningTasks(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	a := f.createQueued(t, store.PriorityNormal)
	b := f.createQueued(t, store.PriorityNormal)
	for _, id := range []string{a, b} {
		ok, _, err := f.orch.ScheduleIfReady(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	paused := f.orch.PauseActive(ctx, store.PauseCapacity, "budget threshold crossed")
	assert.Equal(t, 2, paused)
	assert.Equal(t, 0, f.tracker.ActiveCount())
	assert.Equal(t, store.StatusPaused, f.taskStatus(t, a))
	assert.Equal(t, store.StatusPaused, f.taskStatus(t, b))
}

func TestAutoResumeParentsFirst(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	// One slot only: shrink the day limit by occupying one slot.
	occupant := f.createQueued(t, store.PriorityNormal)
	ok, _, err := f.orch.ScheduleIfReady(ctx, occupant)
	require.NoError(t, err)
	require.True(t, ok)

	base := f.clk.Now()

	// An urgent ordinary task, paused earliest.
	urgent := f.createQueued(t, store.PriorityUrgent)
	f.pauseTask(t, urgent, store.PauseCapacity, base.Add(-2*time.Hour))

	// A normal-priority parent with a live subtask.
	parentID, err := f.store.CreateTask(ctx, &store.Task{
		Description: "parent", Workflow: []string{"plan"}, Priority: store.PriorityNormal,
	})
	require.NoError(t, err)
	childID, err := f.store.CreateTask(ctx, &store.Task{
		Description: "child", Workflow: []string{"plan"}, ParentTaskID: parentID,
	})
	require.NoError(t, err)
	_, err = f.store.UpdateTask(ctx, parentID, store.TaskPatch{SubtaskIDs: []string{childID}})
	require.NoError(t, err)
	f.pauseTask(t, parentID, store.PauseCapacity, base.Add(-time.Hour))

	resumed, err := f.orch.AutoResume(ctx, "capacity_restored")
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	// The parent got the single slot despite lower priority.
	assert.Equal(t, store.StatusRunning, f.taskStatus(t, parentID))
	assert.Equal(t, store.StatusPaused, f.taskStatus(t, urgent))
}

func TestAutoResumeStopsWhenBudgetExhausted(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	id := f.createQueued(t, store.PriorityNormal)
	f.pauseTask(t, id, store.PauseBudget, f.clk.Now())

	f.tracker.Restore(&store.DailyUsageStats{
		Date:      f.clk.TodayLocalDate(),
		TotalCost: 25.0, // fully spent
	})

	var mu sync.Mutex
	var payloads []map[string]any
	f.bus.Subscribe(EventTasksAutoResumed, func(topic string, payload any) {
		mu.Lock()
		payloads = append(payloads, payload.(map[string]any))
		mu.Unlock()
	})

	resumed, err := f.orch.AutoResume(ctx, "manual_override")
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Equal(t, store.StatusPaused, f.taskStatus(t, id))

	mu.Lock()
	require.Len(t, payloads, 1)
	assert.Equal(t, 0, payloads[0]["resumed_count"])
	assert.Equal(t, "manual_override", payloads[0]["reason"])
	mu.Unlock()
}

func TestAutoResumeEventListsEveryResumedTask(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC), time.UTC)
	tbu, base := testTimeConfig()
	tbu.NightModeThresholds.MaxConcurrentTasks = 8
	windows := timewindow.New(tbu, base, clk)
	tracker := usage.NewTracker(clk, windows, base.DailyBudget, testLogger())
	memStore := store.NewMemoryStore()
	bus := NewBus(testLogger())
	machine := task.NewMachine(memStore, blockingDriver{}, tracker, bus, clk, nil, nil,
		task.DefaultConfig(), testLogger())
	cfg := DefaultOrchestratorConfig()
	cfg.ResumeRate = 1000
	cfg.ResumeBurst = 1000
	orch := New(memStore, machine, tracker, windows, bus, clk, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Wait()
	})

	paused := store.StatusPaused
	reason := store.PauseCapacity
	pausedAt := clk.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 6; i++ {
		id, err := memStore.CreateTask(ctx, &store.Task{
			Description: "backlog item", Workflow: []string{"plan"},
		})
		require.NoError(t, err)
		_, err = memStore.UpdateTask(ctx, id, store.TaskPatch{
			Status: &paused, PauseReason: &reason, PausedAt: &pausedAt,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var mu sync.Mutex
	var payloads []map[string]any
	bus.Subscribe(EventTasksAutoResumed, func(topic string, payload any) {
		mu.Lock()
		payloads = append(payloads, payload.(map[string]any))
		mu.Unlock()
	})

	resumed, err := orch.AutoResume(ctx, "mode_switch")
	require.NoError(t, err)
	assert.Equal(t, 6, resumed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	gotIDs := payloads[0]["task_ids"].([]string)
	assert.ElementsMatch(t, ids, gotIDs, "every resumed task is listed, not just the first five")
	assert.Empty(t, payloads[0]["errors"])
}

func TestAutoResumeIsolatesExhaustedTask(t *testing.T) {
	f := newOrchFixture(t, 23) // night: room for several
	ctx := context.Background()

	base := f.clk.Now()

	// Urgent task that already burned its resume budget; visited first.
	exhausted := f.createQueued(t, store.PriorityUrgent)
	f.pauseTask(t, exhausted, store.PauseCapacity, base.Add(-time.Hour))
	attempts := 3
	_, err := f.store.UpdateTask(ctx, exhausted, store.TaskPatch{ResumeAttempts: &attempts})
	require.NoError(t, err)

	healthy := f.createQueued(t, store.PriorityNormal)
	f.pauseTask(t, healthy, store.PauseCapacity, base.Add(-time.Hour))

	resumed, err := f.orch.AutoResume(ctx, "mode_switch")
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	assert.Equal(t, store.StatusFailed, f.taskStatus(t, exhausted))
	assert.Equal(t, store.StatusRunning, f.taskStatus(t, healthy))
}

func TestAutoResumeSkipsUserRequestedPauses(t *testing.T) {
	f := newOrchFixture(t, 14)
	ctx := context.Background()

	id := f.createQueued(t, store.PriorityNormal)
	f.pauseTask(t, id, store.PauseUserRequest, f.clk.Now())

	resumed, err := f.orch.AutoResume(ctx, "capacity_restored")
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Equal(t, store.StatusPaused, f.taskStatus(t, id))
}
