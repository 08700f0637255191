package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/usage"
)

// DefaultWorkflow is used when a task is created without stages.
var DefaultWorkflow = []string{"plan", "implement", "test", "review"}

// Config holds the orchestrator's tunables.
type Config struct {
	// RetryDelay is how long a gate-rejected task waits before it is
	// re-considered for admission.
	RetryDelay time.Duration
	// ResumeRate/ResumeBurst bound per-task resume attempts per second.
	ResumeRate  float64
	ResumeBurst int
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() Config {
	return Config{
		RetryDelay:  5 * time.Second,
		ResumeRate:  1.0 / 30.0, // one resume per task per 30s
		ResumeBurst: 2,
	}
}

// CreateTaskRequest is the validated shape of a new task.
type CreateTaskRequest struct {
	Description  string           `json:"description"`
	Workflow     []string         `json:"workflow,omitempty"`
	Priority     store.Priority   `json:"priority,omitempty"`
	Autonomy     string           `json:"autonomy,omitempty"`
	ProjectPath  string           `json:"project_path,omitempty"`
	ParentTaskID string           `json:"parent_task_id,omitempty"`
	DependsOn    []string         `json:"depends_on,omitempty"`
	Workspace    store.Workspace  `json:"workspace,omitempty"`
	Estimate     *store.TaskUsage `json:"estimate,omitempty"`
}

// Orchestrator owns admission and auto-resume. It is the only caller of
// Machine.Admit and the only component that grants concurrency slots.
type Orchestrator struct {
	store   store.Store
	machine *task.Machine
	tracker *usage.Tracker
	windows *timewindow.Scheduler
	bus     *Bus
	queue   *AdmissionQueue
	resumes *ResumeLimiter
	clk     clock.Clock
	logger  *logrus.Entry
	cfg     Config

	mu        sync.Mutex
	estimates map[string]*store.TaskUsage

	runCtx context.Context
	wg     sync.WaitGroup
}

// New wires the orchestrator. Start must be called before admission.
func New(s store.Store, m *task.Machine, tracker *usage.Tracker, windows *timewindow.Scheduler,
	bus *Bus, clk clock.Clock, cfg Config, logger *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		store:     s,
		machine:   m,
		tracker:   tracker,
		windows:   windows,
		bus:       bus,
		queue:     NewAdmissionQueue(clk),
		resumes:   NewResumeLimiter(cfg.ResumeRate, cfg.ResumeBurst),
		clk:       clk,
		logger:    logger,
		cfg:       cfg,
		estimates: make(map[string]*store.TaskUsage),
		runCtx:    context.Background(),
	}
}

// Start binds the lifetime of spawned task runners to ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runCtx = ctx
}

// Wait blocks until every spawned task runner has returned. Called
// during shutdown after the run context is cancelled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// CreateTask validates, persists and enqueues a new task.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*store.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("orchestrator: task description is required")
	}
	workflow := req.Workflow
	if len(workflow) == 0 {
		workflow = append([]string(nil), DefaultWorkflow...)
	}
	priority := req.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}

	t := &store.Task{
		Description:  req.Description,
		Workflow:     workflow,
		Priority:     priority,
		Autonomy:     req.Autonomy,
		ProjectPath:  req.ProjectPath,
		ParentTaskID: req.ParentTaskID,
		DependsOn:    req.DependsOn,
		Workspace:    req.Workspace,
		Status:       store.StatusQueued,
	}
	id, err := o.store.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	if req.ParentTaskID != "" {
		if err := o.linkSubtask(ctx, req.ParentTaskID, id); err != nil {
			return nil, err
		}
	}
	if req.Estimate != nil {
		o.mu.Lock()
		o.estimates[id] = req.Estimate
		o.mu.Unlock()
	}

	o.bus.Emit(task.EventTaskCreated, map[string]any{
		"task_id": id, "priority": string(priority), "workflow": workflow,
	})
	o.queue.Push(id, priority)

	created, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (o *Orchestrator) linkSubtask(ctx context.Context, parentID, childID string) error {
	parent, err := o.store.GetTask(ctx, parentID)
	if err != nil {
		return fmt.Errorf("orchestrator: loading parent %s: %w", parentID, err)
	}
	if parent == nil {
		return fmt.Errorf("orchestrator: parent %s: %w", parentID, store.ErrNotFound)
	}
	subtasks := append(append([]string(nil), parent.SubtaskIDs...), childID)
	_, err = o.store.UpdateTask(ctx, parentID, store.TaskPatch{SubtaskIDs: subtasks})
	return err
}

// PollOnce pulls the next queued task from the store into the admission
// frontier and tries to admit the most urgent pending one. A gate
// rejection requeues the task after RetryDelay and stops the pass:
// whatever blocked the best candidate blocks the rest too.
func (o *Orchestrator) PollOnce(ctx context.Context) error {
	next, err := o.store.GetNextQueuedTask(ctx)
	if err != nil {
		observability.StoreErrors.WithLabelValues("next_queued").Inc()
		return err
	}
	if next != nil {
		o.queue.Push(next.ID, next.Priority)
	}

	for {
		id, ok := o.queue.Pop()
		if !ok {
			return nil
		}
		admitted, reason, err := o.ScheduleIfReady(ctx, id)
		if err != nil {
			o.logger.WithError(err).WithField("task_id", id).Error("admission failed")
			continue
		}
		if admitted {
			continue
		}
		if reason == "not_queued" {
			// Dropped out of the queue by other means (cancel, manual
			// admit); nothing to retry.
			continue
		}
		o.requeueLater(ctx, id)
		return nil
	}
}

func (o *Orchestrator) requeueLater(ctx context.Context, id string) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil || t == nil || t.Status != store.StatusQueued {
		return
	}
	o.queue.PushDelayed(id, t.Priority, o.cfg.RetryDelay)
}

// ScheduleIfReady runs the full admission gate for one queued task:
// dependencies, time window, capacity, concurrency and per-task limits,
// in that order. On success the task is admitted, granted a slot and
// handed to a runner goroutine.
func (o *Orchestrator) ScheduleIfReady(ctx context.Context, taskID string) (bool, string, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return false, "", err
	}
	if t == nil {
		return false, "", store.ErrNotFound
	}
	if t.Status != store.StatusQueued {
		return false, "not_queued", nil
	}

	if blocked, err := o.dependenciesPending(ctx, t); err != nil {
		return false, "", err
	} else if blocked {
		observability.AdmissionDecisions.WithLabelValues("rejected", "dependencies").Inc()
		return false, "dependencies", nil
	}

	decision := o.windows.ShouldPauseTasks(o.tracker.DailyCost(), o.tracker.DailyBudget(), o.tracker.ActiveCount())
	if decision.ShouldPause {
		observability.AdmissionDecisions.WithLabelValues("rejected", string(decision.Code)).Inc()
		return false, string(decision.Code), nil
	}

	d := o.tracker.CanStartTask(o.estimateFor(taskID))
	if !d.Allowed {
		observability.AdmissionDecisions.WithLabelValues("rejected", d.Reason).Inc()
		return false, d.Reason, nil
	}

	if err := o.machine.Admit(ctx, taskID); err != nil {
		observability.AdmissionDecisions.WithLabelValues("error", "admit").Inc()
		return false, "", err
	}
	o.tracker.TrackTaskStart(taskID)
	observability.AdmissionDecisions.WithLabelValues("admitted", "").Inc()
	o.spawnRunner(taskID)
	return true, "", nil
}

func (o *Orchestrator) dependenciesPending(ctx context.Context, t *store.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := o.store.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != store.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) estimateFor(taskID string) *store.TaskUsage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.estimates[taskID]
}

func (o *Orchestrator) spawnRunner(taskID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.machine.Run(o.runCtx, taskID); err != nil && o.runCtx.Err() == nil {
			o.logger.WithError(err).WithField("task_id", taskID).Error("task runner stopped with error")
		}
	}()
}

// PauseActive suspends every task currently holding a slot, isolating
// per-task failures. Used on mode switches into a closed window and on
// capacity exhaustion.
func (o *Orchestrator) PauseActive(ctx context.Context, reason store.PauseReason, message string) int {
	ids := o.tracker.ActiveIDs()
	paused := 0
	for _, id := range ids {
		if err := o.machine.Pause(ctx, id, reason); err != nil {
			o.logger.WithError(err).WithField("task_id", id).Warn("pausing active task failed")
			continue
		}
		paused++
	}
	if paused > 0 {
		o.bus.Emit(EventCapacityPaused, map[string]any{
			"reason": string(reason), "message": message, "paused_count": paused,
		})
	}
	return paused
}

// AutoResume wakes paused tasks after capacity returns. Parents with
// live subtasks go first, then the rest by priority and pause age. The
// pass stops at the first global-gate rejection; per-task failures are
// isolated and reported in the single tasks:auto-resumed event.
func (o *Orchestrator) AutoResume(ctx context.Context, reason string) (int, error) {
	parents, err := o.store.FindHighestPriorityParentTasks(ctx)
	if err != nil {
		observability.StoreErrors.WithLabelValues("resume_parents").Inc()
		return 0, err
	}
	rest, err := o.store.GetPausedTasksForResume(ctx)
	if err != nil {
		observability.StoreErrors.WithLabelValues("resume_list").Inc()
		return 0, err
	}

	seen := make(map[string]bool)
	resumed := 0
	var errs []string
	var resumedIDs []string

	for _, t := range append(parents, rest...) {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true

		decision := o.windows.ShouldPauseTasks(o.tracker.DailyCost(), o.tracker.DailyBudget(), o.tracker.ActiveCount())
		if decision.ShouldPause {
			// Capacity gone again; everything after this stays paused.
			break
		}
		d := o.tracker.CanStartTask(o.estimateFor(t.ID))
		if !d.Allowed {
			if d.Reason == usage.ReasonConcurrency || d.Reason == usage.ReasonDailyBudget {
				break
			}
			// Per-task limit; this task stays paused, others may fit.
			continue
		}
		if !o.resumes.Allow(t.ID) {
			continue
		}

		ok, err := o.machine.Resume(ctx, t.ID)
		if err != nil {
			observability.ResumeAttempts.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Sprintf("%s: %v", t.ID, err))
			continue
		}
		if !ok {
			continue
		}
		o.tracker.TrackTaskStart(t.ID)
		o.spawnRunner(t.ID)
		resumed++
		resumedIDs = append(resumedIDs, t.ID)
	}

	// The event carries every resumed task but only the first few
	// errors; the rest are visible in the log.
	firstErrs := errs
	if len(firstErrs) > 5 {
		firstErrs = firstErrs[:5]
	}
	o.bus.Emit(EventTasksAutoResumed, map[string]any{
		"reason":        reason,
		"resumed_count": resumed,
		"errors":        firstErrs,
		"error_count":   len(errs),
		"task_ids":      resumedIDs,
	})
	o.logger.WithFields(logrus.Fields{
		"reason": reason, "resumed": resumed, "errors": len(errs),
	}).Info("auto-resume pass finished")
	return resumed, nil
}

// Resume is the operator-facing resume for one task. It bypasses the
// window gate (an explicit human decision) but still takes a slot.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (bool, error) {
	ok, err := o.machine.Resume(ctx, taskID)
	if err != nil || !ok {
		return ok, err
	}
	o.tracker.TrackTaskStart(taskID)
	o.spawnRunner(taskID)
	return true, nil
}

// Cancel stops a task and forgets its resume budget.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if err := o.machine.Cancel(ctx, taskID); err != nil {
		return err
	}
	o.resumes.Forget(taskID)
	return nil
}

// QueueDepth reports the admission frontier size.
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Len()
}
