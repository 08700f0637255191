// Package task implements the per-task state machine: admission into
// running, stage advancement through the agent driver, checkpointing,
// suspend/resume with bounded attempts, and terminal bookkeeping.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timeline"
)

// FailureReasonResumeExhausted marks a task failed by the resume bound.
const FailureReasonResumeExhausted = "resume_exhausted"

// UsageRecorder is the slice of the usage tracker the machine needs.
// ReleaseTask frees a concurrency slot and folds the segment usage into
// the daily aggregate without touching the completed/failed counters.
type UsageRecorder interface {
	UpdateTaskUsage(taskID string, u store.TaskUsage)
	TrackTaskCompletion(taskID string, u store.TaskUsage, success bool)
	ReleaseTask(taskID string, u store.TaskUsage)
}

// Config holds the machine's tunables.
type Config struct {
	MaxResumeAttempts         int
	DefaultMaxRetries         int
	StageTimeout              time.Duration
	CancelGrace               time.Duration
	WorktreePreserveOnFailure bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxResumeAttempts: 3,
		DefaultMaxRetries: 3,
		StageTimeout:      10 * time.Minute,
		CancelGrace:       5 * time.Second,
	}
}

// Machine drives task lifecycles. One instance serves all tasks; a
// per-task mutex serializes resume/cancel races on the same id.
type Machine struct {
	store    store.Store
	driver   Driver
	usage    UsageRecorder
	sink     EventSink
	clk      clock.Clock
	logger   *logrus.Entry
	timeline *timeline.Store
	cleaner  WorkspaceCleaner
	cfg      Config

	locks sync.Map // taskID -> *sync.Mutex

	mu       sync.Mutex
	segments map[string]store.TaskUsage // usage since last admit/resume
}

// NewMachine wires the machine's collaborators.
func NewMachine(s store.Store, driver Driver, usage UsageRecorder, sink EventSink,
	clk clock.Clock, tl *timeline.Store, cleaner WorkspaceCleaner,
	cfg Config, logger *logrus.Entry) *Machine {
	if cleaner == nil {
		cleaner = NoopCleaner{}
	}
	if sink == nil {
		sink = NullSink{}
	}
	return &Machine{
		store:    s,
		driver:   driver,
		usage:    usage,
		sink:     sink,
		clk:      clk,
		logger:   logger,
		timeline: tl,
		cleaner:  cleaner,
		cfg:      cfg,
		segments: make(map[string]store.TaskUsage),
	}
}

func (m *Machine) lockFor(taskID string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(taskID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *Machine) segment(taskID string) store.TaskUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments[taskID]
}

func (m *Machine) resetSegment(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[taskID] = store.TaskUsage{}
}

func (m *Machine) addSegment(taskID string, u store.TaskUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[taskID] = m.segments[taskID].Add(u)
}

func (m *Machine) dropSegment(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, taskID)
}

func (m *Machine) record(taskID, stage string, meta map[string]string) {
	if m.timeline != nil {
		m.timeline.Record(timeline.Event{TaskID: taskID, Stage: stage, Metadata: meta})
	}
}

// Admit moves a queued or paused task to running and checkpoints the
// entry stage. The caller is responsible for the admission gates.
func (m *Machine) Admit(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("admit %s: %w", taskID, err)
	}
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.StatusQueued && t.Status != store.StatusPaused {
		return fmt.Errorf("admit %s: status %s not admissible", taskID, t.Status)
	}

	stage := t.CurrentStage
	idx := stageIndex(t.Workflow, stage)
	if stage == "" && len(t.Workflow) > 0 {
		stage = t.Workflow[0]
		idx = 0
	}

	if err := m.store.CreateCheckpoint(ctx, taskID, &store.Checkpoint{
		Stage:      stage,
		StageIndex: idx,
		Metadata:   map[string]string{"event": "admitted"},
	}); err != nil {
		return fmt.Errorf("admit %s: checkpoint: %w", taskID, err)
	}

	running := store.StatusRunning
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Status:          &running,
		CurrentStage:    &stage,
		ClearPausedAt:   true,
		ClearPauseCause: true,
	}); err != nil {
		return fmt.Errorf("admit %s: %w", taskID, err)
	}

	m.resetSegment(taskID)
	observability.TaskTransitions.WithLabelValues(string(store.StatusRunning)).Inc()
	m.record(taskID, "ADMITTED", map[string]string{"stage": stage})
	m.sink.Emit(EventTaskStarted, map[string]any{"task_id": taskID, "stage": stage})
	return nil
}

// Run advances stages until the task leaves the running state or ctx is
// cancelled. Intended to be called on a worker goroutine.
func (m *Machine) Run(ctx context.Context, taskID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		done, err := m.AdvanceStage(ctx, taskID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// AdvanceStage runs the current stage once. done is true when the task
// is no longer running (terminal or paused); false means the same or
// next stage should run again.
func (m *Machine) AdvanceStage(ctx context.Context, taskID string) (done bool, err error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return true, m.failStoreError(ctx, taskID, "get_task", err)
	}
	if t == nil {
		return true, store.ErrNotFound
	}
	if t.Status != store.StatusRunning {
		return true, nil
	}

	idx := stageIndex(t.Workflow, t.CurrentStage)
	cp, err := m.store.GetLatestCheckpoint(ctx, taskID)
	if err != nil {
		m.logger.WithError(err).WithField("task_id", taskID).Warn("loading checkpoint failed; running stage without it")
		cp = nil
	}

	req := StageRequest{
		TaskID:        taskID,
		Stage:         t.CurrentStage,
		StageIndex:    idx,
		Workflow:      t.Workflow,
		Description:   t.Description,
		ProjectPath:   t.ProjectPath,
		WorkspacePath: t.Workspace.Path,
		Checkpoint:    cp,
	}
	if cp != nil {
		req.ContextSummary = cp.ContextSummary
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, m.cfg.StageTimeout)
		defer cancel()
	}

	started := m.clk.Now()
	res, runErr := m.driver.RunStage(stageCtx, req)
	observability.StageDuration.Observe(m.clk.Now().Sub(started).Seconds())

	if ctx.Err() != nil {
		// The run context was cancelled mid-stage (shutdown or cancel).
		// Whoever changed the task's state owns it; recording the
		// aborted stage as a failure would clobber that transition.
		return true, ctx.Err()
	}

	if runErr != nil && res.Outcome == OutcomeOk {
		res.Outcome = ClassifyError(runErr)
		if res.Err == nil {
			res.Err = runErr
		}
	}
	if stageCtx.Err() == context.DeadlineExceeded && res.Outcome != OutcomeSessionLimit {
		// A stage that outlived its deadline is not retried.
		res.Outcome = OutcomeFatal
		if res.Err == nil {
			res.Err = fmt.Errorf("stage %s timed out after %s", t.CurrentStage, m.cfg.StageTimeout)
		}
	}

	if res.Usage != (store.TaskUsage{}) {
		m.addSegment(taskID, res.Usage)
		total := t.Usage.Add(res.Usage)
		if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Usage: &total}); err != nil {
			m.logger.WithError(err).WithField("task_id", taskID).Warn("persisting usage failed")
		}
		m.usage.UpdateTaskUsage(taskID, total)
		m.sink.Emit(EventUsageUpdated, map[string]any{"task_id": taskID, "usage": total})
		t.Usage = total
	}

	// Session-limit supervision runs on every turn, even successful ones.
	if res.Outcome == OutcomeOk {
		if rec, util := SessionLimitCheck(res.ContextTokens, res.ContextWindow); rec == RecommendHandoff {
			m.logger.WithFields(logrus.Fields{
				"task_id": taskID, "utilization": fmt.Sprintf("%.2f", util),
			}).Info("context window nearly full, handing off")
			return true, m.pause(ctx, t, store.PauseSessionLimit, &res)
		}
	}

	switch res.Outcome {
	case OutcomeOk:
		return m.stageDone(ctx, t, idx, &res)
	case OutcomeSessionLimit:
		return true, m.pause(ctx, t, store.PauseSessionLimit, &res)
	case OutcomeUsageLimit:
		return true, m.pause(ctx, t, store.PauseUsageLimit, &res)
	case OutcomeBudget:
		return true, m.pause(ctx, t, store.PauseBudget, &res)
	case OutcomeRetryable:
		return m.retryStage(ctx, t, &res)
	default:
		return true, m.fail(ctx, t, "stage_error", res.Err)
	}
}

func (m *Machine) stageDone(ctx context.Context, t *store.Task, idx int, res *StageResult) (bool, error) {
	if err := m.checkpoint(ctx, t.ID, t.CurrentStage, idx, res); err != nil {
		return true, m.failStoreError(ctx, t.ID, "checkpoint", err)
	}

	// A capacity pause or cancel may have landed while the stage ran;
	// the checkpoint above preserves the work, the transition wins.
	if cur, err := m.store.GetTask(ctx, t.ID); err == nil && cur != nil && cur.Status != store.StatusRunning {
		return true, nil
	}

	last := idx >= len(t.Workflow)-1
	if last {
		return true, m.complete(ctx, t)
	}

	next := t.Workflow[idx+1]
	zero := 0
	if _, err := m.store.UpdateTask(ctx, t.ID, store.TaskPatch{CurrentStage: &next, RetryCount: &zero}); err != nil {
		return true, m.failStoreError(ctx, t.ID, "advance_stage", err)
	}
	m.record(t.ID, "STAGE_DONE", map[string]string{"stage": t.CurrentStage, "next": next})
	m.sink.Emit(EventTaskStageChanged, map[string]any{"task_id": t.ID, "from": t.CurrentStage, "to": next})
	return false, nil
}

func (m *Machine) retryStage(ctx context.Context, t *store.Task, res *StageResult) (bool, error) {
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.DefaultMaxRetries
	}
	retry := t.RetryCount + 1
	if retry >= maxRetries {
		return true, m.fail(ctx, t, "retry_exhausted", res.Err)
	}
	if _, err := m.store.UpdateTask(ctx, t.ID, store.TaskPatch{RetryCount: &retry}); err != nil {
		return true, m.failStoreError(ctx, t.ID, "retry", err)
	}
	m.logger.WithFields(logrus.Fields{
		"task_id": t.ID, "stage": t.CurrentStage, "retry": retry, "max": maxRetries,
	}).WithError(res.Err).Warn("stage failed, retrying")
	return false, nil
}

func (m *Machine) checkpoint(ctx context.Context, taskID, stage string, idx int, res *StageResult) error {
	cp := &store.Checkpoint{
		Stage:          stage,
		StageIndex:     idx,
		ContextSummary: res.ContextSummary,
	}
	if len(res.Turns) > 0 {
		if state, err := json.Marshal(res.Turns); err == nil {
			cp.ConversationState = state
		}
	} else {
		cp.ConversationState = res.ConversationState
	}
	return m.store.CreateCheckpoint(ctx, taskID, cp)
}

func (m *Machine) complete(ctx context.Context, t *store.Task) error {
	completed := store.StatusCompleted
	if _, err := m.store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &completed}); err != nil {
		return m.failStoreError(ctx, t.ID, "complete", err)
	}
	// Daily aggregate first, completion event second.
	m.usage.TrackTaskCompletion(t.ID, m.segment(t.ID), true)
	m.dropSegment(t.ID)
	observability.TaskTransitions.WithLabelValues(string(store.StatusCompleted)).Inc()
	m.record(t.ID, "COMPLETED", nil)
	m.sink.Emit(EventTaskCompleted, map[string]any{"task_id": t.ID})
	return nil
}

// Pause suspends a running task. Exposed for the orchestrator's
// capacity-driven pausing; stage outcomes arrive here internally.
func (m *Machine) Pause(ctx context.Context, taskID string, reason store.PauseReason) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.StatusRunning {
		return fmt.Errorf("pause %s: status %s is not running", taskID, t.Status)
	}
	return m.pause(ctx, t, reason, nil)
}

func (m *Machine) pause(ctx context.Context, t *store.Task, reason store.PauseReason, res *StageResult) error {
	idx := stageIndex(t.Workflow, t.CurrentStage)
	snapshot := &StageResult{}
	if res != nil {
		snapshot = res
	}
	if err := m.checkpoint(ctx, t.ID, t.CurrentStage, idx, snapshot); err != nil {
		return m.failStoreError(ctx, t.ID, "pause_checkpoint", err)
	}

	paused := store.StatusPaused
	now := m.clk.Now()
	if _, err := m.store.UpdateTask(ctx, t.ID, store.TaskPatch{
		Status:      &paused,
		PauseReason: &reason,
		PausedAt:    &now,
	}); err != nil {
		return m.failStoreError(ctx, t.ID, "pause", err)
	}

	m.usage.ReleaseTask(t.ID, m.segment(t.ID))
	m.resetSegment(t.ID)

	observability.TaskPauses.WithLabelValues(string(reason)).Inc()
	observability.TaskTransitions.WithLabelValues(string(store.StatusPaused)).Inc()
	m.record(t.ID, "PAUSED", map[string]string{"reason": string(reason)})
	_ = m.store.AddLog(ctx, t.ID, store.LogEntry{
		Level: "info", Stage: t.CurrentStage,
		Message: fmt.Sprintf("task paused: %s", reason),
	})
	m.sink.Emit(EventTaskPaused, map[string]any{
		"task_id": t.ID, "reason": string(reason), "stage": t.CurrentStage,
	})
	return nil
}

// Resume attempts paused -> running. Returns false without side effects
// when the task is not paused; returns false after transitioning to
// failed when the attempt bound is crossed. The per-task lock makes
// concurrent calls on one id strictly serial.
func (m *Machine) Resume(ctx context.Context, taskID string) (bool, error) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, store.ErrNotFound
	}
	if t.Status != store.StatusPaused {
		return false, nil
	}

	attempts := t.ResumeAttempts + 1
	if attempts > m.cfg.MaxResumeAttempts {
		failed := store.StatusFailed
		reason := FailureReasonResumeExhausted
		if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{
			Status:         &failed,
			ResumeAttempts: &attempts,
			FailureReason:  &reason,
		}); err != nil {
			return false, err
		}
		m.usage.TrackTaskCompletion(taskID, m.segment(taskID), false)
		m.dropSegment(taskID)
		observability.ResumeAttempts.WithLabelValues("exhausted").Inc()
		observability.TaskTransitions.WithLabelValues(string(store.StatusFailed)).Inc()
		m.logger.WithFields(logrus.Fields{
			"task_id": taskID, "attempts": attempts, "max": m.cfg.MaxResumeAttempts,
		}).Error("resume attempts exhausted")
		_ = m.store.AddLog(ctx, taskID, store.LogEntry{
			Level:   "error",
			Message: fmt.Sprintf("resume exhausted after %d attempts (max %d)", attempts, m.cfg.MaxResumeAttempts),
		})
		m.record(taskID, "FAILED", map[string]string{"reason": reason})
		m.sink.Emit(EventTaskFailed, map[string]any{
			"task_id": taskID, "failure_reason": reason, "stage": t.CurrentStage,
		})
		return false, nil
	}

	summary := m.resumeSummary(ctx, t)

	running := store.StatusRunning
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Status:          &running,
		ResumeAttempts:  &attempts,
		ClearPausedAt:   true,
		ClearPauseCause: true,
	}); err != nil {
		return false, err
	}

	m.resetSegment(taskID)
	observability.ResumeAttempts.WithLabelValues("resumed").Inc()
	observability.TaskTransitions.WithLabelValues(string(store.StatusRunning)).Inc()
	m.record(taskID, "RESUMED", map[string]string{"attempt": fmt.Sprintf("%d", attempts)})
	m.sink.Emit(EventTaskSessionResumed, map[string]any{
		"task_id": taskID, "attempt": attempts, "context_summary": summary, "stage": t.CurrentStage,
	})
	return true, nil
}

// resumeSummary builds the context summary for a resume; any failure
// along the way degrades to the static fallback.
func (m *Machine) resumeSummary(ctx context.Context, t *store.Task) string {
	cp, err := m.store.GetLatestCheckpoint(ctx, t.ID)
	if err != nil || cp == nil {
		if err != nil {
			m.logger.WithError(err).WithField("task_id", t.ID).Warn("summary: loading checkpoint failed")
		}
		return fallbackSummary(t.CurrentStage)
	}
	var turns []ConversationTurn
	if len(cp.ConversationState) > 0 {
		if err := json.Unmarshal(cp.ConversationState, &turns); err != nil {
			m.logger.WithError(err).WithField("task_id", t.ID).Warn("summary: conversation state unreadable")
			turns = nil
		}
	}
	return buildContextSummary(cp.ContextSummary, turns, t.CurrentStage)
}

// Cancel stops a task. Running tasks get a best-effort driver cancel
// bounded by the grace period before the transition is recorded.
func (m *Machine) Cancel(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cancel %s: status %s is terminal", taskID, t.Status)
	}

	if t.Status == store.StatusRunning {
		graceCtx, cancel := context.WithTimeout(ctx, m.cfg.CancelGrace)
		if err := m.driver.Cancel(graceCtx, taskID); err != nil {
			m.logger.WithError(err).WithField("task_id", taskID).Warn("driver cancel failed, proceeding")
		}
		cancel()
		m.usage.ReleaseTask(taskID, m.segment(taskID))
		m.dropSegment(taskID)
	}

	cancelled := store.StatusCancelled
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &cancelled}); err != nil {
		return err
	}
	observability.TaskTransitions.WithLabelValues(string(store.StatusCancelled)).Inc()
	m.record(taskID, "CANCELLED", nil)
	m.sink.Emit(EventTaskCancelled, map[string]any{"task_id": taskID})
	return nil
}

func (m *Machine) fail(ctx context.Context, t *store.Task, failureReason string, cause error) error {
	failed := store.StatusFailed
	if _, err := m.store.UpdateTask(ctx, t.ID, store.TaskPatch{
		Status:        &failed,
		FailureReason: &failureReason,
	}); err != nil {
		return err
	}
	m.usage.TrackTaskCompletion(t.ID, m.segment(t.ID), false)
	m.dropSegment(t.ID)

	m.handleFailedWorkspace(ctx, t)

	errMsg := "Unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}
	observability.TaskTransitions.WithLabelValues(string(store.StatusFailed)).Inc()
	m.record(t.ID, "FAILED", map[string]string{"reason": failureReason})
	_ = m.store.AddLog(ctx, t.ID, store.LogEntry{
		Level: "error", Stage: t.CurrentStage,
		Message: fmt.Sprintf("task failed (%s): %s", failureReason, errMsg),
	})
	m.sink.Emit(EventTaskFailed, map[string]any{
		"task_id": t.ID, "error": errMsg, "failure_reason": failureReason, "stage": t.CurrentStage,
	})
	return nil
}

func (m *Machine) handleFailedWorkspace(ctx context.Context, t *store.Task) {
	if t.Workspace.Path == "" {
		return
	}
	if shouldPreserveWorkspace(t.Workspace, m.cfg.WorktreePreserveOnFailure) {
		_ = m.store.AddLog(ctx, t.ID, store.LogEntry{
			Level: "info", Message: "Workspace preserved for debugging",
		})
		return
	}
	if err := m.cleaner.Cleanup(ctx, t.ID, t.Workspace); err != nil {
		m.logger.WithError(err).WithField("task_id", t.ID).Warn("workspace cleanup failed")
	}
}

func (m *Machine) failStoreError(ctx context.Context, taskID, op string, cause error) error {
	observability.StoreErrors.WithLabelValues(op).Inc()
	m.logger.WithError(cause).WithFields(logrus.Fields{"task_id": taskID, "op": op}).Error("store operation failed")
	failed := store.StatusFailed
	reason := "store_error"
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &failed, FailureReason: &reason}); err != nil {
		// The store is unhealthy; the daemon keeps going, the task is stuck.
		m.logger.WithError(err).WithField("task_id", taskID).Error("marking task failed also failed")
	} else {
		m.usage.TrackTaskCompletion(taskID, m.segment(taskID), false)
		m.dropSegment(taskID)
		m.sink.Emit(EventTaskFailed, map[string]any{
			"task_id": taskID, "error": cause.Error(), "failure_reason": reason,
		})
	}
	return fmt.Errorf("%s for task %s: %w", op, taskID, cause)
}

// Trash moves a terminal task to the trash, remembering its prior
// status for Restore.
func (m *Machine) Trash(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrNotFound
	}
	switch t.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
	default:
		return fmt.Errorf("trash %s: status %s cannot be trashed", taskID, t.Status)
	}
	trashed := store.StatusTrashed
	prev := t.Status
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &trashed, PrevStatus: &prev}); err != nil {
		return err
	}
	m.sink.Emit(EventTaskTrashed, map[string]any{"task_id": taskID})
	return nil
}

// Restore returns a trashed task to its pre-trash status.
func (m *Machine) Restore(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.StatusTrashed {
		return fmt.Errorf("restore %s: status %s is not trashed", taskID, t.Status)
	}
	prev := t.PrevStatus
	if prev == "" {
		prev = store.StatusCompleted
	}
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &prev}); err != nil {
		return err
	}
	m.sink.Emit(EventTaskRestored, map[string]any{"task_id": taskID, "status": string(prev)})
	return nil
}

// Archive stows a completed task.
func (m *Machine) Archive(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.StatusCompleted {
		return fmt.Errorf("archive %s: status %s is not completed", taskID, t.Status)
	}
	archived := store.StatusArchived
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &archived}); err != nil {
		return err
	}
	m.sink.Emit(EventTaskArchived, map[string]any{"task_id": taskID})
	return nil
}

// Unarchive returns an archived task to completed.
func (m *Machine) Unarchive(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.StatusArchived {
		return fmt.Errorf("unarchive %s: status %s is not archived", taskID, t.Status)
	}
	completed := store.StatusCompleted
	if _, err := m.store.UpdateTask(ctx, taskID, store.TaskPatch{Status: &completed}); err != nil {
		return err
	}
	m.sink.Emit(EventTaskUnarchived, map[string]any{"task_id": taskID})
	return nil
}

func stageIndex(workflow []string, stage string) int {
	for i, s := range workflow {
		if s == stage {
			return i
		}
	}
	return 0
}
