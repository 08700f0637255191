package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all state in process memory. It is the default
// backend for single-node operation and the backbone of the test suite.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	checkpoints map[string][]*Checkpoint
	logs        map[string][]LogEntry
	daily       map[string]*DailyUsageStats
	now         func() time.Time
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		checkpoints: make(map[string][]*Checkpoint),
		logs:        make(map[string][]LogEntry),
		daily:       make(map[string]*DailyUsageStats),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the timestamp source. Test hook.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return "", fmt.Errorf("store: task %s already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if t.ParentTaskID != "" {
		if err := s.checkCycleLocked(t.ID, t.ParentTaskID, t.SubtaskIDs); err != nil {
			return "", err
		}
	}

	s.tasks[t.ID] = &t
	return t.ID, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	parent := t.ParentTaskID
	if patch.ParentTaskID != nil {
		parent = *patch.ParentTaskID
	}
	children := t.SubtaskIDs
	if patch.SubtaskIDs != nil {
		children = patch.SubtaskIDs
	}
	if patch.ParentTaskID != nil || patch.SubtaskIDs != nil {
		if err := s.checkCycleLocked(id, parent, children); err != nil {
			return nil, err
		}
	}

	applyPatch(t, patch)
	t.UpdatedAt = s.now()
	return copyTask(t), nil
}

func (s *MemoryStore) GetNextQueuedTask(ctx context.Context) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Task
	for _, t := range s.tasks {
		if t.Status != StatusQueued {
			continue
		}
		if best == nil || queuedBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyTask(best), nil
}

func (s *MemoryStore) GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.Status == status {
			result = append(result, copyTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetPausedTasksForResume(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.Status == StatusPaused && t.PauseReason.AutoResumable() {
			result = append(result, copyTask(t))
		}
	}
	sortForResume(result)
	return result, nil
}

func (s *MemoryStore) FindHighestPriorityParentTasks(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.Status != StatusPaused || !t.PauseReason.AutoResumable() || len(t.SubtaskIDs) == 0 {
			continue
		}
		for _, subID := range t.SubtaskIDs {
			sub, ok := s.tasks[subID]
			if ok && !sub.Status.Terminal() {
				result = append(result, copyTask(t))
				break
			}
		}
	}
	sortForResume(result)
	return result, nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, taskID string, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	c := *cp
	c.TaskID = taskID
	if c.CheckpointID == "" {
		c.CheckpointID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.checkpoints[taskID] = append(s.checkpoints[taskID], &c)
	return nil
}

func (s *MemoryStore) GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[taskID]
	if len(cps) == 0 {
		return nil, nil
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if !cp.CreatedAt.Before(latest.CreatedAt) {
			latest = cp
		}
	}
	c := *latest
	return &c, nil
}

func (s *MemoryStore) AddLog(ctx context.Context, taskID string, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.TaskID = taskID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.logs[taskID] = append(s.logs[taskID], entry)
	return nil
}

// GetLogs returns a copy of the task's audit trail.
func (s *MemoryStore) GetLogs(taskID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LogEntry, len(s.logs[taskID]))
	copy(out, s.logs[taskID])
	return out
}

func (s *MemoryStore) SaveDailyUsage(ctx context.Context, stats *DailyUsageStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *stats
	c.ModeBreakdown = copyModeBreakdown(stats.ModeBreakdown)
	s.daily[stats.Date] = &c
	return nil
}

func (s *MemoryStore) LoadDailyUsage(ctx context.Context, date string) (*DailyUsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.daily[date]
	if !ok {
		return nil, nil
	}
	c := *stats
	c.ModeBreakdown = copyModeBreakdown(stats.ModeBreakdown)
	return &c, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// checkCycleLocked refuses a parent/subtask relation that would make the
// task graph cyclic. Walks the parent chain up and the subtask closure
// down from the candidate relation.
func (s *MemoryStore) checkCycleLocked(id string, parentID string, subtaskIDs []string) error {
	if parentID == id {
		return ErrCycle
	}
	seen := map[string]bool{id: true}
	for cur := parentID; cur != ""; {
		if seen[cur] {
			return ErrCycle
		}
		seen[cur] = true
		p, ok := s.tasks[cur]
		if !ok {
			break
		}
		cur = p.ParentTaskID
	}

	visited := map[string]bool{}
	stack := append([]string(nil), subtaskIDs...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return ErrCycle
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if sub, ok := s.tasks[cur]; ok {
			stack = append(stack, sub.SubtaskIDs...)
		}
	}
	return nil
}

func applyPatch(t *Task, patch TaskPatch) {
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.CurrentStage != nil {
		t.CurrentStage = *patch.CurrentStage
	}
	if patch.PauseReason != nil {
		t.PauseReason = *patch.PauseReason
	}
	if patch.FailureReason != nil {
		t.FailureReason = *patch.FailureReason
	}
	if patch.ResumeAttempts != nil {
		t.ResumeAttempts = *patch.ResumeAttempts
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.ParentTaskID != nil {
		t.ParentTaskID = *patch.ParentTaskID
	}
	if patch.SubtaskIDs != nil {
		t.SubtaskIDs = append([]string(nil), patch.SubtaskIDs...)
	}
	if patch.DependsOn != nil {
		t.DependsOn = append([]string(nil), patch.DependsOn...)
	}
	if patch.BlockedBy != nil {
		t.BlockedBy = append([]string(nil), patch.BlockedBy...)
	}
	if patch.Usage != nil {
		t.Usage = *patch.Usage
	}
	if patch.Workspace != nil {
		t.Workspace = *patch.Workspace
	}
	if patch.PrevStatus != nil {
		t.PrevStatus = *patch.PrevStatus
	}
	if patch.PausedAt != nil {
		pt := *patch.PausedAt
		t.PausedAt = &pt
	}
	if patch.ClearPausedAt {
		t.PausedAt = nil
	}
	if patch.ClearPauseCause {
		t.PauseReason = ""
	}
}

func copyTask(t *Task) *Task {
	c := *t
	c.Workflow = append([]string(nil), t.Workflow...)
	c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	if t.PausedAt != nil {
		pt := *t.PausedAt
		c.PausedAt = &pt
	}
	if t.Workspace.PreserveOnFailure != nil {
		p := *t.Workspace.PreserveOnFailure
		c.Workspace.PreserveOnFailure = &p
	}
	return &c
}

func copyModeBreakdown(in map[string]ModeUsage) map[string]ModeUsage {
	if in == nil {
		return nil
	}
	out := make(map[string]ModeUsage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// queuedBefore orders queued tasks: higher priority first, then oldest.
func queuedBefore(a, b *Task) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// sortForResume orders paused tasks: priority descending, then the
// earliest PausedAt so the longest-waiting task resumes first.
func sortForResume(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
		}
		pi, pj := tasks[i].PausedAt, tasks[j].PausedAt
		switch {
		case pi == nil && pj == nil:
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return pi.Before(*pj)
		}
	})
}
