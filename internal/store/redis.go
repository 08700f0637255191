package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Task documents are JSON values
// with set-based secondary indexes by status and parent id; checkpoints
// and logs are lists. Suited to deployments that already run Redis and
// do not need relational durability.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the Redis backend.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	t := *task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if t.ParentTaskID != "" || len(t.SubtaskIDs) > 0 {
		if err := s.checkCycle(ctx, t.ID, t.ParentTaskID, t.SubtaskIDs); err != nil {
			return "", err
		}
	}

	doc, err := json.Marshal(&t)
	if err != nil {
		return "", err
	}
	ok, err := s.client.SetNX(ctx, taskKey(t.ID), doc, 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("store: task %s already exists", t.ID)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, statusIndexKey(t.Status), t.ID)
	if t.ParentTaskID != "" {
		pipe.SAdd(ctx, parentIndexKey(t.ParentTaskID), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	doc, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask merges the patch under an optimistic WATCH transaction and
// rewrites the status/parent indexes when either changed.
func (s *RedisStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	var result *Task
	key := taskKey(id)

	txf := func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return err
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
			if err := s.checkCycle(ctx, id, parent, children); err != nil {
				return err
			}
		}

		prevStatus := t.Status
		prevParent := t.ParentTaskID
		applyPatch(&t, patch)
		t.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if t.Status != prevStatus {
				pipe.SRem(ctx, statusIndexKey(prevStatus), id)
				pipe.SAdd(ctx, statusIndexKey(t.Status), id)
			}
			if t.ParentTaskID != prevParent {
				if prevParent != "" {
					pipe.SRem(ctx, parentIndexKey(prevParent), id)
				}
				if t.ParentTaskID != "" {
					pipe.SAdd(ctx, parentIndexKey(t.ParentTaskID), id)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &t
		return nil
	}

	// Retry a few times on WATCH conflicts before giving up.
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("store: update of task %s kept conflicting", id)
}

func (s *RedisStore) checkCycle(ctx context.Context, id, parentID string, subtaskIDs []string) error {
	if parentID == id {
		return ErrCycle
	}
	seen := map[string]bool{id: true}
	cur := parentID
	for depth := 0; cur != "" && depth < 256; depth++ {
		if seen[cur] {
			return ErrCycle
		}
		seen[cur] = true
		t, err := s.GetTask(ctx, cur)
		if err != nil {
			return err
		}
		if t == nil {
			break
		}
		cur = t.ParentTaskID
	}

	visited := map[string]bool{}
	stack := append([]string(nil), subtaskIDs...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if next == id {
			return ErrCycle
		}
		if visited[next] {
			continue
		}
		visited[next] = true
		t, err := s.GetTask(ctx, next)
		if err != nil {
			return err
		}
		if t != nil {
			stack = append(stack, t.SubtaskIDs...)
		}
	}
	return nil
}

func (s *RedisStore) tasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	ids, err := s.client.SMembers(ctx, statusIndexKey(status)).Result()
	if err != nil {
		return nil, err
	}
	var result []*Task
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil && t.Status == status {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *RedisStore) GetNextQueuedTask(ctx context.Context) (*Task, error) {
	queued, err := s.tasksByStatus(ctx, StatusQueued)
	if err != nil {
		return nil, err
	}
	var best *Task
	for _, t := range queued {
		if best == nil || queuedBefore(t, best) {
			best = t
		}
	}
	return best, nil
}

func (s *RedisStore) GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	result, err := s.tasksByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *RedisStore) GetPausedTasksForResume(ctx context.Context) ([]*Task, error) {
	paused, err := s.tasksByStatus(ctx, StatusPaused)
	if err != nil {
		return nil, err
	}
	var result []*Task
	for _, t := range paused {
		if t.PauseReason.AutoResumable() {
			result = append(result, t)
		}
	}
	sortForResume(result)
	return result, nil
}

func (s *RedisStore) FindHighestPriorityParentTasks(ctx context.Context) ([]*Task, error) {
	paused, err := s.GetPausedTasksForResume(ctx)
	if err != nil {
		return nil, err
	}
	var result []*Task
	for _, t := range paused {
		if len(t.SubtaskIDs) == 0 {
			continue
		}
		for _, subID := range t.SubtaskIDs {
			sub, err := s.GetTask(ctx, subID)
			if err != nil {
				return nil, err
			}
			if sub != nil && !sub.Status.Terminal() {
				result = append(result, t)
				break
			}
		}
	}
	return result, nil
}

func (s *RedisStore) CreateCheckpoint(ctx context.Context, taskID string, cp *Checkpoint) error {
	c := *cp
	c.TaskID = taskID
	if c.CheckpointID == "" {
		c.CheckpointID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, checkpointListKey(taskID), doc).Err()
}

func (s *RedisStore) GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	doc, err := s.client.LIndex(ctx, checkpointListKey(taskID), -1).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *RedisStore) AddLog(ctx context.Context, taskID string, entry LogEntry) error {
	entry.TaskID = taskID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	doc, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, logListKey(taskID), doc).Err()
}

func (s *RedisStore) SaveDailyUsage(ctx context.Context, stats *DailyUsageStats) error {
	doc, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	// Snapshots expire after a week; the tracker only ever reloads the
	// current date.
	return s.client.Set(ctx, dailyUsageKey(stats.Date), doc, 7*24*time.Hour).Err()
}

func (s *RedisStore) LoadDailyUsage(ctx context.Context, date string) (*DailyUsageStats, error) {
	doc, err := s.client.Get(ctx, dailyUsageKey(date)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stats DailyUsageStats
	if err := json.Unmarshal(doc, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *RedisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
