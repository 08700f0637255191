package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend. Task documents
// are stored as JSONB with generated index columns for status, priority
// and paused_at so the resume and admission queries stay on indexes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	doc          JSONB NOT NULL,
	status       TEXT NOT NULL,
	priority     INT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	pause_reason TEXT NOT NULL DEFAULT '',
	paused_at    TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_resume ON tasks (status, priority DESC, paused_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	checkpoint_id TEXT NOT NULL,
	doc           JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_latest ON checkpoints (task_id, created_at DESC);

CREATE TABLE IF NOT EXISTS task_logs (
	task_id   TEXT NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	stage     TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs (task_id, timestamp);

CREATE TABLE IF NOT EXISTS daily_usage (
	date TEXT PRIMARY KEY,
	doc  JSONB NOT NULL
);
`

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) (string, error) {
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if t.ParentTaskID != "" || len(t.SubtaskIDs) > 0 {
		if err := checkCycleTx(ctx, tx, t.ID, t.ParentTaskID, t.SubtaskIDs); err != nil {
			return "", err
		}
	}
	if err := insertTaskTx(ctx, tx, &t); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return t.ID, nil
}

func insertTaskTx(ctx context.Context, tx pgx.Tx, t *Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, doc, status, priority, parent_id, pause_reason, paused_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, doc, string(t.Status), t.Priority.Rank(), t.ParentTaskID,
		string(t.PauseReason), t.PausedAt, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTaskRow(s.pool.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1`, id))
}

// UpdateTask merges the patch inside a serializable transaction so that
// concurrent writers never interleave partial merges.
func (s *PostgresStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
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
		if err := checkCycleTx(ctx, tx, id, parent, children); err != nil {
			return nil, err
		}
	}

	applyPatch(&t, patch)
	t.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(&t)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET doc = $2, status = $3, priority = $4, parent_id = $5,
		    pause_reason = $6, paused_at = $7, updated_at = $8
		WHERE id = $1`,
		id, updated, string(t.Status), t.Priority.Rank(), t.ParentTaskID,
		string(t.PauseReason), t.PausedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &t, nil
}

// checkCycleTx walks the parent chain and the subtask closure inside the
// transaction. Depth is bounded to keep a corrupted graph from looping.
func checkCycleTx(ctx context.Context, tx pgx.Tx, id, parentID string, subtaskIDs []string) error {
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
		var doc []byte
		err := tx.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1`, cur).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			break
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return err
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
		var doc []byte
		err := tx.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1`, next).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return err
		}
		stack = append(stack, t.SubtaskIDs...)
	}
	return nil
}

func (s *PostgresStore) GetNextQueuedTask(ctx context.Context) (*Task, error) {
	return scanTaskRow(s.pool.QueryRow(ctx, `
		SELECT doc FROM tasks
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`))
}

func (s *PostgresStore) GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) GetPausedTasksForResume(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM tasks
		WHERE status = 'paused'
		  AND pause_reason IN ('capacity', 'budget', 'usage_limit', 'session_limit', 'dependency', 'session_error')
		ORDER BY priority DESC, paused_at ASC NULLS LAST`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) FindHighestPriorityParentTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.doc FROM tasks p
		WHERE p.status = 'paused'
		  AND p.pause_reason IN ('capacity', 'budget', 'usage_limit', 'session_limit', 'dependency', 'session_error')
		  AND EXISTS (
			SELECT 1 FROM tasks c
			WHERE c.parent_id = p.id
			  AND c.status NOT IN ('completed', 'failed', 'cancelled', 'trashed')
		  )
		ORDER BY p.priority DESC, p.paused_at ASC NULLS LAST`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, taskID string, cp *Checkpoint) error {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (task_id, checkpoint_id, doc, created_at)
		VALUES ($1, $2, $3, $4)`,
		taskID, c.CheckpointID, doc, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetLatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM checkpoints
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, taskID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) AddLog(ctx context.Context, taskID string, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_logs (task_id, level, message, stage, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		taskID, entry.Level, entry.Message, entry.Stage, entry.Timestamp,
	)
	return err
}

func (s *PostgresStore) SaveDailyUsage(ctx context.Context, stats *DailyUsageStats) error {
	doc, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO daily_usage (date, doc) VALUES ($1, $2)
		ON CONFLICT (date) DO UPDATE SET doc = EXCLUDED.doc`,
		stats.Date, doc,
	)
	return err
}

func (s *PostgresStore) LoadDailyUsage(ctx context.Context, date string) (*DailyUsageStats, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM daily_usage WHERE date = $1`, date).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func scanTaskRow(row pgx.Row) (*Task, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
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

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var result []*Task
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, err
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}
