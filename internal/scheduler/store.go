package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tasty-agent/internal/store"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS trade_tasks (
	task_id    TEXT PRIMARY KEY,
	spec       TEXT NOT NULL,
	trigger_json TEXT NOT NULL,
	status     TEXT NOT NULL,
	next_run   TIMESTAMP NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_tasks_status_next_run ON trade_tasks (status, next_run);
`

// TaskStore 为定时任务的 SQLite 持久层。
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore 创建任务存储并初始化表结构。
func NewTaskStore(s *store.Store) (*TaskStore, error) {
	ts := &TaskStore{db: s.DB()}
	if _, err := ts.db.Exec(taskSchema); err != nil {
		return nil, fmt.Errorf("初始化任务表失败: %w", err)
	}
	return ts, nil
}

// Insert 写入新任务。调用方在写入成功前不得向外返回任务号。
func (ts *TaskStore) Insert(ctx context.Context, task Task) error {
	spec, err := json.Marshal(task.Spec)
	if err != nil {
		return fmt.Errorf("序列化委托描述失败: %w", err)
	}
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return fmt.Errorf("序列化触发条件失败: %w", err)
	}
	_, err = ts.db.ExecContext(ctx, `
		INSERT INTO trade_tasks (task_id, spec, trigger_json, status, next_run, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(spec), string(trigger), string(task.Status),
		task.NextRun.UTC(), task.Attempts, task.LastError,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("写入任务失败: %w", err)
	}
	return nil
}

// Get 按任务号读取任务；不存在时返回 (nil, nil)。
func (ts *TaskStore) Get(ctx context.Context, id string) (*Task, error) {
	row := ts.db.QueryRowContext(ctx, `
		SELECT task_id, spec, trigger_json, status, next_run, attempts, last_error, created_at, updated_at
		FROM trade_tasks WHERE task_id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取任务失败: %w", err)
	}
	return task, nil
}

// Update 回写任务的状态、下次执行时间与错误信息。
func (ts *TaskStore) Update(ctx context.Context, task Task) error {
	_, err := ts.db.ExecContext(ctx, `
		UPDATE trade_tasks
		SET status = ?, next_run = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE task_id = ?`,
		string(task.Status), task.NextRun.UTC(), task.Attempts, task.LastError,
		task.UpdatedAt.UTC(), task.ID,
	)
	if err != nil {
		return fmt.Errorf("更新任务失败: %w", err)
	}
	return nil
}

// Delete 删除任务，返回是否存在。
func (ts *TaskStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := ts.db.ExecContext(ctx, `DELETE FROM trade_tasks WHERE task_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("删除任务失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("删除任务失败: %w", err)
	}
	return affected > 0, nil
}

// ListActive 返回全部待执行任务，按创建时间排序。
func (ts *TaskStore) ListActive(ctx context.Context) ([]Task, error) {
	return ts.list(ctx, `
		SELECT task_id, spec, trigger_json, status, next_run, attempts, last_error, created_at, updated_at
		FROM trade_tasks WHERE status = ? ORDER BY created_at`, string(TaskActive))
}

// List 返回全部任务，按创建时间排序。
func (ts *TaskStore) List(ctx context.Context) ([]Task, error) {
	return ts.list(ctx, `
		SELECT task_id, spec, trigger_json, status, next_run, attempts, last_error, created_at, updated_at
		FROM trade_tasks ORDER BY created_at`)
}

func (ts *TaskStore) list(ctx context.Context, query string, args ...interface{}) ([]Task, error) {
	rows, err := ts.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("读取任务失败: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务失败: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		spec      string
		trigger   string
		status    string
		nextRun   time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&task.ID, &spec, &trigger, &status, &nextRun,
		&task.Attempts, &task.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &task.Spec); err != nil {
		return nil, fmt.Errorf("解析委托描述失败: %w", err)
	}
	if err := json.Unmarshal([]byte(trigger), &task.Trigger); err != nil {
		return nil, fmt.Errorf("解析触发条件失败: %w", err)
	}
	task.Status = TaskStatus(status)
	task.NextRun = nextRun.UTC()
	task.CreatedAt = createdAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	return &task, nil
}
