// Package audit 将引擎与调度器的关键动作写入 SQLite 事件日志。
// 记录尽力而为：写入失败只打日志，绝不阻塞交易路径。
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tasty-agent/internal/store"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	category   TEXT NOT NULL,
	action     TEXT NOT NULL,
	ref_id     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events (category, created_at);
`

// Event 为一条审计记录。
type Event struct {
	ID        int64
	Category  string
	Action    string
	RefID     string
	Detail    string
	CreatedAt time.Time
}

// Journal 为 SQLite 事件日志。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger

	now func() time.Time
}

// NewJournal 创建事件日志并初始化表结构。
func NewJournal(s *store.Store, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := s.DB()
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("初始化审计表失败: %w", err)
	}
	return &Journal{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record 写入一条事件。失败只记日志。
func (j *Journal) Record(ctx context.Context, category, action, refID, detail string) {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO audit_events (category, action, ref_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		category, action, refID, detail, j.now(),
	)
	if err != nil {
		j.logger.Warn("写入审计事件失败",
			zap.String("category", category),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// Recent 返回最近的事件，按时间倒序。
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, category, action, ref_id, detail, created_at
		FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Category, &e.Action, &e.RefID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("读取审计事件失败: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计事件失败: %w", err)
	}
	return events, nil
}
