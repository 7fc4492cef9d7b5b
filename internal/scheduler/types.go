package scheduler

import (
	"fmt"
	"time"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/engine"
)

// TriggerKind 表示定时任务的触发方式。
type TriggerKind string

const (
	// TriggerImmediate 在市场开盘时尽快执行，休市则顺延到下一次开盘。
	TriggerImmediate TriggerKind = "immediate"
	// TriggerOnce 在指定时间点执行一次，不看市场状态。
	TriggerOnce TriggerKind = "once"
	// TriggerDaily 在每个交易日的指定时刻执行。
	TriggerDaily TriggerKind = "daily"
)

// Trigger 为任务的触发条件。RunAt 仅对 once 有效，
// RunTime（"15:04" 格式，交易所时区）仅对 daily 有效。
type Trigger struct {
	Kind    TriggerKind `json:"kind"`
	RunAt   time.Time   `json:"run_at,omitempty"`
	RunTime string      `json:"run_time,omitempty"`
}

// Validate 校验触发条件。
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerImmediate:
		return nil
	case TriggerOnce:
		if t.RunAt.IsZero() {
			return broker.NewError(broker.ErrInvalidOrderSpec, "once 任务必须指定执行时间")
		}
		return nil
	case TriggerDaily:
		if _, err := time.Parse("15:04", t.RunTime); err != nil {
			return broker.NewError(broker.ErrInvalidOrderSpec, "daily 任务执行时刻 %q 无效，应为 HH:MM", t.RunTime)
		}
		return nil
	default:
		return broker.NewError(broker.ErrInvalidOrderSpec, "未知的触发方式 %q", t.Kind)
	}
}

// TaskStatus 表示任务状态。
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task 为持久化的定时交易任务。
type Task struct {
	ID        string
	Spec      engine.OrderSpec
	Trigger   Trigger
	Status    TaskStatus
	NextRun   time.Time
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FormatTimeUntil 把距离目标时间的间隔格式化为可读文本。
func FormatTimeUntil(from, until time.Time) string {
	d := until.Sub(from)
	if d <= 0 {
		return "现在"
	}
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%d天%d小时后", days, hours)
	case hours > 0:
		return fmt.Sprintf("%d小时%d分钟后", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%d分钟后", minutes)
	default:
		return "不到1分钟后"
	}
}
