// Package scheduler 实现定时交易：任务先落库再返回任务号，
// 单一后台轮询循环按触发条件执行，重启后从存储恢复并重新对齐。
package scheduler

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/config"
	"tasty-agent/internal/engine"
)

// tradePlacer 为调度器所需的下单入口。
type tradePlacer interface {
	Place(ctx context.Context, spec engine.OrderSpec) (*engine.PlaceResult, error)
}

// marketCalendar 为调度器所需的交易日历。
type marketCalendar interface {
	IsOpen(t time.Time) bool
	IsTradingDay(d time.Time) bool
	NextOpen(t time.Time) time.Time
	NextTradingDay(d time.Time) time.Time
	Location() *time.Location
}

// auditor 记录任务事件，尽力而为。
type auditor interface {
	Record(ctx context.Context, category, action, refID, detail string)
}

// Scheduler 为定时交易调度器。
type Scheduler struct {
	store    *TaskStore
	placer   tradePlacer
	calendar marketCalendar
	audit    auditor
	logger   *zap.Logger

	pollInterval    time.Duration
	openBuffer      time.Duration
	retryFailedOnce bool

	now func() time.Time
}

// NewScheduler 创建调度器。audit 可以为 nil。
func NewScheduler(store *TaskStore, placer tradePlacer, calendar marketCalendar, audit auditor, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	buffer := cfg.OpenBuffer
	if buffer <= 0 {
		buffer = 30 * time.Second
	}
	return &Scheduler{
		store:           store,
		placer:          placer,
		calendar:        calendar,
		audit:           audit,
		logger:          logger,
		pollInterval:    poll,
		openBuffer:      buffer,
		retryFailedOnce: cfg.RetryFailedOnce,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Schedule 创建定时任务。任务号仅在落库成功后返回，
// 落库失败时整个调用失败，不会留下无记录的任务。
func (s *Scheduler) Schedule(ctx context.Context, spec engine.OrderSpec, trigger Trigger) (Task, error) {
	if err := trigger.Validate(); err != nil {
		return Task{}, err
	}

	now := s.now()
	spec.DryRun = false
	task := Task{
		ID:        ulid.Make().String(),
		Spec:      spec,
		Trigger:   trigger,
		Status:    TaskActive,
		NextRun:   s.initialNextRun(trigger, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, task); err != nil {
		return Task{}, &broker.Error{
			Kind:    broker.ErrSchedulePersistence,
			Message: "任务落库失败",
			TaskID:  task.ID,
			Err:     err,
		}
	}

	s.logger.Info("定时任务已创建",
		zap.String("task_id", task.ID),
		zap.String("trigger", string(trigger.Kind)),
		zap.Time("next_run", task.NextRun),
	)
	s.record(ctx, "task", "scheduled", task.ID, string(trigger.Kind))
	return task, nil
}

// Remove 删除任务。存储与工作集一致：删除即对循环不可见，
// 循环执行前还会按任务号重查一次。
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	found, err := s.store.Delete(ctx, id)
	if err != nil {
		return &broker.Error{
			Kind:    broker.ErrSchedulePersistence,
			Message: "删除任务失败",
			TaskID:  id,
			Err:     err,
		}
	}
	if !found {
		return &broker.Error{
			Kind:    broker.ErrInvalidOrderSpec,
			Message: "定时任务不存在",
			TaskID:  id,
		}
	}
	s.record(ctx, "task", "removed", id, "")
	return nil
}

// List 返回全部任务，按创建时间排序。
func (s *Scheduler) List(ctx context.Context) ([]Task, error) {
	return s.store.List(ctx)
}

// Run 启动轮询循环，阻塞直至上下文取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		s.logger.Warn("重启对齐失败", zap.Error(err))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// reconcile 在启动时重新加载待执行任务，对停机期间错过的
// daily 任务重新对齐到下一个执行时刻；immediate 与 once 任务
// 保持原样，由循环按正常规则处理。
func (s *Scheduler) reconcile(ctx context.Context) error {
	tasks, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, task := range tasks {
		if task.Trigger.Kind != TriggerDaily || task.NextRun.After(now) {
			continue
		}
		missed := task.NextRun
		task.NextRun = s.nextDailyRun(now, task.Trigger.RunTime)
		task.UpdatedAt = now
		if err := s.store.Update(ctx, task); err != nil {
			return err
		}
		s.logger.Warn("停机期间错过 daily 任务执行，已对齐到下一时刻",
			zap.String("task_id", task.ID),
			zap.Time("missed", missed),
			zap.Time("next_run", task.NextRun),
		)
	}
	s.logger.Info("定时任务已恢复", zap.Int("active", len(tasks)))
	return nil
}

// cycle 执行一轮轮询。
func (s *Scheduler) cycle(ctx context.Context) {
	tasks, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Error("查询待执行任务失败", zap.Error(err))
		return
	}
	now := s.now()
	for _, task := range tasks {
		if task.NextRun.After(now) {
			continue
		}
		s.execute(ctx, task.ID, now)
	}
}

// execute 处理一个到期任务。执行前按任务号重查，
// 并发删除的任务不会被执行。
func (s *Scheduler) execute(ctx context.Context, id string, now time.Time) {
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("重查任务失败", zap.String("task_id", id), zap.Error(err))
		return
	}
	if fresh == nil || fresh.Status != TaskActive || fresh.NextRun.After(now) {
		return
	}
	task := *fresh

	switch task.Trigger.Kind {
	case TriggerImmediate:
		if !s.calendar.IsOpen(now) {
			task.NextRun = s.calendar.NextOpen(now).Add(s.openBuffer)
			task.UpdatedAt = now
			if err := s.store.Update(ctx, task); err != nil {
				s.logger.Error("顺延任务失败", zap.String("task_id", task.ID), zap.Error(err))
				return
			}
			s.logger.Info("市场休市，任务顺延到开盘后",
				zap.String("task_id", task.ID),
				zap.Time("next_run", task.NextRun),
			)
			return
		}
		s.attempt(ctx, task, now)
	case TriggerOnce:
		// 到点即执行，市场状态交由下单引擎裁决。
		s.attempt(ctx, task, now)
	case TriggerDaily:
		s.attemptDaily(ctx, task, now)
	}
}

// attempt 执行 immediate/once 任务一次。失败按配置最多再试一轮，
// 之后任务终结并保留错误。
func (s *Scheduler) attempt(ctx context.Context, task Task, now time.Time) {
	result, err := s.placer.Place(ctx, task.Spec)
	task.Attempts++
	task.UpdatedAt = now
	if err != nil {
		task.LastError = err.Error()
		if s.retryFailedOnce && task.Attempts == 1 {
			task.NextRun = now
			s.logger.Warn("任务执行失败，下一轮重试一次",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		} else {
			task.Status = TaskFailed
			s.logger.Error("任务执行失败", zap.String("task_id", task.ID), zap.Error(err))
			s.record(ctx, "task", "failed", task.ID, err.Error())
		}
	} else {
		task.Status = TaskCompleted
		task.LastError = ""
		s.logger.Info("任务执行完成",
			zap.String("task_id", task.ID),
			zap.String("order_id", result.Order.ID),
		)
		s.record(ctx, "task", "fired", task.ID, result.Order.ID)
	}
	if err := s.store.Update(ctx, task); err != nil {
		s.logger.Error("回写任务状态失败", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// attemptDaily 执行 daily 任务一次并推进到下一个交易日，
// 单次失败只记录，任务保持待执行。
func (s *Scheduler) attemptDaily(ctx context.Context, task Task, now time.Time) {
	result, err := s.placer.Place(ctx, task.Spec)
	task.Attempts++
	task.UpdatedAt = now
	if err != nil {
		task.LastError = err.Error()
		s.logger.Error("daily 任务本次执行失败", zap.String("task_id", task.ID), zap.Error(err))
		s.record(ctx, "task", "failed", task.ID, err.Error())
	} else {
		task.LastError = ""
		s.logger.Info("daily 任务执行完成",
			zap.String("task_id", task.ID),
			zap.String("order_id", result.Order.ID),
		)
		s.record(ctx, "task", "fired", task.ID, result.Order.ID)
	}
	task.NextRun = s.nextDailyRun(now, task.Trigger.RunTime)
	if err := s.store.Update(ctx, task); err != nil {
		s.logger.Error("回写任务状态失败", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Scheduler) initialNextRun(trigger Trigger, now time.Time) time.Time {
	switch trigger.Kind {
	case TriggerOnce:
		return trigger.RunAt.UTC()
	case TriggerDaily:
		return s.nextDailyRun(now, trigger.RunTime)
	default:
		return now
	}
}

// nextDailyRun 返回 after 之后最近一个交易日的 runTime 时刻。
// 当天为交易日且时刻未过时取当天。
func (s *Scheduler) nextDailyRun(after time.Time, runTime string) time.Time {
	parsed, err := time.Parse("15:04", runTime)
	if err != nil {
		// Validate 已拦截，此处仅兜底。
		return after.Add(24 * time.Hour)
	}
	loc := s.calendar.Location()
	local := after.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
	if candidate.After(after) && s.calendar.IsTradingDay(candidate) {
		return candidate.UTC()
	}
	next := s.calendar.NextTradingDay(candidate)
	return time.Date(next.Year(), next.Month(), next.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc).UTC()
}

func (s *Scheduler) record(ctx context.Context, category, action, refID, detail string) {
	if s.audit != nil {
		s.audit.Record(ctx, category, action, refID, detail)
	}
}
