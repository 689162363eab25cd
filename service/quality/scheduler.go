/*
 * @module service/quality/scheduler
 * @description 实体调度器：每个实体一个调度，唤醒时为实体上的每个绑定入队一次评估
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 未调度 -> 生效(调度) -> 生效(新调度，重新布置) / 暂停 -> 恢复
 * @rules 入队前为绑定占位，已有在途评估的绑定跳过不排队；暂停/清除调度时取消在途评估；cron 在调度声明的时区求值
 * @dependencies github.com/robfig/cron/v3, gorm.io/gorm
 * @refs schedule.go, evaluator.go, inflight.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dataquality-service/service/metrics"
	"dataquality-service/service/models"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// 调度状态
const (
	ScheduleStateActive    = "active"
	ScheduleStateSuspended = "suspended"
)

// 唤醒来源
const (
	TriggerTimer  = "timer"
	TriggerChange = "change"
	TriggerManual = "manual"
)

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Workers   int
	QueueSize int
}

type evalTask struct {
	flight  *Flight
	binding models.MetricBinding
}

type entityState struct {
	schedule Schedule
	state    string
	entryID  cron.EntryID
	armed    bool
}

// Scheduler 实体调度器
type Scheduler struct {
	db        *gorm.DB
	bindings  *BindingStore
	evaluator *Evaluator
	guard     *InFlightGuard

	cron    *cron.Cron
	workers int

	mu       sync.Mutex
	entities map[string]*entityState
	queue    chan evalTask
	started  bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(db *gorm.DB, bindings *BindingStore, evaluator *Evaluator, guard *InFlightGuard, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:        db,
		bindings:  bindings,
		evaluator: evaluator,
		guard:     guard,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		workers:   cfg.Workers,
		entities:  make(map[string]*entityState),
		queue:     make(chan evalTask, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 加载已保存的调度并启动
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("调度器已经启动")
	}
	s.started = true
	s.mu.Unlock()

	slog.Info("启动实体调度器", "workers", s.workers)

	var rows []models.EntitySchedule
	if err := s.db.WithContext(s.ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("加载实体调度失败: %w", err)
	}

	loaded, failed := 0, 0
	for _, row := range rows {
		sched, err := ParseSchedule(row.Expression)
		if err != nil {
			slog.Error("实体调度表达式无效，已跳过", "entity", row.Entity, "expression", row.Expression, "error", err)
			failed++
			continue
		}
		s.mu.Lock()
		s.arm(row.Entity, sched, row.State)
		s.mu.Unlock()
		loaded++
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.cron.Start()

	slog.Info("实体调度器启动完成", "loaded", loaded, "failed", failed)
	return nil
}

// Stop 停止调度器，等待在途评估结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	slog.Info("停止实体调度器")
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	slog.Info("实体调度器已停止")
}

// arm 按状态布置 cron 条目，调用方持有 s.mu
func (s *Scheduler) arm(entity string, sched Schedule, state string) {
	if old, ok := s.entities[entity]; ok && old.armed {
		s.cron.Remove(old.entryID)
	}
	st := &entityState{schedule: sched, state: state}
	s.entities[entity] = st

	if state != ScheduleStateActive {
		return
	}
	spec := sched.cronSchedule()
	if spec == nil {
		return
	}
	st.entryID = s.cron.Schedule(spec, cron.FuncJob(func() {
		s.wake(entity, TriggerTimer)
	}))
	st.armed = true
}

func (s *Scheduler) disarm(entity string) {
	if st, ok := s.entities[entity]; ok && st.armed {
		s.cron.Remove(st.entryID)
		st.armed = false
	}
}

// SetSchedule 设置实体调度，替换旧调度并重新布置
func (s *Scheduler) SetSchedule(ctx context.Context, entity, expression string) (*models.EntitySchedule, error) {
	sched, err := ParseSchedule(expression)
	if err != nil {
		return nil, err
	}

	var row models.EntitySchedule
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		findErr := tx.Where("entity = ?", entity).First(&row).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			row = models.EntitySchedule{
				Entity:     entity,
				Expression: sched.String(),
				Kind:       string(sched.Kind()),
				State:      ScheduleStateActive,
				Revision:   1,
			}
			return tx.Create(&row).Error
		}
		if findErr != nil {
			return findErr
		}
		row.Expression = sched.String()
		row.Kind = string(sched.Kind())
		row.State = ScheduleStateActive
		row.Revision++
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("保存实体调度失败: %w", err)
	}

	s.mu.Lock()
	s.arm(entity, sched, ScheduleStateActive)
	s.mu.Unlock()

	slog.Info("实体调度已布置", "entity", entity, "schedule", sched.String(), "revision", row.Revision)
	return &row, nil
}

// GetSchedule 获取实体调度
func (s *Scheduler) GetSchedule(ctx context.Context, entity string) (*models.EntitySchedule, error) {
	var row models.EntitySchedule
	if err := s.db.WithContext(ctx).Where("entity = ?", entity).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Kind: "实体调度", Key: entity}
		}
		return nil, fmt.Errorf("查询实体调度失败: %w", err)
	}
	return &row, nil
}

// ListSchedules 列出全部实体调度
func (s *Scheduler) ListSchedules(ctx context.Context) ([]models.EntitySchedule, error) {
	var rows []models.EntitySchedule
	if err := s.db.WithContext(ctx).Order("entity ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询实体调度失败: %w", err)
	}
	return rows, nil
}

func (s *Scheduler) setState(ctx context.Context, entity, state string) (*models.EntitySchedule, error) {
	row, err := s.GetSchedule(ctx, entity)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(row).Update("state", state).Error; err != nil {
		return nil, fmt.Errorf("更新实体调度状态失败: %w", err)
	}
	row.State = state
	return row, nil
}

// Suspend 暂停实体调度并取消其在途评估
func (s *Scheduler) Suspend(ctx context.Context, entity string) (*models.EntitySchedule, error) {
	row, err := s.setState(ctx, entity, ScheduleStateSuspended)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.disarm(entity)
	if st, ok := s.entities[entity]; ok {
		st.state = ScheduleStateSuspended
	}
	s.mu.Unlock()

	cancelled := s.guard.CancelEntity(entity)
	slog.Info("实体调度已暂停", "entity", entity, "cancelled", cancelled)
	return row, nil
}

// Resume 恢复实体调度
func (s *Scheduler) Resume(ctx context.Context, entity string) (*models.EntitySchedule, error) {
	row, err := s.setState(ctx, entity, ScheduleStateActive)
	if err != nil {
		return nil, err
	}
	sched, err := ParseSchedule(row.Expression)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.arm(entity, sched, ScheduleStateActive)
	s.mu.Unlock()

	slog.Info("实体调度已恢复", "entity", entity, "schedule", row.Expression)
	return row, nil
}

// ClearSchedule 删除实体调度，实体回到未调度状态
func (s *Scheduler) ClearSchedule(ctx context.Context, entity string) error {
	res := s.db.WithContext(ctx).Where("entity = ?", entity).Delete(&models.EntitySchedule{})
	if res.Error != nil {
		return fmt.Errorf("删除实体调度失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Kind: "实体调度", Key: entity}
	}

	s.mu.Lock()
	s.disarm(entity)
	delete(s.entities, entity)
	s.mu.Unlock()

	s.guard.CancelEntity(entity)
	slog.Info("实体调度已删除", "entity", entity)
	return nil
}

// NotifyChanged 实体数据变更信号，只唤醒生效中的 TRIGGER_ON_CHANGES 调度
func (s *Scheduler) NotifyChanged(entity string) bool {
	s.mu.Lock()
	st, ok := s.entities[entity]
	fire := ok && st.state == ScheduleStateActive && st.schedule.Kind() == ScheduleKindOnChange
	s.mu.Unlock()

	if !fire {
		slog.Debug("忽略实体变更信号", "entity", entity)
		return false
	}
	s.wake(entity, TriggerChange)
	return true
}

// TriggerNow 立即唤醒实体，不依赖调度状态，返回入队数量
func (s *Scheduler) TriggerNow(entity string) int {
	return s.wake(entity, TriggerManual)
}

// RunBinding 同步评估单个绑定
func (s *Scheduler) RunBinding(ctx context.Context, bindingID string) (*models.MetricResult, error) {
	binding, err := s.bindings.GetBinding(ctx, bindingID)
	if err != nil {
		return nil, err
	}
	return s.evaluator.Evaluate(ctx, binding)
}

// wake 为实体上每个绑定占位并入队，返回入队数量
func (s *Scheduler) wake(entity, trigger string) int {
	metrics.ScheduleWakes.WithLabelValues(trigger).Inc()

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	bindings, err := s.bindings.ListBindings(ctx, entity)
	if err != nil {
		slog.Error("唤醒实体时查询绑定失败", "entity", entity, "error", err)
		return 0
	}

	enqueued, skipped := 0, 0
	s.mu.Lock()
	for _, b := range bindings {
		if s.stopped {
			break
		}
		flight := s.guard.TryAcquire(b.ID, b.Entity)
		if flight == nil {
			skipped++
			metrics.EvaluationsSkipped.WithLabelValues("in_flight").Inc()
			continue
		}
		select {
		case s.queue <- evalTask{flight: flight, binding: b}:
			enqueued++
		default:
			s.guard.Release(flight)
			skipped++
			metrics.EvaluationsSkipped.WithLabelValues("queue_full").Inc()
			slog.Warn("评估队列已满，跳过绑定", "binding_id", b.ID, "entity", entity)
		}
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	s.db.WithContext(ctx).Model(&models.EntitySchedule{}).Where("entity = ?", entity).Update("last_wake_at", now)

	slog.Info("实体已唤醒", "entity", entity, "trigger", trigger, "bindings", len(bindings), "enqueued", enqueued, "skipped", skipped)
	return enqueued
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for task := range s.queue {
		s.runTask(task)
	}
}

func (s *Scheduler) runTask(task evalTask) {
	defer s.guard.Release(task.flight)

	if task.flight.Cancelled() || s.ctx.Err() != nil {
		slog.Debug("评估任务已取消，跳过", "binding_id", task.binding.ID)
		return
	}

	// 错误已在评估器中记录，单个绑定失败不影响其他绑定
	_, _ = s.evaluator.runFlight(s.ctx, task.flight, &task.binding)
}
