/*
 * @module service/alerting/engine
 * @description 告警规则引擎：按规则自身调度检查时间窗口内的指标结果，条件成立时记录触发并发送通知
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 创建(暂停) -> 恢复(生效) <-> 暂停 -> 删除；Tick: 查询窗口结果 -> 判断条件 -> 记录触发 -> 渲染 -> 投递
 * @rules 同一(规则,周期)最多一次触发；暂停的规则照常求值但不通知；投递失败只记录不影响触发记录；单规则错误不影响其他规则
 * @dependencies github.com/robfig/cron/v3, gorm.io/gorm, service/notification, service/quality
 * @refs template.go, service/quality/result_store.go, service/notification/dispatcher.go
 */

package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dataquality-service/service/distributed_lock"
	"dataquality-service/service/metrics"
	"dataquality-service/service/models"
	"dataquality-service/service/notification"
	"dataquality-service/service/quality"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Tick 结果状态
const (
	TickClear        = "clear"          // 条件不成立
	TickFired        = "fired"          // 触发并已尝试投递
	TickSuppressed   = "suppressed"     // 规则暂停，不通知
	TickAlreadyFired = "already_firing" // 边沿模式下条件持续成立
	TickDuplicate    = "duplicate"      // 本周期已触发过
)

// Notifier 通知发送接口
type Notifier interface {
	Send(ctx context.Context, msg notification.Message) (*notification.DeliveryReceipt, error)
}

// RuleInput 创建或替换告警规则的输入
type RuleInput struct {
	Name            string                     `json:"name"`
	Description     string                     `json:"description"`
	MetricName      string                     `json:"metric_name"`
	Entity          string                     `json:"entity"`
	Operator        string                     `json:"operator"`
	Threshold       float64                    `json:"threshold"`
	Window          string                     `json:"window"`
	WindowSeconds   int64                      `json:"window_seconds"`
	Schedule        string                     `json:"schedule"`
	Active          bool                       `json:"active"`
	TriggerMode     string                     `json:"trigger_mode"`
	Channel         string                     `json:"channel"`
	Recipient       string                     `json:"recipient"`
	SubjectTemplate string                     `json:"subject_template"`
	BodyTemplate    string                     `json:"body_template"`
	Ticket          *notification.TicketFields `json:"ticket,omitempty"`
	CreatedBy       string                     `json:"created_by"`
}

// TickOutcome 一次检查的结果
type TickOutcome struct {
	RuleID       string                       `json:"rule_id"`
	TickAt       time.Time                    `json:"tick_at"`
	ConditionMet bool                         `json:"condition_met"`
	Status       string                       `json:"status"`
	Firing       *models.AlertFiring          `json:"firing,omitempty"`
	Delivery     *models.NotificationDelivery `json:"delivery,omitempty"`
}

// Engine 告警规则引擎
type Engine struct {
	db         *gorm.DB
	results    *quality.ResultStore
	classifier *quality.Classifier
	notifier   Notifier
	locker     *distributed_lock.LockExecutor

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewEngine 创建告警引擎，lock 为 nil 时不做跨实例互斥
func NewEngine(db *gorm.DB, results *quality.ResultStore, classifier *quality.Classifier, notifier Notifier, lock distributed_lock.DistributedLock) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:         db,
		results:    results,
		classifier: classifier,
		notifier:   notifier,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		entries:    make(map[string]cron.EntryID),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	if lock != nil {
		e.locker = distributed_lock.NewLockExecutor(lock)
	}
	return e
}

// SetClock 替换时钟，用于测试
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start 加载全部规则并启动调度；暂停的规则也会被调度以便记录求值
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("告警引擎已经启动")
	}
	e.started = true
	e.mu.Unlock()

	var rules []models.AlertRule
	if err := e.db.WithContext(e.ctx).Find(&rules).Error; err != nil {
		return fmt.Errorf("加载告警规则失败: %w", err)
	}
	armed := 0
	for i := range rules {
		if err := e.arm(&rules[i]); err != nil {
			slog.Error("布置告警规则失败", "rule", rules[i].Name, "error", err)
			continue
		}
		armed++
	}
	e.cron.Start()
	slog.Info("告警引擎启动完成", "rules", len(rules), "armed", armed)
	return nil
}

// Stop 停止告警引擎
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	<-e.cron.Stop().Done()
	e.cancel()
	slog.Info("告警引擎已停止")
}

func (e *Engine) arm(rule *models.AlertRule) error {
	sched, err := quality.ParseSchedule(rule.Schedule)
	if err != nil {
		return err
	}
	ruleID := rule.ID

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.entries[ruleID]; ok {
		e.cron.Remove(id)
	}
	e.entries[ruleID] = e.cron.Schedule(sched, cron.FuncJob(func() {
		e.scheduledTick(ruleID)
	}))
	return nil
}

func (e *Engine) disarm(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.entries[ruleID]; ok {
		e.cron.Remove(id)
		delete(e.entries, ruleID)
	}
}

// scheduledTick 定时触发的检查，错误只记录
func (e *Engine) scheduledTick(ruleID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("告警规则检查异常", "rule_id", ruleID, "panic", r)
		}
	}()

	tickAt := e.now().UTC().Truncate(time.Second)
	lockKey := fmt.Sprintf("alert_rule:%s:%d", ruleID, tickAt.Unix())
	ran, err := e.locker.ExecuteWithLock(e.ctx, lockKey, time.Minute, func() error {
		_, tickErr := e.Tick(e.ctx, ruleID, tickAt)
		return tickErr
	})
	if err != nil {
		slog.Error("告警规则检查失败", "rule_id", ruleID, "error", err)
		return
	}
	if !ran {
		slog.Debug("告警规则本周期由其他实例检查", "rule_id", ruleID)
	}
}

func validateRule(in *RuleInput) (*models.AlertRule, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &quality.ValidationError{Field: "name", Reason: "规则名称不能为空"}
	}
	if strings.TrimSpace(in.MetricName) == "" || strings.TrimSpace(in.Entity) == "" {
		return nil, &quality.ValidationError{Field: "metric_name", Reason: "必须指定指标与实体"}
	}
	op, err := quality.NormalizeOperator(in.Operator)
	if err != nil {
		return nil, err
	}

	window := time.Duration(in.WindowSeconds) * time.Second
	if in.Window != "" {
		if window, err = time.ParseDuration(in.Window); err != nil {
			return nil, &quality.ValidationError{Field: "window", Reason: fmt.Sprintf("时间窗口格式错误: %v", err)}
		}
	}
	if window <= 0 {
		return nil, &quality.ValidationError{Field: "window", Reason: "时间窗口必须大于0"}
	}

	sched, err := quality.ParseSchedule(in.Schedule)
	if err != nil {
		return nil, err
	}
	if sched.Kind() == quality.ScheduleKindOnChange {
		return nil, &quality.ValidationError{Field: "schedule", Reason: "告警规则只支持固定间隔或 cron 调度"}
	}

	mode := strings.ToLower(strings.TrimSpace(in.TriggerMode))
	switch mode {
	case "":
		mode = models.TriggerModeLevel
	case models.TriggerModeLevel, models.TriggerModeEdge:
	default:
		return nil, &quality.ValidationError{Field: "trigger_mode", Reason: fmt.Sprintf("未知触发模式 %q", in.TriggerMode)}
	}

	channel, err := notification.ParseChannel(in.Channel)
	if err != nil {
		return nil, &quality.ValidationError{Field: "channel", Reason: err.Error()}
	}
	rule := &models.AlertRule{
		Name:            name,
		Description:     in.Description,
		MetricName:      strings.TrimSpace(in.MetricName),
		Entity:          strings.TrimSpace(in.Entity),
		Operator:        op,
		Threshold:       in.Threshold,
		WindowSeconds:   int64(window / time.Second),
		Schedule:        sched.String(),
		TriggerMode:     mode,
		Channel:         string(channel),
		Recipient:       in.Recipient,
		SubjectTemplate: in.SubjectTemplate,
		BodyTemplate:    in.BodyTemplate,
		CreatedBy:       in.CreatedBy,
		State:           models.AlertStateSuspended,
	}
	if in.Active {
		rule.State = models.AlertStateActive
	}
	if channel == notification.ChannelTicket {
		fields := notification.TicketFields{}
		if in.Ticket != nil {
			fields = *in.Ticket
		}
		if err := fields.Validate(); err != nil {
			return nil, &quality.ValidationError{Field: "ticket", Reason: err.Error()}
		}
		rule.TicketIssueType = fields.IssueType
		rule.TicketPriority = fields.Priority
		rule.TicketAssignee = fields.Assignee
		rule.TicketLabels = models.JSONBStringArray(fields.Labels)
	} else if strings.TrimSpace(in.Recipient) == "" {
		return nil, &quality.ValidationError{Field: "recipient", Reason: "收件人不能为空"}
	}
	return rule, nil
}

// Create 按名称创建或替换告警规则；未指定 active 时新规则为暂停状态
func (e *Engine) Create(ctx context.Context, in RuleInput) (*models.AlertRule, error) {
	rule, err := validateRule(&in)
	if err != nil {
		return nil, err
	}

	var saved models.AlertRule
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		findErr := tx.Where("name = ?", rule.Name).First(&saved).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			saved = *rule
			return tx.Create(&saved).Error
		}
		if findErr != nil {
			return findErr
		}
		rule.ID = saved.ID
		rule.CreatedAt = saved.CreatedAt
		rule.CreatedBy = saved.CreatedBy
		rule.LastEvaluatedAt = saved.LastEvaluatedAt
		saved = *rule
		return tx.Save(&saved).Error
	})
	if err != nil {
		return nil, fmt.Errorf("保存告警规则失败: %w", err)
	}

	if e.isStarted() {
		if err := e.arm(&saved); err != nil {
			return nil, err
		}
	}
	slog.Info("告警规则已保存", "rule", saved.Name, "state", saved.State, "schedule", saved.Schedule)
	return &saved, nil
}

func (e *Engine) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Get 按ID或名称获取规则
func (e *Engine) Get(ctx context.Context, idOrName string) (*models.AlertRule, error) {
	var rule models.AlertRule
	err := e.db.WithContext(ctx).Where("id = ? OR name = ?", idOrName, idOrName).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &quality.NotFoundError{Kind: "告警规则", Key: idOrName}
	}
	if err != nil {
		return nil, fmt.Errorf("查询告警规则失败: %w", err)
	}
	return &rule, nil
}

// List 列出规则
func (e *Engine) List(ctx context.Context) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	if err := e.db.WithContext(ctx).Order("name ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("查询告警规则失败: %w", err)
	}
	return rules, nil
}

// Suspend 暂停规则：照常求值，不再通知
func (e *Engine) Suspend(ctx context.Context, idOrName string) (*models.AlertRule, error) {
	rule, err := e.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Model(rule).Update("state", models.AlertStateSuspended).Error; err != nil {
		return nil, fmt.Errorf("暂停告警规则失败: %w", err)
	}
	rule.State = models.AlertStateSuspended
	slog.Info("告警规则已暂停", "rule", rule.Name)
	return rule, nil
}

// Resume 恢复规则，并清除边沿模式的上次状态以重新布防
func (e *Engine) Resume(ctx context.Context, idOrName string) (*models.AlertRule, error) {
	rule, err := e.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	err = e.db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{
		"state":              models.AlertStateActive,
		"last_condition_met": false,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("恢复告警规则失败: %w", err)
	}
	rule.State = models.AlertStateActive
	rule.LastConditionMet = false
	slog.Info("告警规则已恢复", "rule", rule.Name)
	return rule, nil
}

// Drop 删除规则，触发记录保留用于审计
func (e *Engine) Drop(ctx context.Context, idOrName string) error {
	rule, err := e.Get(ctx, idOrName)
	if err != nil {
		return err
	}
	if err := e.db.WithContext(ctx).Delete(rule).Error; err != nil {
		return fmt.Errorf("删除告警规则失败: %w", err)
	}
	e.disarm(rule.ID)
	slog.Info("告警规则已删除", "rule", rule.Name)
	return nil
}

// Tick 在 tickAt 时刻检查一次规则
func (e *Engine) Tick(ctx context.Context, ruleID string, tickAt time.Time) (*TickOutcome, error) {
	rule, err := e.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	tickAt = tickAt.UTC()
	outcome := &TickOutcome{RuleID: rule.ID, TickAt: tickAt}

	since := tickAt.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	results, err := e.results.Query(ctx, quality.ResultQuery{
		Entity: rule.Entity,
		Metric: rule.MetricName,
		Since:  &since,
		Until:  &tickAt,
	})
	if err != nil {
		metrics.AlertTicks.WithLabelValues(rule.Name, "error").Inc()
		return nil, err
	}

	// 取窗口内最近一条满足条件的结果
	var matched *models.MetricResult
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Value != nil && quality.Compare(rule.Operator, *r.Value, rule.Threshold) {
			matched = &results[i]
			break
		}
	}
	outcome.ConditionMet = matched != nil
	previouslyMet := rule.LastConditionMet

	switch {
	case !outcome.ConditionMet:
		outcome.Status = TickClear
	case rule.State != models.AlertStateActive:
		outcome.Status = TickSuppressed
		slog.Info("告警条件成立但规则已暂停，不发送通知", "rule", rule.Name, "value", *matched.Value)
	case rule.TriggerMode == models.TriggerModeEdge && previouslyMet:
		outcome.Status = TickAlreadyFired
	default:
		firing, created, err := e.recordFiring(ctx, rule, matched, tickAt)
		if err != nil {
			// 触发未落库时保留上一次的条件状态，边沿模式下一次检查仍可触发
			e.saveTickState(ctx, rule, previouslyMet, tickAt)
			metrics.AlertTicks.WithLabelValues(rule.Name, "error").Inc()
			return nil, err
		}
		outcome.Firing = firing
		if !created {
			outcome.Status = TickDuplicate
			break
		}
		outcome.Status = TickFired
		outcome.Delivery = e.dispatch(ctx, rule, firing, matched, tickAt)
	}

	e.saveTickState(ctx, rule, outcome.ConditionMet, tickAt)
	metrics.AlertTicks.WithLabelValues(rule.Name, outcome.Status).Inc()
	slog.Debug("告警规则检查完成", "rule", rule.Name, "tick_at", tickAt, "status", outcome.Status, "results", len(results))
	return outcome, nil
}

func (e *Engine) saveTickState(ctx context.Context, rule *models.AlertRule, met bool, tickAt time.Time) {
	if err := e.db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{
		"last_condition_met": met,
		"last_evaluated_at":  tickAt,
	}).Error; err != nil {
		slog.Warn("更新告警规则检查状态失败", "rule", rule.Name, "error", err)
	}
}

// recordFiring 记录触发，同一(规则,周期)已存在时返回已有记录
func (e *Engine) recordFiring(ctx context.Context, rule *models.AlertRule, result *models.MetricResult, tickAt time.Time) (*models.AlertFiring, bool, error) {
	severity := e.classifier.ClassifyValue(result.MetricName, result.Value)
	firing := models.AlertFiring{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		TickAt:     tickAt,
		MetricName: rule.MetricName,
		Entity:     rule.Entity,
		ResultID:   result.ID,
		Value:      *result.Value,
		Threshold:  rule.Threshold,
		Severity:   string(severity),
	}

	created := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.AlertFiring
		findErr := tx.Where("rule_id = ? AND tick_at = ?", rule.ID, tickAt).First(&existing).Error
		if findErr == nil {
			firing = existing
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		if err := tx.Create(&firing).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("记录告警触发失败: %w", err)
	}
	if created {
		metrics.AlertFirings.WithLabelValues(rule.Name, firing.Severity).Inc()
		slog.Warn("告警规则触发",
			"rule", rule.Name,
			"metric", rule.MetricName,
			"entity", rule.Entity,
			"value", firing.Value,
			"threshold", rule.Threshold,
			"severity", firing.Severity)
	}
	return &firing, created, nil
}

func (e *Engine) message(rule *models.AlertRule, result *models.MetricResult, severity string, tickAt time.Time) notification.Message {
	data := TemplateData{
		RuleName:   rule.Name,
		MetricName: rule.MetricName,
		Entity:     rule.Entity,
		Operator:   rule.Operator,
		Threshold:  rule.Threshold,
		Severity:   severity,
		Window:     time.Duration(rule.WindowSeconds) * time.Second,
		TickAt:     tickAt,
	}
	if result != nil {
		data.Value = result.Value
		data.MeasuredAt = result.MeasuredAt
	}
	msg := notification.Message{
		Channel:   notification.Channel(rule.Channel),
		Recipient: rule.Recipient,
		Subject:   renderOrDefault(rule.SubjectTemplate, DefaultSubjectTemplate, data),
		Body:      renderOrDefault(rule.BodyTemplate, DefaultBodyTemplate, data),
	}
	if msg.Channel == notification.ChannelTicket {
		msg.Ticket = &notification.TicketFields{
			IssueType: rule.TicketIssueType,
			Priority:  rule.TicketPriority,
			Assignee:  rule.TicketAssignee,
			Labels:    rule.TicketLabels,
		}
	}
	return msg
}

// dispatch 发送通知并记录投递结果；失败只记录日志
func (e *Engine) dispatch(ctx context.Context, rule *models.AlertRule, firing *models.AlertFiring, result *models.MetricResult, tickAt time.Time) *models.NotificationDelivery {
	msg := e.message(rule, result, firing.Severity, tickAt)
	delivery := &models.NotificationDelivery{
		RuleID:    rule.ID,
		FiringID:  firing.ID,
		Channel:   rule.Channel,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Status:    "sent",
	}

	receipt, err := e.notifier.Send(ctx, msg)
	if err != nil {
		delivery.Status = "failed"
		delivery.ErrorMessage = err.Error()
		slog.Error("告警通知投递失败，等待下个周期重新求值", "rule", rule.Name, "channel", rule.Channel, "error", err)
	} else if receipt != nil {
		delivery.ExternalKey = receipt.ExternalKey
		delivery.ExternalStatus = receipt.ExternalStatus
	}

	if err := e.db.WithContext(ctx).Create(delivery).Error; err != nil {
		slog.Error("记录通知投递失败", "rule", rule.Name, "error", err)
	}
	return delivery
}

// TestFire 使用最新结果渲染并发送一次通知，不记录触发
func (e *Engine) TestFire(ctx context.Context, idOrName string) (*notification.DeliveryReceipt, error) {
	rule, err := e.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	results, err := e.results.Query(ctx, quality.ResultQuery{Entity: rule.Entity, Metric: rule.MetricName})
	if err != nil {
		return nil, err
	}
	var latest *models.MetricResult
	severity := quality.SeverityOK
	if n := len(results); n > 0 {
		latest = &results[n-1]
		severity = e.classifier.ClassifyValue(latest.MetricName, latest.Value)
	}
	msg := e.message(rule, latest, string(severity), e.now().UTC())
	msg.Subject = "[TEST] " + msg.Subject
	return e.notifier.Send(ctx, msg)
}

// ListFirings 规则的触发记录，按时间倒序
func (e *Engine) ListFirings(ctx context.Context, ruleID string, since *time.Time, limit int) ([]models.AlertFiring, error) {
	query := e.db.WithContext(ctx).Model(&models.AlertFiring{})
	if ruleID != "" {
		query = query.Where("rule_id = ?", ruleID)
	}
	if since != nil {
		query = query.Where("tick_at >= ?", since.UTC())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var firings []models.AlertFiring
	if err := query.Order("tick_at DESC").Find(&firings).Error; err != nil {
		return nil, fmt.Errorf("查询告警触发记录失败: %w", err)
	}
	return firings, nil
}

// ListDeliveries 规则的通知投递记录，按时间倒序
func (e *Engine) ListDeliveries(ctx context.Context, ruleID string, limit int) ([]models.NotificationDelivery, error) {
	query := e.db.WithContext(ctx).Model(&models.NotificationDelivery{})
	if ruleID != "" {
		query = query.Where("rule_id = ?", ruleID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var deliveries []models.NotificationDelivery
	if err := query.Order("created_at DESC").Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("查询通知投递记录失败: %w", err)
	}
	return deliveries, nil
}
