/*
 * @module api/controllers/alert_controller
 * @description 告警规则控制器：规则维护、暂停恢复、手动检查、试发送、触发与投递记录；通知渠道测试
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 请求接收 -> alerting.Engine / notification.Dispatcher -> 响应返回
 * @rules 新建规则默认暂停；删除规则保留触发记录
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/alerting/engine.go, service/notification/dispatcher.go
 */

package controllers

import (
	"net/http"
	"time"

	"dataquality-service/service/alerting"
	"dataquality-service/service/notification"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// AlertController 告警规则控制器
type AlertController struct {
	engine   *alerting.Engine
	notifier alerting.Notifier
}

// NewAlertController 创建告警规则控制器
func NewAlertController(engine *alerting.Engine, notifier alerting.Notifier) *AlertController {
	return &AlertController{engine: engine, notifier: notifier}
}

// TickRequest 手动检查请求
type TickRequest struct {
	TickAt *time.Time `json:"tick_at,omitempty"`
}

// CreateRule 创建或替换告警规则
// @Summary 创建告警规则
// @Description 按名称创建或替换，未指定 active 时规则处于暂停状态
// @Tags 告警规则
// @Accept json
// @Produce json
// @Param rule body alerting.RuleInput true "告警规则"
// @Success 201 {object} APIResponse{data=models.AlertRule}
// @Failure 400 {object} APIResponse
// @Router /quality/alerts [post]
func (c *AlertController) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in alerting.RuleInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return
	}
	rule, err := c.engine.Create(r.Context(), in)
	if err != nil {
		respondError(w, r, "创建告警规则失败", err)
		return
	}
	respond(w, r, http.StatusCreated, "创建告警规则成功", rule)
}

// ListRules 告警规则列表
// @Summary 告警规则列表
// @Tags 告警规则
// @Produce json
// @Success 200 {object} APIResponse{data=[]models.AlertRule}
// @Router /quality/alerts [get]
func (c *AlertController) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := c.engine.List(r.Context())
	if err != nil {
		respondError(w, r, "获取告警规则列表失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取告警规则列表成功", rules)
}

// GetRule 获取告警规则
// @Summary 获取告警规则
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Success 200 {object} APIResponse{data=models.AlertRule}
// @Failure 404 {object} APIResponse
// @Router /quality/alerts/{rule} [get]
func (c *AlertController) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := c.engine.Get(r.Context(), chi.URLParam(r, "rule"))
	if err != nil {
		respondError(w, r, "获取告警规则失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取告警规则成功", rule)
}

// DropRule 删除告警规则
// @Summary 删除告警规则
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Success 200 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Router /quality/alerts/{rule} [delete]
func (c *AlertController) DropRule(w http.ResponseWriter, r *http.Request) {
	if err := c.engine.Drop(r.Context(), chi.URLParam(r, "rule")); err != nil {
		respondError(w, r, "删除告警规则失败", err)
		return
	}
	respond(w, r, http.StatusOK, "删除告警规则成功", nil)
}

// SuspendRule 暂停告警规则
// @Summary 暂停告警规则
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Success 200 {object} APIResponse{data=models.AlertRule}
// @Failure 404 {object} APIResponse
// @Router /quality/alerts/{rule}/suspend [post]
func (c *AlertController) SuspendRule(w http.ResponseWriter, r *http.Request) {
	rule, err := c.engine.Suspend(r.Context(), chi.URLParam(r, "rule"))
	if err != nil {
		respondError(w, r, "暂停告警规则失败", err)
		return
	}
	respond(w, r, http.StatusOK, "暂停告警规则成功", rule)
}

// ResumeRule 恢复告警规则
// @Summary 恢复告警规则
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Success 200 {object} APIResponse{data=models.AlertRule}
// @Failure 404 {object} APIResponse
// @Router /quality/alerts/{rule}/resume [post]
func (c *AlertController) ResumeRule(w http.ResponseWriter, r *http.Request) {
	rule, err := c.engine.Resume(r.Context(), chi.URLParam(r, "rule"))
	if err != nil {
		respondError(w, r, "恢复告警规则失败", err)
		return
	}
	respond(w, r, http.StatusOK, "恢复告警规则成功", rule)
}

// TickRule 手动执行一次规则检查
// @Summary 手动检查告警规则
// @Tags 告警规则
// @Accept json
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Param tick body TickRequest false "检查时刻，缺省为当前时间"
// @Success 200 {object} APIResponse{data=alerting.TickOutcome}
// @Failure 404 {object} APIResponse
// @Router /quality/alerts/{rule}/tick [post]
func (c *AlertController) TickRule(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			respondBadRequest(w, r, "请求参数格式错误")
			return
		}
	}
	tickAt := time.Now().UTC().Truncate(time.Second)
	if req.TickAt != nil {
		tickAt = req.TickAt.UTC()
	}
	rule, err := c.engine.Get(r.Context(), chi.URLParam(r, "rule"))
	if err != nil {
		respondError(w, r, "获取告警规则失败", err)
		return
	}
	outcome, err := c.engine.Tick(r.Context(), rule.ID, tickAt)
	if err != nil {
		respondError(w, r, "告警规则检查失败", err)
		return
	}
	respond(w, r, http.StatusOK, "告警规则检查完成", outcome)
}

// TestFire 使用最新结果试发送通知
// @Summary 试发送告警通知
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Success 200 {object} APIResponse{data=notification.DeliveryReceipt}
// @Failure 404 {object} APIResponse
// @Failure 502 {object} APIResponse
// @Router /quality/alerts/{rule}/test-fire [post]
func (c *AlertController) TestFire(w http.ResponseWriter, r *http.Request) {
	receipt, err := c.engine.TestFire(r.Context(), chi.URLParam(r, "rule"))
	if err != nil {
		respondError(w, r, "试发送失败", err)
		return
	}
	respond(w, r, http.StatusOK, "试发送成功", receipt)
}

// ListFirings 告警触发记录
// @Summary 告警触发记录
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Param since query string false "起始时间 RFC3339"
// @Param limit query int false "最大条数" default(100)
// @Success 200 {object} APIResponse{data=[]models.AlertFiring}
// @Router /quality/alerts/{rule}/firings [get]
func (c *AlertController) ListFirings(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		respondBadRequest(w, r, "since 参数格式错误")
		return
	}
	ruleID, ok := c.ruleID(w, r)
	if !ok {
		return
	}
	firings, err := c.engine.ListFirings(r.Context(), ruleID, since, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, r, "获取触发记录失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取触发记录成功", firings)
}

// ListDeliveries 通知投递记录
// @Summary 通知投递记录
// @Tags 告警规则
// @Produce json
// @Param rule path string true "规则ID或名称"
// @Param limit query int false "最大条数" default(100)
// @Success 200 {object} APIResponse{data=[]models.NotificationDelivery}
// @Router /quality/alerts/{rule}/deliveries [get]
func (c *AlertController) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := c.ruleID(w, r)
	if !ok {
		return
	}
	deliveries, err := c.engine.ListDeliveries(r.Context(), ruleID, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, r, "获取投递记录失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取投递记录成功", deliveries)
}

// ruleID 名称解析为ID；已删除规则的记录仍可按ID查询
func (c *AlertController) ruleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "rule")
	rule, err := c.engine.Get(r.Context(), key)
	if err == nil {
		return rule.ID, true
	}
	if statusOf(err) == http.StatusNotFound {
		return key, true
	}
	respondError(w, r, "获取告警规则失败", err)
	return "", false
}

// SendTestNotification 直接发送一条测试通知
// @Summary 测试通知渠道
// @Tags 通知
// @Accept json
// @Produce json
// @Param message body notification.Message true "通知内容"
// @Success 200 {object} APIResponse{data=notification.DeliveryReceipt}
// @Failure 400 {object} APIResponse
// @Failure 502 {object} APIResponse
// @Router /quality/notifications/test [post]
func (c *AlertController) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	var msg notification.Message
	if err := render.DecodeJSON(r.Body, &msg); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return
	}
	channel, err := notification.ParseChannel(string(msg.Channel))
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	msg.Channel = channel
	if msg.Recipient == "" && msg.Channel != notification.ChannelTicket {
		respondBadRequest(w, r, "缺少接收方")
		return
	}
	receipt, err := c.notifier.Send(r.Context(), msg)
	if err != nil {
		respondError(w, r, "发送测试通知失败", err)
		return
	}
	respond(w, r, http.StatusOK, "发送测试通知成功", receipt)
}
