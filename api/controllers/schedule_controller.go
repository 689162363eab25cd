/*
 * @module api/controllers/schedule_controller
 * @description 实体调度控制器：设置/清除调度、暂停恢复、立即运行与变更信号
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 请求接收 -> Scheduler / changefeed.Handler -> 响应返回
 * @rules 变更信号只唤醒生效中的 TRIGGER_ON_CHANGES 调度
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/quality/scheduler.go, service/changefeed/changefeed.go
 */

package controllers

import (
	"io"
	"net/http"

	"dataquality-service/service/changefeed"
	"dataquality-service/service/quality"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// ScheduleController 实体调度控制器
type ScheduleController struct {
	scheduler *quality.Scheduler
	changes   *changefeed.Handler
}

// NewScheduleController 创建实体调度控制器
func NewScheduleController(scheduler *quality.Scheduler, changes *changefeed.Handler) *ScheduleController {
	return &ScheduleController{scheduler: scheduler, changes: changes}
}

// SetScheduleRequest 设置调度请求
type SetScheduleRequest struct {
	Schedule string `json:"schedule" example:"60 MINUTE"`
}

// WakeResult 唤醒结果
type WakeResult struct {
	Entity   string   `json:"entity,omitempty"`
	Woken    bool     `json:"woken"`
	Enqueued int      `json:"enqueued,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

// SetSchedule 设置实体调度
// @Summary 设置实体调度
// @Description 支持 "N MINUTE"、"USING CRON <expr> <tz>"、"TRIGGER_ON_CHANGES"
// @Tags 实体调度
// @Accept json
// @Produce json
// @Param entity path string true "实体名"
// @Param schedule body SetScheduleRequest true "调度表达式"
// @Success 200 {object} APIResponse{data=models.EntitySchedule}
// @Failure 400 {object} APIResponse
// @Router /quality/entities/{entity}/schedule [put]
func (c *ScheduleController) SetSchedule(w http.ResponseWriter, r *http.Request) {
	var req SetScheduleRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return
	}
	sched, err := c.scheduler.SetSchedule(r.Context(), chi.URLParam(r, "entity"), req.Schedule)
	if err != nil {
		respondError(w, r, "设置调度失败", err)
		return
	}
	respond(w, r, http.StatusOK, "设置调度成功", sched)
}

// GetSchedule 获取实体调度
// @Summary 获取实体调度
// @Tags 实体调度
// @Produce json
// @Param entity path string true "实体名"
// @Success 200 {object} APIResponse{data=models.EntitySchedule}
// @Failure 404 {object} APIResponse
// @Router /quality/entities/{entity}/schedule [get]
func (c *ScheduleController) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := c.scheduler.GetSchedule(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, "获取调度失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取调度成功", sched)
}

// ClearSchedule 清除实体调度
// @Summary 清除实体调度
// @Tags 实体调度
// @Produce json
// @Param entity path string true "实体名"
// @Success 200 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Router /quality/entities/{entity}/schedule [delete]
func (c *ScheduleController) ClearSchedule(w http.ResponseWriter, r *http.Request) {
	if err := c.scheduler.ClearSchedule(r.Context(), chi.URLParam(r, "entity")); err != nil {
		respondError(w, r, "清除调度失败", err)
		return
	}
	respond(w, r, http.StatusOK, "清除调度成功", nil)
}

// ListSchedules 列出全部实体调度
// @Summary 实体调度列表
// @Tags 实体调度
// @Produce json
// @Success 200 {object} APIResponse{data=[]models.EntitySchedule}
// @Router /quality/schedules [get]
func (c *ScheduleController) ListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := c.scheduler.ListSchedules(r.Context())
	if err != nil {
		respondError(w, r, "获取调度列表失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取调度列表成功", list)
}

// Suspend 暂停实体调度并取消在途评估
// @Summary 暂停实体调度
// @Tags 实体调度
// @Produce json
// @Param entity path string true "实体名"
// @Success 200 {object} APIResponse{data=models.EntitySchedule}
// @Failure 404 {object} APIResponse
// @Router /quality/entities/{entity}/suspend [post]
func (c *ScheduleController) Suspend(w http.ResponseWriter, r *http.Request) {
	sched, err := c.scheduler.Suspend(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, "暂停调度失败", err)
		return
	}
	respond(w, r, http.StatusOK, "暂停调度成功", sched)
}

// Resume 恢复实体调度
// @Summary 恢复实体调度
// @Tags 实体调度
// @Produce json
// @Param entity path string true "实体名"
// @Success 200 {object} APIResponse{data=models.EntitySchedule}
// @Failure 404 {object} APIResponse
// @Router /quality/entities/{entity}/resume [post]
func (c *ScheduleController) Resume(w http.ResponseWriter, r *http.Request) {
	sched, err := c.scheduler.Resume(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, "恢复调度失败", err)
		return
	}
	respond(w, r, http.StatusOK, "恢复调度成功", sched)
}

// RunNow 立即唤醒实体全部绑定
// @Summary 立即运行实体
// @Tags 实体调度
// @Produce json
// @Param entity path string true "实体名"
// @Success 202 {object} APIResponse{data=WakeResult}
// @Router /quality/entities/{entity}/run [post]
func (c *ScheduleController) RunNow(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	n := c.scheduler.TriggerNow(entity)
	respond(w, r, http.StatusAccepted, "已提交评估", WakeResult{Entity: entity, Woken: n > 0, Enqueued: n})
}

// Changed 实体数据变更信号
// @Summary 实体变更信号
// @Tags 实体调度
// @Produce json
// @Param entity path string true "实体名"
// @Success 202 {object} APIResponse{data=WakeResult}
// @Router /quality/entities/{entity}/changed [post]
func (c *ScheduleController) Changed(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if !changefeed.ValidEntity(entity) {
		respondBadRequest(w, r, "实体名不合法")
		return
	}
	woken := c.scheduler.NotifyChanged(entity)
	respond(w, r, http.StatusAccepted, "已接收变更信号", WakeResult{Entity: entity, Woken: woken})
}

// EntityChanged 批量变更事件，消息体与消息中间件格式一致
// @Summary 实体变更事件
// @Tags 实体调度
// @Accept json
// @Produce json
// @Param event body changefeed.Event true "变更事件"
// @Success 202 {object} APIResponse{data=WakeResult}
// @Failure 400 {object} APIResponse
// @Router /quality/events/entity-changed [post]
func (c *ScheduleController) EntityChanged(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondBadRequest(w, r, "读取请求体失败")
		return
	}
	woken, err := c.changes.Handle(changefeed.SourceHTTP, payload)
	if err != nil {
		respondError(w, r, "变更事件无效", err)
		return
	}
	respond(w, r, http.StatusAccepted, "已接收变更事件", WakeResult{Woken: len(woken) > 0, Entities: woken})
}
