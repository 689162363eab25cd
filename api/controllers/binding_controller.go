/*
 * @module api/controllers/binding_controller
 * @description 指标绑定控制器：绑定、解绑、查询与单绑定立即评估
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 请求接收 -> BindingStore / Scheduler -> 响应返回
 * @rules 结构不匹配返回 400；绑定正在评估时立即评估返回 409
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/quality/binding_store.go, service/quality/scheduler.go
 */

package controllers

import (
	"net/http"

	"dataquality-service/service/quality"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// BindingController 指标绑定控制器
type BindingController struct {
	bindings  *quality.BindingStore
	scheduler *quality.Scheduler
}

// NewBindingController 创建指标绑定控制器
func NewBindingController(bindings *quality.BindingStore, scheduler *quality.Scheduler) *BindingController {
	return &BindingController{bindings: bindings, scheduler: scheduler}
}

// Bind 绑定指标到实体列
// @Summary 绑定指标
// @Description 相同(实体,指标,列)重复绑定返回已有绑定
// @Tags 指标绑定
// @Accept json
// @Produce json
// @Param binding body quality.BindRequest true "绑定请求"
// @Success 201 {object} APIResponse{data=models.MetricBinding}
// @Failure 400 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Router /quality/bindings [post]
func (c *BindingController) Bind(w http.ResponseWriter, r *http.Request) {
	var req quality.BindRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return
	}
	binding, err := c.bindings.Bind(r.Context(), req)
	if err != nil {
		respondError(w, r, "绑定指标失败", err)
		return
	}
	respond(w, r, http.StatusCreated, "绑定指标成功", binding)
}

// ListBindings 列出绑定，可按实体过滤
// @Summary 绑定列表
// @Tags 指标绑定
// @Produce json
// @Param entity query string false "实体名"
// @Success 200 {object} APIResponse{data=[]models.MetricBinding}
// @Router /quality/bindings [get]
func (c *BindingController) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := c.bindings.ListBindings(r.Context(), r.URL.Query().Get("entity"))
	if err != nil {
		respondError(w, r, "获取绑定列表失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取绑定列表成功", bindings)
}

// GetBinding 获取绑定
// @Summary 获取绑定
// @Tags 指标绑定
// @Produce json
// @Param id path string true "绑定ID"
// @Success 200 {object} APIResponse{data=models.MetricBinding}
// @Failure 404 {object} APIResponse
// @Router /quality/bindings/{id} [get]
func (c *BindingController) GetBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := c.bindings.GetBinding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "获取绑定失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取绑定成功", binding)
}

// Unbind 解除绑定，在途评估被取消
// @Summary 解除绑定
// @Tags 指标绑定
// @Produce json
// @Param id path string true "绑定ID"
// @Success 200 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Router /quality/bindings/{id} [delete]
func (c *BindingController) Unbind(w http.ResponseWriter, r *http.Request) {
	if err := c.bindings.Unbind(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, "解除绑定失败", err)
		return
	}
	respond(w, r, http.StatusOK, "解除绑定成功", nil)
}

// RunBinding 同步评估单个绑定
// @Summary 立即评估绑定
// @Tags 指标绑定
// @Produce json
// @Param id path string true "绑定ID"
// @Success 200 {object} APIResponse{data=models.MetricResult}
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /quality/bindings/{id}/run [post]
func (c *BindingController) RunBinding(w http.ResponseWriter, r *http.Request) {
	result, err := c.scheduler.RunBinding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "评估绑定失败", err)
		return
	}
	respond(w, r, http.StatusOK, "评估绑定成功", result)
}
