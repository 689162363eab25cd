/*
 * @module api/controllers/metric_controller
 * @description 指标定义控制器：定义、校验、查询、删除指标
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 请求接收 -> Registry -> 响应返回
 * @rules 非确定性定义返回 400；被绑定引用的定义删除返回 409
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/quality/registry.go
 */

package controllers

import (
	"net/http"

	"dataquality-service/service/quality"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// MetricController 指标定义控制器
type MetricController struct {
	registry *quality.Registry
}

// NewMetricController 创建指标定义控制器
func NewMetricController(registry *quality.Registry) *MetricController {
	return &MetricController{registry: registry}
}

// ValidateResult 定义校验结果
type ValidateResult struct {
	Kind       string      `json:"kind"`
	InputShape interface{} `json:"input_shape"`
}

// DefineMetric 创建或替换指标定义
// @Summary 定义指标
// @Description 创建或按名称替换指标定义，非确定性表达式被拒绝
// @Tags 指标定义
// @Accept json
// @Produce json
// @Param metric body quality.MetricDefinitionInput true "指标定义"
// @Success 201 {object} APIResponse{data=models.MetricDefinition}
// @Failure 400 {object} APIResponse
// @Router /quality/metrics [post]
func (c *MetricController) DefineMetric(w http.ResponseWriter, r *http.Request) {
	var in quality.MetricDefinitionInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return
	}
	def, err := c.registry.Define(r.Context(), in)
	if err != nil {
		respondError(w, r, "定义指标失败", err)
		return
	}
	respond(w, r, http.StatusCreated, "定义指标成功", def)
}

// ValidateMetric 只校验不保存
// @Summary 校验指标定义
// @Tags 指标定义
// @Accept json
// @Produce json
// @Param metric body quality.MetricDefinitionInput true "指标定义"
// @Success 200 {object} APIResponse{data=ValidateResult}
// @Failure 400 {object} APIResponse
// @Router /quality/metrics/validate [post]
func (c *MetricController) ValidateMetric(w http.ResponseWriter, r *http.Request) {
	var in quality.MetricDefinitionInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		respondBadRequest(w, r, "请求参数格式错误")
		return
	}
	kind, shape, err := c.registry.Validate(in)
	if err != nil {
		respondError(w, r, "指标定义无效", err)
		return
	}
	respond(w, r, http.StatusOK, "指标定义有效", ValidateResult{Kind: string(kind), InputShape: shape})
}

// ListMetrics 列出全部指标定义
// @Summary 指标定义列表
// @Tags 指标定义
// @Produce json
// @Success 200 {object} APIResponse{data=[]models.MetricDefinition}
// @Router /quality/metrics [get]
func (c *MetricController) ListMetrics(w http.ResponseWriter, r *http.Request) {
	defs, err := c.registry.List(r.Context())
	if err != nil {
		respondError(w, r, "获取指标定义列表失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取指标定义列表成功", defs)
}

// GetMetric 获取指标定义
// @Summary 获取指标定义
// @Tags 指标定义
// @Produce json
// @Param name path string true "指标名称"
// @Success 200 {object} APIResponse{data=models.MetricDefinition}
// @Failure 404 {object} APIResponse
// @Router /quality/metrics/{name} [get]
func (c *MetricController) GetMetric(w http.ResponseWriter, r *http.Request) {
	def, err := c.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, "获取指标定义失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取指标定义成功", def)
}

// DeleteMetric 删除指标定义
// @Summary 删除指标定义
// @Tags 指标定义
// @Produce json
// @Param name path string true "指标名称"
// @Success 200 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /quality/metrics/{name} [delete]
func (c *MetricController) DeleteMetric(w http.ResponseWriter, r *http.Request) {
	if err := c.registry.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondError(w, r, "删除指标定义失败", err)
		return
	}
	respond(w, r, http.StatusOK, "删除指标定义成功", nil)
}
