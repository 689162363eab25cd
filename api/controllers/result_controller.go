/*
 * @module api/controllers/result_controller
 * @description 指标结果控制器：最新结果、历史查询与趋势摘要，附带严重级别
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 请求接收 -> ResultStore -> Classifier -> 响应返回
 * @rules 结果只读；严重级别按当前规则实时计算，不落库
 * @dependencies github.com/go-chi/render
 * @refs service/quality/result_store.go, service/quality/severity.go
 */

package controllers

import (
	"net/http"

	"dataquality-service/service/models"
	"dataquality-service/service/quality"
)

// ResultController 指标结果控制器
type ResultController struct {
	results    *quality.ResultStore
	classifier *quality.Classifier
}

// NewResultController 创建指标结果控制器
func NewResultController(results *quality.ResultStore, classifier *quality.Classifier) *ResultController {
	return &ResultController{results: results, classifier: classifier}
}

// ResultView 带严重级别的结果
type ResultView struct {
	models.MetricResult
	Severity quality.Severity `json:"severity"`
}

// LatestView 带严重级别的最新结果
type LatestView struct {
	models.LatestMetricResult
	Severity quality.Severity `json:"severity"`
}

// TrendView 带严重级别的趋势摘要
type TrendView struct {
	*quality.TrendSummary
	Severity quality.Severity `json:"severity"`
}

// Latest 最新结果：按绑定或按实体
// @Summary 最新结果
// @Description 指定 binding_id 返回单条，指定 entity 返回实体下全部绑定的最新结果
// @Tags 指标结果
// @Produce json
// @Param binding_id query string false "绑定ID"
// @Param entity query string false "实体名"
// @Success 200 {object} APIResponse
// @Failure 400 {object} APIResponse
// @Router /quality/results/latest [get]
func (c *ResultController) Latest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("binding_id"); id != "" {
		result, err := c.results.Latest(r.Context(), id)
		if err != nil {
			respondError(w, r, "获取最新结果失败", err)
			return
		}
		if result == nil {
			respond(w, r, http.StatusOK, "暂无结果", nil)
			return
		}
		respond(w, r, http.StatusOK, "获取最新结果成功", ResultView{MetricResult: *result, Severity: c.classifier.Classify(result)})
		return
	}

	entity := q.Get("entity")
	if entity == "" {
		respondBadRequest(w, r, "需要 binding_id 或 entity 参数")
		return
	}
	latest, err := c.results.LatestByEntity(r.Context(), entity)
	if err != nil {
		respondError(w, r, "获取最新结果失败", err)
		return
	}
	views := make([]LatestView, len(latest))
	for i, l := range latest {
		views[i] = LatestView{LatestMetricResult: l, Severity: c.classifier.ClassifyValue(l.MetricName, l.Value)}
	}
	respond(w, r, http.StatusOK, "获取最新结果成功", views)
}

// Query 历史结果查询
// @Summary 历史结果
// @Tags 指标结果
// @Produce json
// @Param entity query string false "实体名"
// @Param metric query string false "指标名"
// @Param binding_id query string false "绑定ID"
// @Param since query string false "起始时间 RFC3339"
// @Param until query string false "截止时间 RFC3339"
// @Param limit query int false "最大条数"
// @Success 200 {object} APIResponse{data=[]ResultView}
// @Failure 400 {object} APIResponse
// @Router /quality/results [get]
func (c *ResultController) Query(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		respondBadRequest(w, r, "since 参数格式错误")
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		respondBadRequest(w, r, "until 参数格式错误")
		return
	}
	q := r.URL.Query()
	results, err := c.results.Query(r.Context(), quality.ResultQuery{
		Entity:    q.Get("entity"),
		Metric:    q.Get("metric"),
		BindingID: q.Get("binding_id"),
		Since:     since,
		Until:     until,
		Limit:     queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, r, "查询结果失败", err)
		return
	}
	views := make([]ResultView, len(results))
	for i := range results {
		views[i] = ResultView{MetricResult: results[i], Severity: c.classifier.Classify(&results[i])}
	}
	respond(w, r, http.StatusOK, "查询结果成功", views)
}

// Trend 趋势摘要，严重级别按最后一次结果计算
// @Summary 结果趋势
// @Tags 指标结果
// @Produce json
// @Param entity query string true "实体名"
// @Param metric query string true "指标名"
// @Param since query string false "起始时间 RFC3339"
// @Success 200 {object} APIResponse{data=TrendView}
// @Failure 400 {object} APIResponse
// @Router /quality/results/trend [get]
func (c *ResultController) Trend(w http.ResponseWriter, r *http.Request) {
	entity, metric := r.URL.Query().Get("entity"), r.URL.Query().Get("metric")
	if entity == "" || metric == "" {
		respondBadRequest(w, r, "需要 entity 与 metric 参数")
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		respondBadRequest(w, r, "since 参数格式错误")
		return
	}
	trend, err := c.results.Trend(r.Context(), entity, metric, since)
	if err != nil {
		respondError(w, r, "获取趋势失败", err)
		return
	}
	respond(w, r, http.StatusOK, "获取趋势成功", TrendView{TrendSummary: trend, Severity: c.classifier.ClassifyValue(metric, trend.Last)})
}
