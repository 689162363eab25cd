package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dataquality-service/service/changefeed"
	"dataquality-service/service/notification"
	"dataquality-service/service/quality"

	"github.com/go-chi/render"
)

// APIResponse 统一API响应结构
type APIResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data,omitempty"`
}

// respond 写入统一响应，HTTP 状态码与 status 字段一致
func respond(w http.ResponseWriter, r *http.Request, status int, msg string, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, APIResponse{Status: status, Msg: msg, Data: data})
}

// statusOf 业务错误到 HTTP 状态码的映射
func statusOf(err error) int {
	switch {
	case errors.Is(err, quality.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quality.ErrValidation),
		errors.Is(err, quality.ErrShapeMismatch),
		errors.Is(err, quality.ErrNonDeterministic),
		errors.Is(err, changefeed.ErrBadEvent):
		return http.StatusBadRequest
	case errors.Is(err, quality.ErrDefinitionInUse),
		errors.Is(err, quality.ErrEvaluationInFlight):
		return http.StatusConflict
	case errors.Is(err, quality.ErrDataUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, quality.ErrCompute):
		return http.StatusUnprocessableEntity
	case errors.Is(err, notification.ErrDispatch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError 按错误类型写入失败响应
func respondError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "path", r.URL.Path, "error", err)
	}
	respond(w, r, status, msg+": "+err.Error(), nil)
}

// respondBadRequest 请求参数错误
func respondBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	respond(w, r, http.StatusBadRequest, msg, nil)
}

// queryTime 解析 RFC3339 时间参数，缺省返回 nil
func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// queryInt 解析整数参数，非法或缺省时返回默认值
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
