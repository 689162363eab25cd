/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference DESIGN.md
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性；不依赖业务服务包
 * @dependencies gorm, sqlite, testify, time
 * @refs service/models
 */

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dataquality-service/service/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建测试数据库
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}

	// 内存库每个连接独立，必须固定为单连接
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to get sql db: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(models.QualityModels()...)
	if err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清理数据库
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"notification_deliveries",
		"alert_firings",
		"alert_rules",
		"latest_metric_results",
		"metric_results",
		"entity_schedules",
		"metric_bindings",
		"metric_definitions",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// SetupTestDB 创建测试数据库并在测试结束时关闭
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	tdb := NewTestDB()
	t.Cleanup(tdb.Close)
	return tdb.DB
}

// TestDataFactory 测试数据工厂
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// MetricResultOption 指标结果选项函数类型
type MetricResultOption func(*models.MetricResult)

// WithValue 设置测量值，nil 表示 NULL
func WithValue(v *float64) MetricResultOption {
	return func(r *models.MetricResult) { r.Value = v }
}

// MeasuredAt 设置测量时间
func MeasuredAt(at time.Time) MetricResultOption {
	return func(r *models.MetricResult) { r.MeasuredAt = at.UTC() }
}

// CreateMetricResult 直接写入一条指标结果，不经过求值流程
func (f *TestDataFactory) CreateMetricResult(bindingID, entity, metric string, opts ...MetricResultOption) *models.MetricResult {
	result := &models.MetricResult{
		BindingID:  bindingID,
		MetricName: metric,
		Entity:     entity,
		Columns:    models.JSONBStringArray{},
		MeasuredAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(result)
	}

	if err := f.DB.Create(result).Error; err != nil {
		panic(fmt.Sprintf("failed to create test metric result: %v", err))
	}
	return result
}

// CreateBinding 直接写入一条绑定
func (f *TestDataFactory) CreateBinding(entity, metric string, columns ...string) *models.MetricBinding {
	binding := &models.MetricBinding{
		Entity:     entity,
		MetricName: metric,
		ColumnKey:  fmt.Sprintf("%v", columns),
		Columns:    models.JSONBStringArray(columns),
		CreatedBy:  "test",
	}
	if err := f.DB.Create(binding).Error; err != nil {
		panic(fmt.Sprintf("failed to create test binding: %v", err))
	}
	return binding
}

// Float 返回浮点数指针
func Float(v float64) *float64 {
	return &v
}

// DoJSON 发送 JSON 请求并返回响应记录器
func DoJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// DecodeResponse 解析统一响应结构中的 data 字段
func DecodeResponse(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) (status int, msg string) {
	t.Helper()
	var envelope struct {
		Status int             `json:"status"`
		Msg    string          `json:"msg"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	if data != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return envelope.Status, envelope.Msg
}
