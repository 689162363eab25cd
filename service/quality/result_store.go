/*
 * @module service/quality/result_store
 * @description 指标结果存储：只追加的时间序列表 + 同事务维护的最新值侧表
 * @architecture 分层架构 - 数据访问层
 * @documentReference DESIGN.md
 * @stateFlow Append(结果行 + 最新值upsert) -> Latest / Query / LatestByEntity / Trend
 * @rules 结果只追加；最新值侧表只会被不早于当前值的结果覆盖；时间统一按 UTC 存储
 * @dependencies gorm.io/gorm
 * @refs evaluator.go, service/alerting/engine.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dataquality-service/service/models"

	"gorm.io/gorm"
)

// ResultQuery 结果查询条件
type ResultQuery struct {
	Entity    string
	Metric    string
	BindingID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// TrendSummary 结果趋势摘要
type TrendSummary struct {
	Entity string     `json:"entity"`
	Metric string     `json:"metric"`
	Count  int        `json:"count"`
	Nulls  int        `json:"nulls"`
	Min    *float64   `json:"min"`
	Max    *float64   `json:"max"`
	Avg    *float64   `json:"avg"`
	Last   *float64   `json:"last"`
	LastAt *time.Time `json:"last_at,omitempty"`
}

// ResultStore 结果存储
type ResultStore struct {
	db *gorm.DB
}

// NewResultStore 创建结果存储
func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Append 追加一条结果，并在同一事务内维护最新值侧表
func (s *ResultStore) Append(ctx context.Context, result *models.MetricResult) error {
	result.MeasuredAt = result.MeasuredAt.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(result).Error; err != nil {
			return fmt.Errorf("写入指标结果失败: %w", err)
		}

		var latest models.LatestMetricResult
		err := tx.Where("binding_id = ?", result.BindingID).First(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			latest = models.LatestMetricResult{BindingID: result.BindingID}
		case err != nil:
			return fmt.Errorf("查询最新值失败: %w", err)
		case result.MeasuredAt.Before(latest.MeasuredAt):
			return nil
		}

		latest.ResultID = result.ID
		latest.MetricName = result.MetricName
		latest.Entity = result.Entity
		latest.Value = result.Value
		latest.MeasuredAt = result.MeasuredAt
		if err := tx.Save(&latest).Error; err != nil {
			return fmt.Errorf("更新最新值失败: %w", err)
		}
		return nil
	})
}

// Latest 绑定的最新结果，没有结果时返回 nil
func (s *ResultStore) Latest(ctx context.Context, bindingID string) (*models.MetricResult, error) {
	var latest models.LatestMetricResult
	err := s.db.WithContext(ctx).Where("binding_id = ?", bindingID).First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询最新值失败: %w", err)
	}

	var result models.MetricResult
	if err := s.db.WithContext(ctx).Where("id = ?", latest.ResultID).First(&result).Error; err != nil {
		return nil, fmt.Errorf("查询指标结果失败: %w", err)
	}
	return &result, nil
}

// LatestByEntity 实体上每个绑定的最新值
func (s *ResultStore) LatestByEntity(ctx context.Context, entity string) ([]models.LatestMetricResult, error) {
	var rows []models.LatestMetricResult
	if err := s.db.WithContext(ctx).Where("entity = ?", entity).
		Order("metric_name ASC, measured_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询最新值失败: %w", err)
	}
	return rows, nil
}

// Query 按实体/指标/时间查询，按测量时间升序
func (s *ResultStore) Query(ctx context.Context, q ResultQuery) ([]models.MetricResult, error) {
	query := s.db.WithContext(ctx).Model(&models.MetricResult{})
	if q.Entity != "" {
		query = query.Where("entity = ?", q.Entity)
	}
	if q.Metric != "" {
		query = query.Where("metric_name = ?", q.Metric)
	}
	if q.BindingID != "" {
		query = query.Where("binding_id = ?", q.BindingID)
	}
	if q.Since != nil {
		query = query.Where("measured_at >= ?", q.Since.UTC())
	}
	if q.Until != nil {
		query = query.Where("measured_at <= ?", q.Until.UTC())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var results []models.MetricResult
	if err := query.Order("measured_at ASC, created_at ASC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("查询指标结果失败: %w", err)
	}
	return results, nil
}

// Trend 统计实体指标在时间段内的结果摘要
func (s *ResultStore) Trend(ctx context.Context, entity, metric string, since *time.Time) (*TrendSummary, error) {
	results, err := s.Query(ctx, ResultQuery{Entity: entity, Metric: metric, Since: since})
	if err != nil {
		return nil, err
	}

	summary := &TrendSummary{Entity: entity, Metric: metric, Count: len(results)}
	var sum float64
	var valued int
	for i := range results {
		r := results[i]
		if r.Value == nil {
			summary.Nulls++
			continue
		}
		v := *r.Value
		if summary.Min == nil || v < *summary.Min {
			summary.Min = floatPtr(v)
		}
		if summary.Max == nil || v > *summary.Max {
			summary.Max = floatPtr(v)
		}
		sum += v
		valued++
	}
	if valued > 0 {
		summary.Avg = floatPtr(round2(sum / float64(valued)))
	}
	if n := len(results); n > 0 {
		last := results[n-1]
		summary.Last = last.Value
		at := last.MeasuredAt
		summary.LastAt = &at
	}
	return summary, nil
}
