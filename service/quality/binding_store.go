/*
 * @module service/quality/binding_store
 * @description 指标绑定存储：将指标定义绑定到实体列，绑定时做输入结构(数量+类型)检查
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 获取定义 -> 读取实体列结构 -> 结构检查 -> 按(实体,指标,列)upsert
 * @rules 重复绑定返回已有绑定；解绑取消在途评估但保留历史结果
 * @dependencies gorm.io/gorm
 * @refs registry.go, entity_source.go, inflight.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dataquality-service/service/models"

	"gorm.io/gorm"
)

// BindRequest 绑定请求
type BindRequest struct {
	Entity        string   `json:"entity"`
	Columns       []string `json:"columns"`
	MetricName    string   `json:"metric_name"`
	SecondEntity  string   `json:"second_entity,omitempty"`
	SecondColumns []string `json:"second_columns,omitempty"`
	CreatedBy     string   `json:"created_by,omitempty"`
}

// BindingStore 绑定存储
type BindingStore struct {
	db       *gorm.DB
	registry *Registry
	source   EntitySource
	guard    *InFlightGuard
}

// NewBindingStore 创建绑定存储
func NewBindingStore(db *gorm.DB, registry *Registry, source EntitySource, guard *InFlightGuard) *BindingStore {
	return &BindingStore{db: db, registry: registry, source: source, guard: guard}
}

// columnKey 绑定唯一键中的列部分，列顺序有意义
func columnKey(req BindRequest) string {
	key := strings.Join(req.Columns, ",")
	if req.SecondEntity != "" {
		key += "|" + req.SecondEntity + ":" + strings.Join(req.SecondColumns, ",")
	}
	return key
}

// Bind 绑定指标到实体，重复绑定返回已有绑定
func (s *BindingStore) Bind(ctx context.Context, req BindRequest) (*models.MetricBinding, error) {
	req.Entity = strings.TrimSpace(req.Entity)
	req.SecondEntity = strings.TrimSpace(req.SecondEntity)
	if req.Entity == "" {
		return nil, &ValidationError{Field: "entity", Reason: "实体不能为空"}
	}

	def, err := s.registry.Get(ctx, req.MetricName)
	if err != nil {
		return nil, err
	}

	relations := def.InputShape.Relations
	switch {
	case len(relations) == 2 && req.SecondEntity == "":
		return nil, &ShapeMismatchError{Metric: def.Name, Entity: req.Entity, Reason: "该指标需要第二个实体"}
	case len(relations) < 2 && req.SecondEntity != "":
		return nil, &ShapeMismatchError{Metric: def.Name, Entity: req.Entity, Reason: "该指标只接受一个实体"}
	}

	if err := s.checkShape(ctx, def.Name, req.Entity, req.Columns, relations[0]); err != nil {
		return nil, err
	}
	if req.SecondEntity != "" {
		if err := s.checkShape(ctx, def.Name, req.SecondEntity, req.SecondColumns, relations[1]); err != nil {
			return nil, err
		}
	}

	key := columnKey(req)
	if existing, err := s.find(ctx, req.Entity, def.Name, key); err == nil {
		slog.Debug("绑定已存在，直接返回", "binding_id", existing.ID, "entity", req.Entity, "metric", def.Name)
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询绑定失败: %w", err)
	}

	binding := &models.MetricBinding{
		Entity:        req.Entity,
		MetricName:    def.Name,
		ColumnKey:     key,
		Columns:       models.JSONBStringArray(append([]string{}, req.Columns...)),
		SecondEntity:  req.SecondEntity,
		SecondColumns: models.JSONBStringArray(append([]string{}, req.SecondColumns...)),
		CreatedBy:     req.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(binding).Error; err != nil {
		// 并发重复绑定由唯一索引兜底
		if existing, findErr := s.find(ctx, req.Entity, def.Name, key); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("创建绑定失败: %w", err)
	}

	slog.Info("指标绑定已创建", "binding_id", binding.ID, "entity", binding.Entity, "metric", binding.MetricName, "columns", req.Columns)
	return binding, nil
}

func (s *BindingStore) find(ctx context.Context, entity, metric, key string) (*models.MetricBinding, error) {
	var binding models.MetricBinding
	err := s.db.WithContext(ctx).
		Where("entity = ? AND metric_name = ? AND column_key = ?", entity, metric, key).
		First(&binding).Error
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

// checkShape 检查实体列是否满足关系结构（数量与类型）
func (s *BindingStore) checkShape(ctx context.Context, metric, entity string, columns []string, shape models.RelationShape) error {
	if len(columns) != len(shape.Columns) {
		return &ShapeMismatchError{Metric: metric, Entity: entity,
			Reason: fmt.Sprintf("需要 %d 列，实际绑定 %d 列", len(shape.Columns), len(columns))}
	}

	actual, err := s.source.Describe(ctx, entity)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return &NotFoundError{Kind: "实体", Key: entity}
		}
		return &DataUnavailableError{Entity: entity, Err: err}
	}
	byName := make(map[string]Column, len(actual))
	for _, c := range actual {
		byName[c.Name] = c
	}

	seen := make(map[string]bool, len(columns))
	for i, col := range columns {
		if seen[col] {
			return &ShapeMismatchError{Metric: metric, Entity: entity, Reason: fmt.Sprintf("列 %s 重复绑定", col)}
		}
		seen[col] = true

		found, ok := byName[col]
		if !ok {
			return &ShapeMismatchError{Metric: metric, Entity: entity, Reason: fmt.Sprintf("列 %s 不存在", col)}
		}
		spec := shape.Columns[i]
		if !typeCompatible(spec.Type, found.Type) {
			return &ShapeMismatchError{Metric: metric, Entity: entity,
				Reason: fmt.Sprintf("列 %s 类型为 %s，指标参数 %s 需要 %s", col, found.Type, spec.Name, spec.Type)}
		}
	}
	return nil
}

// Unbind 删除绑定并取消其在途评估，历史结果保留
func (s *BindingStore) Unbind(ctx context.Context, bindingID string) error {
	res := s.db.WithContext(ctx).Where("id = ?", bindingID).Delete(&models.MetricBinding{})
	if res.Error != nil {
		return fmt.Errorf("删除绑定失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Kind: "绑定", Key: bindingID}
	}
	if s.guard != nil {
		s.guard.Cancel(bindingID)
	}
	slog.Info("指标绑定已删除", "binding_id", bindingID)
	return nil
}

// GetBinding 按ID获取绑定
func (s *BindingStore) GetBinding(ctx context.Context, bindingID string) (*models.MetricBinding, error) {
	var binding models.MetricBinding
	if err := s.db.WithContext(ctx).Where("id = ?", bindingID).First(&binding).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Kind: "绑定", Key: bindingID}
		}
		return nil, fmt.Errorf("查询绑定失败: %w", err)
	}
	return &binding, nil
}

// ListBindings 列出实体的绑定，entity 为空时列出全部
func (s *BindingStore) ListBindings(ctx context.Context, entity string) ([]models.MetricBinding, error) {
	var bindings []models.MetricBinding
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if entity != "" {
		query = query.Where("entity = ?", entity)
	}
	if err := query.Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("查询绑定失败: %w", err)
	}
	return bindings, nil
}
