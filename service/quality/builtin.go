/*
 * @module service/quality/builtin
 * @description 内置指标目录，迁移时写入，对应仓库平台提供的系统数据质量函数
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 迁移/启动 -> 缺失则创建 -> 已存在不覆盖
 * @rules 内置指标可被重定义，但不会被启动过程覆盖
 * @dependencies gorm.io/gorm
 * @refs registry.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dataquality-service/service/models"

	"gorm.io/gorm"
)

func singleColumnShape(name, typ string) models.InputShape {
	return models.InputShape{Relations: []models.RelationShape{{Columns: []models.ColumnSpec{{Name: name, Type: typ}}}}}
}

// BuiltinMetrics 内置指标
func BuiltinMetrics() []MetricDefinitionInput {
	return []MetricDefinitionInput{
		{
			Name:        "ROW_COUNT",
			Kind:        string(KindRowCount),
			InputShape:  models.InputShape{Relations: []models.RelationShape{{Columns: []models.ColumnSpec{}}}},
			Description: "表的总行数",
		},
		{
			Name:        "NULL_COUNT",
			Kind:        string(KindNullCount),
			InputShape:  singleColumnShape("value", TypeAny),
			Description: "列中 NULL 值的数量",
		},
		{
			Name:        "NULL_PERCENT",
			Kind:        string(KindNullPercent),
			InputShape:  singleColumnShape("value", TypeAny),
			Description: "列中 NULL 值占比（百分比，两位小数）",
		},
		{
			Name:        "DUPLICATE_COUNT",
			Kind:        string(KindDuplicateCount),
			InputShape:  singleColumnShape("value", TypeAny),
			Description: "列中重复的非 NULL 值数量",
		},
		{
			Name:        "DUPLICATE_PERCENT",
			Kind:        string(KindDuplicatePercent),
			InputShape:  singleColumnShape("value", TypeAny),
			Description: "列中重复值占比（百分比，两位小数）",
		},
		{
			Name:        "UNIQUE_COUNT",
			Kind:        string(KindUniqueCount),
			InputShape:  singleColumnShape("value", TypeAny),
			Description: "列中不同的非 NULL 值数量",
		},
	}
}

// EnsureBuiltins 写入缺失的内置指标；descriptions 为配置中的描述覆盖
func (r *Registry) EnsureBuiltins(ctx context.Context, descriptions map[string]string) error {
	created := 0
	for _, in := range BuiltinMetrics() {
		var existing models.MetricDefinition
		err := r.db.WithContext(ctx).Where("name = ?", in.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("查询内置指标失败: %w", err)
		}

		kind, shape, err := r.Validate(in)
		if err != nil {
			return fmt.Errorf("内置指标 %s 无效: %w", in.Name, err)
		}
		desc := in.Description
		if d, ok := descriptions[in.Name]; ok && d != "" {
			desc = d
		}
		def := models.MetricDefinition{
			Name:        in.Name,
			Kind:        string(kind),
			InputShape:  shape,
			Description: desc,
			IsBuiltIn:   true,
			Version:     1,
		}
		if err := r.db.WithContext(ctx).Create(&def).Error; err != nil {
			return fmt.Errorf("创建内置指标 %s 失败: %w", in.Name, err)
		}
		created++
	}
	slog.Info("内置指标检查完成", "created", created)
	return nil
}
