/*
 * @module service/database/migrate
 * @description 数据库迁移：质量服务表结构与内置指标目录
 * @architecture 数据访问层 - 迁移管理
 * @documentReference DESIGN.md
 * @stateFlow migrate 命令或服务启动 -> EnsureSchema -> AutoMigrate -> 内置指标
 * @rules 迁移幂等，可重复执行；内置指标只补缺不覆盖
 * @dependencies gorm.io/gorm
 * @refs service/models/registry.go, service/quality/builtin.go
 */

package database

import (
	"context"
	"fmt"
	"log/slog"

	"dataquality-service/service/models"
	"dataquality-service/service/quality"

	"gorm.io/gorm"
)

// AutoMigrate 自动迁移质量服务表结构
func AutoMigrate(db *gorm.DB) error {
	slog.Info("开始数据库迁移")
	if err := db.AutoMigrate(models.QualityModels()...); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}
	slog.Info("数据库表结构迁移完成", "tables", len(models.QualityModels()))
	return nil
}

// InitializeData 写入内置指标，descriptions 为目录中的描述覆盖
func InitializeData(ctx context.Context, registry *quality.Registry, descriptions map[string]string) error {
	if err := registry.EnsureBuiltins(ctx, descriptions); err != nil {
		return fmt.Errorf("初始化内置指标失败: %w", err)
	}
	return nil
}

// Migrate 完整迁移流程
func Migrate(ctx context.Context, db *gorm.DB, schema string, registry *quality.Registry, descriptions map[string]string) error {
	if err := EnsureSchema(db, schema); err != nil {
		return err
	}
	if err := AutoMigrate(db); err != nil {
		return err
	}
	return InitializeData(ctx, registry, descriptions)
}
