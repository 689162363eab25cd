/*
 * @module service/database/utils
 * @description PostgreSQL schema 检查与创建
 * @architecture 数据访问层
 * @documentReference DESIGN.md
 * @stateFlow EnsureSchema -> CheckSchemaExists -> CreateSchema
 * @rules 仅 postgres 方言执行；schema 名按标识符规则校验后引用
 * @dependencies gorm.io/gorm, github.com/lib/pq
 * @refs service/database/migrate.go
 */

package database

import (
	"fmt"
	"log/slog"

	"dataquality-service/service/quality"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// CheckSchemaExists 检查 schema 是否存在
func CheckSchemaExists(db *gorm.DB, schemaName string) (bool, error) {
	var count int64
	err := db.Raw("SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", schemaName).Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询 schema %s 失败: %w", schemaName, err)
	}
	return count > 0, nil
}

// CreateSchema 创建 schema
func CreateSchema(db *gorm.DB, schemaName string) error {
	if !quality.IsSafeIdentifier(schemaName) {
		return fmt.Errorf("schema 名 %q 不合法", schemaName)
	}
	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schemaName)).Error; err != nil {
		return fmt.Errorf("创建 schema %s 失败: %w", schemaName, err)
	}
	slog.Info("已创建 schema", "schema", schemaName)
	return nil
}

// EnsureSchema postgres 下确保 schema 存在，其他方言跳过
func EnsureSchema(db *gorm.DB, schemaName string) error {
	if db.Dialector.Name() != "postgres" || schemaName == "" || schemaName == "public" {
		return nil
	}
	exists, err := CheckSchemaExists(db, schemaName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return CreateSchema(db, schemaName)
}
