/*
 * @module service/quality/sql_entity_source
 * @description 基于 GORM 的实体数据源，读取仓库中目标表/视图的当前数据
 * @architecture 分层架构 - 数据访问层
 * @documentReference DESIGN.md
 * @stateFlow 校验标识符 -> 引用 -> 只读事务内读取全部关系 -> 规范化行数据
 * @rules 实体名为 [catalog.]schema.table 形式，逐段校验并引用；两关系读取共用一个可重复读只读事务
 * @dependencies gorm.io/gorm, github.com/lib/pq
 * @refs entity_source.go, evaluator.go
 */

package quality

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/spf13/cast"
	"gorm.io/gorm"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// IsSafeIdentifier 检查单段标识符是否可安全拼接
func IsSafeIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// GormEntitySource 通过 GORM 连接读取实体
type GormEntitySource struct {
	db *gorm.DB
}

// NewGormEntitySource 创建 GORM 实体数据源
func NewGormEntitySource(db *gorm.DB) *GormEntitySource {
	return &GormEntitySource{db: db}
}

func (s *GormEntitySource) dialect() string {
	return s.db.Dialector.Name()
}

func (s *GormEntitySource) quote(name string) string {
	if s.dialect() == "mysql" {
		return "`" + name + "`"
	}
	return pq.QuoteIdentifier(name)
}

// quoteEntity 校验并引用实体名
func (s *GormEntitySource) quoteEntity(entity string) (string, error) {
	parts := strings.Split(entity, ".")
	if len(parts) > 3 {
		return "", fmt.Errorf("实体名 %q 层级过多", entity)
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if !IsSafeIdentifier(p) {
			return "", fmt.Errorf("实体名 %q 含非法标识符 %q", entity, p)
		}
		quoted[i] = s.quote(p)
	}
	return strings.Join(quoted, "."), nil
}

// Describe 通过空结果查询获取列结构
func (s *GormEntitySource) Describe(ctx context.Context, entity string) ([]Column, error) {
	table, err := s.quoteEntity(entity)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.WithContext(ctx).Raw(fmt.Sprintf("SELECT * FROM %s WHERE 1=0", table)).Rows()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEntityNotFound, entity, err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("获取列信息失败: %w", err)
	}

	columns := make([]Column, 0, len(columnTypes))
	for _, ct := range columnTypes {
		columns = append(columns, Column{
			Name: ct.Name(),
			Type: NormalizeColumnType(ct.DatabaseTypeName()),
		})
	}
	return columns, nil
}

func (s *GormEntitySource) txOptions() *sql.TxOptions {
	opts := &sql.TxOptions{ReadOnly: true}
	switch s.dialect() {
	case "postgres", "mysql":
		opts.Isolation = sql.LevelRepeatableRead
	}
	return opts
}

// Read 在同一个只读事务中读取全部关系
func (s *GormEntitySource) Read(ctx context.Context, reads []RelationRead) ([][]Row, error) {
	out := make([][]Row, len(reads))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, r := range reads {
			rows, err := s.readRelation(tx, r)
			if err != nil {
				return err
			}
			out[i] = rows
		}
		return nil
	}, s.txOptions())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormEntitySource) readRelation(tx *gorm.DB, r RelationRead) ([]Row, error) {
	table, err := s.quoteEntity(r.Entity)
	if err != nil {
		return nil, err
	}

	selectList := "1"
	if len(r.Columns) > 0 {
		quoted := make([]string, len(r.Columns))
		for i, col := range r.Columns {
			if !IsSafeIdentifier(col) {
				return nil, fmt.Errorf("列名 %q 非法", col)
			}
			quoted[i] = s.quote(col)
		}
		selectList = strings.Join(quoted, ", ")
	}

	rows, err := tx.Raw(fmt.Sprintf("SELECT %s FROM %s", selectList, table)).Rows()
	if err != nil {
		return nil, fmt.Errorf("查询实体 %s 失败: %w", r.Entity, err)
	}
	defer rows.Close()

	width := len(r.Columns)
	if width == 0 {
		width = 1
	}

	numeric := make([]bool, width)
	if columnTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range columnTypes {
			if i < width {
				numeric[i] = NormalizeColumnType(ct.DatabaseTypeName()) == TypeNumber
			}
		}
	}

	var result []Row
	for rows.Next() {
		values := make([]interface{}, width)
		valuePtrs := make([]interface{}, width)
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("读取实体 %s 数据失败: %w", r.Entity, err)
		}
		row := make(Row, len(r.Columns))
		for i, col := range r.Columns {
			v := NormalizeValue(values[i])
			// NUMERIC 列在部分驱动下以文本返回
			if text, ok := v.(string); ok && numeric[i] {
				if f, err := cast.ToFloat64E(text); err == nil {
					v = f
				}
			}
			row[col] = v
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取实体 %s 数据失败: %w", r.Entity, err)
	}
	return result, nil
}
