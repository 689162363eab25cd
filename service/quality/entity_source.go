/*
 * @module service/quality/entity_source
 * @description 目标实体数据源接口及内存实现；评估器通过该接口读取实体当前数据
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow Describe(列结构) -> Read(一致性快照)
 * @rules 两个关系在同一快照内读取；实体不存在返回 ErrEntityNotFound
 * @dependencies sync
 * @refs sql_entity_source.go, evaluator.go, binding_store.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrEntityNotFound 目标实体不存在
var ErrEntityNotFound = errors.New("实体不存在")

// 列类型
const (
	TypeNumber    = "NUMBER"
	TypeText      = "TEXT"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMP"
	TypeAny       = "ANY"
	TypeOther     = "OTHER"
)

// Column 实体列
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"` // 规范化后的类型
}

// RelationRead 读取一个实体的指定列，Columns 为空时只读取行数
type RelationRead struct {
	Entity  string
	Columns []string
}

// EntitySource 实体数据源
type EntitySource interface {
	// Describe 返回实体的列结构
	Describe(ctx context.Context, entity string) ([]Column, error)
	// Read 在同一个一致性快照中读取多个关系，返回的行以实体列名为键
	Read(ctx context.Context, reads []RelationRead) ([][]Row, error)
}

// NormalizeColumnType 将数据库类型名归一为指标输入类型
func NormalizeColumnType(dbType string) string {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	switch {
	case t == "":
		return TypeOther
	case t == TypeNumber || t == TypeText || t == TypeBoolean || t == TypeTimestamp || t == TypeAny:
		return t
	case strings.Contains(t, "BOOL"):
		return TypeBoolean
	case strings.Contains(t, "INTERVAL"), strings.Contains(t, "POINT"):
		return TypeOther
	case strings.Contains(t, "INT"), strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"),
		strings.Contains(t, "FLOAT"), strings.Contains(t, "DOUBLE"), strings.Contains(t, "REAL"),
		strings.Contains(t, "NUMBER"), strings.Contains(t, "MONEY"), t == "SERIAL" || t == "BIGSERIAL":
		return TypeNumber
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return TypeTimestamp
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "STRING"),
		strings.Contains(t, "UUID"), strings.Contains(t, "CLOB"), strings.Contains(t, "JSON"):
		return TypeText
	}
	return TypeOther
}

// typeCompatible 实际列类型是否满足声明类型
func typeCompatible(declared, actual string) bool {
	declared = strings.ToUpper(declared)
	if declared == "" || declared == TypeAny {
		return true
	}
	return declared == NormalizeColumnType(actual)
}

// ChangeListener 实体数据变更回调
type ChangeListener func(entity string)

type memoryEntity struct {
	columns []Column
	rows    []Row
}

// MemoryEntitySource 内存实体数据源，用于测试与本地演示
type MemoryEntitySource struct {
	mu        sync.RWMutex
	entities  map[string]*memoryEntity
	listeners []ChangeListener
}

// NewMemoryEntitySource 创建内存数据源
func NewMemoryEntitySource() *MemoryEntitySource {
	return &MemoryEntitySource{entities: make(map[string]*memoryEntity)}
}

// OnChange 注册数据变更回调，用于驱动 TRIGGER_ON_CHANGES 调度
func (m *MemoryEntitySource) OnChange(listener ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Put 写入（替换）实体的结构与数据
func (m *MemoryEntitySource) Put(entity string, columns []Column, rows []Row) {
	normalized := make([]Column, len(columns))
	for i, c := range columns {
		normalized[i] = Column{Name: c.Name, Type: NormalizeColumnType(c.Type)}
	}
	copied := make([]Row, len(rows))
	for i, r := range rows {
		row := make(Row, len(r))
		for k, v := range r {
			row[k] = NormalizeValue(v)
		}
		copied[i] = row
	}

	m.mu.Lock()
	m.entities[entity] = &memoryEntity{columns: normalized, rows: copied}
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(entity)
	}
}

// Drop 删除实体
func (m *MemoryEntitySource) Drop(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, entity)
}

// Describe 返回实体列结构
func (m *MemoryEntitySource) Describe(_ context.Context, entity string) ([]Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity)
	}
	return append([]Column(nil), e.columns...), nil
}

// Read 在同一把读锁下读取全部关系
func (m *MemoryEntitySource) Read(ctx context.Context, reads []RelationRead) ([][]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]Row, len(reads))
	for i, r := range reads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, ok := m.entities[r.Entity]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, r.Entity)
		}
		known := make(map[string]bool, len(e.columns))
		for _, c := range e.columns {
			known[c.Name] = true
		}
		for _, col := range r.Columns {
			if !known[col] {
				return nil, fmt.Errorf("实体 %s 缺少列 %s", r.Entity, col)
			}
		}
		rows := make([]Row, len(e.rows))
		for j, src := range e.rows {
			row := make(Row, len(r.Columns))
			for _, col := range r.Columns {
				row[col] = src[col]
			}
			rows[j] = row
		}
		out[i] = rows
	}
	return out, nil
}
