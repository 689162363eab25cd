/*
 * @module service/models/metric_models
 * @description 数据质量指标模型，包含指标定义、指标绑定、实体调度、指标结果及最新值侧表
 * @architecture 数据模型层
 * @documentReference DESIGN.md
 * @stateFlow 指标定义 -> 绑定实体 -> 调度执行 -> 结果追加 -> 最新值维护
 * @rules 指标结果只追加不修改；绑定按(实体,指标,列)唯一；每个实体只有一个调度
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/quality/
 */

package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ColumnSpec 指标输入列声明
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // NUMBER, TEXT, BOOLEAN, TIMESTAMP, ANY
}

// RelationShape 单个输入关系的列结构
type RelationShape struct {
	Columns []ColumnSpec `json:"columns"`
}

// InputShape 指标输入结构，1个关系为单表指标，2个关系为跨表(参照完整性)指标
type InputShape struct {
	Relations []RelationShape `json:"relations"`
}

// Scan 实现 Scanner 接口
func (s *InputShape) Scan(value interface{}) error {
	if value == nil {
		*s = InputShape{}
		return nil
	}
	return scanJSON(value, s)
}

// Value 实现 Valuer 接口
func (s InputShape) Value() (driver.Value, error) {
	return JSONB{"relations": s.Relations}.Value()
}

// MetricDefinition 指标定义模型
type MetricDefinition struct {
	ID          string     `gorm:"type:varchar(50);primaryKey" json:"id"`
	Name        string     `gorm:"type:varchar(200);not null;uniqueIndex" json:"name"`
	Kind        string     `gorm:"type:varchar(30);not null" json:"kind"`
	InputShape  InputShape `gorm:"type:jsonb" json:"input_shape"`
	Expression  string     `gorm:"type:text" json:"expression,omitempty"` // COUNT_IF/RATE_IF 谓词或 SCRIPT 函数体
	Description string     `gorm:"type:text" json:"description"`
	IsBuiltIn   bool       `gorm:"default:false" json:"is_built_in"`
	Version     int        `gorm:"default:1" json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (MetricDefinition) TableName() string {
	return "metric_definitions"
}

// BeforeCreate 创建前钩子
func (m *MetricDefinition) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// MetricBinding 指标绑定模型
type MetricBinding struct {
	ID            string           `gorm:"type:varchar(50);primaryKey" json:"id"`
	Entity        string           `gorm:"type:varchar(300);not null;uniqueIndex:idx_binding_identity,priority:1;index" json:"entity"`
	MetricName    string           `gorm:"type:varchar(200);not null;uniqueIndex:idx_binding_identity,priority:2;index" json:"metric_name"`
	ColumnKey     string           `gorm:"type:varchar(1000);not null;uniqueIndex:idx_binding_identity,priority:3" json:"-"`
	Columns       JSONBStringArray `gorm:"type:jsonb" json:"columns"`
	SecondEntity  string           `gorm:"type:varchar(300)" json:"second_entity,omitempty"`
	SecondColumns JSONBStringArray `gorm:"type:jsonb" json:"second_columns,omitempty"`
	CreatedBy     string           `gorm:"type:varchar(50)" json:"created_by"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName 指定表名
func (MetricBinding) TableName() string {
	return "metric_bindings"
}

// BeforeCreate 创建前钩子
func (m *MetricBinding) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedBy == "" {
		m.CreatedBy = "system"
	}
	return nil
}

// EntitySchedule 实体调度模型，一个实体只有一个生效调度，实体上的所有绑定共享
type EntitySchedule struct {
	Entity     string     `gorm:"type:varchar(300);primaryKey" json:"entity"`
	Expression string     `gorm:"type:varchar(300);not null" json:"expression"`
	Kind       string     `gorm:"type:varchar(20);not null" json:"kind"`                 // interval, cron, on_change
	State      string     `gorm:"type:varchar(20);not null;default:'active'" json:"state"` // active, suspended
	Revision   int64      `gorm:"default:1" json:"revision"`                           // 每次重新布置调度递增
	LastWakeAt *time.Time `json:"last_wake_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (EntitySchedule) TableName() string {
	return "entity_schedules"
}

// MetricResult 指标结果，只追加
type MetricResult struct {
	ID         string           `gorm:"type:varchar(50);primaryKey" json:"id"`
	BindingID  string           `gorm:"type:varchar(50);not null;index:idx_result_binding_time,priority:1" json:"binding_id"`
	MetricName string           `gorm:"type:varchar(200);not null;index:idx_result_entity_metric,priority:2" json:"metric_name"`
	Entity     string           `gorm:"type:varchar(300);not null;index:idx_result_entity_metric,priority:1" json:"entity"`
	Columns    JSONBStringArray `gorm:"type:jsonb" json:"columns"`
	Value      *float64         `json:"value"` // nil 表示计算结果为 NULL
	MeasuredAt time.Time        `gorm:"not null;index:idx_result_binding_time,priority:2;index:idx_result_entity_metric,priority:3" json:"measured_at"`
	DurationMs int64            `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TableName 指定表名
func (MetricResult) TableName() string {
	return "metric_results"
}

// BeforeCreate 创建前钩子
func (m *MetricResult) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// LatestMetricResult 最新值侧表，与 metric_results 在同一事务内维护
type LatestMetricResult struct {
	BindingID  string    `gorm:"type:varchar(50);primaryKey" json:"binding_id"`
	ResultID   string    `gorm:"type:varchar(50);not null" json:"result_id"`
	MetricName string    `gorm:"type:varchar(200);not null;index:idx_latest_entity_metric,priority:2" json:"metric_name"`
	Entity     string    `gorm:"type:varchar(300);not null;index:idx_latest_entity_metric,priority:1" json:"entity"`
	Value      *float64  `json:"value"`
	MeasuredAt time.Time `gorm:"not null" json:"measured_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 指定表名
func (LatestMetricResult) TableName() string {
	return "latest_metric_results"
}
