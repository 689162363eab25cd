/*
 * @module service/models/alert_models
 * @description 告警规则、告警触发记录与通知投递记录模型
 * @architecture 数据模型层
 * @documentReference DESIGN.md
 * @stateFlow 创建(暂停) -> 恢复(生效) <-> 暂停 -> 删除；每个调度周期最多一次触发
 * @rules 触发记录按(规则,周期)唯一；投递失败不影响触发记录
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/alerting/, service/notification/
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 告警规则状态
const (
	AlertStateActive    = "active"
	AlertStateSuspended = "suspended"
)

// 告警触发模式
const (
	TriggerModeLevel = "level" // 条件成立的每个周期都通知
	TriggerModeEdge  = "edge"  // 条件由不成立变为成立时通知一次
)

// AlertRule 告警规则模型
type AlertRule struct {
	ID               string           `gorm:"type:varchar(50);primaryKey" json:"id"`
	Name             string           `gorm:"type:varchar(200);not null;uniqueIndex" json:"name"`
	Description      string           `gorm:"type:text" json:"description"`
	MetricName       string           `gorm:"type:varchar(200);not null;index" json:"metric_name"`
	Entity           string           `gorm:"type:varchar(300);not null;index" json:"entity"`
	Operator         string           `gorm:"type:varchar(10);not null" json:"operator"` // gt, gte, lt, lte, eq, ne
	Threshold        float64          `json:"threshold"`
	WindowSeconds    int64            `gorm:"not null" json:"window_seconds"`
	Schedule         string           `gorm:"type:varchar(300);not null" json:"schedule"`
	State            string           `gorm:"type:varchar(20);not null;default:'suspended'" json:"state"`
	TriggerMode      string           `gorm:"type:varchar(20);not null;default:'level'" json:"trigger_mode"`
	Channel          string           `gorm:"type:varchar(20);not null" json:"channel"` // email, ticket, webhook
	Recipient        string           `gorm:"type:varchar(500)" json:"recipient"`
	SubjectTemplate  string           `gorm:"type:text" json:"subject_template"`
	BodyTemplate     string           `gorm:"type:text" json:"body_template"`
	TicketIssueType  string           `gorm:"type:varchar(30)" json:"ticket_issue_type,omitempty"`
	TicketPriority   string           `gorm:"type:varchar(30)" json:"ticket_priority,omitempty"`
	TicketAssignee   string           `gorm:"type:varchar(100)" json:"ticket_assignee,omitempty"`
	TicketLabels     JSONBStringArray `gorm:"type:jsonb" json:"ticket_labels,omitempty"`
	LastConditionMet bool             `gorm:"default:false" json:"last_condition_met"`
	LastEvaluatedAt  *time.Time       `json:"last_evaluated_at,omitempty"`
	CreatedBy        string           `gorm:"type:varchar(50)" json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TableName 指定表名
func (AlertRule) TableName() string {
	return "alert_rules"
}

// BeforeCreate 创建前钩子
func (a *AlertRule) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedBy == "" {
		a.CreatedBy = "system"
	}
	return nil
}

// AlertFiring 告警触发记录，仅用于审计
type AlertFiring struct {
	ID         string    `gorm:"type:varchar(50);primaryKey" json:"id"`
	RuleID     string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_firing_rule_tick,priority:1" json:"rule_id"`
	RuleName   string    `gorm:"type:varchar(200);not null" json:"rule_name"`
	TickAt     time.Time `gorm:"not null;uniqueIndex:idx_firing_rule_tick,priority:2" json:"tick_at"`
	MetricName string    `gorm:"type:varchar(200);not null" json:"metric_name"`
	Entity     string    `gorm:"type:varchar(300);not null" json:"entity"`
	ResultID   string    `gorm:"type:varchar(50)" json:"result_id"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Severity   string    `gorm:"type:varchar(20)" json:"severity"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 指定表名
func (AlertFiring) TableName() string {
	return "alert_firings"
}

// BeforeCreate 创建前钩子
func (a *AlertFiring) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// NotificationDelivery 通知投递记录
type NotificationDelivery struct {
	ID             string    `gorm:"type:varchar(50);primaryKey" json:"id"`
	RuleID         string    `gorm:"type:varchar(50);index" json:"rule_id"`
	FiringID       string    `gorm:"type:varchar(50);index" json:"firing_id"`
	Channel        string    `gorm:"type:varchar(20);not null" json:"channel"`
	Recipient      string    `gorm:"type:varchar(500)" json:"recipient"`
	Subject        string    `gorm:"type:text" json:"subject"`
	Status         string    `gorm:"type:varchar(20);not null" json:"status"` // sent, failed
	ExternalKey    string    `gorm:"type:varchar(100)" json:"external_key,omitempty"`
	ExternalStatus string    `gorm:"type:varchar(50)" json:"external_status,omitempty"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName 指定表名
func (NotificationDelivery) TableName() string {
	return "notification_deliveries"
}

// BeforeCreate 创建前钩子
func (n *NotificationDelivery) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}
