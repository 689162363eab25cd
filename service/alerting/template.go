/*
 * @module service/alerting/template
 * @description 告警通知模板渲染，支持 {{rule_name}} 形式的变量替换
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 模板 + 触发上下文 -> 主题/正文
 * @rules 模板为空时使用默认模板；NULL 值渲染为 NULL
 * @dependencies strings
 * @refs engine.go
 */

package alerting

import (
	"strconv"
	"strings"
	"time"
)

// DefaultSubjectTemplate 默认主题模板
const DefaultSubjectTemplate = "[{{severity}}] 数据质量告警: {{rule_name}}"

// DefaultBodyTemplate 默认正文模板
const DefaultBodyTemplate = `告警规则: {{rule_name}}
指标: {{metric_name}}
实体: {{entity}}
测量值: {{value}}
条件: {{operator}} {{threshold}}
严重级别: {{severity}}
时间窗口: {{window}}
检查时间: {{tick_at}}
测量时间: {{measured_at}}`

// TemplateData 模板变量
type TemplateData struct {
	RuleName   string
	MetricName string
	Entity     string
	Value      *float64
	Operator   string
	Threshold  float64
	Severity   string
	Window     time.Duration
	TickAt     time.Time
	MeasuredAt time.Time
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Render 渲染模板
func Render(tmpl string, data TemplateData) string {
	value := "NULL"
	if data.Value != nil {
		value = formatFloat(*data.Value)
	}
	measuredAt := ""
	if !data.MeasuredAt.IsZero() {
		measuredAt = data.MeasuredAt.UTC().Format(time.RFC3339)
	}
	pairs := []string{
		"{{rule_name}}", data.RuleName,
		"{{metric_name}}", data.MetricName,
		"{{entity}}", data.Entity,
		"{{value}}", value,
		"{{operator}}", operatorSymbol(data.Operator),
		"{{threshold}}", formatFloat(data.Threshold),
		"{{severity}}", data.Severity,
		"{{window}}", data.Window.String(),
		"{{tick_at}}", data.TickAt.UTC().Format(time.RFC3339),
		"{{measured_at}}", measuredAt,
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func renderOrDefault(tmpl, fallback string, data TemplateData) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = fallback
	}
	return Render(tmpl, data)
}

func operatorSymbol(op string) string {
	switch op {
	case "gt":
		return ">"
	case "gte":
		return ">="
	case "lt":
		return "<"
	case "lte":
		return "<="
	case "eq":
		return "="
	case "ne":
		return "!="
	}
	return op
}
