/*
 * @module service/quality/severity
 * @description 严重级别分类器：按有序规则把指标结果映射为 OK / WARNING / CRITICAL
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 指标名匹配(精确/前缀/后缀/包含) -> 阈值比较 -> 首个命中规则的级别
 * @rules 纯函数，读取时计算，不持久化；无命中或 NULL 结果为 OK
 * @dependencies golang.org/x/text/cases
 * @refs service/config/severity.go, service/alerting/engine.go
 */

package quality

import (
	"fmt"
	"math"
	"strings"

	"dataquality-service/service/models"

	"golang.org/x/text/cases"
)

// Severity 严重级别
type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity 解析严重级别
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityOK:
		return SeverityOK, nil
	case SeverityWarning:
		return SeverityWarning, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", &ValidationError{Field: "severity", Reason: fmt.Sprintf("未知级别 %q", s)}
}

// SeverityRule 严重级别规则
type SeverityRule struct {
	Pattern   string   `json:"pattern" yaml:"pattern"`
	Operator  string   `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
	Severity  Severity `json:"severity" yaml:"severity"`
}

// DefaultSeverityRules 默认规则
func DefaultSeverityRules() []SeverityRule {
	return []SeverityRule{
		{Pattern: "*invalid*", Operator: "gt", Threshold: 0, Severity: SeverityCritical},
		{Pattern: "*orphan*", Operator: "gt", Threshold: 0, Severity: SeverityCritical},
		{Pattern: "*duplicate*", Operator: "gt", Threshold: 0, Severity: SeverityCritical},
		{Pattern: "*rate*", Operator: "gt", Threshold: 25, Severity: SeverityWarning},
	}
}

// NormalizeOperator 将符号或简写统一为 gt/gte/lt/lte/eq/ne
func NormalizeOperator(op string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "gt", ">":
		return "gt", nil
	case "gte", ">=":
		return "gte", nil
	case "lt", "<":
		return "lt", nil
	case "lte", "<=":
		return "lte", nil
	case "eq", "=", "==":
		return "eq", nil
	case "ne", "!=", "<>":
		return "ne", nil
	}
	return "", &ValidationError{Field: "operator", Reason: fmt.Sprintf("不支持的操作符 %q", op)}
}

// Compare 按操作符比较 value 与 threshold，操作符非法时返回 false
func Compare(op string, value, threshold float64) bool {
	normalized, err := NormalizeOperator(op)
	if err != nil {
		return false
	}
	const epsilon = 1e-9
	switch normalized {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return math.Abs(value-threshold) < epsilon
	default:
		return math.Abs(value-threshold) >= epsilon
	}
}

// Classifier 严重级别分类器，规则只读
type Classifier struct {
	rules []SeverityRule
}

// NewClassifier 创建分类器，规则按顺序匹配
func NewClassifier(rules []SeverityRule) (*Classifier, error) {
	normalized := make([]SeverityRule, len(rules))
	for i, r := range rules {
		op, err := NormalizeOperator(r.Operator)
		if err != nil {
			return nil, fmt.Errorf("第 %d 条严重级别规则无效: %w", i+1, err)
		}
		sev, err := ParseSeverity(string(r.Severity))
		if err != nil {
			return nil, fmt.Errorf("第 %d 条严重级别规则无效: %w", i+1, err)
		}
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("第 %d 条严重级别规则缺少匹配模式", i+1)
		}
		normalized[i] = SeverityRule{Pattern: r.Pattern, Operator: op, Threshold: r.Threshold, Severity: sev}
	}
	return &Classifier{rules: normalized}, nil
}

// Rules 当前规则副本
func (c *Classifier) Rules() []SeverityRule {
	return append([]SeverityRule(nil), c.rules...)
}

// Classify 结果的严重级别
func (c *Classifier) Classify(result *models.MetricResult) Severity {
	if result == nil {
		return SeverityOK
	}
	return c.ClassifyValue(result.MetricName, result.Value)
}

// ClassifyValue 按指标名与数值分类；名称匹配且阈值成立的首条规则决定结果
func (c *Classifier) ClassifyValue(metric string, value *float64) Severity {
	if value == nil {
		return SeverityOK
	}
	for _, r := range c.rules {
		if MatchPattern(r.Pattern, metric) && Compare(r.Operator, *value, r.Threshold) {
			return r.Severity
		}
	}
	return SeverityOK
}

// MatchPattern 指标名匹配：精确、"prefix*"、"*suffix"、"*substring*"，不区分大小写
func MatchPattern(pattern, name string) bool {
	// Caser 不是并发安全的，每次调用新建
	fold := cases.Fold()
	p := fold.String(strings.TrimSpace(pattern))
	n := fold.String(name)

	leading := strings.HasPrefix(p, "*")
	trailing := strings.HasSuffix(p, "*") && len(p) > 1
	core := strings.Trim(p, "*")

	switch {
	case core == "":
		return true
	case leading && trailing:
		return strings.Contains(n, core)
	case leading:
		return strings.HasSuffix(n, core)
	case trailing:
		return strings.HasPrefix(n, core)
	default:
		return n == core
	}
}
