/*
 * @module service/quality/compute
 * @description 指标计算子语言：声明式聚合种类 + 可选谓词/脚本，输入为一个或两个关系的行，输出一个数值或 NULL
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 行数据规范化 -> 按种类聚合 -> float64 / NULL
 * @rules 计算只依赖输入行；比例类指标以百分比两位小数输出，空关系返回 NULL
 * @dependencies github.com/spf13/cast
 * @refs evaluator.go, script.go, registry.go
 */

package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Row 一行数据，键为指标输入结构中声明的列名
type Row map[string]interface{}

// MetricKind 指标计算种类
type MetricKind string

const (
	KindRowCount         MetricKind = "ROW_COUNT"
	KindNullCount        MetricKind = "NULL_COUNT"
	KindNullPercent      MetricKind = "NULL_PERCENT"
	KindDuplicateCount   MetricKind = "DUPLICATE_COUNT"
	KindDuplicatePercent MetricKind = "DUPLICATE_PERCENT"
	KindUniqueCount      MetricKind = "UNIQUE_COUNT"
	KindDistinctCount    MetricKind = "DISTINCT_COUNT"
	KindCountIf          MetricKind = "COUNT_IF"
	KindRateIf           MetricKind = "RATE_IF"
	KindSum              MetricKind = "SUM"
	KindAvg              MetricKind = "AVG"
	KindMin              MetricKind = "MIN"
	KindMax              MetricKind = "MAX"
	KindOrphanCount      MetricKind = "ORPHAN_COUNT"
	KindScript           MetricKind = "SCRIPT"
)

// kindRule 每种计算对输入结构的要求
type kindRule struct {
	relations   int // 0 表示 1 或 2 均可
	minColumns  int
	maxColumns  int // 0 表示不限
	numericOnly bool
	expression  bool
}

var kindRules = map[MetricKind]kindRule{
	KindRowCount:         {relations: 1},
	KindNullCount:        {relations: 1, minColumns: 1},
	KindNullPercent:      {relations: 1, minColumns: 1},
	KindDuplicateCount:   {relations: 1, minColumns: 1},
	KindDuplicatePercent: {relations: 1, minColumns: 1},
	KindUniqueCount:      {relations: 1, minColumns: 1},
	KindDistinctCount:    {relations: 1, minColumns: 1},
	KindCountIf:          {relations: 1, expression: true},
	KindRateIf:           {relations: 1, expression: true},
	KindSum:              {relations: 1, minColumns: 1, maxColumns: 1, numericOnly: true},
	KindAvg:              {relations: 1, minColumns: 1, maxColumns: 1, numericOnly: true},
	KindMin:              {relations: 1, minColumns: 1, maxColumns: 1, numericOnly: true},
	KindMax:              {relations: 1, minColumns: 1, maxColumns: 1, numericOnly: true},
	KindOrphanCount:      {relations: 2, minColumns: 1},
	KindScript:           {expression: true},
}

// ParseMetricKind 解析计算种类
func ParseMetricKind(s string) (MetricKind, error) {
	kind := MetricKind(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := kindRules[kind]; !ok {
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("不支持的计算种类 %q", s)}
	}
	return kind, nil
}

// Computation 已编译的指标计算
type Computation struct {
	Kind      MetricKind
	Columns   []string // 第一个关系的列
	RefCols   []string // 第二个关系的列
	predicate PredicateFunc
	script    ScriptFunc
}

// Run 执行计算，返回 nil 表示 NULL；谓词与脚本在 ctx 结束时中止
func (c *Computation) Run(ctx context.Context, rows, ref []Row) (*float64, error) {
	switch c.Kind {
	case KindRowCount:
		return floatPtr(float64(len(rows))), nil

	case KindNullCount:
		return floatPtr(float64(countNulls(rows, c.Columns))), nil

	case KindNullPercent:
		return percent(countNulls(rows, c.Columns), len(rows)), nil

	case KindDuplicateCount:
		nonNull, distinct := distinctKeys(rows, c.Columns)
		return floatPtr(float64(nonNull - distinct)), nil

	case KindDuplicatePercent:
		nonNull, distinct := distinctKeys(rows, c.Columns)
		return percent(nonNull-distinct, len(rows)), nil

	case KindUniqueCount, KindDistinctCount:
		_, distinct := distinctKeys(rows, c.Columns)
		return floatPtr(float64(distinct)), nil

	case KindCountIf, KindRateIf:
		matched, err := c.predicate(ctx, rows)
		if err != nil {
			return nil, err
		}
		if c.Kind == KindCountIf {
			return floatPtr(float64(matched)), nil
		}
		return percent(matched, len(rows)), nil

	case KindSum, KindAvg, KindMin, KindMax:
		return aggregate(c.Kind, rows, c.Columns[0])

	case KindOrphanCount:
		return floatPtr(float64(countOrphans(rows, ref, c.Columns, c.RefCols))), nil

	case KindScript:
		out, err := c.script(ctx, rows, ref)
		if err != nil {
			return nil, err
		}
		if isNilValue(out) {
			return nil, nil
		}
		v, err := cast.ToFloat64E(out)
		if err != nil {
			return nil, fmt.Errorf("脚本返回值不是数值: %v", out)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("脚本返回值不是有限数值: %v", v)
		}
		return &v, nil
	}
	return nil, fmt.Errorf("未知计算种类 %s", c.Kind)
}

func floatPtr(v float64) *float64 {
	return &v
}

// round2 保留两位小数
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// percent 百分比，两位小数；分母为 0 返回 NULL
func percent(count, total int) *float64 {
	if total == 0 {
		return nil
	}
	return floatPtr(round2(float64(count) * 100 / float64(total)))
}

func countNulls(rows []Row, columns []string) int {
	n := 0
	for _, row := range rows {
		for _, col := range columns {
			if row[col] == nil {
				n++
				break
			}
		}
	}
	return n
}

// rowKey 组合键；任一列为 NULL 时返回 false
func rowKey(row Row, columns []string) (string, bool) {
	parts := make([]string, len(columns))
	for i, col := range columns {
		v := row[col]
		if v == nil {
			return "", false
		}
		parts[i] = fmt.Sprintf("%T:%v", v, v)
	}
	return strings.Join(parts, "\x1f"), true
}

// distinctKeys 返回非 NULL 行数与不同键数量
func distinctKeys(rows []Row, columns []string) (nonNull, distinct int) {
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key, ok := rowKey(row, columns)
		if !ok {
			continue
		}
		nonNull++
		seen[key] = struct{}{}
	}
	return nonNull, len(seen)
}

func aggregate(kind MetricKind, rows []Row, column string) (*float64, error) {
	var (
		sum   float64
		count int
		min   = math.Inf(1)
		max   = math.Inf(-1)
	)
	for i, row := range rows {
		raw := row[column]
		if raw == nil {
			continue
		}
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行列 %s 不是数值: %v", i+1, column, raw)
		}
		sum += v
		count++
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if count == 0 {
		return nil, nil
	}
	switch kind {
	case KindSum:
		return floatPtr(sum), nil
	case KindAvg:
		return floatPtr(sum / float64(count)), nil
	case KindMin:
		return floatPtr(min), nil
	default:
		return floatPtr(max), nil
	}
}

// countOrphans 统计第一个关系中外键非 NULL 且在第二个关系中找不到的行
func countOrphans(rows, ref []Row, columns, refColumns []string) int {
	parents := make(map[string]struct{}, len(ref))
	for _, row := range ref {
		if key, ok := rowKey(row, refColumns); ok {
			parents[key] = struct{}{}
		}
	}
	orphans := 0
	for _, row := range rows {
		key, ok := rowKey(row, columns)
		if !ok {
			continue
		}
		if _, found := parents[key]; !found {
			orphans++
		}
	}
	return orphans
}

// NormalizeValue 将数据库值规范化为 float64/string/bool/nil，时间统一为 UTC RFC3339
func NormalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return cast.ToFloat64(x)
	}
	return fmt.Sprint(v)
}
