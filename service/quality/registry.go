/*
 * @module service/quality/registry
 * @description 指标定义注册表，提供 create-or-replace 定义、查询、删除与编译
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 校验结构 -> 确定性检查 -> 试编译 -> 按名称 upsert -> 失效缓存
 * @rules 重定义保留ID且不删除历史结果；存在绑定时不允许修改输入结构；非确定性表达式在定义时拒绝
 * @dependencies gorm.io/gorm, github.com/patrickmn/go-cache
 * @refs compute.go, script.go, determinism.go, binding_store.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"dataquality-service/service/models"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// 谓词包装函数中已占用的名称
var reservedColumnNames = map[string]bool{
	"row": true, "num": true, "str": true, "isNull": true, "truthy": true, "round": true,
	"rows": true, "ref": true,
}

var validColumnTypes = map[string]bool{
	TypeNumber: true, TypeText: true, TypeBoolean: true, TypeTimestamp: true, TypeAny: true,
}

// MetricDefinitionInput 定义指标的输入
type MetricDefinitionInput struct {
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	InputShape  models.InputShape `json:"input_shape"`
	Expression  string            `json:"expression,omitempty"`
	Description string            `json:"description"`
}

// Registry 指标定义注册表
type Registry struct {
	db     *gorm.DB
	engine *ScriptEngine
	cache  *gocache.Cache
}

// NewRegistry 创建注册表，cacheTTL 为定义缓存的过期时间
func NewRegistry(db *gorm.DB, engine *ScriptEngine, cacheTTL time.Duration) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Registry{
		db:     db,
		engine: engine,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Validate 校验定义但不持久化
func (r *Registry) Validate(in MetricDefinitionInput) (MetricKind, models.InputShape, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", models.InputShape{}, &ValidationError{Field: "name", Reason: "指标名称不能为空"}
	}

	kind, err := ParseMetricKind(in.Kind)
	if err != nil {
		return "", models.InputShape{}, err
	}

	shape, err := normalizeShape(kind, in.InputShape)
	if err != nil {
		return "", models.InputShape{}, err
	}

	rule := kindRules[kind]
	expr := strings.TrimSpace(in.Expression)
	if rule.expression && expr == "" {
		return "", models.InputShape{}, &ValidationError{Field: "expression", Reason: fmt.Sprintf("%s 需要表达式", kind)}
	}
	if !rule.expression && expr != "" {
		return "", models.InputShape{}, &ValidationError{Field: "expression", Reason: fmt.Sprintf("%s 不接受表达式", kind)}
	}

	if expr != "" {
		if kind == KindScript {
			err = CheckScript(name, expr)
		} else {
			err = CheckExpression(name, expr)
		}
		if err != nil {
			return "", models.InputShape{}, err
		}
	}

	def := &models.MetricDefinition{Name: name, Kind: string(kind), InputShape: shape, Expression: expr}
	if _, err := r.compile(def); err != nil {
		return "", models.InputShape{}, &ValidationError{Field: "expression", Reason: err.Error()}
	}
	return kind, shape, nil
}

func normalizeShape(kind MetricKind, shape models.InputShape) (models.InputShape, error) {
	rule := kindRules[kind]
	n := len(shape.Relations)
	if n == 0 {
		shape.Relations = []models.RelationShape{{}}
		n = 1
	}
	if n > 2 {
		return shape, &ValidationError{Field: "input_shape", Reason: "最多支持两个输入关系"}
	}
	if rule.relations != 0 && n != rule.relations {
		return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("%s 需要 %d 个输入关系", kind, rule.relations)}
	}

	out := models.InputShape{Relations: make([]models.RelationShape, n)}
	for i, rel := range shape.Relations {
		count := len(rel.Columns)
		if count < rule.minColumns {
			return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("%s 至少需要 %d 列", kind, rule.minColumns)}
		}
		if rule.maxColumns > 0 && count > rule.maxColumns {
			return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("%s 最多 %d 列", kind, rule.maxColumns)}
		}
		seen := make(map[string]bool, count)
		cols := make([]models.ColumnSpec, count)
		for j, c := range rel.Columns {
			if !token.IsIdentifier(c.Name) || reservedColumnNames[c.Name] {
				return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("列名 %q 不是合法标识符或为保留名", c.Name)}
			}
			if seen[c.Name] {
				return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("列名 %q 重复", c.Name)}
			}
			seen[c.Name] = true
			t := strings.ToUpper(strings.TrimSpace(c.Type))
			if t == "" {
				t = TypeAny
			}
			if !validColumnTypes[t] {
				return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("列类型 %q 不支持", c.Type)}
			}
			if rule.numericOnly && t != TypeNumber && t != TypeAny {
				return shape, &ValidationError{Field: "input_shape", Reason: fmt.Sprintf("%s 只接受数值列", kind)}
			}
			cols[j] = models.ColumnSpec{Name: c.Name, Type: t}
		}
		out.Relations[i] = models.RelationShape{Columns: cols}
	}
	if kind == KindOrphanCount && len(out.Relations[0].Columns) != len(out.Relations[1].Columns) {
		return shape, &ValidationError{Field: "input_shape", Reason: "ORPHAN_COUNT 两个关系的键列数量必须一致"}
	}
	return out, nil
}

// Define 定义或替换指标
func (r *Registry) Define(ctx context.Context, in MetricDefinitionInput) (*models.MetricDefinition, error) {
	kind, shape, err := r.Validate(in)
	if err != nil {
		slog.Warn("指标定义被拒绝", "name", in.Name, "error", err)
		return nil, err
	}
	name := strings.TrimSpace(in.Name)

	var def models.MetricDefinition
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		findErr := tx.Where("name = ?", name).First(&def).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			def = models.MetricDefinition{
				Name:        name,
				Kind:        string(kind),
				InputShape:  shape,
				Expression:  strings.TrimSpace(in.Expression),
				Description: in.Description,
				Version:     1,
			}
			return tx.Create(&def).Error
		}
		if findErr != nil {
			return findErr
		}

		if !reflect.DeepEqual(def.InputShape, shape) {
			var bound int64
			if err := tx.Model(&models.MetricBinding{}).Where("metric_name = ?", name).Count(&bound).Error; err != nil {
				return err
			}
			if bound > 0 {
				return &ShapeMismatchError{Metric: name, Reason: fmt.Sprintf("已有 %d 个绑定引用该指标，不能修改输入结构", bound)}
			}
		}

		return tx.Model(&def).Updates(map[string]interface{}{
			"kind":        string(kind),
			"input_shape": shape,
			"expression":  strings.TrimSpace(in.Expression),
			"description": in.Description,
			"version":     gorm.Expr("version + 1"),
		}).Error
	})
	if err != nil {
		var shapeErr *ShapeMismatchError
		if errors.As(err, &shapeErr) {
			return nil, err
		}
		return nil, fmt.Errorf("保存指标定义失败: %w", err)
	}

	r.cache.Delete(name)
	saved, err := r.load(ctx, name)
	if err != nil {
		return nil, err
	}
	slog.Info("指标定义已保存", "name", name, "kind", saved.Kind, "version", saved.Version)
	return saved, nil
}

func (r *Registry) load(ctx context.Context, name string) (*models.MetricDefinition, error) {
	var def models.MetricDefinition
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&def).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Kind: "指标定义", Key: name}
		}
		return nil, fmt.Errorf("查询指标定义失败: %w", err)
	}
	r.cache.SetDefault(name, &def)
	return &def, nil
}

// Get 按名称获取指标定义
func (r *Registry) Get(ctx context.Context, name string) (*models.MetricDefinition, error) {
	if cached, ok := r.cache.Get(name); ok {
		def := *cached.(*models.MetricDefinition)
		return &def, nil
	}
	def, err := r.load(ctx, name)
	if err != nil {
		return nil, err
	}
	copied := *def
	return &copied, nil
}

// List 列出全部指标定义
func (r *Registry) List(ctx context.Context) ([]models.MetricDefinition, error) {
	var defs []models.MetricDefinition
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("查询指标定义失败: %w", err)
	}
	return defs, nil
}

// Delete 删除指标定义，仍被绑定引用时拒绝
func (r *Registry) Delete(ctx context.Context, name string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bound int64
		if err := tx.Model(&models.MetricBinding{}).Where("metric_name = ?", name).Count(&bound).Error; err != nil {
			return err
		}
		if bound > 0 {
			return fmt.Errorf("%w: %s 被 %d 个绑定引用", ErrDefinitionInUse, name, bound)
		}
		res := tx.Where("name = ?", name).Delete(&models.MetricDefinition{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &NotFoundError{Kind: "指标定义", Key: name}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.cache.Delete(name)
	slog.Info("指标定义已删除", "name", name)
	return nil
}

// Compile 将定义编译为可执行计算
func (r *Registry) Compile(def *models.MetricDefinition) (*Computation, error) {
	return r.compile(def)
}

func (r *Registry) compile(def *models.MetricDefinition) (*Computation, error) {
	kind := MetricKind(def.Kind)
	comp := &Computation{Kind: kind}
	if len(def.InputShape.Relations) > 0 {
		comp.Columns = columnNames(def.InputShape.Relations[0])
	}
	if len(def.InputShape.Relations) > 1 {
		comp.RefCols = columnNames(def.InputShape.Relations[1])
	}

	switch kind {
	case KindCountIf, KindRateIf:
		fn, err := r.engine.Predicate(def.Expression, comp.Columns)
		if err != nil {
			return nil, err
		}
		comp.predicate = fn
	case KindScript:
		fn, err := r.engine.Script(def.Expression)
		if err != nil {
			return nil, err
		}
		comp.script = fn
	}
	return comp, nil
}

func columnNames(rel models.RelationShape) []string {
	names := make([]string, len(rel.Columns))
	for i, c := range rel.Columns {
		names[i] = c.Name
	}
	return names
}
