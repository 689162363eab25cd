/*
 * @module service/quality/evaluator
 * @description 指标评估器：读取绑定实体的当前数据，执行指标计算并追加结果
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 占位 -> 记录开始时间 -> 读取快照 -> 计算 -> 检查取消 -> 追加结果 -> 释放
 * @rules 结果时间为评估开始时间；计算失败/数据不可用/被取消均不写结果；同一绑定串行
 * @dependencies service/metrics, gorm.io/gorm
 * @refs scheduler.go, result_store.go, registry.go
 */

package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dataquality-service/service/metrics"
	"dataquality-service/service/models"
)

// Evaluator 指标评估器
type Evaluator struct {
	registry *Registry
	source   EntitySource
	results  *ResultStore
	guard    *InFlightGuard
	timeout  time.Duration
	now      func() time.Time
}

// EvaluatorOption 评估器选项
type EvaluatorOption func(*Evaluator)

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithTimeout 单次评估超时
func WithTimeout(timeout time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.timeout = timeout }
}

// NewEvaluator 创建评估器
func NewEvaluator(registry *Registry, source EntitySource, results *ResultStore, guard *InFlightGuard, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		registry: registry,
		source:   source,
		results:  results,
		guard:    guard,
		timeout:  5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate 评估一个绑定；该绑定已有在途评估时返回 ErrEvaluationInFlight
func (e *Evaluator) Evaluate(ctx context.Context, binding *models.MetricBinding) (*models.MetricResult, error) {
	flight := e.guard.TryAcquire(binding.ID, binding.Entity)
	if flight == nil {
		metrics.EvaluationsSkipped.WithLabelValues("in_flight").Inc()
		return nil, ErrEvaluationInFlight
	}
	defer e.guard.Release(flight)
	return e.runFlight(ctx, flight, binding)
}

// runFlight 在已占位的前提下执行评估
func (e *Evaluator) runFlight(ctx context.Context, flight *Flight, binding *models.MetricBinding) (*models.MetricResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !flight.attach(cancel) {
		return nil, context.Canceled
	}

	var result *models.MetricResult
	ran, err := e.guard.runExclusive(ctx, binding.ID, func() error {
		var evalErr error
		result, evalErr = e.evaluate(ctx, binding)
		return evalErr
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		metrics.EvaluationsSkipped.WithLabelValues("remote_lock").Inc()
		return nil, ErrEvaluationInFlight
	}
	return result, nil
}

func (e *Evaluator) evaluate(ctx context.Context, binding *models.MetricBinding) (*models.MetricResult, error) {
	start := e.now().UTC()
	clockStart := time.Now()

	result, err := e.compute(ctx, binding, start)
	elapsed := time.Since(clockStart)
	metrics.EvaluationDuration.WithLabelValues(binding.MetricName).Observe(elapsed.Seconds())

	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues(binding.MetricName, outcomeOf(err)).Inc()
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			slog.Warn("指标评估被取消或超时", "binding_id", binding.ID, "metric", binding.MetricName, "error", err)
		case errors.Is(err, ErrDataUnavailable):
			slog.Warn("指标评估数据不可用，等待下次调度", "binding_id", binding.ID, "entity", binding.Entity, "error", err)
		default:
			slog.Error("指标评估失败", "binding_id", binding.ID, "metric", binding.MetricName, "error", err)
		}
		return nil, err
	}

	result.DurationMs = elapsed.Milliseconds()
	if err := ctx.Err(); err != nil {
		metrics.EvaluationsTotal.WithLabelValues(binding.MetricName, "cancelled").Inc()
		return nil, err
	}
	if err := e.results.Append(ctx, result); err != nil {
		metrics.EvaluationsTotal.WithLabelValues(binding.MetricName, "store_error").Inc()
		slog.Error("写入指标结果失败", "binding_id", binding.ID, "error", err)
		return nil, err
	}

	metrics.EvaluationsTotal.WithLabelValues(binding.MetricName, "success").Inc()
	slog.Info("指标评估完成",
		"binding_id", binding.ID,
		"entity", binding.Entity,
		"metric", binding.MetricName,
		"value", formatValue(result.Value),
		"duration_ms", result.DurationMs)
	return result, nil
}

func (e *Evaluator) compute(ctx context.Context, binding *models.MetricBinding, start time.Time) (*models.MetricResult, error) {
	def, err := e.registry.Get(ctx, binding.MetricName)
	if err != nil {
		return nil, err
	}
	comp, err := e.registry.Compile(def)
	if err != nil {
		return nil, &ComputeError{BindingID: binding.ID, Metric: def.Name, Err: err}
	}

	reads := []RelationRead{{Entity: binding.Entity, Columns: binding.Columns}}
	if len(def.InputShape.Relations) > 1 {
		reads = append(reads, RelationRead{Entity: binding.SecondEntity, Columns: binding.SecondColumns})
	}

	data, err := e.source.Read(ctx, reads)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &DataUnavailableError{Entity: binding.Entity, Err: err}
	}

	rows := renameRows(data[0], binding.Columns, comp.Columns)
	var ref []Row
	if len(data) > 1 {
		ref = renameRows(data[1], binding.SecondColumns, comp.RefCols)
	}

	value, err := comp.Run(ctx, rows, ref)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ComputeError{BindingID: binding.ID, Metric: def.Name, Err: err}
	}

	return &models.MetricResult{
		BindingID:  binding.ID,
		MetricName: binding.MetricName,
		Entity:     binding.Entity,
		Columns:    binding.Columns,
		Value:      value,
		MeasuredAt: start,
	}, nil
}

// renameRows 将实体列名按位置映射为指标输入列名
func renameRows(rows []Row, from, to []string) []Row {
	out := make([]Row, len(rows))
	for i, src := range rows {
		row := make(Row, len(to))
		for j, name := range to {
			if j < len(from) {
				row[name] = src[from[j]]
			}
		}
		out[i] = row
	}
	return out
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrDataUnavailable):
		return "data_unavailable"
	case errors.Is(err, ErrCompute):
		return "compute_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}

func formatValue(v *float64) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%g", *v)
}
