/*
 * @module service/quality/errors
 * @description 数据质量引擎错误分类
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 定义期错误(NonDeterministic) / 绑定期错误(ShapeMismatch) / 执行期错误(Compute, DataUnavailable)
 * @rules 所有错误类型均支持 errors.Is 与对应哨兵错误比较
 * @dependencies errors, fmt
 * @refs registry.go, binding_store.go, evaluator.go
 */

package quality

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("对象不存在")
	ErrShapeMismatch      = errors.New("输入结构不匹配")
	ErrNonDeterministic   = errors.New("指标计算不是确定性的")
	ErrCompute            = errors.New("指标计算失败")
	ErrDataUnavailable    = errors.New("目标数据不可用")
	ErrValidation         = errors.New("参数校验失败")
	ErrEvaluationInFlight = errors.New("绑定正在评估中")
	ErrDefinitionInUse    = errors.New("指标定义仍被绑定引用")
)

// NotFoundError 指标定义、绑定、调度或告警规则不存在
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q 不存在", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ShapeMismatchError 绑定的实体列不满足指标输入结构
type ShapeMismatchError struct {
	Metric string
	Entity string
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("实体 %q 与指标 %q 的输入结构不匹配: %s", e.Entity, e.Metric, e.Reason)
}

func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// NonDeterministicMetricError 指标计算引用了时钟或外部状态
type NonDeterministicMetricError struct {
	Metric    string
	Reference string
}

func (e *NonDeterministicMetricError) Error() string {
	return fmt.Sprintf("指标 %q 引用了非确定性内容 %q", e.Metric, e.Reference)
}

func (e *NonDeterministicMetricError) Is(target error) bool { return target == ErrNonDeterministic }

// ComputeError 指标在真实数据上执行失败，不写入结果
type ComputeError struct {
	BindingID string
	Metric    string
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("绑定 %s 的指标 %q 计算失败: %v", e.BindingID, e.Metric, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

func (e *ComputeError) Is(target error) bool { return target == ErrCompute }

// DataUnavailableError 目标实体缺失或无法访问，等待下一次调度重试
type DataUnavailableError struct {
	Entity string
	Err    error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("实体 %q 数据不可用: %v", e.Entity, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

func (e *DataUnavailableError) Is(target error) bool { return target == ErrDataUnavailable }

// ValidationError 请求参数不合法（调度表达式、操作符等）
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s 无效: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
