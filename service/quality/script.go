/*
 * @module service/quality/script
 * @description 指标谓词与脚本的 Yaegi 解释执行器，支持编译缓存
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 源码 -> 包装为 package main -> 编译(按哈希缓存) -> 取空闲实例 -> EvalWithContext(Run()) -> 归还或丢弃实例
 * @rules 只开放纯计算标准库(math/strconv/strings/sort/unicode/fmt)；行数据只含 float64/string/bool/nil；一个实例同一时刻只服务一次调用，被取消的实例不再归还
 * @dependencies github.com/traefik/yaegi
 * @refs compute.go, determinism.go
 */

package quality

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// 脚本可见的标准库
var allowedPackages = map[string]bool{
	"fmt":     true,
	"math":    true,
	"sort":    true,
	"strconv": true,
	"strings": true,
	"unicode": true,
}

var (
	restrictedOnce    sync.Once
	restrictedSymbols interp.Exports
)

// pureSymbols 从 yaegi 标准库符号表中筛出允许的包，键格式为 "path/name"
func pureSymbols() interp.Exports {
	restrictedOnce.Do(func() {
		restrictedSymbols = make(interp.Exports)
		for key, symbols := range stdlib.Symbols {
			path := key
			if idx := strings.LastIndex(key, "/"); idx > 0 {
				path = key[:idx]
			}
			if allowedPackages[path] {
				restrictedSymbols[key] = symbols
			}
		}
	})
	return restrictedSymbols
}

const scriptPrelude = `package main

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"dqinput"
)

var (
	_ = sort.Strings
	_ = unicode.IsDigit
)

func num(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func isNull(v interface{}) bool {
	return v == nil
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		b, err := strconv.ParseBool(x)
		return err == nil && b
	}
	return false
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
`

// PredicateFunc 对一组行求值谓词，返回命中行数
type PredicateFunc func(ctx context.Context, rows []Row) (int, error)

// ScriptFunc 关系级脚本，ref 为第二个关系的行（单关系指标为 nil）
type ScriptFunc func(ctx context.Context, rows, ref []Row) (interface{}, error)

// maxIdleInstances 每个程序保留的空闲解释器上限
const maxIdleInstances = 4

// scriptInstance 独立的解释器实例，同一时刻只服务一次调用
type scriptInstance struct {
	interp *interp.Interpreter
	rows   []map[string]interface{}
	ref    []map[string]interface{}
	pos    int
	result interface{}
	err    error
}

// exports 宿主向解释器暴露的输入输出包
func (inst *scriptInstance) exports() interp.Exports {
	return interp.Exports{
		"dqinput/dqinput": {
			"Rows": reflect.ValueOf(func() []map[string]interface{} { return inst.rows }),
			"Ref":  reflect.ValueOf(func() []map[string]interface{} { return inst.ref }),
			"At":   reflect.ValueOf(func(i int) { inst.pos = i }),
			"Done": reflect.ValueOf(func(v interface{}, err error) { inst.result, inst.err = v, err }),
		},
	}
}

func (inst *scriptInstance) reset(rows, ref []Row) {
	inst.rows, inst.ref = toMaps(rows), toMaps(ref)
	inst.pos, inst.result, inst.err = 0, nil, nil
}

// program 一份已校验的源码及其空闲解释器
type program struct {
	src  string
	mu   sync.Mutex
	idle []*scriptInstance
}

func (p *program) compile() (*scriptInstance, error) {
	i, err := newInterpreter()
	if err != nil {
		return nil, err
	}
	inst := &scriptInstance{interp: i}
	if err := i.Use(inst.exports()); err != nil {
		return nil, fmt.Errorf("加载输入符号失败: %w", err)
	}
	if _, err := i.Eval(p.src); err != nil {
		return nil, err
	}
	return inst, nil
}

func (p *program) acquire() (*scriptInstance, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()
	return p.compile()
}

func (p *program) release(inst *scriptInstance) {
	inst.reset(nil, nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < maxIdleInstances {
		p.idle = append(p.idle, inst)
	}
}

// run 在独立实例上执行 Run()；上下文结束时解释器被停止，实例不再复用
func (p *program) run(ctx context.Context, rows, ref []Row) (*scriptInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := p.acquire()
	if err != nil {
		return nil, err
	}
	inst.reset(rows, ref)
	if _, err := inst.interp.EvalWithContext(ctx, "Run()"); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return inst, &scriptPanicError{Row: inst.pos, Err: err}
	}
	return inst, nil
}

// scriptPanicError 解释执行期间的运行时异常
type scriptPanicError struct {
	Row int
	Err error
}

func (e *scriptPanicError) Error() string {
	return fmt.Sprintf("脚本执行异常: %v", e.Err)
}

func (e *scriptPanicError) Unwrap() error { return e.Err }

// ScriptEngine Yaegi 执行器，编译结果按源码哈希缓存
type ScriptEngine struct {
	mu       sync.RWMutex
	programs map[string]*program
}

// NewScriptEngine 创建脚本执行器
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{programs: make(map[string]*program)}
}

func sourceHash(src string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(src)))
}

func newInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(pureSymbols()); err != nil {
		return nil, fmt.Errorf("加载标准库符号失败: %w", err)
	}
	return i, nil
}

func predicateSource(expr string, columns []string) string {
	var b strings.Builder
	b.WriteString(scriptPrelude)
	b.WriteString("\nfunc Predicate(row map[string]interface{}) bool {\n")
	for _, col := range columns {
		fmt.Fprintf(&b, "\t%s := row[%q]\n\t_ = %s\n", col, col, col)
	}
	fmt.Fprintf(&b, "\treturn truthy(%s)\n}\n", expr)
	b.WriteString(`
func Run() {
	n := 0
	for i, row := range dqinput.Rows() {
		dqinput.At(i)
		if Predicate(row) {
			n++
		}
	}
	dqinput.Done(n, nil)
}
`)
	return b.String()
}

func scriptSource(body string) string {
	return scriptPrelude + "\nfunc Compute(rows, ref []map[string]interface{}) (interface{}, error) {\n" + body + "\n}\n" + `
func Run() {
	v, err := Compute(dqinput.Rows(), dqinput.Ref())
	dqinput.Done(v, err)
}
`
}

// load 返回缓存中的程序；首次出现时编译一个实例以校验源码
func (e *ScriptEngine) load(src string) (*program, error) {
	hash := sourceHash(src)

	e.mu.RLock()
	p, ok := e.programs[hash]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p = &program{src: src}
	inst, err := p.compile()
	if err != nil {
		return nil, err
	}
	p.idle = append(p.idle, inst)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.programs[hash]; ok {
		return existing, nil
	}
	e.programs[hash] = p
	return p, nil
}

// Predicate 编译行谓词，columns 中的列名在表达式里作为局部变量可用
func (e *ScriptEngine) Predicate(expr string, columns []string) (PredicateFunc, error) {
	p, err := e.load(predicateSource(expr, columns))
	if err != nil {
		return nil, fmt.Errorf("谓词编译失败: %w", err)
	}

	return func(ctx context.Context, rows []Row) (int, error) {
		inst, err := p.run(ctx, rows, nil)
		if err != nil {
			var panicErr *scriptPanicError
			if errors.As(err, &panicErr) {
				return 0, fmt.Errorf("第 %d 行谓词执行失败: %w", panicErr.Row+1, err)
			}
			return 0, err
		}
		defer p.release(inst)
		return cast.ToIntE(inst.result)
	}, nil
}

// Script 编译关系级脚本，body 为 Compute 函数体
func (e *ScriptEngine) Script(body string) (ScriptFunc, error) {
	p, err := e.load(scriptSource(body))
	if err != nil {
		return nil, fmt.Errorf("脚本编译失败: %w", err)
	}

	return func(ctx context.Context, rows, ref []Row) (interface{}, error) {
		inst, err := p.run(ctx, rows, ref)
		if err != nil {
			return nil, err
		}
		defer p.release(inst)
		return inst.result, inst.err
	}, nil
}

// CacheSize 已编译的谓词与脚本数量
func (e *ScriptEngine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func toMaps(rows []Row) []map[string]interface{} {
	if rows == nil {
		return nil
	}
	out := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// isNilValue 脚本可能返回包装在接口中的 nil
func isNilValue(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
