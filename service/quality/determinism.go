/*
 * @module service/quality/determinism
 * @description 指标表达式的确定性静态检查，在定义阶段拒绝引用时钟或外部状态的计算
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 源码 -> go/parser AST -> 遍历节点 -> 通过 / NonDeterministicMetricError
 * @rules 禁止 time/rand/os/net 等包引用、CURRENT_DATE 类标识符、now()/sysdate() 调用、goroutine 与 select、遍历 map、%p 格式化
 * @dependencies go/ast, go/parser
 * @refs registry.go, script.go
 */

package quality

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// 禁止引用的包，引用即视为依赖外部状态
var forbiddenPackages = map[string]bool{
	"time":    true,
	"rand":    true,
	"os":      true,
	"net":     true,
	"http":    true,
	"exec":    true,
	"io":      true,
	"ioutil":  true,
	"syscall": true,
	"runtime": true,
	"unsafe":  true,
	"sync":    true,
	"reflect": true,
}

// 仓库SQL方言中的时钟标识符
var forbiddenIdents = map[string]bool{
	"CURRENT_DATE":      true,
	"CURRENT_TIMESTAMP": true,
	"CURRENT_TIME":      true,
	"SYSDATE":           true,
	"LOCALTIMESTAMP":    true,
	"LOCALTIME":         true,
}

var forbiddenCalls = map[string]bool{
	"now":          true,
	"sysdate":      true,
	"getdate":      true,
	"random":       true,
	"uuid":         true,
	"current_date": true,
}

// CheckExpression 检查谓词表达式的确定性
func CheckExpression(metric, expr string) error {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return &ValidationError{Field: "expression", Reason: fmt.Sprintf("表达式语法错误: %v", err)}
	}
	return inspectDeterminism(metric, node)
}

// CheckScript 检查脚本函数体的确定性，body 为 Compute 函数体
func CheckScript(metric, body string) error {
	src := "package main\nfunc Compute(rows, ref []map[string]interface{}) (interface{}, error) {\n" + body + "\n}\n"
	file, err := parser.ParseFile(token.NewFileSet(), "metric.go", src, 0)
	if err != nil {
		return &ValidationError{Field: "expression", Reason: fmt.Sprintf("脚本语法错误: %v", err)}
	}
	return inspectDeterminism(metric, file)
}

func inspectDeterminism(metric string, root ast.Node) error {
	var found string
	maps := newMapTracker()
	ast.Inspect(root, func(n ast.Node) bool {
		if found != "" {
			return false
		}
		switch node := n.(type) {
		case *ast.SelectorExpr:
			if pkg, ok := node.X.(*ast.Ident); ok && forbiddenPackages[pkg.Name] {
				found = pkg.Name + "." + node.Sel.Name
			}
		case *ast.Ident:
			if forbiddenIdents[strings.ToUpper(node.Name)] {
				found = node.Name
			}
		case *ast.CallExpr:
			if name := callName(node.Fun); forbiddenCalls[strings.ToLower(name)] {
				found = name + "()"
			}
		case *ast.BasicLit:
			if node.Kind == token.STRING && strings.Contains(node.Value, "%p") {
				found = "%p"
			}
		case *ast.GoStmt:
			found = "go"
		case *ast.SelectStmt:
			found = "select"
		case *ast.ImportSpec:
			found = "import " + node.Path.Value
		case *ast.AssignStmt:
			maps.assign(node.Lhs, node.Rhs)
		case *ast.ValueSpec:
			maps.declare(node)
		case *ast.Field:
			maps.field(node)
		case *ast.RangeStmt:
			if maps.isMap(node.X) {
				found = "range " + exprString(node.X)
				break
			}
			if maps.isRowList(node.X) {
				if v, ok := node.Value.(*ast.Ident); ok {
					maps.names[v.Name] = true
				}
			}
		}
		return found == ""
	})
	if found != "" {
		return &NonDeterministicMetricError{Metric: metric, Reference: found}
	}
	return nil
}

// mapTracker 无类型信息下近似追踪 map 变量；row 与 rows/ref 的元素都是 map
type mapTracker struct {
	names    map[string]bool
	rowLists map[string]bool
}

func newMapTracker() *mapTracker {
	return &mapTracker{
		names:    map[string]bool{"row": true},
		rowLists: map[string]bool{"rows": true, "ref": true},
	}
}

func (m *mapTracker) isRowList(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.Ident:
		return m.rowLists[x.Name]
	case *ast.ParenExpr:
		return m.isRowList(x.X)
	case *ast.SliceExpr:
		return m.isRowList(x.X)
	}
	return false
}

func (m *mapTracker) isMap(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.Ident:
		return m.names[x.Name]
	case *ast.ParenExpr:
		return m.isMap(x.X)
	case *ast.IndexExpr:
		return m.isRowList(x.X)
	case *ast.CompositeLit:
		_, ok := x.Type.(*ast.MapType)
		return ok
	case *ast.CallExpr:
		if fn, ok := x.Fun.(*ast.Ident); ok && fn.Name == "make" && len(x.Args) > 0 {
			_, ok := x.Args[0].(*ast.MapType)
			return ok
		}
	}
	return false
}

func (m *mapTracker) assign(lhs, rhs []ast.Expr) {
	if len(lhs) != len(rhs) {
		return
	}
	for i, l := range lhs {
		id, ok := l.(*ast.Ident)
		if !ok || id.Name == "_" {
			continue
		}
		switch {
		case m.isMap(rhs[i]):
			m.names[id.Name] = true
		case m.isRowList(rhs[i]):
			m.rowLists[id.Name] = true
		}
	}
}

func (m *mapTracker) declare(spec *ast.ValueSpec) {
	if _, ok := spec.Type.(*ast.MapType); ok {
		for _, id := range spec.Names {
			m.names[id.Name] = true
		}
		return
	}
	names := make([]ast.Expr, len(spec.Names))
	for i, id := range spec.Names {
		names[i] = id
	}
	m.assign(names, spec.Values)
}

func (m *mapTracker) field(f *ast.Field) {
	if _, ok := f.Type.(*ast.MapType); !ok {
		return
	}
	for _, id := range f.Names {
		if !m.rowLists[id.Name] {
			m.names[id.Name] = true
		}
	}
}

func exprString(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.ParenExpr:
		return exprString(x.X)
	case *ast.IndexExpr:
		return exprString(x.X) + "[...]"
	case *ast.CallExpr:
		return callName(x.Fun) + "(...)"
	}
	return "map"
}

func callName(fun ast.Expr) string {
	switch f := fun.(type) {
	case *ast.Ident:
		return f.Name
	case *ast.SelectorExpr:
		return f.Sel.Name
	}
	return ""
}
