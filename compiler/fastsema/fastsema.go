// Package fastsema is the shallow analysis tier used by the bytecode path.
//
// It assigns provisional types only where they are trivially derivable:
// literals, local bindings, arithmetic over proven operands and calls to
// functions analyzed earlier in the module. Everything else is Unknown and
// compiles to generic operations. Analysis never fails; problems are
// reported as diagnostics.
package fastsema

import (
	"fmt"

	"github.com/chazu/kayton/pkg/ir"
)

// Kind is a provisional type.
type Kind uint8

const (
	Unknown Kind = iota
	Int
	Bool
	String
	Unit
	Function
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "Int"
	case Bool:
		return "Bool"
	case String:
		return "String"
	case Unit:
		return "Unit"
	case Function:
		return "Function"
	}
	return "Unknown"
}

// Type is a provisional type with function arity and return kind.
type Type struct {
	Kind  Kind
	Arity int
	Ret   Kind
}

func (t Type) String() string {
	if t.Kind == Function {
		return fmt.Sprintf("fn/%d -> %s", t.Arity, t.Ret)
	}
	return t.Kind.String()
}

var unknown = Type{}

func simple(k Kind) Type { return Type{Kind: k} }

// join is strict: differing types give Unknown.
func join(a, b Type) Type {
	if a == b {
		return a
	}
	return unknown
}

// Result is the output of Analyze.
type Result struct {
	Types       map[ir.NodeID]Type
	Diagnostics ir.Diagnostics
	Scopes      *ir.Scopes
}

// TypeOf returns the provisional type of a node.
func (r *Result) TypeOf(id ir.NodeID) Type {
	return r.Types[id]
}

// Proven reports whether id has the given concrete kind.
func (r *Result) Proven(id ir.NodeID, k Kind) bool {
	return r.Types[id].Kind == k
}

type funcCtx struct {
	ret     Type
	returns int
}

type analyzer struct {
	mod    *ir.Module
	res    *Result
	scopes []map[ir.Symbol]Type
	fn     *funcCtx
	// widened holds local declarations whose type changes through
	// assignment; they are treated as Unknown throughout.
	widened map[ir.NodeID]bool
	retry   bool
}

// Analyze runs the shallow pass over mod.
func Analyze(mod *ir.Module) *Result {
	a := &analyzer{
		mod: mod,
		res: &Result{
			Types:  make(map[ir.NodeID]Type),
			Scopes: ir.Resolve(mod),
		},
		scopes:  []map[ir.Symbol]Type{{}},
		widened: make(map[ir.NodeID]bool),
	}
	a.module()
	return a.res
}

func (a *analyzer) diag(sev ir.Severity, code string, id ir.NodeID, format string, args ...any) {
	a.res.Diagnostics = append(a.res.Diagnostics, ir.Diagnostic{
		Severity: sev,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Node:     id,
		Span:     a.mod.Node(id).Span,
	})
}

func (a *analyzer) set(id ir.NodeID, t Type) Type {
	a.res.Types[id] = t
	return t
}

func (a *analyzer) bind(sym ir.Symbol, t Type) {
	a.scopes[len(a.scopes)-1][sym] = t
}

func (a *analyzer) lookup(sym ir.Symbol) (Type, bool) {
	for i := len(a.scopes) - 1; i >= 0; i-- {
		if t, ok := a.scopes[i][sym]; ok {
			return t, true
		}
	}
	return unknown, false
}

func (a *analyzer) push() { a.scopes = append(a.scopes, map[ir.Symbol]Type{}) }
func (a *analyzer) pop()  { a.scopes = a.scopes[:len(a.scopes)-1] }

func (a *analyzer) module() {
	items := a.mod.Items()
	for _, id := range items {
		n := a.mod.Node(id)
		if n.Kind == ir.KindFunc {
			t := Type{Kind: Function, Arity: len(a.mod.Params(id)), Ret: Unknown}
			a.bind(n.Sym, a.set(id, t))
		}
	}
	// Devirtualized sends call impl methods by mangled name.
	for _, m := range a.mod.ImplMethods() {
		if sym, ok := a.mod.Symbols.Lookup(m.Name); ok {
			a.bind(sym, Type{Kind: Function, Arity: len(a.mod.Params(m.Func))})
		}
	}
	for _, id := range items {
		n := a.mod.Node(id)
		switch n.Kind {
		case ir.KindLet:
			a.bind(n.Sym, a.set(id, a.expr(n.Children[0])))
		case ir.KindFunc:
			ret := a.function(id)
			t := a.res.Types[id]
			t.Ret = ret.Kind
			a.bind(n.Sym, a.set(id, t))
		case ir.KindImpl:
			for _, f := range n.Children {
				ret := a.function(f)
				t := a.set(f, Type{Kind: Function, Arity: len(a.mod.Params(f)), Ret: ret.Kind})
				name := ir.MethodName(a.mod.Name(n), n.TypeExpr, a.mod.Name(a.mod.Node(f)))
				if sym, ok := a.mod.Symbols.Lookup(name); ok {
					a.bind(sym, t)
				}
			}
		}
	}
}

// function analyzes one function body. A body is re-analyzed when an
// assignment reveals that a local's type is not stable; each retry widens
// at least one more declaration, so this terminates.
func (a *analyzer) function(id ir.NodeID) Type {
	mark := len(a.res.Diagnostics)
	for {
		a.res.Diagnostics = a.res.Diagnostics[:mark]
		a.retry = false
		ret := a.functionOnce(id)
		if !a.retry {
			return ret
		}
	}
}

func (a *analyzer) functionOnce(id ir.NodeID) Type {
	a.push()
	defer a.pop()
	outer := a.fn
	a.fn = &funcCtx{}
	defer func() { a.fn = outer }()

	for _, p := range a.mod.Params(id) {
		a.bind(a.mod.Node(p).Sym, a.set(p, unknown))
	}
	body := a.expr(a.mod.Body(id))
	if a.fn.returns == 0 {
		return body
	}
	if !a.endsInReturn(a.mod.Body(id)) {
		return join(a.fn.ret, body)
	}
	return a.fn.ret
}

// endsInReturn reports whether a body's last statement is a return, so its
// tail value never flows out.
func (a *analyzer) endsInReturn(id ir.NodeID) bool {
	n := a.mod.Node(id)
	switch n.Kind {
	case ir.KindReturn:
		return true
	case ir.KindBlock:
		if n.HasTail || len(n.Children) == 0 {
			return false
		}
		return a.endsInReturn(n.Children[len(n.Children)-1])
	}
	return false
}

func (a *analyzer) block(id ir.NodeID) Type {
	n := a.mod.Node(id)
	a.push()
	defer a.pop()
	stmts := n.Children
	if n.HasTail {
		stmts = stmts[:len(stmts)-1]
	}
	for _, s := range stmts {
		a.stmt(s)
	}
	if n.HasTail {
		return a.set(id, a.expr(n.Children[len(n.Children)-1]))
	}
	return a.set(id, simple(Unit))
}

func (a *analyzer) stmt(id ir.NodeID) {
	n := a.mod.Node(id)
	switch n.Kind {
	case ir.KindLet:
		t := a.expr(n.Children[0])
		if a.widened[id] {
			t = unknown
		}
		a.bind(n.Sym, a.set(id, t))
	default:
		a.expr(id)
	}
}

func (a *analyzer) expr(id ir.NodeID) Type {
	n := a.mod.Node(id)
	switch n.Kind {
	case ir.KindInt:
		return a.set(id, simple(Int))
	case ir.KindString:
		return a.set(id, simple(String))
	case ir.KindBool:
		return a.set(id, simple(Bool))
	case ir.KindUnit:
		return a.set(id, simple(Unit))

	case ir.KindName:
		if t, ok := a.lookup(n.Sym); ok {
			return a.set(id, t)
		}
		a.diag(ir.SeverityWarning, "undefined-name", id, "undefined name %s", a.mod.Name(n))
		return a.set(id, unknown)

	case ir.KindBlock:
		return a.block(id)

	case ir.KindLet:
		// A let outside a block still binds for the rest of the enclosing scope.
		a.stmt(id)
		return a.set(id, simple(Unit))

	case ir.KindAssign:
		t := a.expr(n.Children[0])
		if cur, ok := a.lookup(n.Sym); ok && cur != t && cur.Kind != Unknown {
			if decl, ok := a.res.Scopes.Binding(id); ok {
				dn := a.mod.Node(decl)
				if dn.Kind == ir.KindLet && !a.widened[decl] {
					a.widened[decl] = true
					a.retry = true
				}
			}
		}
		return a.set(id, simple(Unit))

	case ir.KindWhile:
		cond := a.expr(n.Children[0])
		if cond.Kind != Bool && cond.Kind != Unknown {
			a.diag(ir.SeverityError, "type", n.Children[0], "while condition must be bool")
		}
		a.expr(n.Children[1])
		return a.set(id, simple(Unit))

	case ir.KindReturn:
		t := simple(Unit)
		if len(n.Children) == 1 {
			t = a.expr(n.Children[0])
		}
		if a.fn != nil {
			if a.fn.returns > 0 && a.fn.ret != t && a.fn.ret.Kind != Unknown && t.Kind != Unknown {
				a.diag(ir.SeverityError, "type", id, "conflicting return types")
			}
			if a.fn.returns == 0 {
				a.fn.ret = t
			} else {
				a.fn.ret = join(a.fn.ret, t)
			}
			a.fn.returns++
		}
		return a.set(id, unknown)

	case ir.KindIf:
		cond := a.expr(n.Children[0])
		if cond.Kind != Bool && cond.Kind != Unknown {
			a.diag(ir.SeverityError, "type", n.Children[0], "if condition must be bool")
		}
		then := a.expr(n.Children[1])
		els := simple(Unit)
		if len(n.Children) == 3 {
			els = a.expr(n.Children[2])
		}
		if then != els && then.Kind != Unknown && els.Kind != Unknown &&
			then.Kind != Unit && els.Kind != Unit {
			a.diag(ir.SeverityError, "type", id, "mismatched branch types")
		}
		return a.set(id, join(then, els))

	case ir.KindCall:
		for _, c := range n.Children {
			a.expr(c)
		}
		callee, ok := a.lookup(n.Sym)
		if !ok {
			// Not a module function: resolved against the host at runtime.
			return a.set(id, unknown)
		}
		switch callee.Kind {
		case Function:
			if callee.Arity != len(n.Children) {
				a.diag(ir.SeverityError, "arity", id, "expected %d arguments, found %d", callee.Arity, len(n.Children))
			}
			return a.set(id, simple(callee.Ret))
		case Unknown:
			return a.set(id, unknown)
		}
		a.diag(ir.SeverityError, "type", id, "cannot call non-function")
		return a.set(id, unknown)

	case ir.KindSend, ir.KindInvoke:
		for _, c := range n.Children {
			a.expr(c)
		}
		return a.set(id, unknown)

	case ir.KindBinary:
		lhs := a.expr(n.Children[0])
		rhs := a.expr(n.Children[1])
		return a.set(id, a.binary(n, lhs, rhs))

	case ir.KindUnary:
		x := a.expr(n.Children[0])
		want := Int
		if n.Op == ir.OpNot {
			want = Bool
		}
		if x.Kind != Unknown && x.Kind != want {
			a.diag(ir.SeverityError, "type", n.Children[0], "unary operand has wrong type")
		}
		if x.Kind == want {
			return a.set(id, simple(want))
		}
		if n.Op == ir.OpNot {
			return a.set(id, simple(Bool))
		}
		return a.set(id, unknown)
	}
	return a.set(id, unknown)
}

func (a *analyzer) binary(n *ir.Node, lhs, rhs Type) Type {
	switch {
	case n.Op == ir.OpEq || n.Op == ir.OpNe:
		return simple(Bool)
	case n.Op.IsCompare():
		a.checkOperands(n, lhs, rhs, Int, String)
		return simple(Bool)
	case n.Op == ir.OpAdd:
		a.checkOperands(n, lhs, rhs, Int, String)
		if lhs == rhs && (lhs.Kind == Int || lhs.Kind == String) {
			return lhs
		}
		return unknown
	default:
		a.checkOperands(n, lhs, rhs, Int)
		if lhs.Kind == Int && rhs.Kind == Int {
			return simple(Int)
		}
		return unknown
	}
}

func (a *analyzer) checkOperands(n *ir.Node, lhs, rhs Type, allowed ...Kind) {
	ok := func(t Type) bool {
		if t.Kind == Unknown {
			return true
		}
		for _, k := range allowed {
			if t.Kind == k {
				return true
			}
		}
		return false
	}
	if !ok(lhs) {
		a.diag(ir.SeverityError, "type", n.Children[0], "left operand has wrong type")
	}
	if !ok(rhs) {
		a.diag(ir.SeverityError, "type", n.Children[1], "right operand has wrong type")
	}
	if lhs.Kind != Unknown && rhs.Kind != Unknown && lhs != rhs {
		a.diag(ir.SeverityError, "type", n.ID, "operands of %s have different types", n.Op)
	}
}
