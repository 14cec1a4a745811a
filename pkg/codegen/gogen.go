package codegen

import (
	"bytes"
	"fmt"

	"github.com/dave/jennifer/jen"

	"github.com/chazu/kayton/compiler/aot"
	"github.com/chazu/kayton/pkg/ir"
	"github.com/chazu/kayton/pkg/value"
)

const (
	codegenPath = "github.com/chazu/kayton/pkg/codegen"
	irPath      = "github.com/chazu/kayton/pkg/ir"
	runtimePath = "github.com/chazu/kayton/lib/runtime"
	valuePath   = "github.com/chazu/kayton/pkg/value"
)

var opIdents = map[ir.Op]string{
	ir.OpAdd: "OpAdd",
	ir.OpSub: "OpSub",
	ir.OpMul: "OpMul",
	ir.OpDiv: "OpDiv",
	ir.OpMod: "OpMod",
	ir.OpEq:  "OpEq",
	ir.OpNe:  "OpNe",
	ir.OpLt:  "OpLt",
	ir.OpLe:  "OpLe",
	ir.OpGt:  "OpGt",
	ir.OpGe:  "OpGe",
	ir.OpNeg: "OpNeg",
	ir.OpNot: "OpNot",
}

// GoOptions controls Go source emission.
type GoOptions struct {
	// Package is the package clause of the generated file.
	Package string
	// Bundle, when set, makes the generated program load its thunks from
	// this file. The file then exports Init instead of registering the
	// thunks from an init function.
	Bundle string
	// Validate type-checks the output. The kayton packages must be
	// importable from the working directory.
	Validate bool
}

// GenerateError lists generated functions that failed validation.
type GenerateError struct {
	Errors []ValidationError
}

func (e *GenerateError) Error() string {
	return "codegen: generated Go failed validation:\n" + FormatValidationErrors(e.Errors, "")
}

// EmitGo prints the rewritten module of res as a Go file. The file
// declares Program, built with NewProgram, and Bridge, the registry its
// stubs call into. Thunk blobs are embedded and registered by init unless
// opts.Bundle is set.
func EmitGo(res *aot.Result, opts GoOptions) ([]byte, error) {
	l, err := newLinker(res.Module)
	if err != nil {
		return nil, err
	}
	pkg := opts.Package
	if pkg == "" {
		pkg = "main"
	}

	f := jen.NewFile(pkg)
	f.HeaderComment("Code generated by kayton. DO NOT EDIT.")
	f.ImportName(codegenPath, "codegen")
	f.ImportName(irPath, "ir")
	f.ImportName(runtimePath, "runtime")
	f.ImportName(valuePath, "value")

	var units, regs []jen.Code
	var funcs []jen.Code
	for i, nf := range l.funcs {
		u := l.units[i]
		fields := jen.Dict{
			jen.Id("Name"):   jen.Lit(u.Name),
			jen.Id("Params"): jen.Lit(u.Params),
		}
		if u.Kind == UnitStub {
			blob, err := l.thunkBlob(u.Name)
			if err != nil {
				return nil, err
			}
			id := hexID(u.ThunkID)
			fields[jen.Id("Kind")] = jen.Qual(codegenPath, "UnitStub")
			fields[jen.Id("ThunkID")] = id
			fields[jen.Id("Fn")] = jen.Qual(codegenPath, "Stub").Call(id)
			regs = append(regs, jen.Values(jen.Dict{
				jen.Id("ID"):   id,
				jen.Id("Name"): jen.Lit(u.Name),
				jen.Id("Blob"): jen.Index().Byte().Call(jen.Lit(string(blob))),
			}))
		} else {
			fn, err := l.goFunc(i, nf)
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, fn)
			fields[jen.Id("Fn")] = jen.Qual(codegenPath, "Direct").Call(jen.Lit(u.Name), jen.Id(goName(i)))
		}
		units = append(units, jen.Values(fields))
	}
	var methods []jen.Code
	for _, m := range l.methods {
		methods = append(methods, jen.Values(jen.Dict{
			jen.Id("Type"): jen.Lit(m.Type),
			jen.Id("Name"): jen.Lit(m.Name),
			jen.Id("Unit"): jen.Lit(m.Unit),
		}))
	}

	args := []jen.Code{
		jen.Lit(res.Module.Path),
		jen.Index().Op("*").Qual(codegenPath, "Unit").Values(units...),
		jen.Index().Qual(codegenPath, "Method").Values(methods...),
	}
	if opts.Bundle != "" {
		args = append(args, jen.Nil(), jen.Qual(codegenPath, "WithBundle").Call(jen.Lit(opts.Bundle)))
	} else {
		args = append(args, jen.Id("registrations"))
	}
	f.Comment(fmt.Sprintf("Program is the native build of %s.", res.Module.Path))
	f.Var().Id("Program").Op("=").Qual(codegenPath, "NewProgram").Call(args...)
	f.Line()
	f.Comment("Bridge runs the thunks of Program.")
	f.Var().Id("Bridge").Op("=").Qual(runtimePath, "NewBridge").Call()
	f.Line()
	if opts.Bundle != "" {
		f.Comment("Init loads the thunk bundle. Stubs fail until it succeeds.")
		f.Func().Id("Init").Params().Error().Block(
			jen.Return(jen.Id("Program").Dot("Init").Call(jen.Id("Bridge"))),
		)
	} else {
		f.Var().Id("registrations").Op("=").Index().Qual(codegenPath, "Registration").Values(regs...)
		f.Line()
		f.Func().Id("init").Params().Block(
			jen.If(jen.Err().Op(":=").Id("Program").Dot("Init").Call(jen.Id("Bridge")), jen.Err().Op("!=").Nil()).Block(
				jen.Panic(jen.Err()),
			),
		)
	}
	for _, fn := range funcs {
		f.Line()
		f.Add(fn)
	}

	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		return nil, fmt.Errorf("codegen: render %s: %w", res.Module.Path, err)
	}
	if opts.Validate {
		if errs := NewCodeValidator(res.Module.Path + ".go").Validate(buf.String()); len(errs) > 0 {
			return nil, &GenerateError{Errors: errs}
		}
	}
	return buf.Bytes(), nil
}

func goName(i int) string { return fmt.Sprintf("fn%d", i) }

func hexID(id uint64) jen.Code { return jen.Id(fmt.Sprintf("0x%016x", id)) }

func unit() *jen.Statement { return jen.Qual(valuePath, "Unit").Call() }

// ---------------------------------------------------------------------------
// Function bodies
// ---------------------------------------------------------------------------

type goLowerer struct {
	*linker
	name   string
	scopes []map[ir.Symbol]string
	vars   []string
	tmp    int
}

func (l *linker) goFunc(index int, f ir.NamedFunc) (jen.Code, error) {
	gl := &goLowerer{linker: l, name: f.Name, scopes: []map[ir.Symbol]string{{}}}
	var prologue []jen.Code
	for i, p := range l.mod.Params(f.Func) {
		v := gl.declare(p, l.mod.Node(p).Sym)
		prologue = append(prologue, jen.Id(v).Op("=").Id("args").Index(jen.Lit(i)))
	}
	var body []jen.Code
	res, err := gl.expr(l.mod.Body(f.Func), &body)
	if err != nil {
		return nil, err
	}

	var stmts []jen.Code
	if len(gl.vars) > 0 {
		ids := make([]jen.Code, len(gl.vars))
		blanks := make([]jen.Code, len(gl.vars))
		for i, v := range gl.vars {
			ids[i] = jen.Id(v)
			blanks[i] = jen.Id("_")
		}
		stmts = append(stmts, jen.Var().List(ids...).Qual(valuePath, "Value"))
		stmts = append(stmts, prologue...)
		stmts = append(stmts, jen.List(blanks...).Op("=").List(ids...))
	}
	stmts = append(stmts, body...)
	stmts = append(stmts, jen.Return(res, jen.Nil()))

	return jen.Comment(goName(index)+" is "+f.Name+".").Line().
		Func().Id(goName(index)).Params(
		jen.Id("env").Op("*").Qual(codegenPath, "Env"),
		jen.Id("args").Index().Qual(valuePath, "Value"),
	).Params(jen.Qual(valuePath, "Value"), jen.Error()).Block(stmts...), nil
}

func (gl *goLowerer) errorf(id ir.NodeID, format string, args ...any) error {
	return &LowerError{Func: gl.name, Node: id, Span: gl.mod.Node(id).Span, Msg: fmt.Sprintf(format, args...)}
}

// declare binds sym to a function-scoped Go variable named after the
// declaring node, so shadowed names never collide.
func (gl *goLowerer) declare(id ir.NodeID, sym ir.Symbol) string {
	v := fmt.Sprintf("v%d", id)
	gl.vars = append(gl.vars, v)
	gl.scopes[len(gl.scopes)-1][sym] = v
	return v
}

func (gl *goLowerer) local(sym ir.Symbol) (string, bool) {
	for i := len(gl.scopes) - 1; i >= 0; i-- {
		if v, ok := gl.scopes[i][sym]; ok {
			return v, true
		}
	}
	return "", false
}

func (gl *goLowerer) temp() string {
	gl.tmp++
	return fmt.Sprintf("t%d", gl.tmp)
}

// fallible binds the result of a call that may fail to a fresh temporary.
func (gl *goLowerer) fallible(out *[]jen.Code, call jen.Code) jen.Code {
	t := gl.temp()
	*out = append(*out,
		jen.List(jen.Id(t), jen.Err()).Op(":=").Add(call),
		jen.If(jen.Err().Op("!=").Nil()).Block(jen.Return(unit(), jen.Err())),
	)
	return jen.Id(t)
}

// truth appends the evaluation of a branch condition and returns the Go
// bool holding it.
func (gl *goLowerer) truth(id ir.NodeID, out *[]jen.Code) (jen.Code, error) {
	c, err := gl.expr(id, out)
	if err != nil {
		return nil, err
	}
	ok := gl.temp()
	*out = append(*out,
		jen.List(jen.Id(ok), jen.Err()).Op(":=").Qual(codegenPath, "Truth").Call(c),
		jen.If(jen.Err().Op("!=").Nil()).Block(jen.Return(unit(), jen.Err())),
	)
	return jen.Id(ok), nil
}

func (gl *goLowerer) exprs(ids []ir.NodeID, out *[]jen.Code) ([]jen.Code, error) {
	vals := make([]jen.Code, len(ids))
	for i, id := range ids {
		v, err := gl.expr(id, out)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func goLiteral(n *ir.Node) jen.Code {
	switch n.Kind {
	case ir.KindInt:
		return jen.Qual(valuePath, "Int").Call(jen.Lit(n.Int))
	case ir.KindString:
		return jen.Qual(valuePath, "String").Call(jen.Lit(n.Str))
	case ir.KindBool:
		return jen.Qual(valuePath, "Bool").Call(jen.Lit(n.Bool))
	}
	return unit()
}

func goValue(l *linker, sym ir.Symbol) (jen.Code, bool) {
	v, ok := l.globals[sym]
	if !ok {
		return nil, false
	}
	switch v.Kind() {
	case value.KindInt:
		return jen.Qual(valuePath, "Int").Call(jen.Lit(v.RawInt())), true
	case value.KindBool:
		return jen.Qual(valuePath, "Bool").Call(jen.Lit(v.RawBool())), true
	case value.KindString:
		return jen.Qual(valuePath, "String").Call(jen.Lit(v.RawString())), true
	}
	return unit(), true
}

// expr appends the statements computing id to out and returns a side
// effect free Go expression for its value.
func (gl *goLowerer) expr(id ir.NodeID, out *[]jen.Code) (jen.Code, error) {
	n := gl.mod.Node(id)
	switch n.Kind {
	case ir.KindInt, ir.KindString, ir.KindBool, ir.KindUnit:
		return goLiteral(n), nil

	case ir.KindName:
		if v, ok := gl.local(n.Sym); ok {
			return jen.Id(v), nil
		}
		if v, ok := goValue(gl.linker, n.Sym); ok {
			return v, nil
		}
		return jen.Qual(valuePath, "String").Call(jen.Lit(gl.mod.Name(n))), nil

	case ir.KindLet:
		v, err := gl.expr(n.Children[0], out)
		if err != nil {
			return nil, err
		}
		*out = append(*out, jen.Id(gl.declare(id, n.Sym)).Op("=").Add(v))
		return unit(), nil

	case ir.KindAssign:
		target, ok := gl.local(n.Sym)
		if !ok {
			return nil, gl.errorf(id, "cannot assign to %s: not a local", gl.mod.Name(n))
		}
		v, err := gl.expr(n.Children[0], out)
		if err != nil {
			return nil, err
		}
		*out = append(*out, jen.Id(target).Op("=").Add(v))
		return unit(), nil

	case ir.KindReturn:
		var v jen.Code = unit()
		if len(n.Children) == 1 {
			var err error
			if v, err = gl.expr(n.Children[0], out); err != nil {
				return nil, err
			}
		}
		*out = append(*out, jen.Return(v, jen.Nil()))
		return unit(), nil

	case ir.KindBlock:
		gl.scopes = append(gl.scopes, map[ir.Symbol]string{})
		defer func() { gl.scopes = gl.scopes[:len(gl.scopes)-1] }()
		stmts := n.Children
		if n.HasTail {
			stmts = stmts[:len(stmts)-1]
		}
		for _, s := range stmts {
			if err := gl.discard(s, out); err != nil {
				return nil, err
			}
		}
		if n.HasTail {
			return gl.expr(n.Children[len(n.Children)-1], out)
		}
		return unit(), nil

	case ir.KindWhile:
		var loop []jen.Code
		ok, err := gl.truth(n.Children[0], &loop)
		if err != nil {
			return nil, err
		}
		loop = append(loop, jen.If(jen.Op("!").Add(ok)).Block(jen.Break()))
		if err := gl.discard(n.Children[1], &loop); err != nil {
			return nil, err
		}
		*out = append(*out, jen.For().Block(loop...))
		return unit(), nil

	case ir.KindIf:
		ok, err := gl.truth(n.Children[0], out)
		if err != nil {
			return nil, err
		}
		t := gl.temp()
		var then, els []jen.Code
		v, err := gl.expr(n.Children[1], &then)
		if err != nil {
			return nil, err
		}
		then = append(then, jen.Id(t).Op("=").Add(v))
		var ev jen.Code = unit()
		if len(n.Children) == 3 {
			if ev, err = gl.expr(n.Children[2], &els); err != nil {
				return nil, err
			}
		}
		els = append(els, jen.Id(t).Op("=").Add(ev))
		*out = append(*out,
			jen.Var().Id(t).Qual(valuePath, "Value"),
			jen.If(ok).Block(then...).Else().Block(els...),
		)
		return jen.Id(t), nil

	case ir.KindCall:
		return gl.call(id, n, out)

	case ir.KindSend:
		vals, err := gl.exprs(n.Children, out)
		if err != nil {
			return nil, err
		}
		args := append([]jen.Code{vals[0], jen.Lit(gl.mod.Name(n))}, vals[1:]...)
		return gl.fallible(out, jen.Id("env").Dot("Send").Call(args...)), nil

	case ir.KindInvoke:
		vals, err := gl.exprs(n.Children, out)
		if err != nil {
			return nil, err
		}
		return gl.fallible(out, jen.Id("env").Dot("CallValue").Call(vals...)), nil

	case ir.KindBinary:
		vals, err := gl.exprs(n.Children, out)
		if err != nil {
			return nil, err
		}
		apply := "Binary"
		if gl.provenInt(n.Children[0]) && gl.provenInt(n.Children[1]) {
			apply = "IntBinary"
		}
		return gl.fallible(out, jen.Qual(codegenPath, apply).Call(jen.Qual(irPath, opIdents[n.Op]), vals[0], vals[1])), nil

	case ir.KindUnary:
		v, err := gl.expr(n.Children[0], out)
		if err != nil {
			return nil, err
		}
		return gl.fallible(out, jen.Qual(codegenPath, "Unary").Call(jen.Qual(irPath, opIdents[n.Op]), v)), nil
	}
	return nil, gl.errorf(id, "%s is not an expression", n.Kind)
}

// discard lowers id for effect.
func (gl *goLowerer) discard(id ir.NodeID, out *[]jen.Code) error {
	v, err := gl.expr(id, out)
	if err != nil {
		return err
	}
	if gl.isTemp(id) {
		*out = append(*out, jen.Id("_").Op("=").Add(v))
	}
	return nil
}

// isTemp reports whether the value of id is held in a temporary that
// nothing else reads.
func (gl *goLowerer) isTemp(id ir.NodeID) bool {
	switch gl.mod.Node(id).Kind {
	case ir.KindIf, ir.KindCall, ir.KindSend, ir.KindInvoke, ir.KindBinary, ir.KindUnary:
		return true
	case ir.KindBlock:
		n := gl.mod.Node(id)
		return n.HasTail && gl.isTemp(n.Children[len(n.Children)-1])
	}
	return false
}

func (gl *goLowerer) call(id ir.NodeID, n *ir.Node, out *[]jen.Code) (jen.Code, error) {
	name := gl.mod.Name(n)
	var callee jen.Code
	if v, ok := gl.local(n.Sym); ok {
		callee = jen.Id(v)
	} else if v, ok := goValue(gl.linker, n.Sym); ok {
		callee = v
	}
	args, err := gl.exprs(n.Children, out)
	if err != nil {
		return nil, err
	}

	if callee != nil {
		return gl.fallible(out, jen.Id("env").Dot("CallValue").Call(append([]jen.Code{callee}, args...)...)), nil
	}
	if u, ok := gl.byName[name]; ok {
		if u.Params != len(args) {
			return nil, gl.errorf(id, "%s expects %d arguments, got %d", name, u.Params, len(args))
		}
		argv := jen.Index().Qual(valuePath, "Value").Values(args...)
		if u.Kind == UnitStub {
			return gl.fallible(out, jen.Id("env").Dot("Thunk").Call(hexID(u.ThunkID), argv)), nil
		}
		return gl.fallible(out, jen.Id("env").Dot("Frame").Call(jen.Lit(name), argv, jen.Id(goName(gl.index[name])))), nil
	}
	return gl.fallible(out, jen.Id("env").Dot("CallHost").Call(append([]jen.Code{jen.Lit(name)}, args...)...)), nil
}
