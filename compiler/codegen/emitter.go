// Package codegen compiles IR to bytecode.
//
// The emitter walks each function once, consulting the shallow analysis
// for operand types. An instruction is specialized only when both operands
// are proven Int; everything else compiles to the generic form, which
// checks kinds at run time. Output is verified before it is returned, and
// the same IR with the same analysis always yields byte-identical modules.
package codegen

import (
	"fmt"
	"sort"

	"fortio.org/safecast"
	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/compiler/fastsema"
	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/ir"
)

var log = commonlog.GetLogger("kayton.codegen")

// HostResolver maps host function names to capability slots known at
// emission time.
type HostResolver interface {
	Slot(name string) (uint16, bool)
}

// Options controls emission.
type Options struct {
	// Host resolves host calls to slots. Nil means every host call is
	// looked up by name at run time.
	Host HostResolver
	// Roots, when set, prunes the output to the named functions and what
	// they can reach. Late-bound calls keep every function.
	Roots []string
}

// EmitError reports IR that has no bytecode encoding.
type EmitError struct {
	Node ir.NodeID
	Span ir.Span
	Msg  string
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("%s: emit: %s", e.Span, e.Msg)
}

type callFixup struct {
	at     int
	callee int
}

type emitter struct {
	src   *ir.Module
	types *fastsema.Result
	opts  Options
	out   *bytecode.Module

	funcIndex map[string]int
	globals   map[ir.Symbol]uint16
	fixups    []callFixup

	// per-function state
	scopes []map[ir.Symbol]uint16
	locals int
}

// Emit compiles mod into a verified bytecode module. types must come from
// fastsema.Analyze on the same module.
func Emit(mod *ir.Module, types *fastsema.Result, opts Options) (*bytecode.Module, error) {
	e := &emitter{
		src:       mod,
		types:     types,
		opts:      opts,
		out:       bytecode.NewModule(),
		funcIndex: make(map[string]int),
		globals:   make(map[ir.Symbol]uint16),
	}
	if err := e.emitGlobals(); err != nil {
		return nil, err
	}

	funcs := mod.AllFuncs()
	if len(opts.Roots) > 0 {
		keep, pruned := reachable(mod, funcs, opts.Roots)
		if pruned {
			var kept []ir.NamedFunc
			for _, f := range funcs {
				if keep[f.Name] {
					kept = append(kept, f)
				}
			}
			funcs = kept
			e.out.Flags |= bytecode.ModuleFlagPruned
		}
	}
	for i, f := range funcs {
		e.funcIndex[f.Name] = i
	}

	for _, f := range funcs {
		if err := e.function(f); err != nil {
			return nil, err
		}
	}
	for _, fx := range e.fixups {
		e.out.PatchJumpTo(fx.at, int(e.out.Functions[fx.callee].Offset))
	}
	e.emitMethods(funcs)

	if err := bytecode.Verify(e.out); err != nil {
		return nil, fmt.Errorf("emitted module failed verification: %w", err)
	}
	log.Debugf("emitted %s: %d functions, %d bytes of code", mod.Path, len(e.out.Functions), len(e.out.Code))
	return e.out, nil
}

func (e *emitter) errorf(id ir.NodeID, format string, args ...any) error {
	return &EmitError{Node: id, Span: e.src.Node(id).Span, Msg: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Module tables
// ---------------------------------------------------------------------------

func (e *emitter) emitGlobals() error {
	for _, id := range e.src.Items() {
		n := e.src.Node(id)
		if n.Kind != ir.KindLet {
			continue
		}
		c, ok := e.literal(n.Children[0])
		if !ok {
			return e.errorf(id, "global %s must be a constant literal", e.src.Name(n))
		}
		idx, err := e.constant(id, c)
		if err != nil {
			return err
		}
		e.globals[n.Sym] = idx
		e.out.Globals = append(e.out.Globals, bytecode.Global{Name: e.src.Name(n), Const: idx})
	}
	return nil
}

// literal folds a constant expression.
func (e *emitter) literal(id ir.NodeID) (bytecode.Constant, bool) {
	n := e.src.Node(id)
	switch n.Kind {
	case ir.KindInt:
		return bytecode.Constant{Kind: bytecode.ConstInt, Int: n.Int}, true
	case ir.KindString:
		return bytecode.Constant{Kind: bytecode.ConstString, Str: n.Str}, true
	case ir.KindBool:
		var v int64
		if n.Bool {
			v = 1
		}
		return bytecode.Constant{Kind: bytecode.ConstBool, Int: v}, true
	case ir.KindUnit:
		return bytecode.Constant{Kind: bytecode.ConstUnit}, true
	case ir.KindUnary:
		if n.Op == ir.OpNeg {
			if c, ok := e.literal(n.Children[0]); ok && c.Kind == bytecode.ConstInt {
				c.Int = -c.Int
				return c, true
			}
		}
	}
	return bytecode.Constant{}, false
}

func (e *emitter) constant(at ir.NodeID, c bytecode.Constant) (uint16, error) {
	if len(e.out.Constants) >= bytecode.MaxConstants {
		if idx, ok := e.existing(c); ok {
			return idx, nil
		}
		return 0, e.errorf(at, "constant pool exhausted")
	}
	return e.out.AddConstant(c), nil
}

func (e *emitter) existing(c bytecode.Constant) (uint16, bool) {
	for i, have := range e.out.Constants {
		if have == c {
			return uint16(i), true
		}
	}
	return 0, false
}

func (e *emitter) emitMethods(funcs []ir.NamedFunc) {
	for _, f := range funcs {
		// SEND passes the receiver as the first argument.
		if !f.Impl.IsValid() || len(e.src.Params(f.Func)) == 0 {
			continue
		}
		e.out.Methods = append(e.out.Methods, bytecode.Method{
			Type: f.Type,
			Name: e.src.Name(e.src.Node(f.Func)),
			Func: uint32(e.funcIndex[f.Name]),
		})
	}
	sort.SliceStable(e.out.Methods, func(i, j int) bool {
		a, b := e.out.Methods[i], e.out.Methods[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Name < b.Name
	})
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func (e *emitter) function(f ir.NamedFunc) error {
	params := e.src.Params(f.Func)
	e.scopes = []map[ir.Symbol]uint16{{}}
	e.locals = 0
	for _, p := range params {
		if _, err := e.declare(p, e.src.Node(p).Sym); err != nil {
			return err
		}
	}

	offset := e.out.CurrentOffset()
	if err := e.expr(e.src.Body(f.Func)); err != nil {
		return err
	}
	e.out.Emit(bytecode.OpReturn)

	np, err := safecast.Conv[uint16](len(params))
	if err != nil {
		return e.errorf(f.Func, "too many parameters")
	}
	nl, err := safecast.Conv[uint16](e.locals)
	if err != nil {
		return e.errorf(f.Func, "too many locals")
	}
	off, err := safecast.Conv[uint32](offset)
	if err != nil {
		return e.errorf(f.Func, "code section too large")
	}
	e.out.Functions = append(e.out.Functions, bytecode.Function{
		Name:   f.Name,
		Offset: off,
		Params: np,
		Locals: nl,
	})
	return nil
}

func (e *emitter) declare(at ir.NodeID, sym ir.Symbol) (uint16, error) {
	slot, err := safecast.Conv[uint16](e.locals)
	if err != nil {
		return 0, e.errorf(at, "too many locals")
	}
	e.locals++
	e.scopes[len(e.scopes)-1][sym] = slot
	return slot, nil
}

func (e *emitter) local(sym ir.Symbol) (uint16, bool) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if slot, ok := e.scopes[i][sym]; ok {
			return slot, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Statements and expressions
// ---------------------------------------------------------------------------

// stmt compiles id for effect; the stack is left unchanged.
func (e *emitter) stmt(id ir.NodeID) error {
	n := e.src.Node(id)
	switch n.Kind {
	case ir.KindLet:
		if err := e.expr(n.Children[0]); err != nil {
			return err
		}
		slot, err := e.declare(id, n.Sym)
		if err != nil {
			return err
		}
		e.out.EmitU16(bytecode.OpStoreLocal, slot)
		return nil

	case ir.KindAssign:
		slot, ok := e.local(n.Sym)
		if !ok {
			return e.errorf(id, "cannot assign to %s: not a local", e.src.Name(n))
		}
		if err := e.expr(n.Children[0]); err != nil {
			return err
		}
		e.out.EmitU16(bytecode.OpStoreLocal, slot)
		return nil

	case ir.KindWhile:
		loop := e.out.CurrentOffset()
		if err := e.expr(n.Children[0]); err != nil {
			return err
		}
		exit := e.out.EmitJump(bytecode.OpJumpIfFalse)
		if err := e.stmt(n.Children[1]); err != nil {
			return err
		}
		e.out.EmitJumpTo(bytecode.OpJump, loop)
		e.out.PatchJump(exit)
		return nil

	case ir.KindReturn:
		if len(n.Children) == 1 {
			if err := e.expr(n.Children[0]); err != nil {
				return err
			}
		} else {
			e.out.Emit(bytecode.OpUnit)
		}
		e.out.Emit(bytecode.OpReturn)
		return nil
	}
	if err := e.expr(id); err != nil {
		return err
	}
	e.out.Emit(bytecode.OpPop)
	return nil
}

// expr compiles id so that exactly one value is pushed.
func (e *emitter) expr(id ir.NodeID) error {
	n := e.src.Node(id)
	switch n.Kind {
	case ir.KindInt, ir.KindString:
		c, _ := e.literal(id)
		idx, err := e.constant(id, c)
		if err != nil {
			return err
		}
		e.out.EmitU16(bytecode.OpConst, idx)
	case ir.KindBool:
		if n.Bool {
			e.out.Emit(bytecode.OpTrue)
		} else {
			e.out.Emit(bytecode.OpFalse)
		}
	case ir.KindUnit:
		e.out.Emit(bytecode.OpUnit)

	case ir.KindName:
		return e.name(id, n)

	case ir.KindLet, ir.KindAssign, ir.KindWhile, ir.KindReturn:
		if err := e.stmt(id); err != nil {
			return err
		}
		e.out.Emit(bytecode.OpUnit)

	case ir.KindBlock:
		e.scopes = append(e.scopes, map[ir.Symbol]uint16{})
		defer func() { e.scopes = e.scopes[:len(e.scopes)-1] }()
		stmts := n.Children
		if n.HasTail {
			stmts = stmts[:len(stmts)-1]
		}
		for _, s := range stmts {
			if err := e.stmt(s); err != nil {
				return err
			}
		}
		if n.HasTail {
			return e.expr(n.Children[len(n.Children)-1])
		}
		e.out.Emit(bytecode.OpUnit)

	case ir.KindIf:
		if err := e.expr(n.Children[0]); err != nil {
			return err
		}
		elseJump := e.out.EmitJump(bytecode.OpJumpIfFalse)
		if err := e.expr(n.Children[1]); err != nil {
			return err
		}
		endJump := e.out.EmitJump(bytecode.OpJump)
		e.out.PatchJump(elseJump)
		if len(n.Children) == 3 {
			if err := e.expr(n.Children[2]); err != nil {
				return err
			}
		} else {
			e.out.Emit(bytecode.OpUnit)
		}
		e.out.PatchJump(endJump)

	case ir.KindCall:
		return e.call(id, n)

	case ir.KindSend:
		if err := e.exprs(n.Children); err != nil {
			return err
		}
		argc, err := e.argc(id, len(n.Children)-1)
		if err != nil {
			return err
		}
		idx, err := e.constant(id, bytecode.Constant{Kind: bytecode.ConstString, Str: e.src.Name(n)})
		if err != nil {
			return err
		}
		e.out.EmitU16U8(bytecode.OpSend, idx, argc)

	case ir.KindInvoke:
		if err := e.exprs(n.Children); err != nil {
			return err
		}
		argc, err := e.argc(id, len(n.Children)-1)
		if err != nil {
			return err
		}
		e.out.EmitU8(bytecode.OpCallDynamic, argc)

	case ir.KindBinary:
		if err := e.exprs(n.Children); err != nil {
			return err
		}
		e.out.Emit(e.binaryOp(n))

	case ir.KindUnary:
		if err := e.expr(n.Children[0]); err != nil {
			return err
		}
		switch {
		case n.Op == ir.OpNot:
			e.out.Emit(bytecode.OpNot)
		case e.provenInt(n.Children[0]):
			e.out.Emit(bytecode.OpNegInt)
		default:
			e.out.Emit(bytecode.OpNeg)
		}

	default:
		return e.errorf(id, "%s is not an expression", n.Kind)
	}
	return nil
}

func (e *emitter) exprs(ids []ir.NodeID) error {
	for _, c := range ids {
		if err := e.expr(c); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) argc(id ir.NodeID, n int) (uint8, error) {
	v, err := safecast.Conv[uint8](n)
	if err != nil {
		return 0, e.errorf(id, "too many arguments (%d)", n)
	}
	return v, nil
}

// name pushes a variable. A module function used as a value compiles to its
// name, which invoke resolves at run time; so does a name nothing binds.
func (e *emitter) name(id ir.NodeID, n *ir.Node) error {
	if slot, ok := e.local(n.Sym); ok {
		e.out.EmitU16(bytecode.OpLoadLocal, slot)
		return nil
	}
	if idx, ok := e.globals[n.Sym]; ok {
		e.out.EmitU16(bytecode.OpConst, idx)
		return nil
	}
	idx, err := e.constant(id, bytecode.Constant{Kind: bytecode.ConstString, Str: e.src.Name(n)})
	if err != nil {
		return err
	}
	e.out.EmitU16(bytecode.OpConst, idx)
	return nil
}

func (e *emitter) call(id ir.NodeID, n *ir.Node) error {
	name := e.src.Name(n)
	argc, err := e.argc(id, len(n.Children))
	if err != nil {
		return err
	}

	// A local or global holding a function name is a late-bound call.
	if slot, ok := e.local(n.Sym); ok {
		e.out.EmitU16(bytecode.OpLoadLocal, slot)
		if err := e.exprs(n.Children); err != nil {
			return err
		}
		e.out.EmitU8(bytecode.OpCallDynamic, argc)
		return nil
	}
	if idx, ok := e.globals[n.Sym]; ok {
		e.out.EmitU16(bytecode.OpConst, idx)
		if err := e.exprs(n.Children); err != nil {
			return err
		}
		e.out.EmitU8(bytecode.OpCallDynamic, argc)
		return nil
	}

	if err := e.exprs(n.Children); err != nil {
		return err
	}
	if callee, ok := e.funcIndex[name]; ok {
		at := e.out.EmitCall(argc)
		e.fixups = append(e.fixups, callFixup{at: at, callee: callee})
		return nil
	}
	if e.opts.Host != nil {
		if slot, ok := e.opts.Host.Slot(name); ok {
			e.out.AddHost(name, slot)
			e.out.EmitU16U8(bytecode.OpCallHost, slot, argc)
			return nil
		}
	}
	idx, err := e.constant(id, bytecode.Constant{Kind: bytecode.ConstString, Str: name})
	if err != nil {
		return err
	}
	e.out.EmitU16U8(bytecode.OpCallHostDynamic, idx, argc)
	return nil
}

func (e *emitter) provenInt(id ir.NodeID) bool {
	return e.types != nil && e.types.Proven(id, fastsema.Int)
}

var genericOps = map[ir.Op]bytecode.Opcode{
	ir.OpAdd: bytecode.OpAdd,
	ir.OpSub: bytecode.OpSub,
	ir.OpMul: bytecode.OpMul,
	ir.OpDiv: bytecode.OpDiv,
	ir.OpMod: bytecode.OpMod,
	ir.OpEq:  bytecode.OpEq,
	ir.OpNe:  bytecode.OpNe,
	ir.OpLt:  bytecode.OpLt,
	ir.OpLe:  bytecode.OpLe,
	ir.OpGt:  bytecode.OpGt,
	ir.OpGe:  bytecode.OpGe,
}

var intOps = map[ir.Op]bytecode.Opcode{
	ir.OpAdd: bytecode.OpAddInt,
	ir.OpSub: bytecode.OpSubInt,
	ir.OpMul: bytecode.OpMulInt,
	ir.OpDiv: bytecode.OpDivInt,
	ir.OpMod: bytecode.OpModInt,
	ir.OpEq:  bytecode.OpEqInt,
	ir.OpNe:  bytecode.OpNeInt,
	ir.OpLt:  bytecode.OpLtInt,
	ir.OpLe:  bytecode.OpLeInt,
	ir.OpGt:  bytecode.OpGtInt,
	ir.OpGe:  bytecode.OpGeInt,
}

func (e *emitter) binaryOp(n *ir.Node) bytecode.Opcode {
	if e.provenInt(n.Children[0]) && e.provenInt(n.Children[1]) {
		return intOps[n.Op]
	}
	return genericOps[n.Op]
}
