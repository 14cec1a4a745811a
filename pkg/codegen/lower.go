package codegen

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/kayton/compiler/aot"
	bcgen "github.com/chazu/kayton/compiler/codegen"
	"github.com/chazu/kayton/compiler/fastsema"
	"github.com/chazu/kayton/pkg/ir"
	"github.com/chazu/kayton/pkg/value"
)

// Options controls lowering.
type Options struct {
	// Parallelism bounds how many units lower at once. Zero means no limit.
	Parallelism int
	// Host resolves host calls in thunk blobs to slots. The bridge the
	// program runs on must assign the same slots.
	Host bcgen.HostResolver
	// Program options for the linked result.
	Program []Option
}

// LowerError reports rewritten IR that has no native form.
type LowerError struct {
	Func string
	Node ir.NodeID
	Span ir.Span
	Msg  string
}

func (e *LowerError) Error() string {
	return fmt.Sprintf("%s: lower %s: %s", e.Span, e.Func, e.Msg)
}

// Lower links the rewritten module of res into a Program. Functions marked
// fallback become stubs whose thunk is the bytecode of the function and
// everything it reaches; every other function becomes a direct unit.
func Lower(res *aot.Result, opts Options) (*Program, error) {
	l, err := newLinker(res.Module)
	if err != nil {
		return nil, err
	}
	l.host = opts.Host

	regs := make([]*Registration, len(l.funcs))
	var g errgroup.Group
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i, f := range l.funcs {
		u := l.units[i]
		g.Go(func() error {
			if u.Kind == UnitStub {
				blob, err := l.thunkBlob(f.Name)
				if err != nil {
					return err
				}
				regs[i] = &Registration{ID: u.ThunkID, Name: u.Name, Blob: blob}
				u.Fn = Stub(u.ThunkID)
				return nil
			}
			fn, err := l.function(f)
			if err != nil {
				return err
			}
			u.Fn = fn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Registration
	for _, r := range regs {
		if r != nil {
			out = append(out, *r)
		}
	}
	p := NewProgram(res.Module.Path, l.units, l.methods, out, opts.Program...)
	log.Infof("lowered %s: %d units, %d stubs", p.Module, len(p.units), len(out))
	return p, nil
}

// ---------------------------------------------------------------------------
// Module-level state shared by every unit
// ---------------------------------------------------------------------------

type linker struct {
	mod     *ir.Module
	types   *fastsema.Result
	funcs   []ir.NamedFunc
	units   []*Unit
	byName  map[string]*Unit
	index   map[string]int
	methods []Method
	globals map[ir.Symbol]value.Value
	host    bcgen.HostResolver
}

func newLinker(mod *ir.Module) (*linker, error) {
	l := &linker{
		mod:     mod,
		types:   fastsema.Analyze(mod),
		funcs:   mod.AllFuncs(),
		byName:  make(map[string]*Unit),
		index:   make(map[string]int),
		globals: make(map[ir.Symbol]value.Value),
	}
	for _, id := range mod.Items() {
		n := mod.Node(id)
		if n.Kind != ir.KindLet {
			continue
		}
		v, ok := literal(mod, n.Children[0])
		if !ok {
			return nil, &LowerError{Func: mod.Name(n), Node: id, Span: n.Span, Msg: "global must be a constant literal"}
		}
		l.globals[n.Sym] = v
	}
	for i, f := range l.funcs {
		n := mod.Node(f.Func)
		u := &Unit{Name: f.Name, Params: len(mod.Params(f.Func))}
		if n.Ann.Fallback {
			u.Kind = UnitStub
			u.ThunkID = n.Ann.ThunkID
		}
		l.units = append(l.units, u)
		l.byName[f.Name] = u
		l.index[f.Name] = i
		if f.Impl.IsValid() && u.Params > 0 {
			l.methods = append(l.methods, Method{Type: f.Type, Name: mod.Name(n), Unit: f.Name})
		}
	}
	return l, nil
}

func (l *linker) thunkBlob(name string) ([]byte, error) {
	mod, err := bcgen.Emit(l.mod, l.types, bcgen.Options{Host: l.host, Roots: []string{name}})
	if err != nil {
		return nil, fmt.Errorf("codegen: thunk %s: %w", name, err)
	}
	return mod.Serialize()
}

func literal(mod *ir.Module, id ir.NodeID) (value.Value, bool) {
	n := mod.Node(id)
	switch n.Kind {
	case ir.KindInt:
		return value.Int(n.Int), true
	case ir.KindString:
		return value.String(n.Str), true
	case ir.KindBool:
		return value.Bool(n.Bool), true
	case ir.KindUnit:
		return value.Unit(), true
	case ir.KindUnary:
		if n.Op == ir.OpNeg {
			if v, ok := literal(mod, n.Children[0]); ok && v.Kind() == value.KindInt {
				return value.Int(-v.RawInt()), true
			}
		}
	}
	return value.Unit(), false
}

// provenInt reports whether the rewrite typed id as Int.
func (l *linker) provenInt(id ir.NodeID) bool {
	if l.mod.Node(id).Ann.Type == "Int" {
		return true
	}
	return l.types.Proven(id, fastsema.Int)
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// errReturn unwinds a frame on return; the value is in frame.ret.
var errReturn = errors.New("return")

type frame struct {
	env    *Env
	locals []value.Value
	ret    value.Value
}

type code func(fr *frame) (value.Value, error)

type funcLowerer struct {
	*linker
	name   string
	scopes []map[ir.Symbol]int
	locals int
}

func (l *linker) function(f ir.NamedFunc) (Func, error) {
	fl := &funcLowerer{linker: l, name: f.Name, scopes: []map[ir.Symbol]int{{}}}
	for _, p := range l.mod.Params(f.Func) {
		fl.declare(l.mod.Node(p).Sym)
	}
	body, err := fl.expr(l.mod.Body(f.Func))
	if err != nil {
		return nil, err
	}
	nlocals := fl.locals
	return Direct(f.Name, func(env *Env, args []value.Value) (value.Value, error) {
		fr := &frame{env: env, locals: make([]value.Value, nlocals)}
		copy(fr.locals, args)
		v, err := body(fr)
		if err == errReturn {
			return fr.ret, nil
		}
		return v, err
	}), nil
}

func (fl *funcLowerer) errorf(id ir.NodeID, format string, args ...any) error {
	return &LowerError{Func: fl.name, Node: id, Span: fl.mod.Node(id).Span, Msg: fmt.Sprintf(format, args...)}
}

func (fl *funcLowerer) declare(sym ir.Symbol) int {
	slot := fl.locals
	fl.locals++
	fl.scopes[len(fl.scopes)-1][sym] = slot
	return slot
}

func (fl *funcLowerer) local(sym ir.Symbol) (int, bool) {
	for i := len(fl.scopes) - 1; i >= 0; i-- {
		if slot, ok := fl.scopes[i][sym]; ok {
			return slot, true
		}
	}
	return 0, false
}

func constant(v value.Value) code {
	return func(*frame) (value.Value, error) { return v, nil }
}

func (fl *funcLowerer) exprs(ids []ir.NodeID) ([]code, error) {
	out := make([]code, len(ids))
	for i, id := range ids {
		c, err := fl.expr(id)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func evalAll(fr *frame, cs []code) ([]value.Value, error) {
	vals := make([]value.Value, len(cs))
	for i, c := range cs {
		v, err := c(fr)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (fl *funcLowerer) expr(id ir.NodeID) (code, error) {
	n := fl.mod.Node(id)
	switch n.Kind {
	case ir.KindInt, ir.KindString, ir.KindBool, ir.KindUnit:
		v, _ := literal(fl.mod, id)
		return constant(v), nil

	case ir.KindName:
		if slot, ok := fl.local(n.Sym); ok {
			return func(fr *frame) (value.Value, error) { return fr.locals[slot], nil }, nil
		}
		if v, ok := fl.globals[n.Sym]; ok {
			return constant(v), nil
		}
		return constant(value.String(fl.mod.Name(n))), nil

	case ir.KindLet:
		val, err := fl.expr(n.Children[0])
		if err != nil {
			return nil, err
		}
		slot := fl.declare(n.Sym)
		return func(fr *frame) (value.Value, error) {
			v, err := val(fr)
			if err != nil {
				return value.Unit(), err
			}
			fr.locals[slot] = v
			return value.Unit(), nil
		}, nil

	case ir.KindAssign:
		slot, ok := fl.local(n.Sym)
		if !ok {
			return nil, fl.errorf(id, "cannot assign to %s: not a local", fl.mod.Name(n))
		}
		val, err := fl.expr(n.Children[0])
		if err != nil {
			return nil, err
		}
		return func(fr *frame) (value.Value, error) {
			v, err := val(fr)
			if err != nil {
				return value.Unit(), err
			}
			fr.locals[slot] = v
			return value.Unit(), nil
		}, nil

	case ir.KindReturn:
		val := constant(value.Unit())
		if len(n.Children) == 1 {
			var err error
			if val, err = fl.expr(n.Children[0]); err != nil {
				return nil, err
			}
		}
		return func(fr *frame) (value.Value, error) {
			v, err := val(fr)
			if err != nil {
				return value.Unit(), err
			}
			fr.ret = v
			return value.Unit(), errReturn
		}, nil

	case ir.KindBlock:
		return fl.block(n)

	case ir.KindWhile:
		cs, err := fl.exprs(n.Children)
		if err != nil {
			return nil, err
		}
		cond, body := cs[0], cs[1]
		return func(fr *frame) (value.Value, error) {
			for {
				c, err := cond(fr)
				if err != nil {
					return value.Unit(), err
				}
				ok, err := Truth(c)
				if err != nil || !ok {
					return value.Unit(), err
				}
				if _, err := body(fr); err != nil {
					return value.Unit(), err
				}
			}
		}, nil

	case ir.KindIf:
		cs, err := fl.exprs(n.Children)
		if err != nil {
			return nil, err
		}
		els := constant(value.Unit())
		if len(cs) == 3 {
			els = cs[2]
		}
		cond, then := cs[0], cs[1]
		return func(fr *frame) (value.Value, error) {
			c, err := cond(fr)
			if err != nil {
				return value.Unit(), err
			}
			ok, err := Truth(c)
			if err != nil {
				return value.Unit(), err
			}
			if ok {
				return then(fr)
			}
			return els(fr)
		}, nil

	case ir.KindCall:
		return fl.call(id, n)

	case ir.KindSend:
		cs, err := fl.exprs(n.Children)
		if err != nil {
			return nil, err
		}
		method := fl.mod.Name(n)
		return func(fr *frame) (value.Value, error) {
			vals, err := evalAll(fr, cs)
			if err != nil {
				return value.Unit(), err
			}
			return fr.env.Send(vals[0], method, vals[1:]...)
		}, nil

	case ir.KindInvoke:
		cs, err := fl.exprs(n.Children)
		if err != nil {
			return nil, err
		}
		return func(fr *frame) (value.Value, error) {
			vals, err := evalAll(fr, cs)
			if err != nil {
				return value.Unit(), err
			}
			return fr.env.CallValue(vals[0], vals[1:]...)
		}, nil

	case ir.KindBinary:
		cs, err := fl.exprs(n.Children)
		if err != nil {
			return nil, err
		}
		apply := Binary
		if fl.provenInt(n.Children[0]) && fl.provenInt(n.Children[1]) {
			apply = IntBinary
		}
		op, lhs, rhs := n.Op, cs[0], cs[1]
		return func(fr *frame) (value.Value, error) {
			a, err := lhs(fr)
			if err != nil {
				return value.Unit(), err
			}
			b, err := rhs(fr)
			if err != nil {
				return value.Unit(), err
			}
			return apply(op, a, b)
		}, nil

	case ir.KindUnary:
		x, err := fl.expr(n.Children[0])
		if err != nil {
			return nil, err
		}
		op := n.Op
		return func(fr *frame) (value.Value, error) {
			a, err := x(fr)
			if err != nil {
				return value.Unit(), err
			}
			return Unary(op, a)
		}, nil
	}
	return nil, fl.errorf(id, "%s is not an expression", n.Kind)
}

func (fl *funcLowerer) block(n *ir.Node) (code, error) {
	fl.scopes = append(fl.scopes, map[ir.Symbol]int{})
	defer func() { fl.scopes = fl.scopes[:len(fl.scopes)-1] }()
	cs, err := fl.exprs(n.Children)
	if err != nil {
		return nil, err
	}
	stmts, tail := cs, constant(value.Unit())
	if n.HasTail {
		stmts, tail = cs[:len(cs)-1], cs[len(cs)-1]
	}
	return func(fr *frame) (value.Value, error) {
		for _, s := range stmts {
			if _, err := s(fr); err != nil {
				return value.Unit(), err
			}
		}
		return tail(fr)
	}, nil
}

// call mirrors the bytecode emitter: a local or global callee is late
// bound, a module function is called directly, anything else is a host
// function.
func (fl *funcLowerer) call(id ir.NodeID, n *ir.Node) (code, error) {
	name := fl.mod.Name(n)
	var callee code
	if slot, ok := fl.local(n.Sym); ok {
		callee = func(fr *frame) (value.Value, error) { return fr.locals[slot], nil }
	} else if v, ok := fl.globals[n.Sym]; ok {
		callee = constant(v)
	}
	args, err := fl.exprs(n.Children)
	if err != nil {
		return nil, err
	}

	if callee != nil {
		return func(fr *frame) (value.Value, error) {
			f, err := callee(fr)
			if err != nil {
				return value.Unit(), err
			}
			vals, err := evalAll(fr, args)
			if err != nil {
				return value.Unit(), err
			}
			return fr.env.CallValue(f, vals...)
		}, nil
	}
	if u, ok := fl.byName[name]; ok {
		if u.Params != len(args) {
			return nil, fl.errorf(id, "%s expects %d arguments, got %d", name, u.Params, len(args))
		}
		return func(fr *frame) (value.Value, error) {
			vals, err := evalAll(fr, args)
			if err != nil {
				return value.Unit(), err
			}
			return u.Fn(fr.env, vals)
		}, nil
	}
	return func(fr *frame) (value.Value, error) {
		vals, err := evalAll(fr, args)
		if err != nil {
			return value.Unit(), err
		}
		return fr.env.CallHost(name, vals...)
	}, nil
}
