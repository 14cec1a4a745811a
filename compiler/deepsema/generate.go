package deepsema

import (
	"fmt"

	"github.com/chazu/kayton/pkg/ir"
)

type request struct {
	Node   ir.NodeID
	Caller string
	Callee string
	Args   []Type
}

type sendSite struct {
	Node   ir.NodeID
	Recv   Type
	Method string
	Func   string
}

type funcState struct {
	name    string
	sig     *Signature
	generic bool
}

type analyzer struct {
	mod    *ir.Module
	opts   Options
	scopes *ir.Scopes
	plan   *Plan

	nextVar  int
	subst    map[int]Type
	monoVars map[int]bool

	sigs      map[string]*Signature
	declSig   map[ir.NodeID]*Signature
	decls     map[ir.NodeID]Type
	types     map[ir.NodeID]Type
	pending   []Constraint
	requests  []request
	sends     []sendSite
	methodRet map[string]Type
	impls     map[string]map[string]bool
	implFuncs map[string][]ir.NamedFunc // method name -> impl methods

	cur        *funcState
	ownEffects map[string]Effects
	calls      map[string][]string
	fallbackIn map[string]bool
}

func newAnalyzer(mod *ir.Module, opts Options) *analyzer {
	scopes := ir.Resolve(mod)
	return &analyzer{
		mod:    mod,
		opts:   opts,
		scopes: scopes,
		plan: &Plan{
			Module:        mod,
			Scopes:        scopes,
			Signatures:    make(map[string]*Signature),
			Devirt:        make(map[ir.NodeID]string),
			CallTargets:   make(map[ir.NodeID]string),
			FallbackSites: make(map[ir.NodeID]string),
			Fallback:      make(map[string]bool),
			Effects:       make(map[string]Effects),
			types:         make(map[ir.NodeID]Type),
			callNodes:     make(map[string][]ir.NodeID),
			direct:        make(map[ir.NodeID]string),
			instances:     make(map[string]*Instance),
		},
		subst:      make(map[int]Type),
		monoVars:   make(map[int]bool),
		sigs:       make(map[string]*Signature),
		declSig:    make(map[ir.NodeID]*Signature),
		decls:      make(map[ir.NodeID]Type),
		types:      make(map[ir.NodeID]Type),
		methodRet:  make(map[string]Type),
		impls:      make(map[string]map[string]bool),
		implFuncs:  make(map[string][]ir.NamedFunc),
		ownEffects: make(map[string]Effects),
		calls:      make(map[string][]string),
		fallbackIn: make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func (a *analyzer) span(id ir.NodeID) ir.Span {
	if n, ok := a.mod.Lookup(id); ok {
		return n.Span
	}
	return ir.Span{}
}

func (a *analyzer) typeError(id ir.NodeID, format string, args ...any) {
	err := &TypeError{Node: id, Span: a.span(id), Msg: fmt.Sprintf(format, args...)}
	a.plan.errs = append(a.plan.errs, err)
	a.plan.Diagnostics = append(a.plan.Diagnostics, ir.Diagnostic{
		Severity: ir.SeverityError, Code: CodeTypeError, Message: err.Msg, Node: id, Span: err.Span,
	})
}

func (a *analyzer) traitError(id ir.NodeID, trait, typ string) {
	err := &TraitResolutionError{Node: id, Span: a.span(id), Trait: trait, Type: typ}
	a.plan.errs = append(a.plan.errs, err)
	a.plan.Diagnostics = append(a.plan.Diagnostics, ir.Diagnostic{
		Severity: ir.SeverityError, Code: CodeTraitMissing,
		Message: fmt.Sprintf("no implementation of %s for %s", trait, typ), Node: id, Span: err.Span,
	})
}

func (a *analyzer) fallback(id ir.NodeID, fn, reason string) {
	if _, ok := a.plan.FallbackSites[id]; !ok {
		a.plan.FallbackSites[id] = reason
	}
	a.fallbackIn[fn] = true
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (a *analyzer) add(kind ConstraintKind, x, y Type, trait string, node ir.NodeID) {
	fn := ""
	if a.cur != nil {
		fn = a.cur.name
	}
	a.pending = append(a.pending, Constraint{Kind: kind, A: x, B: y, Trait: trait, Node: node, Func: fn})
}

func (a *analyzer) generate() {
	a.declareTraits()
	funcs := a.mod.AllFuncs()
	for _, f := range funcs {
		a.declare(f)
	}
	for _, id := range a.mod.Items() {
		if n := a.mod.Node(id); n.Kind == ir.KindLet {
			a.decls[id] = a.expr(n.Children[0])
		}
	}
	for _, f := range funcs {
		a.function(f)
	}
}

func (a *analyzer) declareTraits() {
	traits := make(map[string]bool)
	for _, id := range a.mod.Items() {
		n := a.mod.Node(id)
		if n.Kind != ir.KindTrait {
			continue
		}
		traits[a.mod.Name(n)] = true
		for _, m := range n.Children {
			mn := a.mod.Node(m)
			if mn.TypeExpr == "" {
				continue
			}
			if t, ok := parseType(mn.TypeExpr, nil); ok {
				a.methodRet[a.mod.Name(mn)] = t
			} else {
				a.typeError(m, "unknown type %s", mn.TypeExpr)
			}
		}
	}
	for _, f := range a.mod.ImplMethods() {
		if !traits[f.Trait] {
			a.typeError(f.Impl, "impl of undeclared trait %s", f.Trait)
		}
		if _, ok := parseType(f.Type, nil); !ok || f.Type == "Dyn" {
			a.typeError(f.Impl, "cannot implement %s for %s", f.Trait, f.Type)
		}
		if a.impls[f.Trait] == nil {
			a.impls[f.Trait] = make(map[string]bool)
		}
		a.impls[f.Trait][f.Type] = true
		method := a.mod.Name(a.mod.Node(f.Func))
		a.implFuncs[method] = append(a.implFuncs[method], f)
	}
	for _, f := range a.mod.AllFuncs() {
		for _, tp := range a.mod.Node(f.Func).TypeParams {
			for _, b := range tp.Bounds {
				if !isBuiltinCap(b) && !traits[b] {
					a.typeError(f.Func, "unknown trait %s in bounds of %s", b, tp.Name)
				}
			}
		}
	}
}

// declare builds the signature of one function. Missing annotations become
// fresh variables; the receiver of an impl method defaults to the impl type.
func (a *analyzer) declare(f ir.NamedFunc) {
	n := a.mod.Node(f.Func)
	sig := &Signature{Name: f.Name, Func: f.Func, TypeParams: n.TypeParams, Pure: n.Pure}
	generic := len(n.TypeParams) > 0
	declared := func(id ir.NodeID, te string) Type {
		if te == "" {
			v := a.fresh()
			if !generic {
				a.monoVars[v.Var] = true
			}
			return v
		}
		t, ok := parseType(te, n.TypeParams)
		if !ok {
			a.typeError(id, "unknown type %s", te)
			return Of(Dyn)
		}
		return t
	}
	for i, p := range a.mod.Params(f.Func) {
		te := a.mod.Node(p).TypeExpr
		if te == "" && i == 0 && f.Impl.IsValid() {
			te = f.Type
		}
		t := declared(p, te)
		sig.Params = append(sig.Params, t)
		a.decls[p] = t
	}
	sig.Ret = declared(f.Func, n.TypeExpr)
	a.sigs[f.Name] = sig
	a.declSig[f.Func] = sig
	a.plan.Signatures[f.Name] = sig
	if n.Ann.Fallback {
		a.fallbackIn[f.Name] = true
	}
}

func (a *analyzer) function(f ir.NamedFunc) {
	sig := a.sigs[f.Name]
	a.cur = &funcState{name: f.Name, sig: sig, generic: sig.Generic()}
	defer func() { a.cur = nil }()

	body := a.mod.Body(f.Func)
	t := a.expr(body)
	if !endsInReturn(a.mod, body) {
		a.add(Equal, t, sig.Ret, "", body)
	}
}

// endsInReturn reports whether a body's last statement is a return, so its
// tail value never flows out.
func endsInReturn(mod *ir.Module, id ir.NodeID) bool {
	n := mod.Node(id)
	switch n.Kind {
	case ir.KindReturn:
		return true
	case ir.KindBlock:
		if n.HasTail || len(n.Children) == 0 {
			return false
		}
		return endsInReturn(mod, n.Children[len(n.Children)-1])
	}
	return false
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (a *analyzer) expr(id ir.NodeID) Type {
	n := a.mod.Node(id)
	var t Type
	switch n.Kind {
	case ir.KindInt:
		t = Of(Int)
	case ir.KindString:
		t = Of(String)
	case ir.KindBool:
		t = Of(Bool)
	case ir.KindUnit:
		t = Of(Unit)

	case ir.KindName:
		t = a.name(id, n)

	case ir.KindLet:
		a.decls[id] = a.expr(n.Children[0])
		t = Of(Unit)

	case ir.KindAssign:
		v := a.expr(n.Children[0])
		if decl, ok := a.scopes.Binding(id); ok && a.mod.Node(decl).Kind != ir.KindFunc {
			a.add(Equal, a.decls[decl], v, "", id)
		} else {
			a.typeError(id, "assignment to undeclared %s", a.mod.Name(n))
		}
		t = Of(Unit)

	case ir.KindBlock:
		t = Of(Unit)
		for i, c := range n.Children {
			ct := a.expr(c)
			if n.HasTail && i == len(n.Children)-1 {
				t = ct
			}
		}

	case ir.KindWhile:
		a.add(Equal, a.expr(n.Children[0]), Of(Bool), "", n.Children[0])
		a.expr(n.Children[1])
		t = Of(Unit)

	case ir.KindReturn:
		v := Of(Unit)
		if len(n.Children) == 1 {
			v = a.expr(n.Children[0])
		}
		if a.cur != nil {
			a.add(Equal, v, a.cur.sig.Ret, "", id)
		}
		t = a.fresh()

	case ir.KindIf:
		a.add(Equal, a.expr(n.Children[0]), Of(Bool), "", n.Children[0])
		then := a.expr(n.Children[1])
		if len(n.Children) == 3 {
			a.add(Equal, then, a.expr(n.Children[2]), "", id)
			t = then
		} else {
			t = Of(Unit)
		}

	case ir.KindCall:
		t = a.call(id, n)

	case ir.KindSend:
		t = a.send(id, n)

	case ir.KindInvoke:
		for _, c := range n.Children {
			a.expr(c)
		}
		a.dynamic(id, "late-bound invoke")
		t = Of(Dyn)

	case ir.KindBinary:
		l := a.expr(n.Children[0])
		r := a.expr(n.Children[1])
		a.add(Implements, l, Type{}, opCapability(n.Op), id)
		a.add(Equal, l, r, "", id)
		if n.Op.IsCompare() {
			t = Of(Bool)
		} else {
			t = l
		}

	case ir.KindUnary:
		x := a.expr(n.Children[0])
		if n.Op == ir.OpNot {
			a.add(Equal, x, Of(Bool), "", id)
			t = Of(Bool)
		} else {
			a.add(Implements, x, Type{}, CapArith, id)
			t = x
		}

	default:
		a.typeError(id, "%s is not an expression", n.Kind)
		t = Of(Dyn)
	}
	a.types[id] = t
	return t
}

func (a *analyzer) dynamic(id ir.NodeID, reason string) {
	if a.cur == nil {
		return
	}
	a.ownEffects[a.cur.name] |= EffectDynamic
	a.fallback(id, a.cur.name, reason)
}

func (a *analyzer) name(id ir.NodeID, n *ir.Node) Type {
	if decl, ok := a.scopes.Binding(id); ok {
		if a.mod.Node(decl).Kind == ir.KindFunc {
			return a.funcValue(id, a.declSig[decl])
		}
		if t, ok := a.decls[decl]; ok {
			return t
		}
		return Of(Dyn)
	}
	if sig, ok := a.sigs[a.mod.Name(n)]; ok {
		return a.funcValue(id, sig)
	}
	// Resolved by the host at run time.
	return Of(Dyn)
}

// funcValue types a function used as a value. Generic functions have no
// single instance to refer to.
func (a *analyzer) funcValue(id ir.NodeID, sig *Signature) Type {
	if sig.Generic() {
		if a.cur != nil {
			a.fallback(id, a.cur.name, "generic function used as a value")
		}
		return Of(Dyn)
	}
	if a.cur != nil {
		a.calls[a.cur.name] = append(a.calls[a.cur.name], sig.Name)
	}
	return FuncOf(sig.Params, sig.Ret)
}

func (a *analyzer) call(id ir.NodeID, n *ir.Node) Type {
	args := make([]Type, len(n.Children))
	for i, c := range n.Children {
		args[i] = a.expr(c)
	}
	name := a.mod.Name(n)
	if a.cur != nil {
		a.plan.callNodes[a.cur.name] = append(a.plan.callNodes[a.cur.name], id)
	}
	if decl, ok := a.scopes.Binding(id); ok {
		if a.mod.Node(decl).Kind == ir.KindFunc {
			return a.directCall(id, a.declSig[decl], args)
		}
		a.dynamic(id, "call through a variable")
		return Of(Dyn)
	}
	if sig, ok := a.sigs[name]; ok {
		return a.directCall(id, sig, args)
	}
	return a.host(id, name, args)
}

func (a *analyzer) directCall(id ir.NodeID, sig *Signature, args []Type) Type {
	if len(args) != len(sig.Params) {
		a.typeError(id, "%s expects %d arguments, found %d", sig.Name, len(sig.Params), len(args))
		return Of(Dyn)
	}
	caller := ""
	if a.cur != nil {
		caller = a.cur.name
		a.calls[caller] = append(a.calls[caller], sig.Name)
	}
	if !sig.Generic() {
		a.plan.direct[id] = sig.Name
		for i, p := range sig.Params {
			a.add(Subtype, args[i], p, "", id)
		}
		return sig.Ret
	}

	// Instantiate with fresh variables and record the request; the mono
	// pass resolves it once the variables are solved.
	subst := make(map[string]Type, len(sig.TypeParams))
	targs := make([]Type, len(sig.TypeParams))
	for i, tp := range sig.TypeParams {
		targs[i] = a.fresh()
		subst[tp.Name] = targs[i]
	}
	for i, p := range sig.Params {
		a.add(Subtype, args[i], substitute(p, subst), "", id)
	}
	a.requests = append(a.requests, request{Node: id, Caller: caller, Callee: sig.Name, Args: targs})
	return substitute(sig.Ret, subst)
}

func (a *analyzer) host(id ir.NodeID, name string, args []Type) Type {
	if a.cur != nil {
		a.ownEffects[a.cur.name] |= EffectHost
	}
	a.plan.direct[id] = "host:" + name
	sig, ok := a.opts.HostSignatures[name]
	if !ok {
		return Of(Dyn)
	}
	if len(args) != len(sig.Params) {
		a.typeError(id, "host function %s expects %d arguments, found %d", name, len(sig.Params), len(args))
		return sig.Ret
	}
	for i, p := range sig.Params {
		a.add(Subtype, args[i], p, "", id)
	}
	return sig.Ret
}

// send records the site; receivers are resolved after solving, and per
// instance inside generic bodies.
func (a *analyzer) send(id ir.NodeID, n *ir.Node) Type {
	recv := a.expr(n.Children[0])
	for _, c := range n.Children[1:] {
		a.expr(c)
	}
	method := a.mod.Name(n)
	if a.cur != nil {
		a.plan.callNodes[a.cur.name] = append(a.plan.callNodes[a.cur.name], id)
		a.sends = append(a.sends, sendSite{Node: id, Recv: recv, Method: method, Func: a.cur.name})
	}
	if t, ok := a.methodRet[method]; ok {
		return t
	}
	return a.fresh()
}
