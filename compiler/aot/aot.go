// Package aot rewrites analyzed IR into the explicit form the native
// backend consumes.
//
// The rewritten module (IR′) has fresh node IDs; every node records the node
// it came from in Ann.Origin. Generic functions are replaced by one clone per
// instance, devirtualized sends become direct calls of the mangled method,
// calls of generics name their instance, and every parameter and return
// carries its solved type. Functions that cannot be lowered natively are
// marked with a fallback thunk id. IR′ prints back to surface form and
// analyzes to the same plan.
package aot

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/compiler/deepsema"
	"github.com/chazu/kayton/compiler/hash"
	"github.com/chazu/kayton/pkg/ir"
)

var log = commonlog.GetLogger("kayton.aot")

// Options controls rewriting.
type Options struct {
	// Strict rejects any function that would need a fallback thunk.
	Strict bool
}

// LoweringError reports a function with no native lowering under Strict.
type LoweringError struct {
	Func   string
	Node   ir.NodeID
	Span   ir.Span
	Reason string
}

func (e *LoweringError) Error() string {
	return fmt.Sprintf("%s: cannot lower %s natively: %s", e.Span, e.Func, e.Reason)
}

// Thunk is a function of IR′ that runs as bytecode.
type Thunk struct {
	ID       uint64
	Name     string
	Func     ir.NodeID // in IR′
	Origin   ir.NodeID // in the source module
	Instance string
	Reason   string
}

// Result is the rewritten module with the bookkeeping needed to explain it.
type Result struct {
	Module *ir.Module
	Source *ir.Module
	Plan   *deepsema.Plan
	// Thunks lists the fallback functions in IR′ item order.
	Thunks []Thunk

	clones    map[ir.NodeID][]ir.NodeID
	decisions map[ir.NodeID][]string
}

// Thunk returns the fallback entry for an IR′ function name.
func (r *Result) Thunk(name string) (Thunk, bool) {
	for _, t := range r.Thunks {
		if t.Name == name {
			return t, true
		}
	}
	return Thunk{}, false
}

// ---------------------------------------------------------------------------
// Rewrite
// ---------------------------------------------------------------------------

type rewriter struct {
	src  *ir.Module
	plan *deepsema.Plan
	opts Options
	b    *ir.Builder
	dst  *ir.Module
	res  *Result
	errs *multierror.Error

	// per-function state
	inst *deepsema.Instance
	ctx  string
}

// Rewrite builds IR′ from src and its plan. The plan must come from
// deepsema.Analyze on src without errors.
func Rewrite(src *ir.Module, plan *deepsema.Plan, opts Options) (*Result, error) {
	if plan == nil || plan.Module != src {
		return nil, fmt.Errorf("aot: plan does not belong to module %s", src.Path)
	}
	if err := plan.Err(); err != nil {
		return nil, fmt.Errorf("aot: module %s has analysis errors: %w", src.Path, err)
	}
	b := ir.NewBuilder(src.Path)
	b.Reserve()
	rw := &rewriter{
		src:  src,
		plan: plan,
		opts: opts,
		b:    b,
		dst:  b.Module(),
		res: &Result{
			Source:    src,
			Plan:      plan,
			clones:    make(map[ir.NodeID][]ir.NodeID),
			decisions: make(map[ir.NodeID][]string),
		},
	}
	values := rw.genericValues()

	for _, id := range src.Items() {
		n := src.Node(id)
		switch n.Kind {
		case ir.KindFunc:
			sig := plan.Signatures[src.Name(n)]
			if !sig.Generic() {
				b.Item(rw.function(id, sig.Name, nil))
				continue
			}
			rw.generic(id, sig, values[sig.Name])
		case ir.KindImpl:
			b.Item(rw.impl(id))
		default:
			b.Item(rw.clone(id))
		}
	}
	if rw.errs != nil {
		return nil, rw.errs.ErrorOrNil()
	}
	rw.res.Module = b.Finish()
	log.Debugf("rewrote %s: %d nodes, %d thunks", src.Path, rw.dst.Len(), len(rw.res.Thunks))
	return rw.res, nil
}

func (rw *rewriter) decide(src ir.NodeID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if rw.inst != nil {
		msg = "in " + rw.inst.Name + ": " + msg
	}
	rw.res.decisions[src] = append(rw.res.decisions[src], msg)
}

// genericValues finds generic functions referenced as values and the
// generics they call. They have no single instance, so their generic form
// is kept and runs as bytecode.
func (rw *rewriter) genericValues() map[string]bool {
	out := make(map[string]bool)
	var work []*deepsema.Signature
	mark := func(id ir.NodeID, n *ir.Node) {
		name := rw.src.Name(n)
		if decl, ok := rw.plan.Scopes.Binding(id); ok {
			d := rw.src.Node(decl)
			if d.Kind != ir.KindFunc {
				return
			}
			name = rw.src.Name(d)
		}
		if sig, ok := rw.plan.Signatures[name]; ok && sig.Generic() && !out[name] {
			out[name] = true
			work = append(work, sig)
		}
	}
	rw.src.Walk(rw.src.Root, func(n *ir.Node) bool {
		if n.Kind == ir.KindName {
			mark(n.ID, n)
		}
		return true
	})
	for len(work) > 0 {
		sig := work[len(work)-1]
		work = work[:len(work)-1]
		rw.src.Walk(rw.src.Body(sig.Func), func(n *ir.Node) bool {
			if n.Kind == ir.KindCall {
				mark(n.ID, n)
			}
			return true
		})
	}
	return out
}

func (rw *rewriter) generic(id ir.NodeID, sig *deepsema.Signature, asValue bool) {
	var names []string
	for _, inst := range rw.plan.Instances {
		if inst.Generic != sig.Name {
			continue
		}
		rw.b.Item(rw.function(id, inst.Name, inst))
		names = append(names, inst.Name)
	}
	if len(names) > 0 {
		rw.decide(id, "instantiated as %v", names)
	}
	if asValue {
		rw.b.Item(rw.keepGeneric(id, sig.Name))
		return
	}
	if len(names) == 0 {
		rw.decide(id, "removed: generic with no instances")
	}
}

func (rw *rewriter) impl(id ir.NodeID) ir.NodeID {
	n := rw.src.Node(id)
	out := *n
	out.Sym = rw.dst.Symbols.Intern(rw.src.Name(n))
	out.Children = make([]ir.NodeID, len(n.Children))
	out.Ann = ir.Annotations{Origin: id}
	for i, f := range n.Children {
		name := ir.MethodName(rw.src.Name(n), n.TypeExpr, rw.src.Name(rw.src.Node(f)))
		out.Children[i] = rw.function(f, name, nil)
	}
	return rw.add(id, out)
}

// function clones a function declaration as the compiled function name.
// The declaration keeps its source name inside impl blocks.
func (rw *rewriter) function(id ir.NodeID, name string, inst *deepsema.Instance) ir.NodeID {
	sig, _ := rw.plan.SignatureOf(name)
	n := rw.src.Node(id)
	rw.inst, rw.ctx = inst, name
	defer func() { rw.inst, rw.ctx = nil, "" }()

	params := rw.src.Params(id)
	children := make([]ir.NodeID, 0, len(params)+1)
	for i, p := range params {
		pn := rw.src.Node(p)
		out := *pn
		out.Sym = rw.dst.Symbols.Intern(rw.src.Name(pn))
		out.TypeExpr = sig.Params[i].SurfaceName()
		out.Ann = ir.Annotations{Origin: p, Type: out.TypeExpr}
		children = append(children, rw.add(p, out))
	}
	children = append(children, rw.clone(rw.src.Body(id)))

	out := *n
	out.Sym = rw.dst.Symbols.Intern(rw.src.Name(n))
	if inst != nil {
		out.Sym = rw.dst.Symbols.Intern(name)
	}
	out.TypeParams = nil
	out.TypeExpr = sig.Ret.SurfaceName()
	out.Children = children
	out.Ann = ir.Annotations{
		Origin:  id,
		Type:    out.TypeExpr,
		Effects: rw.plan.Effects[name].Names(),
	}
	fid := rw.add(id, out)
	if inst == nil {
		rw.decide(id, "compiled as %s", sig.String())
	}
	if rw.plan.Fallback[name] {
		instance := ""
		if inst != nil {
			instance = inst.Name
		}
		rw.markFallback(fid, id, name, instance)
	}
	return fid
}

// keepGeneric clones a generic declaration unchanged apart from the
// fallback mark.
func (rw *rewriter) keepGeneric(id ir.NodeID, name string) ir.NodeID {
	rw.ctx = name
	defer func() { rw.ctx = "" }()
	fid := rw.clone(id)
	rw.decide(id, "kept generic for late-bound use")
	rw.markFallback(fid, id, name, "")
	return fid
}

func (rw *rewriter) markFallback(fid, origin ir.NodeID, name, instance string) {
	reason := rw.reason(origin, name)
	if rw.opts.Strict {
		n := rw.src.Node(origin)
		rw.errs = multierror.Append(rw.errs, &LoweringError{Func: name, Node: origin, Span: n.Span, Reason: reason})
		return
	}
	id := hash.ThunkID(hash.ThunkKey{ModulePath: rw.src.Path, Origin: origin, Instance: instance})
	if ann := rw.src.Node(origin).Ann; ann.Fallback && ann.ThunkID != 0 && instance == "" {
		// Rewritten IR read back in keeps its thunk ids.
		id = ann.ThunkID
	}
	thunk := Thunk{
		ID:       id,
		Name:     name,
		Func:     fid,
		Origin:   origin,
		Instance: instance,
		Reason:   reason,
	}
	fn := rw.dst.Node(fid)
	fn.Ann.Fallback = true
	fn.Ann.ThunkID = thunk.ID
	rw.res.Thunks = append(rw.res.Thunks, thunk)
	rw.decide(origin, "%s runs as fallback thunk %016x: %s", name, thunk.ID, reason)
}

// reason names the first fallback site of a function.
func (rw *rewriter) reason(fn ir.NodeID, name string) string {
	if rw.src.Node(fn).Ann.Fallback {
		return "marked fallback"
	}
	inst, _ := rw.plan.Instance(name)
	reason := ""
	rw.src.Walk(rw.src.Body(fn), func(n *ir.Node) bool {
		if reason != "" {
			return false
		}
		if r, ok := rw.plan.FallbackSites[n.ID]; ok {
			reason = r
		} else if inst != nil && n.Kind == ir.KindSend && inst.Devirt[n.ID] == "" {
			reason = "send " + rw.src.Name(n) + " on a dynamic receiver"
		}
		return true
	})
	if reason == "" {
		reason = "generic function has no single instance"
	}
	return reason
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (rw *rewriter) add(src ir.NodeID, n ir.Node) ir.NodeID {
	id := rw.dst.Add(n)
	rw.res.clones[src] = append(rw.res.clones[src], id)
	return id
}

func (rw *rewriter) typeOf(id ir.NodeID) string {
	var t deepsema.Type
	var ok bool
	if rw.inst != nil {
		t, ok = rw.plan.TypeIn(rw.inst, id)
	} else {
		t, ok = rw.plan.TypeOf(id)
	}
	if !ok {
		return ""
	}
	return t.String()
}

func (rw *rewriter) clone(id ir.NodeID) ir.NodeID {
	n := rw.src.Node(id)
	out := *n
	if n.Sym != ir.NoSymbol {
		out.Sym = rw.dst.Symbols.Intern(rw.src.Name(n))
	}
	out.Ann = ir.Annotations{Origin: id}
	if n.Kind.IsExpr() {
		out.Ann.Type = rw.typeOf(id)
	}

	switch n.Kind {
	case ir.KindSend:
		if target := rw.devirt(id); target != "" {
			out.Kind = ir.KindCall
			out.Sym = rw.dst.Symbols.Intern(target)
			rw.decide(id, "devirtualized to %s", target)
		} else if rw.ctx != "" {
			rw.decide(id, "dynamic send")
		}
	case ir.KindCall:
		if target := rw.callTarget(id); target != "" {
			out.Sym = rw.dst.Symbols.Intern(target)
			rw.decide(id, "retargeted to %s", target)
		}
	}
	if reason, ok := rw.plan.FallbackSites[id]; ok {
		rw.decide(id, "fallback site: %s", reason)
	}

	out.Children = make([]ir.NodeID, len(n.Children))
	for i, c := range n.Children {
		out.Children[i] = rw.clone(c)
	}
	return rw.add(id, out)
}

func (rw *rewriter) devirt(id ir.NodeID) string {
	if rw.inst != nil {
		return rw.inst.Devirt[id]
	}
	return rw.plan.Devirt[id]
}

func (rw *rewriter) callTarget(id ir.NodeID) string {
	if rw.inst != nil {
		return rw.inst.CallTargets[id]
	}
	return rw.plan.CallTargets[id]
}
