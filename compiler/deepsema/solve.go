package deepsema

import (
	"fmt"

	"github.com/chazu/kayton/pkg/ir"
)

// ConstraintKind classifies constraints.
type ConstraintKind uint8

const (
	Equal ConstraintKind = iota + 1
	Subtype
	Implements
)

// Constraint relates two types, or a type and a trait. Node is where it was
// generated and Func the compiled function containing that node.
type Constraint struct {
	Kind  ConstraintKind
	A, B  Type
	Trait string
	Node  ir.NodeID
	Func  string
}

func (c Constraint) String() string {
	switch c.Kind {
	case Equal:
		return fmt.Sprintf("%s == %s", c.A, c.B)
	case Subtype:
		return fmt.Sprintf("%s <: %s", c.A, c.B)
	case Implements:
		return fmt.Sprintf("%s: %s", c.A, c.Trait)
	}
	return "?"
}

type outcome uint8

const (
	solved outcome = iota
	deferred
	failed
)

// ---------------------------------------------------------------------------
// Substitution
// ---------------------------------------------------------------------------

func (a *analyzer) fresh() Type {
	a.nextVar++
	return Type{Kind: Var, Var: a.nextVar}
}

// resolve follows variable bindings at the top level of t.
func (a *analyzer) resolve(t Type) Type {
	for t.Kind == Var {
		b, ok := a.subst[t.Var]
		if !ok {
			return t
		}
		t = b
	}
	return t
}

// zonk resolves t completely. Unbound variables remain.
func (a *analyzer) zonk(t Type) Type {
	t = a.resolve(t)
	if t.Kind == Func {
		params := make([]Type, len(t.Params))
		for i, p := range t.Params {
			params[i] = a.zonk(p)
		}
		return FuncOf(params, a.zonk(*t.Ret))
	}
	return t
}

// settle resolves t completely and defaults unbound variables to Dyn.
func (a *analyzer) settle(t Type) Type {
	t = a.resolve(t)
	switch t.Kind {
	case Var:
		a.subst[t.Var] = Of(Dyn)
		return Of(Dyn)
	case Func:
		params := make([]Type, len(t.Params))
		for i, p := range t.Params {
			params[i] = a.settle(p)
		}
		return FuncOf(params, a.settle(*t.Ret))
	}
	return t
}

func (a *analyzer) occurs(v int, t Type) bool {
	t = a.resolve(t)
	switch t.Kind {
	case Var:
		return t.Var == v
	case Func:
		for _, p := range t.Params {
			if a.occurs(v, p) {
				return true
			}
		}
		return a.occurs(v, *t.Ret)
	}
	return false
}

func (a *analyzer) freeVars(t Type, out map[int]bool) {
	t = a.resolve(t)
	switch t.Kind {
	case Var:
		out[t.Var] = true
	case Func:
		for _, p := range t.Params {
			a.freeVars(p, out)
		}
		a.freeVars(*t.Ret, out)
	}
}

// ---------------------------------------------------------------------------
// Fixpoint
// ---------------------------------------------------------------------------

// solve runs passes over the pending constraints until none remain, a pass
// makes no progress, or the iteration bound is reached.
func (a *analyzer) solve() {
	pending := a.pending
	for iter := 1; len(pending) > 0; iter++ {
		if iter > a.opts.MaxIterations {
			a.nonConvergence(pending)
			return
		}
		a.plan.Iterations = iter
		progress := false
		var next []Constraint
		for _, c := range pending {
			out, more := a.step(c)
			if out == deferred {
				next = append(next, c)
				continue
			}
			progress = true
			next = append(next, more...)
		}
		pending = next
		if len(pending) > 0 && !progress {
			a.stuck(pending)
			break
		}
	}
	a.plan.Converged = true
}

// stuck defaults the variables of constraints nothing can solve and flags
// their sites for fallback.
func (a *analyzer) stuck(pending []Constraint) {
	log.Debugf("%d constraints unresolved; defaulting to Dyn", len(pending))
	a.giveUp(pending, "unresolved type")
}

func (a *analyzer) nonConvergence(pending []Constraint) {
	err := &NonConvergence{Iterations: a.opts.MaxIterations, Pending: len(pending)}
	if a.opts.OnNonConvergence == Degrade {
		log.Warningf("%s: %v; continuing with fallback", a.mod.Path, err)
		a.plan.Diagnostics = append(a.plan.Diagnostics, ir.Diagnostic{
			Severity: ir.SeverityWarning,
			Code:     CodeNonConvergence,
			Message:  err.Error(),
		})
	} else {
		a.plan.Diagnostics = append(a.plan.Diagnostics, ir.Diagnostic{
			Severity: ir.SeverityError,
			Code:     CodeNonConvergence,
			Message:  err.Error(),
		})
		a.plan.errs = append(a.plan.errs, err)
	}
	a.giveUp(pending, "solver bound reached")
}

func (a *analyzer) giveUp(pending []Constraint, reason string) {
	free := make(map[int]bool)
	for _, c := range pending {
		a.freeVars(c.A, free)
		a.freeVars(c.B, free)
		if c.Func != "" {
			a.fallback(c.Node, c.Func, reason)
		}
	}
	for v := range free {
		if _, ok := a.subst[v]; !ok {
			a.subst[v] = Of(Dyn)
		}
	}
}

func (a *analyzer) step(c Constraint) (outcome, []Constraint) {
	switch c.Kind {
	case Equal:
		return a.equal(c)
	case Subtype:
		return a.subtype(c)
	case Implements:
		return a.implements(c)
	}
	return solved, nil
}

func (a *analyzer) bind(v int, t Type, c Constraint) outcome {
	if a.occurs(v, t) {
		a.typeError(c.Node, "infinite type: ?%d occurs in %s", v, a.zonk(t))
		return failed
	}
	a.subst[v] = t
	return solved
}

func (a *analyzer) equal(c Constraint) (outcome, []Constraint) {
	x, y := a.resolve(c.A), a.resolve(c.B)
	switch {
	case x.Kind == Var && y.Kind == Var && x.Var == y.Var:
		return solved, nil
	case x.Kind == Var:
		return a.bind(x.Var, y, c), nil
	case y.Kind == Var:
		return a.bind(y.Var, x, c), nil
	case x.Kind == Dyn || y.Kind == Dyn:
		return solved, nil
	case x.Kind == Func && y.Kind == Func:
		if len(x.Params) != len(y.Params) {
			a.typeError(c.Node, "mismatched types %s and %s", a.zonk(x), a.zonk(y))
			return failed, nil
		}
		more := make([]Constraint, 0, len(x.Params)+1)
		for i := range x.Params {
			more = append(more, Constraint{Kind: Equal, A: x.Params[i], B: y.Params[i], Node: c.Node, Func: c.Func})
		}
		more = append(more, Constraint{Kind: Equal, A: *x.Ret, B: *y.Ret, Node: c.Node, Func: c.Func})
		return solved, more
	case Same(x, y):
		return solved, nil
	}
	a.typeError(c.Node, "mismatched types %s and %s", a.zonk(x), a.zonk(y))
	return failed, nil
}

// subtype treats every type as a subtype of Dyn and is otherwise equality.
// Between two unknowns the direction is undecided, so it waits.
func (a *analyzer) subtype(c Constraint) (outcome, []Constraint) {
	sub, sup := a.resolve(c.A), a.resolve(c.B)
	switch {
	case sup.Kind == Dyn || sub.Kind == Dyn:
		return solved, nil
	case sub.Kind == Var && sup.Kind == Var:
		if sub.Var == sup.Var {
			return solved, nil
		}
		return deferred, nil
	case sub.Kind == Param && sup.Kind == Var && a.monoVars[sup.Var]:
		// A type parameter passed to a monomorphic function widens to Dyn.
		return a.bind(sup.Var, Of(Dyn), c), nil
	}
	return a.equal(Constraint{Kind: Equal, A: sub, B: sup, Node: c.Node, Func: c.Func})
}

func (a *analyzer) implements(c Constraint) (outcome, []Constraint) {
	t := a.resolve(c.A)
	switch t.Kind {
	case Var:
		return deferred, nil
	case Dyn:
		return solved, nil
	case Param:
		if c.Trait == CapEq {
			return solved, nil
		}
		for _, b := range t.Bounds {
			if b == c.Trait {
				return solved, nil
			}
		}
		a.traitError(c.Node, c.Trait, t.Name)
		return failed, nil
	}
	if !a.satisfies(t, c.Trait) {
		a.traitError(c.Node, c.Trait, a.zonk(t).String())
		return failed, nil
	}
	return solved, nil
}

// satisfies checks a concrete type against a builtin capability or a user
// trait.
func (a *analyzer) satisfies(t Type, trait string) bool {
	if t.Kind == Dyn || trait == CapEq {
		return true
	}
	if caps, ok := builtinCaps[trait]; ok {
		return caps[t.Kind]
	}
	return a.impls[trait][t.String()]
}
