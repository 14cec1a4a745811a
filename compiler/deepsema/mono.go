package deepsema

import (
	"sort"

	"github.com/chazu/kayton/pkg/ir"
)

// finish derives the plan from the solved constraints.
func (a *analyzer) finish() {
	p := a.plan
	for _, c := range a.pending {
		c.A, c.B = a.zonk(c.A), a.zonk(c.B)
		p.Constraints = append(p.Constraints, c)
	}
	for id, t := range a.types {
		p.types[id] = a.settle(t)
	}
	for _, sig := range a.sigs {
		for i := range sig.Params {
			sig.Params[i] = a.settle(sig.Params[i])
		}
		sig.Ret = a.settle(sig.Ret)
	}

	a.resolveSends()
	a.mono()
	a.effects()

	for _, f := range a.mod.AllFuncs() {
		if a.sigs[f.Name].Generic() {
			continue
		}
		p.order = append(p.order, f.Name)
		if a.fallbackIn[f.Name] {
			p.Fallback[f.Name] = true
		}
	}
	for _, inst := range p.Instances {
		if inst.Fallback {
			p.Fallback[inst.Name] = true
		}
	}
}

// devirt finds the impl method a send on a concrete receiver reaches.
func (a *analyzer) devirt(s sendSite, recv Type) (string, bool) {
	if !recv.Kind.Concrete() {
		return "", false
	}
	for _, f := range a.implFuncs[s.Method] {
		if f.Type == recv.String() {
			return f.Name, true
		}
	}
	a.traitError(s.Node, "method "+s.Method, recv.String())
	return "", false
}

func (a *analyzer) resolveSends() {
	for _, s := range a.sends {
		if a.sigs[s.Func].Generic() {
			continue
		}
		recv := a.settle(s.Recv)
		if target, ok := a.devirt(s, recv); ok {
			a.plan.Devirt[s.Node] = target
			a.calls[s.Func] = append(a.calls[s.Func], target)
			continue
		}
		a.ownEffects[s.Func] |= EffectDynamic
		a.fallback(s.Node, s.Func, "receiver type "+recv.String()+" is not static")
	}
}

// instanceArg normalizes a solved type argument for naming: function types
// and leftover variables are Dyn.
func instanceArg(t Type) Type {
	if t.Kind == Func || t.Kind == Var {
		return Of(Dyn)
	}
	return t
}

// mono computes the instances reachable from non-generic code, walking
// nested generic calls with a worklist.
func (a *analyzer) mono() {
	p := a.plan
	reqs := make(map[string][]request)
	sends := make(map[string][]sendSite)
	for _, r := range a.requests {
		reqs[r.Caller] = append(reqs[r.Caller], r)
	}
	for _, s := range a.sends {
		sends[s.Func] = append(sends[s.Func], s)
	}

	var work []*Instance
	instantiate := func(r request, args []Type) string {
		sig := a.sigs[r.Callee]
		names := make([]string, len(args))
		for i := range args {
			args[i] = instanceArg(args[i])
			names[i] = args[i].String()
		}
		name := ir.InstanceName(sig.Name, names)
		if _, ok := p.instances[name]; ok {
			return name
		}
		subst := make(map[string]Type, len(args))
		for i, tp := range sig.TypeParams {
			subst[tp.Name] = args[i]
			for _, b := range tp.Bounds {
				if !a.satisfies(args[i], b) {
					a.traitError(r.Node, b, args[i].String())
				}
			}
		}
		isig := &Signature{Name: name, Func: sig.Func, Ret: substitute(sig.Ret, subst), Pure: sig.Pure}
		for _, t := range sig.Params {
			isig.Params = append(isig.Params, substitute(t, subst))
		}
		inst := &Instance{
			Name:        name,
			Generic:     sig.Name,
			Func:        sig.Func,
			Args:        args,
			Subst:       subst,
			Sig:         isig,
			Devirt:      make(map[ir.NodeID]string),
			CallTargets: make(map[ir.NodeID]string),
			Fallback:    a.fallbackIn[sig.Name],
		}
		p.instances[name] = inst
		work = append(work, inst)
		return name
	}
	settled := func(ts []Type, subst map[string]Type) []Type {
		out := make([]Type, len(ts))
		for i, t := range ts {
			out[i] = substitute(a.settle(t), subst)
		}
		return out
	}

	for _, r := range a.requests {
		if r.Caller != "" && a.sigs[r.Caller].Generic() {
			continue
		}
		p.CallTargets[r.Node] = instantiate(r, settled(r.Args, nil))
	}
	for len(work) > 0 {
		inst := work[0]
		work = work[1:]
		for _, r := range reqs[inst.Generic] {
			inst.CallTargets[r.Node] = instantiate(r, settled(r.Args, inst.Subst))
		}
		for _, s := range sends[inst.Generic] {
			recv := substitute(a.settle(s.Recv), inst.Subst)
			if target, ok := a.devirt(s, recv); ok {
				inst.Devirt[s.Node] = target
				continue
			}
			inst.Fallback = true
			if _, ok := p.FallbackSites[s.Node]; !ok {
				p.FallbackSites[s.Node] = "receiver type " + recv.String() + " is not static"
			}
		}
	}

	for _, inst := range p.instances {
		p.Instances = append(p.Instances, inst)
	}
	sort.Slice(p.Instances, func(i, j int) bool { return p.Instances[i].Name < p.Instances[j].Name })
}

// effects propagates direct effects over the call graph until nothing
// changes, then checks pure functions.
func (a *analyzer) effects() {
	p := a.plan
	for name := range a.sigs {
		p.Effects[name] = a.ownEffects[name]
	}
	// Sends in generic bodies may reach any impl of the method.
	for _, s := range a.sends {
		if !a.sigs[s.Func].Generic() {
			continue
		}
		for _, f := range a.implFuncs[s.Method] {
			a.calls[s.Func] = append(a.calls[s.Func], f.Name)
		}
		if p.instancesFallBack(s.Func) {
			p.Effects[s.Func] |= EffectDynamic
		}
	}
	for changed := true; changed; {
		changed = false
		for caller, callees := range a.calls {
			e := p.Effects[caller]
			for _, c := range callees {
				e |= p.Effects[c]
			}
			if e != p.Effects[caller] {
				p.Effects[caller] = e
				changed = true
			}
		}
	}
	for _, inst := range p.Instances {
		p.Effects[inst.Name] = p.Effects[inst.Generic]
	}

	for _, f := range a.mod.AllFuncs() {
		sig := a.sigs[f.Name]
		if e := p.Effects[f.Name]; sig.Pure && e != 0 {
			a.typeError(f.Func, "effect mismatch: %s is pure but has effects %s", f.Name, e)
		}
	}
}

func (p *Plan) instancesFallBack(generic string) bool {
	for _, inst := range p.Instances {
		if inst.Generic == generic && inst.Fallback {
			return true
		}
	}
	return false
}
