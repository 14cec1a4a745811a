// Package deepsema is the whole-program analysis behind the AOT path.
//
// Analyze generates constraints for every function in a module, solves them
// with a bounded fixpoint, and derives a Plan: solved node types, the
// monomorphization instances, devirtualization targets, effects and the
// sites that must fall back to bytecode. A failing analysis still returns a
// Plan so tooling can inspect it; only the AOT path stops.
package deepsema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/pkg/ir"
)

var log = commonlog.GetLogger("kayton.deepsema")

// DefaultMaxIterations bounds the solver when Options leaves it unset.
const DefaultMaxIterations = 64

// Policy decides what happens when the solver hits its bound.
type Policy uint8

const (
	// Fail reports NonConvergence as an error for the unit.
	Fail Policy = iota
	// Degrade reports a warning, flags unresolved sites for fallback and
	// continues.
	Degrade
)

func (p Policy) String() string {
	if p == Degrade {
		return "degrade"
	}
	return "fail"
}

// ParsePolicy reads a policy name as written in the build manifest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "fail":
		return Fail, nil
	case "degrade":
		return Degrade, nil
	}
	return Fail, fmt.Errorf("unknown non-convergence policy %q", s)
}

// HostSignature types a host extension.
type HostSignature struct {
	Params []Type
	Ret    Type
}

// DefaultHostSignatures types the standard extensions.
func DefaultHostSignatures() map[string]HostSignature {
	return map[string]HostSignature{
		"print":     {Params: []Type{Of(Dyn)}, Ret: Of(Unit)},
		"len":       {Params: []Type{Of(String)}, Ret: Of(Int)},
		"to_string": {Params: []Type{Of(Dyn)}, Ret: Of(String)},
	}
}

// Options configures Analyze.
type Options struct {
	MaxIterations    int
	OnNonConvergence Policy
	// HostSignatures types host calls. Nil means DefaultHostSignatures.
	// Host calls to names without a signature return Dyn.
	HostSignatures map[string]HostSignature
}

// Signature is the solved type of a compiled function.
type Signature struct {
	Name       string
	Func       ir.NodeID
	TypeParams []ir.TypeParam
	Params     []Type
	Ret        Type
	Pure       bool
}

// Generic reports whether the function has type parameters.
func (s *Signature) Generic() bool { return len(s.TypeParams) > 0 }

func (s *Signature) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.SurfaceName()
	}
	return s.Name + "(" + strings.Join(parts, ", ") + ") " + s.Ret.SurfaceName()
}

// Instance is one monomorphized copy of a generic function.
type Instance struct {
	Name    string // name$Arg1$Arg2
	Generic string
	Func    ir.NodeID
	Args    []Type
	Subst   map[string]Type
	Sig     *Signature

	// Devirt and CallTargets resolve sends and generic calls inside this
	// instance's body.
	Devirt      map[ir.NodeID]string
	CallTargets map[ir.NodeID]string
	Fallback    bool
}

// Plan is the output of Analyze.
type Plan struct {
	Module *ir.Module
	Scopes *ir.Scopes

	// Signatures holds every declared function by compiled name, generic
	// ones included.
	Signatures map[string]*Signature
	// Instances is sorted by name.
	Instances []*Instance
	// Devirt maps send nodes outside generic bodies to their target.
	Devirt map[ir.NodeID]string
	// CallTargets maps calls of generics outside generic bodies to the
	// instance they call.
	CallTargets map[ir.NodeID]string
	// FallbackSites maps nodes without a native lowering to the reason.
	FallbackSites map[ir.NodeID]string
	// Fallback holds compiled functions and instances that must run as
	// bytecode thunks.
	Fallback    map[string]bool
	Effects     map[string]Effects
	Constraints []Constraint
	Diagnostics ir.Diagnostics
	Iterations  int
	Converged   bool

	types     map[ir.NodeID]Type
	order     []string
	callNodes map[string][]ir.NodeID
	direct    map[ir.NodeID]string
	instances map[string]*Instance
	errs      []error
}

// Analyze runs the analysis. The returned error joins every TypeError,
// TraitResolutionError and NonConvergence (under the Fail policy); the Plan
// is returned either way.
func Analyze(mod *ir.Module, opts Options) (*Plan, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.HostSignatures == nil {
		opts.HostSignatures = DefaultHostSignatures()
	}
	a := newAnalyzer(mod, opts)
	a.generate()
	a.solve()
	a.finish()
	log.Debugf("analyzed %s: %d iterations, %d instances, %d fallback sites",
		mod.Path, a.plan.Iterations, len(a.plan.Instances), len(a.plan.FallbackSites))
	return a.plan, a.plan.Err()
}

// Err joins the plan's errors, or returns nil.
func (p *Plan) Err() error {
	var result *multierror.Error
	for _, err := range p.errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// TypeOf returns the solved type of a node. Nodes inside generic bodies may
// mention type parameters; see TypeIn.
func (p *Plan) TypeOf(id ir.NodeID) (Type, bool) {
	t, ok := p.types[id]
	return t, ok
}

// TypeIn returns the type of a node of a generic body within one instance.
func (p *Plan) TypeIn(inst *Instance, id ir.NodeID) (Type, bool) {
	t, ok := p.types[id]
	if !ok {
		return Type{}, false
	}
	return substitute(t, inst.Subst), true
}

// Instance looks up an instance by name.
func (p *Plan) Instance(name string) (*Instance, bool) {
	inst, ok := p.instances[name]
	return inst, ok
}

// ConstraintsFor returns the constraints generated at a node.
func (p *Plan) ConstraintsFor(id ir.NodeID) []Constraint {
	var out []Constraint
	for _, c := range p.Constraints {
		if c.Node == id {
			out = append(out, c)
		}
	}
	return out
}

// Functions lists what the AOT path compiles: every non-generic function
// in item order, then the instances by name.
func (p *Plan) Functions() []string {
	out := append([]string(nil), p.order...)
	for _, inst := range p.Instances {
		out = append(out, inst.Name)
	}
	return out
}

// SignatureOf returns the signature of a compiled function or instance.
func (p *Plan) SignatureOf(name string) (*Signature, bool) {
	if inst, ok := p.instances[name]; ok {
		return inst.Sig, true
	}
	sig, ok := p.Signatures[name]
	return sig, ok
}

// Targets lists the statically known callees of a compiled function or
// instance, sorted. Host calls appear as "host:name". Late-bound calls and
// sends that were not devirtualized are omitted.
func (p *Plan) Targets(name string) []string {
	inst, isInst := p.instances[name]
	base := name
	if isInst {
		base = inst.Generic
	}
	var out []string
	for _, id := range p.callNodes[base] {
		var target string
		switch p.Module.Node(id).Kind {
		case ir.KindSend:
			if isInst {
				target = inst.Devirt[id]
			} else {
				target = p.Devirt[id]
			}
		case ir.KindCall:
			if isInst {
				target = inst.CallTargets[id]
			} else {
				target = p.CallTargets[id]
			}
			if target == "" {
				target = p.direct[id]
			}
		}
		if target != "" {
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out
}

// Fingerprint summarizes the mono and devirt decisions independently of
// node IDs: one line per compiled function with its signature, its static
// callees and whether it falls back. Reprinting and reparsing rewritten IR
// preserves it.
func (p *Plan) Fingerprint() string {
	names := p.Functions()
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		sig, _ := p.SignatureOf(name)
		sb.WriteString(sig.String())
		sb.WriteString(" -> [")
		sb.WriteString(strings.Join(p.Targets(name), " "))
		sb.WriteString("]")
		if p.Fallback[name] {
			sb.WriteString(" fallback")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
