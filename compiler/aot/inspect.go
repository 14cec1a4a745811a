package aot

import (
	"fmt"
	"strings"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/pkg/ir"
)

// Inspection explains what analysis and rewriting did at one source node.
type Inspection struct {
	Node ir.NodeID // in the source module
	Kind ir.Kind
	Span ir.Span
	Text string
	// Type is the solved type, empty for nodes without one.
	Type        string
	Constraints []string
	Decisions   []string
	// Rewritten lists the IR′ nodes cloned from this one.
	Rewritten []ir.NodeID
}

// Inspect explains a node of the source module.
func (r *Result) Inspect(id ir.NodeID) (*Inspection, error) {
	n, ok := r.Source.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("aot: no node %d in %s", id, r.Source.Path)
	}
	in := &Inspection{
		Node:      id,
		Kind:      n.Kind,
		Span:      n.Span,
		Text:      compiler.PrintNode(r.Source, id),
		Decisions: r.decisions[id],
		Rewritten: r.clones[id],
	}
	if t, ok := r.Plan.TypeOf(id); ok {
		in.Type = t.String()
	}
	for _, c := range r.Plan.ConstraintsFor(id) {
		in.Constraints = append(in.Constraints, c.String())
	}
	return in, nil
}

// InspectRewritten explains an IR′ node through the source node it was
// cloned from.
func (r *Result) InspectRewritten(id ir.NodeID) (*Inspection, error) {
	n, ok := r.Module.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("aot: no node %d in rewritten %s", id, r.Module.Path)
	}
	return r.Inspect(n.Ann.Origin)
}

func (in *Inspection) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "node %d (%s) at %s\n", in.Node, in.Kind, in.Span)
	fmt.Fprintf(&sb, "  source: %s\n", in.Text)
	if in.Type != "" {
		fmt.Fprintf(&sb, "  type: %s\n", in.Type)
	}
	for _, c := range in.Constraints {
		fmt.Fprintf(&sb, "  constraint: %s\n", c)
	}
	for _, d := range in.Decisions {
		fmt.Fprintf(&sb, "  rewrite: %s\n", d)
	}
	if len(in.Rewritten) > 0 {
		ids := make([]string, len(in.Rewritten))
		for i, id := range in.Rewritten {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(&sb, "  rewritten as: %s\n", strings.Join(ids, ", "))
	}
	return sb.String()
}
