package deepsema

import (
	"fmt"
	"strings"

	"github.com/chazu/kayton/pkg/ir"
)

// Diagnostic codes.
const (
	CodeTypeError      = "type-error"
	CodeTraitMissing   = "trait-resolution"
	CodeNonConvergence = "non-convergence"
)

// TypeError reports contradictory constraints or an effect mismatch.
type TypeError struct {
	Node ir.NodeID
	Span ir.Span
	Msg  string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: type error: %s", e.Span, e.Msg)
}

// TraitResolutionError reports a concrete type that lacks a required
// capability or method.
type TraitResolutionError struct {
	Node  ir.NodeID
	Span  ir.Span
	Trait string
	Type  string
}

func (e *TraitResolutionError) Error() string {
	return fmt.Sprintf("%s: no implementation of %s for %s", e.Span, e.Trait, e.Type)
}

// NonConvergence reports that the solver was still making progress when it
// hit its iteration bound.
type NonConvergence struct {
	Iterations int
	Pending    int
}

func (e *NonConvergence) Error() string {
	return fmt.Sprintf("constraint solving did not converge after %d iterations (%d constraints pending)",
		e.Iterations, e.Pending)
}

// ---------------------------------------------------------------------------
// Effects
// ---------------------------------------------------------------------------

// Effects is a set of side effects a function may perform.
type Effects uint8

const (
	EffectHost    Effects = 1 << iota // calls a host extension
	EffectDynamic                     // makes a late-bound call
)

// Names lists the effects in a fixed order.
func (e Effects) Names() []string {
	var out []string
	if e&EffectHost != 0 {
		out = append(out, "host")
	}
	if e&EffectDynamic != 0 {
		out = append(out, "dynamic")
	}
	return out
}

func (e Effects) String() string {
	if e == 0 {
		return "none"
	}
	return strings.Join(e.Names(), ",")
}
