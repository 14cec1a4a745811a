package deepsema

import (
	"fmt"
	"strings"

	"github.com/chazu/kayton/pkg/ir"
)

// Kind classifies types.
type Kind uint8

const (
	Int Kind = iota + 1
	Bool
	String
	Unit
	Dyn   // top type; every type is a subtype of Dyn
	Func  // Func(params) -> ret
	Param // a type parameter, rigid inside its generic body
	Var   // a unification variable
)

var kindNames = map[Kind]string{
	Int:    "Int",
	Bool:   "Bool",
	String: "String",
	Unit:   "Unit",
	Dyn:    "Dyn",
	Func:   "Func",
	Param:  "Param",
	Var:    "Var",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Concrete reports whether values of kind k exist at run time with that
// exact type.
func (k Kind) Concrete() bool { return k >= Int && k <= Unit }

// Type is a DeepSema type. Name and Bounds apply to Param, Var to Var,
// Params and Ret to Func.
type Type struct {
	Kind   Kind
	Name   string
	Bounds []string
	Var    int
	Params []Type
	Ret    *Type
}

// Of returns the type of a simple kind.
func Of(k Kind) Type { return Type{Kind: k} }

// FuncOf returns a function type.
func FuncOf(params []Type, ret Type) Type {
	return Type{Kind: Func, Params: params, Ret: &ret}
}

// ParamOf returns a rigid type parameter.
func ParamOf(tp ir.TypeParam) Type {
	return Type{Kind: Param, Name: tp.Name, Bounds: tp.Bounds}
}

func (t Type) String() string {
	switch t.Kind {
	case Param:
		return t.Name
	case Var:
		return fmt.Sprintf("?%d", t.Var)
	case Func:
		parts := make([]string, len(t.Params))
		for i, p := range t.Params {
			parts[i] = p.String()
		}
		ret := "?"
		if t.Ret != nil {
			ret = t.Ret.String()
		}
		return "fn(" + strings.Join(parts, ", ") + ") -> " + ret
	}
	return t.Kind.String()
}

// SurfaceName is the name of t as written in a declaration. Function
// types have no surface syntax and are written as Dyn.
func (t Type) SurfaceName() string {
	switch t.Kind {
	case Int, Bool, String, Unit, Param:
		return t.String()
	}
	return "Dyn"
}

// Same reports structural equality.
func Same(a, b Type) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Param:
		return a.Name == b.Name
	case Var:
		return a.Var == b.Var
	case Func:
		if len(a.Params) != len(b.Params) || !Same(*a.Ret, *b.Ret) {
			return false
		}
		for i := range a.Params {
			if !Same(a.Params[i], b.Params[i]) {
				return false
			}
		}
	}
	return true
}

// parseType reads a declared type name. tparams are the type parameters in
// scope.
func parseType(name string, tparams []ir.TypeParam) (Type, bool) {
	for _, tp := range tparams {
		if tp.Name == name {
			return ParamOf(tp), true
		}
	}
	switch name {
	case "Int":
		return Of(Int), true
	case "Bool":
		return Of(Bool), true
	case "String":
		return Of(String), true
	case "Unit":
		return Of(Unit), true
	case "Dyn":
		return Of(Dyn), true
	}
	return Type{}, false
}

// substitute replaces type parameters by name.
func substitute(t Type, subst map[string]Type) Type {
	switch t.Kind {
	case Param:
		if r, ok := subst[t.Name]; ok {
			return r
		}
	case Func:
		params := make([]Type, len(t.Params))
		for i, p := range t.Params {
			params[i] = substitute(p, subst)
		}
		return FuncOf(params, substitute(*t.Ret, subst))
	}
	return t
}

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// Builtin capabilities required by operators.
const (
	CapAdd   = "Add"   // +
	CapArith = "Arith" // - * / % neg
	CapOrd   = "Ord"   // < <= > >=
	CapEq    = "Eq"    // == !=
)

var builtinCaps = map[string]map[Kind]bool{
	CapAdd:   {Int: true, String: true},
	CapArith: {Int: true},
	CapOrd:   {Int: true, String: true},
}

func isBuiltinCap(name string) bool {
	_, ok := builtinCaps[name]
	return ok || name == CapEq
}

func opCapability(op ir.Op) string {
	switch op {
	case ir.OpAdd:
		return CapAdd
	case ir.OpEq, ir.OpNe:
		return CapEq
	case ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		return CapOrd
	}
	return CapArith
}
