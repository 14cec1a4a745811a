package ir

import "strings"

// NameSep joins the parts of mangled names.
const NameSep = "$"

// MethodName is the function name of an impl method: Trait$Type$method.
func MethodName(trait, typ, method string) string {
	return trait + NameSep + typ + NameSep + method
}

// InstanceName is the name of a monomorphized instance: name$Arg1$Arg2.
func InstanceName(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + NameSep + strings.Join(args, NameSep)
}

// ImplMethods returns the impl method declarations of mod in item order.
func (m *Module) ImplMethods() []NamedFunc {
	var out []NamedFunc
	for _, f := range m.AllFuncs() {
		if f.Impl.IsValid() {
			out = append(out, f)
		}
	}
	return out
}

// NamedFunc is a function declaration with the name it is compiled under.
type NamedFunc struct {
	Name  string
	Func  NodeID
	Impl  NodeID // the enclosing impl, or NoNode
	Trait string
	Type  string
}

// AllFuncs returns every compiled function in item order: top-level
// functions under their own names and impl methods under mangled names.
func (m *Module) AllFuncs() []NamedFunc {
	var out []NamedFunc
	for _, id := range m.Items() {
		n := m.Node(id)
		switch n.Kind {
		case KindFunc:
			out = append(out, NamedFunc{Name: m.Name(n), Func: id})
		case KindImpl:
			for _, f := range n.Children {
				out = append(out, NamedFunc{
					Name:  MethodName(m.Name(n), n.TypeExpr, m.Name(m.Node(f))),
					Func:  f,
					Impl:  id,
					Trait: m.Name(n),
					Type:  n.TypeExpr,
				})
			}
		}
	}
	return out
}
