package codegen

import "github.com/chazu/kayton/pkg/ir"

// reachable returns the functions reachable from roots. The second result
// is false when any reachable code makes a late-bound call, in which case
// nothing can be pruned.
func reachable(mod *ir.Module, funcs []ir.NamedFunc, roots []string) (map[string]bool, bool) {
	scopes := ir.Resolve(mod)
	byName := make(map[string]ir.NamedFunc, len(funcs))
	methods := make(map[string][]string)
	for _, f := range funcs {
		byName[f.Name] = f
		if f.Impl.IsValid() {
			m := mod.Name(mod.Node(f.Func))
			methods[m] = append(methods[m], f.Name)
		}
	}

	keep := make(map[string]bool)
	work := append([]string(nil), roots...)
	dynamic := false
	for len(work) > 0 && !dynamic {
		name := work[len(work)-1]
		work = work[:len(work)-1]
		f, ok := byName[name]
		if !ok || keep[name] {
			continue
		}
		keep[name] = true
		mod.Walk(mod.Body(f.Func), func(n *ir.Node) bool {
			switch n.Kind {
			case ir.KindInvoke:
				dynamic = true
			case ir.KindCall:
				if decl, ok := scopes.Binding(n.ID); ok && mod.Node(decl).Kind != ir.KindFunc {
					dynamic = true
				}
				work = append(work, mod.Name(n))
			case ir.KindName:
				// Function references travel as names.
				if decl, ok := scopes.Binding(n.ID); !ok || mod.Node(decl).Kind == ir.KindFunc {
					work = append(work, mod.Name(n))
				}
			case ir.KindSend:
				work = append(work, methods[mod.Name(n)]...)
			}
			return !dynamic
		})
	}
	if dynamic {
		return nil, false
	}
	return keep, true
}
